// Package devicecache remembers how to reach a peripheral by name so that
// repeated connects skip a slow discovery scan. Lookups for the same name
// that race each other trigger a single scan.
package devicecache

import (
	"context"
	"time"
)

// ResolveFunc discovers the address of a named device when the cache
// misses. It should honour ctx; scans are slow.
type ResolveFunc[T any] func(ctx context.Context) (T, error)

// Cache maps device names to addresses of type T.
type Cache[T any] interface {
	// Resolve returns the cached address for name, or calls resolve, stores
	// its result for ttl and returns it. Failed resolutions are not cached.
	//
	// Parameters:
	//   - ctx: Context for cancellation and timeout control
	//   - name: The advertised device name or other identifier
	//   - ttl: How long a resolved address stays valid
	//   - resolve: Discovery fallback for a miss
	//
	// Returns:
	//   - The address
	//   - An error if the cache or the discovery failed
	Resolve(ctx context.Context, name string, ttl time.Duration, resolve ResolveFunc[T]) (T, error)

	// Forget drops the cached address for name, e.g. after a connect to it
	// failed because the device moved or re-paired.
	Forget(ctx context.Context, name string) error

	// Clear drops every cached address.
	Clear(ctx context.Context) error
}
