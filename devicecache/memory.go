package devicecache

import (
	"context"
	"fmt"
	"time"

	"github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"
)

// Memory is an in-process Cache backed by go-cache, with singleflight so
// concurrent misses for one name share a single discovery.
type Memory[T any] struct {
	cache *cache.Cache
	group singleflight.Group
}

var _ Cache[string] = (*Memory[string])(nil)

// NewMemory creates a Memory cache.
//
// Parameters:
//   - defaultTTL: TTL used when Resolve is called with ttl 0
//   - cleanupInterval: How often expired entries are purged
//
// Returns:
//   - A new Memory cache
func NewMemory[T any](defaultTTL, cleanupInterval time.Duration) *Memory[T] {
	return &Memory[T]{
		cache: cache.New(defaultTTL, cleanupInterval),
	}
}

// Resolve implements Cache.
func (m *Memory[T]) Resolve(ctx context.Context, name string, ttl time.Duration, resolve ResolveFunc[T]) (T, error) {
	var zero T

	if addr, ok := m.lookup(name); ok {
		return addr, nil
	}

	val, err, _ := m.group.Do(name, func() (interface{}, error) {
		// Another caller may have resolved it while we waited.
		if addr, ok := m.lookup(name); ok {
			return addr, nil
		}

		addr, err := resolve(ctx)
		if err != nil {
			return zero, err
		}

		if ttl == 0 {
			ttl = cache.DefaultExpiration
		}

		m.cache.Set(name, addr, ttl)
		return addr, nil
	})
	if err != nil {
		return zero, err
	}

	addr, ok := val.(T)
	if !ok {
		return zero, fmt.Errorf("unexpected type cached for device %s", name)
	}

	return addr, nil
}

func (m *Memory[T]) lookup(name string) (T, bool) {
	var zero T

	val, found := m.cache.Get(name)
	if !found {
		return zero, false
	}

	addr, ok := val.(T)
	return addr, ok
}

// Forget implements Cache.
func (m *Memory[T]) Forget(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.cache.Delete(name)
	return nil
}

// Clear implements Cache.
func (m *Memory[T]) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.cache.Flush()
	return nil
}

// Len returns the number of cached devices, including expired entries not
// yet purged.
func (m *Memory[T]) Len() int {
	return m.cache.ItemCount()
}
