package devicecache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultLockTTL     = 30 * time.Second
	defaultWaitTimeout = 2 * time.Minute
	maxBackoff         = 500 * time.Millisecond
)

var (
	// ErrPeerDiscoveryFailed is returned when another process held the
	// discovery lock and released it without storing an address.
	ErrPeerDiscoveryFailed = errors.New("device discovery by another process failed")

	// ErrWaitTimeout is returned when another process's discovery did not
	// finish in time.
	ErrWaitTimeout = errors.New("timeout waiting for device discovery")
)

// releaseLock deletes the lock only if this caller still owns it.
const releaseLock = `
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	else
		return 0
	end
`

// extendLockScript refreshes the lock TTL only if this caller still owns it.
const extendLockScript = `
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("pexpire", KEYS[1], ARGV[2])
	else
		return 0
	end
`

// Redis is a Cache shared between processes, e.g. several gateways on one
// host talking to the same fleet of modules. Addresses are stored as JSON
// under prefix+name. A short-lived lock key makes one process run the
// discovery while the others wait for its result.
type Redis[T any] struct {
	client      *redis.Client
	prefix      string
	lockTTL     time.Duration
	waitTimeout time.Duration
}

var _ Cache[string] = (*Redis[string])(nil)

// NewRedis creates a Redis cache. An empty prefix uses "blueduff:device:".
//
// Example:
//
//	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	devices := devicecache.NewRedis[bluetooth.Address](client, "")
func NewRedis[T any](client *redis.Client, prefix string) *Redis[T] {
	if prefix == "" {
		prefix = "blueduff:device:"
	}

	return &Redis[T]{
		client:      client,
		prefix:      prefix,
		lockTTL:     defaultLockTTL,
		waitTimeout: defaultWaitTimeout,
	}
}

// Resolve implements Cache.
func (r *Redis[T]) Resolve(ctx context.Context, name string, ttl time.Duration, resolve ResolveFunc[T]) (T, error) {
	var zero T
	key := r.prefix + name

	addr, found, err := r.get(ctx, key)
	if err != nil || found {
		return addr, err
	}

	lockKey := key + ":lock"
	lockValue := fmt.Sprintf("%d", time.Now().UnixNano())

	acquired, err := r.client.SetNX(ctx, lockKey, lockValue, r.lockTTL).Result()
	if err != nil {
		return zero, fmt.Errorf("failed to acquire lock: %w", err)
	}

	if !acquired {
		return r.wait(ctx, key, lockKey)
	}

	defer r.client.Eval(context.Background(), releaseLock, []string{lockKey}, lockValue)

	// Scans can outlast the lock TTL; keep the lock while this one runs.
	stop := make(chan struct{})
	defer close(stop)
	go r.extendLock(lockKey, lockValue, stop)

	addr, err = resolve(ctx)
	if err != nil {
		return zero, err
	}

	data, err := json.Marshal(addr)
	if err != nil {
		return zero, fmt.Errorf("failed to marshal address: %w", err)
	}

	if err := r.client.Set(context.Background(), key, data, ttl).Err(); err != nil {
		return zero, fmt.Errorf("failed to cache address: %w", err)
	}

	return addr, nil
}

func (r *Redis[T]) get(ctx context.Context, key string) (T, bool, error) {
	var zero T

	val, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return zero, false, nil
	}

	if err != nil {
		return zero, false, fmt.Errorf("redis get error: %w", err)
	}

	var addr T
	if err := json.Unmarshal([]byte(val), &addr); err != nil {
		return zero, false, fmt.Errorf("failed to unmarshal cached address: %w", err)
	}

	return addr, true, nil
}

// extendLock pushes the lock expiry forward every third of its TTL until
// stop is closed or the lock is lost.
func (r *Redis[T]) extendLock(lockKey, lockValue string, stop <-chan struct{}) {
	ticker := time.NewTicker(r.lockTTL / 3)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			n, err := r.client.Eval(context.Background(), extendLockScript, []string{lockKey}, lockValue, r.lockTTL.Milliseconds()).Int()
			if err != nil || n == 0 {
				return
			}
		}
	}
}

// wait polls with exponential backoff until the lock holder has stored an
// address, the lock disappears without one, or the wait timeout passes.
func (r *Redis[T]) wait(ctx context.Context, key, lockKey string) (T, error) {
	var zero T

	backoff := 10 * time.Millisecond
	deadline := time.Now().Add(r.waitTimeout)

	for time.Now().Before(deadline) {
		addr, found, err := r.get(ctx, key)
		if err != nil || found {
			return addr, err
		}

		exists, err := r.client.Exists(ctx, lockKey).Result()
		if err != nil {
			return zero, fmt.Errorf("failed to check lock existence: %w", err)
		}

		if exists == 0 {
			if addr, found, err := r.get(ctx, key); err != nil || found {
				return addr, err
			}

			return zero, ErrPeerDiscoveryFailed
		}

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, ctx.Err()
		case <-timer.C:
		}

		backoff = min(backoff*2, maxBackoff)
	}

	return zero, ErrWaitTimeout
}

// Forget implements Cache.
func (r *Redis[T]) Forget(ctx context.Context, name string) error {
	if err := r.client.Del(ctx, r.prefix+name).Err(); err != nil {
		return fmt.Errorf("failed to delete device %s: %w", name, err)
	}

	return nil
}

// Clear implements Cache. Only keys under the cache prefix are removed.
func (r *Redis[T]) Clear(ctx context.Context) error {
	iter := r.client.Scan(ctx, 0, r.prefix+"*", 0).Iterator()

	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}

	if err := iter.Err(); err != nil {
		return fmt.Errorf("failed to scan keys: %w", err)
	}

	if len(keys) == 0 {
		return nil
	}

	if err := r.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("failed to delete keys: %w", err)
	}

	return nil
}
