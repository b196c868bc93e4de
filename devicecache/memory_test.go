package devicecache

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type address struct {
	MAC  [6]byte
	Name string
}

func TestMemory_Resolve_Miss(t *testing.T) {
	c := NewMemory[string](cache.NoExpiration, time.Minute)

	scans := 0
	addr, err := c.Resolve(context.Background(), "HC-05", time.Minute, func(context.Context) (string, error) {
		scans++
		return "98:D3:31:F5:8A:12", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "98:D3:31:F5:8A:12", addr)
	assert.Equal(t, 1, scans)
	assert.Equal(t, 1, c.Len())
}

func TestMemory_Resolve_Hit(t *testing.T) {
	c := NewMemory[string](cache.NoExpiration, time.Minute)
	ctx := context.Background()

	_, err := c.Resolve(ctx, "HC-05", time.Minute, func(context.Context) (string, error) {
		return "98:D3:31:F5:8A:12", nil
	})
	require.NoError(t, err)

	addr, err := c.Resolve(ctx, "HC-05", time.Minute, func(context.Context) (string, error) {
		t.Fatal("cached device should not be rediscovered")
		return "", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "98:D3:31:F5:8A:12", addr)
}

func TestMemory_Resolve_FailureNotCached(t *testing.T) {
	c := NewMemory[string](cache.NoExpiration, time.Minute)
	ctx := context.Background()

	addr, err := c.Resolve(ctx, "HC-05", time.Minute, func(context.Context) (string, error) {
		return "", assert.AnError
	})
	assert.ErrorIs(t, err, assert.AnError)
	assert.Empty(t, addr)
	assert.Zero(t, c.Len())

	addr, err = c.Resolve(ctx, "HC-05", time.Minute, func(context.Context) (string, error) {
		return "98:D3:31:F5:8A:12", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "98:D3:31:F5:8A:12", addr)
}

func TestMemory_Resolve_Expiry(t *testing.T) {
	c := NewMemory[string](cache.NoExpiration, time.Minute)
	ctx := context.Background()

	var scans atomic.Int32
	resolve := func(context.Context) (string, error) {
		scans.Add(1)
		return "98:D3:31:F5:8A:12", nil
	}

	_, err := c.Resolve(ctx, "HC-05", 5*time.Millisecond, resolve)
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)

	_, err = c.Resolve(ctx, "HC-05", 5*time.Millisecond, resolve)
	require.NoError(t, err)
	assert.Equal(t, int32(2), scans.Load())
}

func TestMemory_Resolve_ConcurrentSameName(t *testing.T) {
	c := NewMemory[string](cache.NoExpiration, time.Minute)

	var scans atomic.Int32
	resolve := func(context.Context) (string, error) {
		scans.Add(1)
		time.Sleep(20 * time.Millisecond)
		return "98:D3:31:F5:8A:12", nil
	}

	const callers = 10
	var wg sync.WaitGroup
	results := make([]string, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			addr, err := c.Resolve(context.Background(), "HC-05", time.Minute, resolve)
			assert.NoError(t, err)
			results[i] = addr
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), scans.Load())
	for _, addr := range results {
		assert.Equal(t, "98:D3:31:F5:8A:12", addr)
	}
}

func TestMemory_Resolve_StructAddress(t *testing.T) {
	c := NewMemory[address](cache.NoExpiration, time.Minute)
	want := address{MAC: [6]byte{0x98, 0xd3, 0x31, 0xf5, 0x8a, 0x12}, Name: "HC-05"}

	got, err := c.Resolve(context.Background(), "HC-05", time.Minute, func(context.Context) (address, error) {
		return want, nil
	})
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestMemory_Forget(t *testing.T) {
	c := NewMemory[string](cache.NoExpiration, time.Minute)
	ctx := context.Background()

	_, err := c.Resolve(ctx, "HC-05", time.Minute, func(context.Context) (string, error) {
		return "old", nil
	})
	require.NoError(t, err)

	require.NoError(t, c.Forget(ctx, "HC-05"))
	require.NoError(t, c.Forget(ctx, "never-seen"))

	addr, err := c.Resolve(ctx, "HC-05", time.Minute, func(context.Context) (string, error) {
		return "new", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "new", addr)
}

func TestMemory_Clear(t *testing.T) {
	c := NewMemory[string](cache.NoExpiration, time.Minute)
	ctx := context.Background()

	for _, name := range []string{"HC-05", "HC-06", "HM-10"} {
		_, err := c.Resolve(ctx, name, time.Minute, func(context.Context) (string, error) {
			return name, nil
		})
		require.NoError(t, err)
	}
	assert.Equal(t, 3, c.Len())

	require.NoError(t, c.Clear(ctx))
	assert.Zero(t, c.Len())
}

func TestMemory_CancelledContext(t *testing.T) {
	c := NewMemory[string](cache.NoExpiration, time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, c.Forget(ctx, "HC-05"), context.Canceled)
	assert.ErrorIs(t, c.Clear(ctx), context.Canceled)

	_, err := c.Resolve(ctx, "HC-05", time.Minute, func(ctx context.Context) (string, error) {
		return "", ctx.Err()
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMemory_Interface(t *testing.T) {
	var c Cache[string] = NewMemory[string](time.Minute, time.Minute)
	assert.NotNil(t, c)
}
