package cache

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type cacheFixture struct {
	cache   Cache
	advance func(time.Duration)
}

func setupRedisCacheTest(t *testing.T) cacheFixture {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)

	c, err := NewRedis(RedisConfig{URL: "redis://" + mr.Addr(), MaxRetries: 3, PoolSize: 10})
	if err != nil {
		mr.Close()
		t.Fatalf("Failed to create Redis cache: %v", err)
	}

	t.Cleanup(func() {
		c.Close()
		mr.Close()
	})

	return cacheFixture{cache: c, advance: mr.FastForward}
}

func setupMemoryCacheTest(t *testing.T) cacheFixture {
	t.Helper()

	clock := &testClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	c, err := NewMemory(100, WithClock(clock.Now))
	require.NoError(t, err)

	return cacheFixture{cache: c, advance: clock.Advance}
}

func forEachCache(t *testing.T, fn func(t *testing.T, f cacheFixture)) {
	t.Run("redis", func(t *testing.T) { fn(t, setupRedisCacheTest(t)) })
	t.Run("memory", func(t *testing.T) { fn(t, setupMemoryCacheTest(t)) })
}

func TestCache_GetSet(t *testing.T) {
	forEachCache(t, func(t *testing.T, f cacheFixture) {
		ctx := context.Background()

		_, err := f.cache.Get(ctx, "missing")
		assert.True(t, errors.Is(err, ErrMiss))

		require.NoError(t, f.cache.Set(ctx, "k", "v", time.Minute))

		got, err := f.cache.Get(ctx, "k")
		require.NoError(t, err)
		assert.Equal(t, "v", got)

		require.NoError(t, f.cache.Set(ctx, "k", "v2", time.Minute))
		got, err = f.cache.Get(ctx, "k")
		require.NoError(t, err)
		assert.Equal(t, "v2", got)
	})
}

func TestCache_RejectsNonPositiveTTL(t *testing.T) {
	forEachCache(t, func(t *testing.T, f cacheFixture) {
		err := f.cache.Set(context.Background(), "k", "v", 0)
		assert.True(t, errors.Is(err, ErrInvalidTTL))
	})
}

func TestCache_Expiry(t *testing.T) {
	forEachCache(t, func(t *testing.T, f cacheFixture) {
		ctx := context.Background()
		require.NoError(t, f.cache.Set(ctx, "k", "v", 15*time.Minute))

		f.advance(14 * time.Minute)
		_, err := f.cache.Get(ctx, "k")
		require.NoError(t, err)

		f.advance(2 * time.Minute)
		_, err = f.cache.Get(ctx, "k")
		assert.True(t, errors.Is(err, ErrMiss))
	})
}

func TestCache_GetDel(t *testing.T) {
	forEachCache(t, func(t *testing.T, f cacheFixture) {
		ctx := context.Background()
		require.NoError(t, f.cache.Set(ctx, "reset", "user-1", time.Minute))

		got, err := f.cache.GetDel(ctx, "reset")
		require.NoError(t, err)
		assert.Equal(t, "user-1", got)

		_, err = f.cache.GetDel(ctx, "reset")
		assert.True(t, errors.Is(err, ErrMiss))
	})
}

func TestCache_GetDelConcurrentSingleWinner(t *testing.T) {
	forEachCache(t, func(t *testing.T, f cacheFixture) {
		ctx := context.Background()
		require.NoError(t, f.cache.Set(ctx, "reset", "user-1", time.Minute))

		var wg sync.WaitGroup
		var mu sync.Mutex
		winners := 0
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := f.cache.GetDel(ctx, "reset"); err == nil {
					mu.Lock()
					winners++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, 1, winners)
	})
}

func TestCache_DeleteAndPattern(t *testing.T) {
	forEachCache(t, func(t *testing.T, f cacheFixture) {
		ctx := context.Background()
		for _, k := range []string{"refresh_token:u1:a", "refresh_token:u1:b", "refresh_token:u2:c", "other"} {
			require.NoError(t, f.cache.Set(ctx, k, "x", time.Minute))
		}

		require.NoError(t, f.cache.Delete(ctx, "other", "never-set"))
		_, err := f.cache.Get(ctx, "other")
		assert.True(t, errors.Is(err, ErrMiss))

		n, err := f.cache.DeletePattern(ctx, "refresh_token:u1:*")
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		var left []string
		for _, k := range []string{"refresh_token:u1:a", "refresh_token:u1:b", "refresh_token:u2:c"} {
			if _, err := f.cache.Get(ctx, k); err == nil {
				left = append(left, k)
			}
		}
		sort.Strings(left)
		assert.Equal(t, []string{"refresh_token:u2:c"}, left)

		require.NoError(t, f.cache.Delete(ctx))
		assert.NoError(t, f.cache.Ping(ctx))
	})
}

func TestRedis_DeletePatternBatchesDeletes(t *testing.T) {
	mr := miniredis.RunT(t)
	c, err := NewRedis(RedisConfig{URL: "redis://" + mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })

	ctx := context.Background()
	const total = 250
	for i := 0; i < total; i++ {
		require.NoError(t, c.Set(ctx, fmt.Sprintf("refresh_token:u1:%03d", i), "x", time.Minute))
	}
	require.NoError(t, c.Set(ctx, "refresh_token:u2:keep", "x", time.Minute))

	before := mr.CommandCount()
	n, err := c.DeletePattern(ctx, "refresh_token:u1:*")
	require.NoError(t, err)
	assert.Equal(t, total, n)
	assert.Less(t, mr.CommandCount()-before, 20, "deletes are issued per scan page")

	assert.Equal(t, []string{"refresh_token:u2:keep"}, mr.Keys())
}

func TestNewRedis_InvalidURL(t *testing.T) {
	_, err := NewRedis(RedisConfig{URL: "://bad"})
	assert.Error(t, err)
}

func TestNewRedis_Unreachable(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	addr := mr.Addr()
	mr.Close()

	_, err = NewRedis(RedisConfig{URL: "redis://" + addr})
	assert.Error(t, err)
}

func TestMemory_LRUBound(t *testing.T) {
	m, err := NewMemory(2)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "a", "1", time.Minute))
	require.NoError(t, m.Set(ctx, "b", "2", time.Minute))
	require.NoError(t, m.Set(ctx, "c", "3", time.Minute))

	assert.Equal(t, 2, m.Len())
	_, err = m.Get(ctx, "a")
	assert.True(t, errors.Is(err, ErrMiss))
}

func TestMemory_InvalidPattern(t *testing.T) {
	m, err := NewMemory(0)
	require.NoError(t, err)

	_, err = m.DeletePattern(context.Background(), "[")
	assert.Error(t, err)
}
