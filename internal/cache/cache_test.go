package cache_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"code.cloudfoundry.org/clock/fakeclock"
	"codeberg.org/mutker/droidmon/internal/cache"
	"codeberg.org/mutker/droidmon/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newCache(t *testing.T, mutate func(*cache.Config)) (*cache.Cache, *fakeclock.FakeClock) {
	t.Helper()

	cfg := cache.DefaultConfig(2 * time.Second)
	if mutate != nil {
		mutate(&cfg)
	}
	clk := fakeclock.NewFakeClock(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))

	c, err := cache.New(cfg, cache.WithClock(clk))
	require.NoError(t, err)
	return c, clk
}

func TestDefaultConfig(t *testing.T) {
	assert.Equal(t, time.Second, cache.DefaultConfig(2*time.Second).HotTTL)
	assert.Equal(t, cache.MinHotTTL, cache.DefaultConfig(time.Second/2).HotTTL)
	assert.Equal(t, 15*time.Second, cache.DefaultConfig(time.Minute).WarmTTL)
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*cache.Config)
	}{
		{"hot ttl below floor", func(c *cache.Config) { c.HotTTL = 100 * time.Millisecond }},
		{"warm ttl too short", func(c *cache.Config) { c.WarmTTL = 5 * time.Second }},
		{"warm ttl too long", func(c *cache.Config) { c.WarmTTL = time.Minute }},
		{"negative grace", func(c *cache.Config) { c.GraceFactor = -1 }},
		{"negative load timeout", func(c *cache.Config) { c.LoadTimeout = -time.Second }},
		{"empty tier", func(c *cache.Config) { c.HotSize = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := cache.DefaultConfig(2 * time.Second)
			tt.mutate(&cfg)
			_, err := cache.New(cfg)
			require.Error(t, err)
			assert.True(t, errors.HasCode(err, errors.ErrInvalidConfig))
		})
	}
}

func TestGetHonoursTTL(t *testing.T) {
	c, clk := newCache(t, nil)
	key := cache.Key{Metric: "cpuinfo"}

	c.Put(key, "12% 1234/com.example.app", cache.Hot)

	value, ok := c.Get(key)
	require.True(t, ok)
	assert.Equal(t, "12% 1234/com.example.app", value)

	clk.Increment(999 * time.Millisecond)
	_, ok = c.Get(key)
	assert.True(t, ok)

	clk.Increment(2 * time.Millisecond)
	_, ok = c.Get(key)
	assert.False(t, ok, "hot entry must not be served past its TTL")

	stats := c.Stats()
	assert.Equal(t, uint64(2), stats.Hits)
	assert.Equal(t, uint64(1), stats.Misses)
}

func TestWarmTierOutlivesHot(t *testing.T) {
	c, clk := newCache(t, nil)
	pid := cache.Key{Metric: "pid", App: "com.example.app"}

	c.Put(pid, "4242", cache.Warm)

	clk.Increment(10 * time.Second)
	value, ok := c.Get(pid)
	require.True(t, ok)
	assert.Equal(t, "4242", value)

	clk.Increment(5 * time.Second)
	_, ok = c.Get(pid)
	assert.False(t, ok)
}

func TestExpiredEntriesAreDropped(t *testing.T) {
	c, clk := newCache(t, nil)
	key := cache.Key{Metric: "battery"}

	c.Put(key, "level: 80", cache.Hot)
	clk.Increment(3 * time.Second)
	_, ok := c.Get(key)
	assert.False(t, ok)
	assert.Equal(t, 1, c.Len(cache.Hot), "entry within grace is kept for fallback")

	clk.Increment(2 * time.Second)
	_, ok = c.Get(key)
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len(cache.Hot))
}

func TestInvalidate(t *testing.T) {
	c, _ := newCache(t, nil)
	key := cache.Key{Metric: "pid", App: "com.example.app"}

	c.Put(key, "4242", cache.Warm)
	c.Invalidate(key)

	_, ok := c.Get(key)
	assert.False(t, ok)
}

func TestLRUEviction(t *testing.T) {
	c, _ := newCache(t, func(cfg *cache.Config) { cfg.HotSize = 2 })

	c.Put(cache.Key{Metric: "a"}, "1", cache.Hot)
	c.Put(cache.Key{Metric: "b"}, "2", cache.Hot)
	c.Get(cache.Key{Metric: "a"})
	c.Put(cache.Key{Metric: "c"}, "3", cache.Hot)

	_, ok := c.Get(cache.Key{Metric: "b"})
	assert.False(t, ok, "least recently used entry is evicted")
	_, ok = c.Get(cache.Key{Metric: "a"})
	assert.True(t, ok)
	assert.Equal(t, uint64(1), c.Stats().Evictions)
}

func TestFetchReadsThrough(t *testing.T) {
	c, clk := newCache(t, nil)
	key := cache.Key{Metric: "meminfo", App: "com.example.app"}

	var calls int32
	load := func(context.Context) (string, error) {
		atomic.AddInt32(&calls, 1)
		return "TOTAL PSS: 2048", nil
	}

	for i := 0; i < 3; i++ {
		value, degraded, err := c.Fetch(context.Background(), key, cache.Hot, load)
		require.NoError(t, err)
		assert.False(t, degraded)
		assert.Equal(t, "TOTAL PSS: 2048", value)
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))

	clk.Increment(time.Second)
	_, _, err := c.Fetch(context.Background(), key, cache.Hot, load)
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestFetchCoalescesConcurrentLoads(t *testing.T) {
	c, _ := newCache(t, nil)
	key := cache.Key{Metric: "status", App: "com.example.app", Sub: "4242"}

	var calls int32
	started := make(chan struct{})
	release := make(chan struct{})
	load := func(context.Context) (string, error) {
		if atomic.AddInt32(&calls, 1) == 1 {
			close(started)
		}
		<-release
		return "VmRSS: 1024 kB", nil
	}

	var wg sync.WaitGroup
	results := make([]string, 3)
	fetch := func(i int) {
		defer wg.Done()
		value, _, err := c.Fetch(context.Background(), key, cache.Hot, load)
		assert.NoError(t, err)
		results[i] = value
	}

	wg.Add(1)
	go fetch(0)
	<-started

	wg.Add(2)
	go fetch(1)
	go fetch(2)
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	for _, value := range results {
		assert.Equal(t, "VmRSS: 1024 kB", value)
	}
}

func TestFetchServesStaleOnDeviceFailure(t *testing.T) {
	c, clk := newCache(t, nil)
	key := cache.Key{Metric: "cpuinfo"}

	ok := func(context.Context) (string, error) { return "42% TOTAL", nil }
	_, _, err := c.Fetch(context.Background(), key, cache.Hot, ok)
	require.NoError(t, err)

	for _, code := range []errors.ErrorCode{errors.ErrDeviceUnavailable, errors.ErrCommandTimeout} {
		clk.Increment(time.Second)
		failing := func(context.Context) (string, error) { return "", errors.New().New(code) }

		value, degraded, err := c.Fetch(context.Background(), key, cache.Hot, failing)
		require.NoError(t, err, string(code))
		assert.True(t, degraded)
		assert.Equal(t, "42% TOTAL", value)
	}
	assert.Equal(t, uint64(2), c.Stats().Stale)

	// hot TTL 1s plus 3s grace
	clk.Increment(2100 * time.Millisecond)
	_, _, err = c.Fetch(context.Background(), key, cache.Hot, func(context.Context) (string, error) {
		return "", errors.New().New(errors.ErrDeviceUnavailable)
	})
	assert.True(t, errors.HasCode(err, errors.ErrDeviceUnavailable))
}

func TestFetchDoesNotMaskOtherFailures(t *testing.T) {
	c, clk := newCache(t, nil)
	key := cache.Key{Metric: "gfxinfo", App: "com.example.game"}

	c.Put(key, "---PROFILEDATA---", cache.Hot)
	clk.Increment(1500 * time.Millisecond)

	_, degraded, err := c.Fetch(context.Background(), key, cache.Hot, func(context.Context) (string, error) {
		return "", errors.New().New(errors.ErrCommandFailed)
	})
	assert.False(t, degraded)
	assert.True(t, errors.HasCode(err, errors.ErrCommandFailed))
}

func TestFetchWithoutGrace(t *testing.T) {
	c, clk := newCache(t, func(cfg *cache.Config) { cfg.GraceFactor = 0 })
	key := cache.Key{Metric: "cpuinfo"}

	c.Put(key, "42% TOTAL", cache.Hot)
	clk.Increment(1500 * time.Millisecond)

	_, degraded, err := c.Fetch(context.Background(), key, cache.Hot, func(context.Context) (string, error) {
		return "", errors.New().New(errors.ErrCommandTimeout)
	})
	assert.False(t, degraded)
	assert.True(t, errors.HasCode(err, errors.ErrCommandTimeout))
}

func TestWarmStaleBoundedByOwnGrace(t *testing.T) {
	c, clk := newCache(t, func(cfg *cache.Config) { cfg.GraceFactor = 1 })
	key := cache.Key{Metric: "uid", App: "com.example.app"}
	failing := func(context.Context) (string, error) {
		return "", errors.New().New(errors.ErrDeviceUnavailable)
	}

	c.Put(key, "10123", cache.Warm)

	clk.Increment(20 * time.Second)
	value, degraded, err := c.Fetch(context.Background(), key, cache.Warm, failing)
	require.NoError(t, err)
	assert.True(t, degraded)
	assert.Equal(t, "10123", value)

	clk.Increment(11 * time.Second)
	_, _, err = c.Fetch(context.Background(), key, cache.Warm, failing)
	assert.Error(t, err)
}

func TestFetchTTLFollowsCaller(t *testing.T) {
	c, clk := newCache(t, nil)
	key := cache.Key{Metric: "cpuinfo"}

	var calls int32
	load := func(context.Context) (string, error) {
		return string(rune('0' + atomic.AddInt32(&calls, 1))), nil
	}

	// configured hot TTL is 1s; a 1s session reads with 500ms
	var values []string
	for i := 0; i < 4; i++ {
		value, degraded, err := c.FetchTTL(context.Background(), key, cache.Hot, 500*time.Millisecond, load)
		require.NoError(t, err)
		assert.False(t, degraded)
		values = append(values, value)
		clk.Increment(time.Second)
	}
	assert.Equal(t, []string{"1", "2", "3", "4"}, values)
	assert.Equal(t, int32(4), atomic.LoadInt32(&calls))
}

func TestFetchTTLKeepsStaleForLongIntervals(t *testing.T) {
	c, clk := newCache(t, nil)
	key := cache.Key{Metric: "battery"}
	ttl := cache.HotTTLFor(time.Minute)

	_, _, err := c.FetchTTL(context.Background(), key, cache.Hot, ttl, func(context.Context) (string, error) {
		return "level: 80", nil
	})
	require.NoError(t, err)

	clk.Increment(time.Minute)
	_, ok := c.Get(key)
	assert.False(t, ok)
	assert.Equal(t, 1, c.Len(cache.Hot), "entry within the longest caller's grace is kept")

	value, degraded, err := c.FetchTTL(context.Background(), key, cache.Hot, ttl, func(context.Context) (string, error) {
		return "", errors.New().New(errors.ErrDeviceUnavailable)
	})
	require.NoError(t, err)
	assert.True(t, degraded)
	assert.Equal(t, "level: 80", value)
}

func TestIntervalTTL(t *testing.T) {
	c, _ := newCache(t, nil)
	assert.Equal(t, 500*time.Millisecond, c.IntervalTTL(time.Second))
	assert.Equal(t, 30*time.Second, c.IntervalTTL(time.Minute))

	pinned, _ := newCache(t, func(cfg *cache.Config) { cfg.PinHotTTL = true })
	assert.Equal(t, time.Second, pinned.IntervalTTL(time.Minute))
}

func TestSharedLoadSurvivesCallerCancellation(t *testing.T) {
	c, _ := newCache(t, nil)
	key := cache.Key{Metric: "cpuinfo"}

	started := make(chan struct{})
	release := make(chan struct{})
	load := func(ctx context.Context) (string, error) {
		close(started)
		select {
		case <-release:
			return "20% TOTAL", nil
		case <-ctx.Done():
			return "", errors.New().Wrap(errors.ErrCommandTimeout, ctx.Err())
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, _, err := c.Fetch(ctx, key, cache.Hot, load)
		firstErr <- err
	}()
	<-started

	type result struct {
		value string
		err   error
	}
	second := make(chan result, 1)
	go func() {
		value, _, err := c.Fetch(context.Background(), key, cache.Hot, load)
		second <- result{value, err}
	}()
	time.Sleep(50 * time.Millisecond)

	cancel()
	assert.True(t, errors.HasCode(<-firstErr, errors.ErrCommandTimeout), "the canceled caller gives up")

	close(release)
	res := <-second
	require.NoError(t, res.err)
	assert.Equal(t, "20% TOTAL", res.value)
}

func TestSharedLoadIsBounded(t *testing.T) {
	c, _ := newCache(t, func(cfg *cache.Config) { cfg.LoadTimeout = 20 * time.Millisecond })

	_, _, err := c.Fetch(context.Background(), cache.Key{Metric: "gfxinfo"}, cache.Hot, func(ctx context.Context) (string, error) {
		<-ctx.Done()
		return "", errors.New().Wrap(errors.ErrCommandTimeout, ctx.Err())
	})
	assert.True(t, errors.HasCode(err, errors.ErrCommandTimeout))
}
