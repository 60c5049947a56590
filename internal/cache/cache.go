package cache

import (
	"context"
	"sync"
	"time"

	"code.cloudfoundry.org/clock"
	"codeberg.org/mutker/droidmon/internal/errors"
	"codeberg.org/mutker/droidmon/internal/logger"
	"codeberg.org/mutker/droidmon/internal/telemetry"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"
)

// Cache is the two-tier store between the scheduler and the bridge. All
// methods are safe for concurrent use.
type Cache struct {
	cfg   Config
	clock clock.Clock

	mu    sync.Mutex
	tiers [2]*lru.Cache[Key, entry]
	stats Stats
	// longest TTL requested per tier; entries are kept that long plus grace
	longest [2]time.Duration

	loads    singleflight.Group
	recorder telemetry.Recorder
	log      logger.Logger
}

type Option func(*Cache)

func WithClock(clk clock.Clock) Option {
	return func(c *Cache) { c.clock = clk }
}

func WithRecorder(rec telemetry.Recorder) Option {
	return func(c *Cache) { c.recorder = rec }
}

func WithLogger(log logger.Logger) Option {
	return func(c *Cache) { c.log = log }
}

func New(cfg Config, opts ...Option) (*Cache, error) {
	errFactory := errors.New()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	c := &Cache{
		cfg:      cfg,
		clock:    clock.NewClock(),
		recorder: telemetry.Noop(),
		log:      logger.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}

	for tier, size := range map[Tier]int{Hot: cfg.HotSize, Warm: cfg.WarmSize} {
		store, err := lru.New[Key, entry](size)
		if err != nil {
			return nil, errFactory.Wrap(ErrInitFailed, err)
		}
		c.tiers[tier] = store
	}

	return c, nil
}

// Get returns a value younger than its tier's configured TTL. Entries past
// the tier's retention window are dropped on the way.
func (c *Cache) Get(key Key) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, tier := range []Tier{Hot, Warm} {
		if value, ok := c.freshLocked(key, tier, c.cfg.ttl(tier)); ok {
			c.hitLocked(tier)
			return value, true
		}
	}
	c.missLocked()
	return "", false
}

// lookup is Get restricted to one tier with a caller supplied TTL.
func (c *Cache) lookup(key Key, tier Tier, ttl time.Duration) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ttl > c.longest[tier] {
		c.longest[tier] = ttl
	}
	if value, ok := c.freshLocked(key, tier, ttl); ok {
		c.hitLocked(tier)
		return value, true
	}
	c.missLocked()
	return "", false
}

func (c *Cache) freshLocked(key Key, tier Tier, ttl time.Duration) (string, bool) {
	store := c.tiers[tier]
	e, ok := store.Peek(key)
	if !ok {
		return "", false
	}
	age := c.clock.Since(e.stored)
	if age < ttl {
		store.Get(key)
		return e.value, true
	}
	if age > c.retentionLocked(tier) {
		store.Remove(key)
	}
	return "", false
}

// retentionLocked is how long an entry of tier stays useful to anyone: the
// longest TTL any caller has asked for, plus its grace.
func (c *Cache) retentionLocked(tier Tier) time.Duration {
	ttl := c.cfg.ttl(tier)
	if c.longest[tier] > ttl {
		ttl = c.longest[tier]
	}
	return ttl + c.cfg.graceFor(ttl)
}

func (c *Cache) hitLocked(tier Tier) {
	c.stats.Hits++
	c.recorder.CacheLookup(tier.String(), telemetry.OutcomeHit)
}

func (c *Cache) missLocked() {
	c.stats.Misses++
	c.recorder.CacheLookup("any", telemetry.OutcomeMiss)
}

func (c *Cache) Put(key Key, value string, tier Tier) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if tier != Hot && tier != Warm {
		tier = Hot
	}
	if c.tiers[tier].Add(key, entry{value: value, stored: c.clock.Now()}) {
		c.stats.Evictions++
		c.recorder.CacheLookup(tier.String(), telemetry.OutcomeEviction)
	}
}

// Invalidate drops key from both tiers.
func (c *Cache) Invalidate(key Key) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.tiers[Hot].Remove(key)
	c.tiers[Warm].Remove(key)
}

// Fetch is FetchTTL with the tier's configured TTL.
func (c *Cache) Fetch(ctx context.Context, key Key, tier Tier, load Loader) (string, bool, error) {
	return c.FetchTTL(ctx, key, tier, 0, load)
}

// FetchTTL is a read-through lookup in tier treating entries younger than
// ttl as fresh; ttl <= 0 means the tier's configured TTL. Concurrent misses
// on the same key share one load, which runs detached from any single
// caller's cancellation and is bounded by LoadTimeout. When the load fails
// because the device is gone or too slow, an expired entry still within ttl
// plus grace is returned with degraded set.
func (c *Cache) FetchTTL(ctx context.Context, key Key, tier Tier, ttl time.Duration, load Loader) (string, bool, error) {
	if tier != Hot && tier != Warm {
		tier = Hot
	}
	if ttl <= 0 {
		ttl = c.cfg.ttl(tier)
	}

	if value, ok := c.lookup(key, tier, ttl); ok {
		return value, false, nil
	}

	ch := c.loads.DoChan(key.String(), func() (any, error) {
		loadCtx := context.WithoutCancel(ctx)
		if c.cfg.LoadTimeout > 0 {
			var cancel context.CancelFunc
			loadCtx, cancel = context.WithTimeout(loadCtx, c.cfg.LoadTimeout)
			defer cancel()
		}

		value, err := load(loadCtx)
		if err != nil {
			return "", err
		}
		c.Put(key, value, tier)
		return value, nil
	})

	var err error
	select {
	case res := <-ch:
		if res.Err == nil {
			return res.Val.(string), false, nil
		}
		err = res.Err
	case <-ctx.Done():
		err = errors.New().Wrap(errors.ErrCommandTimeout, ctx.Err())
	}

	if !errors.HasCode(err, errors.ErrDeviceUnavailable) && !errors.HasCode(err, errors.ErrCommandTimeout) {
		return "", false, err
	}

	if value, ok := c.stale(key, tier, ttl); ok {
		c.log.Debug().
			Str("key", key.String()).
			Str("code", string(errors.CodeOf(err))).
			Msg("Serving stale cache entry")
		return value, true, nil
	}
	return "", false, err
}

func (c *Cache) stale(key Key, tier Tier, ttl time.Duration) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	grace := c.cfg.graceFor(ttl)
	if grace <= 0 {
		return "", false
	}

	e, ok := c.tiers[tier].Peek(key)
	if !ok {
		return "", false
	}
	age := c.clock.Since(e.stored)
	if age > ttl+grace {
		if age > c.retentionLocked(tier) {
			c.tiers[tier].Remove(key)
		}
		return "", false
	}

	c.stats.Stale++
	c.recorder.CacheLookup(tier.String(), telemetry.OutcomeStale)
	return e.value, true
}

// Len returns the number of entries held by a tier, expired ones included.
func (c *Cache) Len(tier Tier) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.tiers[tier].Len()
}

func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.stats
}

// TTL exposes the configured lifetime of a tier.
func (c *Cache) TTL(tier Tier) time.Duration {
	return c.cfg.ttl(tier)
}

// IntervalTTL returns the hot-tier TTL for a session sampling every
// interval: half of it, floored at MinHotTTL, unless the configuration pins
// HotTTL.
func (c *Cache) IntervalTTL(interval time.Duration) time.Duration {
	if c.cfg.PinHotTTL || interval <= 0 {
		return c.cfg.HotTTL
	}
	return HotTTLFor(interval)
}
