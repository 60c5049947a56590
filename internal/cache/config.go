package cache

import (
	"time"

	"codeberg.org/mutker/droidmon/internal/errors"
)

const (
	MinHotTTL  = 500 * time.Millisecond
	MinWarmTTL = 10 * time.Second
	MaxWarmTTL = 30 * time.Second
)

type Config struct {
	HotTTL  time.Duration
	WarmTTL time.Duration
	// GraceFactor scales a tier's TTL into the window during which an
	// expired entry may still stand in for a failed load. Zero disables it.
	GraceFactor float64
	HotSize     int
	WarmSize    int
	// PinHotTTL serves every session with HotTTL instead of deriving the
	// hot TTL from each session's interval.
	PinHotTTL bool
	// LoadTimeout bounds a shared load once it runs detached from its
	// callers. Zero leaves it to the loader.
	LoadTimeout time.Duration
}

// DefaultConfig derives the hot TTL from the sample interval.
func DefaultConfig(interval time.Duration) Config {
	return Config{
		HotTTL:      HotTTLFor(interval),
		WarmTTL:     15 * time.Second,
		GraceFactor: 3,
		HotSize:     512,
		WarmSize:    128,
		LoadTimeout: 10 * time.Second,
	}
}

// HotTTLFor returns half the interval, never below MinHotTTL.
func HotTTLFor(interval time.Duration) time.Duration {
	ttl := interval / 2
	if ttl < MinHotTTL {
		return MinHotTTL
	}
	return ttl
}

func (c Config) Validate() error {
	errFactory := errors.New()

	if c.HotTTL < MinHotTTL {
		return errFactory.WithData(ErrInvalidConfig, struct {
			HotTTL time.Duration
			Min    time.Duration
		}{c.HotTTL, MinHotTTL})
	}
	if c.WarmTTL < MinWarmTTL || c.WarmTTL > MaxWarmTTL {
		return errFactory.WithData(ErrInvalidConfig, struct {
			WarmTTL  time.Duration
			Min, Max time.Duration
		}{c.WarmTTL, MinWarmTTL, MaxWarmTTL})
	}
	if c.GraceFactor < 0 {
		return errFactory.WithMessage(ErrInvalidConfig, "grace factor must not be negative")
	}
	if c.LoadTimeout < 0 {
		return errFactory.WithMessage(ErrInvalidConfig, "load timeout must not be negative")
	}
	if c.HotSize < 1 || c.WarmSize < 1 {
		return errFactory.WithMessage(ErrInvalidConfig, "cache tier sizes must be positive")
	}
	return nil
}

func (c Config) ttl(t Tier) time.Duration {
	if t == Warm {
		return c.WarmTTL
	}
	return c.HotTTL
}

func (c Config) graceFor(ttl time.Duration) time.Duration {
	return time.Duration(c.GraceFactor * float64(ttl))
}
