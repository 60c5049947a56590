package scheduler

import (
	"time"

	"codeberg.org/mutker/droidmon/internal/errors"
	"codeberg.org/mutker/droidmon/internal/metrics"
)

const (
	DefaultMaxConcurrency    = 6
	DefaultUnresponsiveAfter = 5
)

type Config struct {
	Interval time.Duration
	// SafetyMargin is subtracted from Interval to get the tick deadline.
	// Zero means 10% of the interval.
	SafetyMargin      time.Duration
	MaxConcurrency    int
	UnresponsiveAfter int
	AppKinds          []metrics.Kind
	SystemKinds       []metrics.Kind
}

func DefaultConfig(interval time.Duration) Config {
	return Config{
		Interval:          interval,
		MaxConcurrency:    DefaultMaxConcurrency,
		UnresponsiveAfter: DefaultUnresponsiveAfter,
		AppKinds:          metrics.AppKinds,
		SystemKinds:       metrics.SystemKinds,
	}
}

func (c Config) Validate() error {
	errFactory := errors.New()

	if c.Interval <= 0 {
		return errFactory.WithData(ErrInvalidConfig, struct{ Interval time.Duration }{c.Interval})
	}
	if c.SafetyMargin < 0 || c.SafetyMargin >= c.Interval {
		return errFactory.WithData(ErrInvalidConfig, struct {
			SafetyMargin time.Duration
			Interval     time.Duration
		}{c.SafetyMargin, c.Interval})
	}
	if c.MaxConcurrency < 1 || c.UnresponsiveAfter < 1 {
		return errFactory.WithMessage(ErrInvalidConfig, "concurrency and unresponsive threshold must be positive")
	}
	if len(c.AppKinds)+len(c.SystemKinds) == 0 {
		return errFactory.WithMessage(ErrInvalidConfig, "no metrics selected")
	}
	for _, k := range c.AppKinds {
		if !k.Valid() || k.System() {
			return errFactory.WithData(ErrInvalidConfig, struct{ AppKind metrics.Kind }{k})
		}
	}
	for _, k := range c.SystemKinds {
		if !k.DeviceWide() {
			return errFactory.WithData(ErrInvalidConfig, struct{ SystemKind metrics.Kind }{k})
		}
	}
	return nil
}

// Deadline is how long a tick waits for its polls.
func (c Config) Deadline() time.Duration {
	margin := c.SafetyMargin
	if margin == 0 {
		margin = c.Interval / 10
	}
	return c.Interval - margin
}
