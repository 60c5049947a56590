package bridge

import (
	"context"
	"time"

	"codeberg.org/mutker/droidmon/internal/errors"
	"codeberg.org/mutker/droidmon/internal/logger"
	circuit "github.com/rubyist/circuitbreaker"
)

// Guard wraps an Adapter with a circuit breaker that opens after threshold
// consecutive DeviceUnavailable failures. While open, queries fail fast with
// DeviceUnavailable instead of waiting on an unreachable device. Other
// failures pass through without affecting the breaker.
type Guard struct {
	inner   Adapter
	breaker *circuit.Breaker
	log     logger.Logger
}

func NewGuard(inner Adapter, threshold int64, log logger.Logger) *Guard {
	if threshold < 1 {
		threshold = 1
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Guard{
		inner:   inner,
		breaker: circuit.NewConsecutiveBreaker(threshold),
		log:     log,
	}
}

func (g *Guard) RunQuery(ctx context.Context, command string, timeout time.Duration) (string, error) {
	var (
		out     string
		callErr error
	)

	err := g.breaker.Call(func() error {
		out, callErr = g.inner.RunQuery(ctx, command, timeout)
		if errors.HasCode(callErr, ErrDeviceUnavailable) {
			return callErr
		}
		return nil
	}, 0)

	if errors.Is(err, circuit.ErrBreakerOpen) {
		g.log.Debug().Str("command", command).Msg("Device breaker open, skipping query")
		return "", errors.New().Wrap(ErrDeviceUnavailable, err)
	}
	return out, callErr
}

// Tripped reports whether the breaker is currently open.
func (g *Guard) Tripped() bool {
	return g.breaker.Tripped()
}

// Reset closes the breaker, e.g. after the device was reconnected.
func (g *Guard) Reset() {
	g.breaker.Reset()
}
