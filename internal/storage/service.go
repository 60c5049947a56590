package storage

import (
	"context"
	"time"

	"codeberg.org/mutker/droidmon/internal/errors"
	"codeberg.org/mutker/droidmon/internal/logger"
	"codeberg.org/mutker/droidmon/internal/metrics"
	"codeberg.org/mutker/droidmon/internal/threshold"
)

// No-op implementation
type noopRepository struct{}

// NewService opens the configured repository, or returns a no-op one when
// persistence is disabled.
func NewService(cfg Config, opts ...Option) (Repository, error) {
	errFactory := errors.New()

	if err := cfg.Validate(); err != nil {
		return nil, errFactory.Wrap(ErrInvalidConfig, err)
	}

	if !cfg.Active() {
		logger.Debug().Msg("Storage disabled, using no-op repository")
		return Noop(), nil
	}

	repo, err := NewRepository(cfg, opts...)
	if err != nil {
		logger.Debug().Err(err).Msg("Failed to create storage repository")
		return nil, err
	}

	logger.Debug().
		Str("driver", cfg.Driver).
		Bool("enabled", cfg.Enabled).
		Msg("Storage service initialized successfully")

	return repo, nil
}

func Noop() Repository {
	return &noopRepository{}
}

func (*noopRepository) WriteSamples(context.Context, string, []metrics.Sample) error {
	return nil
}

func (*noopRepository) WriteAlerts(context.Context, string, []threshold.Alert) error {
	return nil
}

func (*noopRepository) UpsertSession(context.Context, SessionRecord) error {
	return nil
}

func (*noopRepository) GetSession(_ context.Context, id string) (SessionRecord, error) {
	return SessionRecord{}, errors.New().WithData(ErrNotFound, struct{ Session string }{id})
}

func (*noopRepository) ListSessions(context.Context) ([]SessionRecord, error) {
	return nil, nil
}

func (*noopRepository) QuerySamples(context.Context, SampleQuery) ([]metrics.Sample, error) {
	return nil, nil
}

func (*noopRepository) QueryAlerts(context.Context, string) ([]threshold.Alert, error) {
	return nil, nil
}

func (*noopRepository) Prune(context.Context, time.Time) (int64, error) {
	return 0, nil
}

func (*noopRepository) Close() error {
	return nil
}
