package storage

import (
	"context"
	"time"

	"codeberg.org/mutker/droidmon/internal/metrics"
	"codeberg.org/mutker/droidmon/internal/threshold"
)

// Repository persists session rows, samples and alerts. Writes are
// idempotent per (session, seq) so a retried batch never duplicates rows.
type Repository interface {
	WriteSamples(ctx context.Context, sessionID string, samples []metrics.Sample) error
	WriteAlerts(ctx context.Context, sessionID string, alerts []threshold.Alert) error
	UpsertSession(ctx context.Context, rec SessionRecord) error
	GetSession(ctx context.Context, id string) (SessionRecord, error)
	ListSessions(ctx context.Context) ([]SessionRecord, error)
	QuerySamples(ctx context.Context, q SampleQuery) ([]metrics.Sample, error)
	QueryAlerts(ctx context.Context, sessionID string) ([]threshold.Alert, error)
	Prune(ctx context.Context, before time.Time) (int64, error)
	Close() error
}

// SessionRecord is the persisted view of a monitoring session.
type SessionRecord struct {
	ID          string              `json:"id"`
	Status      string              `json:"status"`
	Targets     []metrics.AppTarget `json:"targets"`
	Interval    time.Duration       `json:"interval"`
	MaxDuration time.Duration       `json:"max_duration"`
	CreatedAt   time.Time           `json:"created_at"`
	StartedAt   time.Time           `json:"started_at,omitempty"`
	EndedAt     time.Time           `json:"ended_at,omitempty"`
}

// SampleQuery selects samples of one session. Empty fields match anything;
// Limit zero means no limit.
type SampleQuery struct {
	SessionID string
	Kind      metrics.Kind
	Package   string
	Limit     int
}
