package session

import (
	"context"
	"time"

	"codeberg.org/mutker/droidmon/internal/metrics"
	"codeberg.org/mutker/droidmon/internal/scheduler"
	"codeberg.org/mutker/droidmon/internal/storage"
	"codeberg.org/mutker/droidmon/internal/threshold"
)

type Status string

const (
	Created Status = "created"
	Running Status = "running"
	Paused  Status = "paused"
	Stopped Status = "stopped"
	Expired Status = "expired"
	Closed  Status = "closed"
)

// Terminal reports whether the session can no longer collect samples.
func (s Status) Terminal() bool {
	return s == Stopped || s == Expired || s == Closed
}

// Gateway is the subset of storage the sessions write through.
type Gateway interface {
	WriteSamples(ctx context.Context, sessionID string, samples []metrics.Sample) error
	WriteAlerts(ctx context.Context, sessionID string, alerts []threshold.Alert) error
	UpsertSession(ctx context.Context, rec storage.SessionRecord) error
}

type CreateRequest struct {
	Targets     []metrics.AppTarget `json:"targets"`
	Interval    time.Duration       `json:"interval"`
	MaxDuration time.Duration       `json:"max_duration"`
}

type EventType string

const (
	EventSample        EventType = "sample"
	EventAlert         EventType = "alert"
	EventMissed        EventType = "missed"
	EventUnresponsive  EventType = EventType(scheduler.TargetUnresponsive)
	EventRecovered     EventType = EventType(scheduler.TargetRecovered)
	EventStatus        EventType = "status"
	EventStorageFailed EventType = "storage_failed"
)

// Event is one entry of the live feed. Exactly one payload field is set,
// matching Type.
type Event struct {
	Type    EventType              `json:"type"`
	Session string                 `json:"session"`
	Time    time.Time              `json:"time"`
	Sample  *metrics.Sample        `json:"sample,omitempty"`
	Alert   *threshold.Alert       `json:"alert,omitempty"`
	Missed  *scheduler.Missed      `json:"missed,omitempty"`
	Target  *scheduler.TargetEvent `json:"target,omitempty"`
	Status  Status                 `json:"status,omitempty"`
	Error   string                 `json:"error,omitempty"`
}

// Stat summarizes one (app, kind) series.
type Stat struct {
	Package string       `json:"package,omitempty"`
	Kind    metrics.Kind `json:"kind"`
	Unit    string       `json:"unit"`
	Count   int          `json:"count"`
	Min     float64      `json:"min"`
	Max     float64      `json:"max"`
	Avg     float64      `json:"avg"`
	Last    float64      `json:"last"`
}

// Snapshot is an immutable copy of a session's state.
type Snapshot struct {
	ID          string              `json:"id"`
	Status      Status              `json:"status"`
	Targets     []metrics.AppTarget `json:"targets"`
	Interval    time.Duration       `json:"interval"`
	MaxDuration time.Duration       `json:"max_duration"`
	CreatedAt   time.Time           `json:"created_at"`
	StartedAt   time.Time           `json:"started_at,omitempty"`
	EndedAt     time.Time           `json:"ended_at,omitempty"`
	// Recorded counts every sample ever appended; Samples holds the tail.
	Recorded uint64            `json:"recorded"`
	Missed   int               `json:"missed"`
	Samples  []metrics.Sample  `json:"samples"`
	Alerts   []threshold.Alert `json:"alerts"`
	Summary  []Stat            `json:"summary"`
}

func (s Snapshot) record() storage.SessionRecord {
	return storage.SessionRecord{
		ID:          s.ID,
		Status:      string(s.Status),
		Targets:     s.Targets,
		Interval:    s.Interval,
		MaxDuration: s.MaxDuration,
		CreatedAt:   s.CreatedAt,
		StartedAt:   s.StartedAt,
		EndedAt:     s.EndedAt,
	}
}
