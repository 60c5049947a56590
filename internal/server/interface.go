package server

import (
	"context"

	"codeberg.org/mutker/droidmon/internal/metrics"
	"codeberg.org/mutker/droidmon/internal/session"
	"codeberg.org/mutker/droidmon/internal/storage"
	"codeberg.org/mutker/droidmon/internal/threshold"
)

// Sessions is the control surface served over HTTP.
type Sessions interface {
	Create(req session.CreateRequest) (session.Snapshot, error)
	Start(id string) error
	Pause(id string) error
	Resume(id string) error
	Stop(id string) error
	Close(id string) error
	Get(id string) (session.Snapshot, error)
	List() []session.Snapshot
	Subscribe(id string) (<-chan session.Event, func(), error)
}

// Apps lists the third-party packages installed on the device.
type Apps interface {
	InstalledApps(ctx context.Context) ([]metrics.AppTarget, error)
}

// History reads persisted sessions.
type History interface {
	ListSessions(ctx context.Context) ([]storage.SessionRecord, error)
	QuerySamples(ctx context.Context, q storage.SampleQuery) ([]metrics.Sample, error)
	QueryAlerts(ctx context.Context, sessionID string) ([]threshold.Alert, error)
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type createRequest struct {
	Targets []struct {
		Package string `json:"package"`
		Name    string `json:"name"`
	} `json:"targets"`
	// Durations use time.ParseDuration syntax, e.g. "2s" or "30m"
	Interval    string `json:"interval"`
	MaxDuration string `json:"max_duration"`
}
