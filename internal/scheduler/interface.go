package scheduler

import (
	"time"

	"codeberg.org/mutker/droidmon/internal/errors"
	"codeberg.org/mutker/droidmon/internal/metrics"
)

type State int

const (
	Idle State = iota
	Running
	Paused
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Paused:
		return "paused"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Missed marks a poll that produced no sample in its tick.
type Missed struct {
	App    *metrics.AppTarget `json:"app,omitempty"`
	Kind   metrics.Kind       `json:"kind"`
	Reason errors.ErrorCode   `json:"reason"`
}

type TargetEventType string

const (
	TargetUnresponsive TargetEventType = "target_unresponsive"
	TargetRecovered    TargetEventType = "target_recovered"
)

// TargetEvent reports a (target, kind) pair crossing the consecutive miss
// threshold, or answering again afterwards.
type TargetEvent struct {
	Type   TargetEventType    `json:"type"`
	App    *metrics.AppTarget `json:"app,omitempty"`
	Kind   metrics.Kind       `json:"kind"`
	Misses int                `json:"misses"`
}

// TickResult is everything one tick produced, in deterministic order:
// device-wide samples first, then by package, then by kind order. Samples
// carry the tick time and no sequence number yet.
type TickResult struct {
	Tick    int
	At      time.Time
	Elapsed time.Duration
	Samples []metrics.Sample
	Missed  []Missed
	Events  []TargetEvent
}

// Sink receives tick results from the scheduler loop. Returning false ends
// the loop and leaves the scheduler Stopped. Deliver must not call back into
// Pause or Stop of the delivering scheduler.
type Sink interface {
	Deliver(TickResult) bool
}

type SinkFunc func(TickResult) bool

func (f SinkFunc) Deliver(r TickResult) bool {
	return f(r)
}
