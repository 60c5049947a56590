package telemetry

import (
	"net/http"
	"time"
)

// Recorder collects droidmon's own operational metrics. Implementations
// must be safe for concurrent use.
type Recorder interface {
	CacheLookup(tier, outcome string)
	BridgeCall(outcome string, elapsed time.Duration)
	Tick(elapsed time.Duration, samples, missed int)
	SampleRecorded(kind string, degraded bool)
	AlertRaised(kind, severity string)
	StorageWrite(outcome string)
	SessionStatus(status string, delta int)
	Handler() http.Handler
}

// Cache lookup outcomes
const (
	OutcomeHit      = "hit"
	OutcomeMiss     = "miss"
	OutcomeStale    = "stale"
	OutcomeEviction = "eviction"
)

// Call and write outcomes
const (
	OutcomeOK     = "ok"
	OutcomeRetry  = "retry"
	OutcomeFailed = "failed"
)
