package metrics

import (
	"sync"
	"time"
)

type counterPoint struct {
	bytes float64
	at    time.Time
}

// RateTracker turns cumulative byte counters into KB/s. It keeps the last
// counter per key; the first reading of a key only establishes a baseline.
type RateTracker struct {
	mu   sync.Mutex
	last map[string]counterPoint
}

func NewRateTracker() *RateTracker {
	return &RateTracker{last: make(map[string]counterPoint)}
}

// Rate records bytes observed at time at and returns the rate since the
// previous observation. ok is false for a baseline, for a counter reset and
// for readings that do not advance in time.
func (r *RateTracker) Rate(key string, bytes float64, at time.Time) (rate float64, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev, seen := r.last[key]
	if seen && !at.After(prev.at) {
		return 0, false
	}
	r.last[key] = counterPoint{bytes: bytes, at: at}

	if !seen || bytes < prev.bytes {
		return 0, false
	}

	elapsed := at.Sub(prev.at).Seconds()
	return (bytes - prev.bytes) / 1024 / elapsed, true
}

// Forget drops the baseline for key.
func (r *RateTracker) Forget(key string) {
	r.mu.Lock()
	delete(r.last, key)
	r.mu.Unlock()
}
