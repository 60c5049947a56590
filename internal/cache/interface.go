package cache

import (
	"context"
	"time"
)

// Tier selects the freshness class of an entry.
type Tier int

const (
	// Hot holds per-metric query output, living about half a sample interval.
	Hot Tier = iota
	// Warm holds pid, uid and package listings.
	Warm
)

func (t Tier) String() string {
	switch t {
	case Hot:
		return "hot"
	case Warm:
		return "warm"
	default:
		return "unknown"
	}
}

// Key addresses one cached bridge result.
type Key struct {
	Metric string
	App    string
	Sub    string
}

func (k Key) String() string {
	return k.Metric + "|" + k.App + "|" + k.Sub
}

// Loader produces a fresh value for a key, usually by querying the bridge.
type Loader func(ctx context.Context) (string, error)

// Stats are cumulative lookup counters.
type Stats struct {
	Hits      uint64
	Misses    uint64
	Stale     uint64
	Evictions uint64
}

type entry struct {
	value  string
	stored time.Time
}
