package session

import (
	"time"

	"codeberg.org/mutker/droidmon/internal/errors"
)

const (
	MinInterval = time.Second

	DefaultMaxApps         = 6
	DefaultMaxInterval     = 60 * time.Second
	DefaultDurationCeiling = 4 * time.Hour
	DefaultTailSize        = 512
	DefaultFlushBatch      = 200
	DefaultRetries         = 3
	DefaultRetryInterval   = 500 * time.Millisecond
	DefaultFeedBuffer      = 64
)

// Limits bound what a session may ask for and how much it keeps in memory.
type Limits struct {
	MaxApps         int
	MaxInterval     time.Duration
	DurationCeiling time.Duration
	// TailSize caps the samples and alerts kept for snapshots. Older ones are
	// only in storage.
	TailSize int
	// FlushBatch is the number of unflushed samples that triggers a write
	// while the session is running.
	FlushBatch    int
	Retries       uint64
	RetryInterval time.Duration
	FeedBuffer    int
}

func DefaultLimits() Limits {
	return Limits{
		MaxApps:         DefaultMaxApps,
		MaxInterval:     DefaultMaxInterval,
		DurationCeiling: DefaultDurationCeiling,
		TailSize:        DefaultTailSize,
		FlushBatch:      DefaultFlushBatch,
		Retries:         DefaultRetries,
		RetryInterval:   DefaultRetryInterval,
		FeedBuffer:      DefaultFeedBuffer,
	}
}

func (l Limits) Validate() error {
	errFactory := errors.New()

	if l.MaxApps < 1 {
		return errFactory.WithData(ErrInvalidConfig, struct{ MaxApps int }{l.MaxApps})
	}
	if l.MaxInterval < MinInterval || l.DurationCeiling <= 0 {
		return errFactory.WithData(ErrInvalidConfig, struct {
			MaxInterval     time.Duration
			DurationCeiling time.Duration
		}{l.MaxInterval, l.DurationCeiling})
	}
	if l.TailSize < 1 || l.FlushBatch < 1 || l.FeedBuffer < 1 {
		return errFactory.WithData(ErrInvalidConfig, struct {
			TailSize   int
			FlushBatch int
			FeedBuffer int
		}{l.TailSize, l.FlushBatch, l.FeedBuffer})
	}
	if l.RetryInterval <= 0 {
		return errFactory.WithData(ErrInvalidConfig, struct{ RetryInterval time.Duration }{l.RetryInterval})
	}
	return nil
}
