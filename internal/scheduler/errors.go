package scheduler

import "codeberg.org/mutker/droidmon/internal/errors"

const (
	ErrInvalidConfig     = errors.ErrInvalidConfig
	ErrInvalidArgument   = errors.ErrInvalidArgument
	ErrInvalidTransition = errors.ErrInvalidTransition
	ErrCommandFailed     = errors.ErrCommandFailed
	ErrCommandTimeout    = errors.ErrCommandTimeout
	ErrMalformedOutput   = errors.ErrMalformedOutput

	// ErrStaleCounter marks a cumulative counter that was served from an
	// expired cache entry and cannot yield a rate.
	ErrStaleCounter = errors.ErrorCode("scheduler_stale_counter")
)
