package bridge

import "codeberg.org/mutker/droidmon/internal/errors"

const (
	ErrDeviceUnavailable = errors.ErrDeviceUnavailable
	ErrCommandTimeout    = errors.ErrCommandTimeout
	ErrCommandFailed     = errors.ErrCommandFailed
	ErrMalformedOutput   = errors.ErrMalformedOutput

	ErrInvalidConfig = errors.ErrInvalidConfig
)
