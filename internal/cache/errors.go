package cache

import "codeberg.org/mutker/droidmon/internal/errors"

const (
	ErrInvalidConfig = errors.ErrInvalidConfig
	ErrInitFailed    = errors.ErrInitFailed
)
