package server

import "codeberg.org/mutker/droidmon/internal/errors"

const (
	ErrInvalidConfig   = errors.ErrInvalidConfig
	ErrInvalidArgument = errors.ErrInvalidArgument
	ErrInitFailed      = errors.ErrInitFailed
	ErrShutdownFailed  = errors.ErrShutdownFailed
)
