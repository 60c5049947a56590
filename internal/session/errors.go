package session

import "codeberg.org/mutker/droidmon/internal/errors"

const (
	ErrInvalidConfig      = errors.ErrInvalidConfig
	ErrInvalidArgument    = errors.ErrInvalidArgument
	ErrInvalidTransition  = errors.ErrInvalidTransition
	ErrNotFound           = errors.ErrSessionNotFound
	ErrStoragePersistence = errors.ErrStoragePersistence
	ErrShutdownFailed     = errors.ErrShutdownFailed
)
