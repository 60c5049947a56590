package telemetry

import "codeberg.org/mutker/droidmon/internal/errors"

const (
	// Configuration Errors
	ErrInvalidConfig    = errors.ErrInvalidConfig
	ErrInvalidNamespace = errors.ErrorCode("telemetry_invalid_namespace")

	// Registration Errors
	ErrRegisterFailed = errors.ErrorCode("telemetry_register_failed")
)
