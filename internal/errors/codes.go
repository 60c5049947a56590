package errors

// Common error codes
const (
	// System errors
	ErrInternal        ErrorCode = "internal_error"
	ErrInvalidArgument ErrorCode = "invalid_argument"
	ErrNotImplemented  ErrorCode = "not_implemented"
	ErrAlreadyRunning  ErrorCode = "already_running"

	// Configuration errors
	ErrInvalidConfig   ErrorCode = "invalid_configuration"
	ErrMissingConfig   ErrorCode = "missing_configuration"
	ErrBindFlags       ErrorCode = "bind_flags_failed"
	ErrReadConfig      ErrorCode = "read_config_failed"
	ErrInvalidInterval ErrorCode = "invalid_interval"

	// Logging errors
	ErrInvalidLogLevel ErrorCode = "invalid_log_level"

	// Initialization errors
	ErrInitFailed     ErrorCode = "initialization_failed"
	ErrShutdownFailed ErrorCode = "shutdown_failed"

	// Bridge errors
	ErrDeviceUnavailable ErrorCode = "device_unavailable"
	ErrCommandTimeout    ErrorCode = "command_timeout"
	ErrCommandFailed     ErrorCode = "command_failed"
	ErrMalformedOutput   ErrorCode = "malformed_output"

	// Collection errors
	ErrParse              ErrorCode = "parse_error"
	ErrTargetUnresponsive ErrorCode = "target_unresponsive"

	// Session errors
	ErrInvalidTransition ErrorCode = "invalid_transition"
	ErrSessionNotFound   ErrorCode = "session_not_found"

	// Storage errors
	ErrStoragePersistence ErrorCode = "storage_persistence_failed"

	// Operation errors
	ErrOperationFailed ErrorCode = "operation_failed"
	ErrTimeout         ErrorCode = "operation_timeout"
)

// Common error messages
var errorMessages = map[ErrorCode]string{
	ErrInternal:           "Internal error occurred",
	ErrInvalidArgument:    "Invalid argument provided",
	ErrNotImplemented:     "Operation not implemented",
	ErrAlreadyRunning:     "Another instance is already running",
	ErrInvalidConfig:      "Invalid configuration",
	ErrMissingConfig:      "Missing configuration",
	ErrBindFlags:          "Failed to bind flags",
	ErrReadConfig:         "Failed to read config file",
	ErrInvalidInterval:    "Invalid interval value",
	ErrInvalidLogLevel:    "Invalid log level",
	ErrInitFailed:         "Initialization failed",
	ErrShutdownFailed:     "Shutdown failed",
	ErrDeviceUnavailable:  "Device unavailable",
	ErrCommandTimeout:     "Device command timed out",
	ErrCommandFailed:      "Device command failed",
	ErrMalformedOutput:    "Malformed command output",
	ErrParse:              "Failed to parse metric",
	ErrTargetUnresponsive: "Target unresponsive",
	ErrInvalidTransition:  "Invalid session transition",
	ErrSessionNotFound:    "Session not found",
	ErrStoragePersistence: "Failed to persist session data",
	ErrOperationFailed:    "Operation failed",
	ErrTimeout:            "Operation timed out",
}

// GetErrorMessage returns the message for a given error code
func GetErrorMessage(code ErrorCode) string {
	if msg, ok := errorMessages[code]; ok {
		return msg
	}

	return string(code)
}
