package storage

import "codeberg.org/mutker/droidmon/internal/errors"

const (
	// Configuration Errors
	ErrInvalidConfig = errors.ErrInvalidConfig
	ErrInvalidDSN    = errors.ErrorCode("storage_invalid_dsn")

	// Schema Errors
	ErrSchemaInitFailed       = errors.ErrorCode("storage_schema_init_failed")
	ErrSchemaValidationFailed = errors.ErrorCode("storage_schema_validation_failed")
	ErrSchemaMigrationFailed  = errors.ErrorCode("storage_schema_migration_failed")
	ErrTransactionFailed      = errors.ErrorCode("storage_transaction_failed")

	// Storage Errors
	ErrStorageInit  = errors.ErrInitFailed
	ErrStorageClose = errors.ErrShutdownFailed
	ErrQueryFailed  = errors.ErrorCode("storage_query_failed")
	ErrNotFound     = errors.ErrSessionNotFound

	// Operation Errors
	ErrOperationTimeout = errors.ErrTimeout
	ErrInvalidArgument  = errors.ErrInvalidArgument
)
