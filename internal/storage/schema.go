package storage

import (
	"database/sql"
	"time"

	"codeberg.org/mutker/droidmon/internal/errors"
	"codeberg.org/mutker/droidmon/internal/logger"
)

const SchemaVersion = 1

// Both drivers accept these statements. Timestamps are unix milliseconds.
var createTableStatements = []string{
	`CREATE TABLE IF NOT EXISTS schema_versions (
	    version     INTEGER PRIMARY KEY,
	    applied_at  VARCHAR(32) NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS sessions (
	    id              VARCHAR(36) PRIMARY KEY,
	    status          VARCHAR(16) NOT NULL,
	    targets         TEXT NOT NULL,
	    interval_ms     BIGINT NOT NULL,
	    max_duration_ms BIGINT NOT NULL,
	    created_at      BIGINT NOT NULL,
	    started_at      BIGINT NOT NULL DEFAULT 0,
	    ended_at        BIGINT NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS samples (
	    session_id VARCHAR(36) NOT NULL,
	    seq        BIGINT NOT NULL,
	    ts         BIGINT NOT NULL,
	    package    VARCHAR(255) NOT NULL,
	    app_name   VARCHAR(255) NOT NULL,
	    kind       VARCHAR(16) NOT NULL,
	    value      DOUBLE NOT NULL,
	    unit       VARCHAR(8) NOT NULL,
	    degraded   INTEGER NOT NULL CHECK (degraded IN (0, 1)),
	    PRIMARY KEY (session_id, seq)
	)`,
	`CREATE INDEX idx_samples_ts ON samples (ts)`,
	`CREATE TABLE IF NOT EXISTS alerts (
	    session_id  VARCHAR(36) NOT NULL,
	    seq         BIGINT NOT NULL,
	    rule        VARCHAR(128) NOT NULL,
	    ts          BIGINT NOT NULL,
	    package     VARCHAR(255) NOT NULL,
	    app_name    VARCHAR(255) NOT NULL,
	    kind        VARCHAR(16) NOT NULL,
	    value       DOUBLE NOT NULL,
	    op          VARCHAR(2) NOT NULL,
	    limit_value DOUBLE NOT NULL,
	    severity    VARCHAR(16) NOT NULL,
	    degraded    INTEGER NOT NULL CHECK (degraded IN (0, 1)),
	    PRIMARY KEY (session_id, seq, rule)
	)`,
}

var tableNames = []string{"alerts", "samples", "sessions", "schema_versions"}

// dialect holds the statements that differ between sqlite3 and mysql.
type dialect struct {
	name         string
	tableExists  string
	insertIgnore string
	upsertTail   string
}

var dialects = map[string]dialect{
	DriverSQLite: {
		name: DriverSQLite,
		tableExists: `SELECT EXISTS (
	        SELECT 1 FROM sqlite_master
	        WHERE type='table' AND name=?
	    )`,
		insertIgnore: "INSERT OR IGNORE INTO",
		upsertTail: ` ON CONFLICT(id) DO UPDATE SET
	        status = excluded.status,
	        started_at = excluded.started_at,
	        ended_at = excluded.ended_at`,
	},
	DriverMySQL: {
		name: DriverMySQL,
		tableExists: `SELECT EXISTS (
	        SELECT 1 FROM information_schema.tables
	        WHERE table_schema = DATABASE() AND table_name = ?
	    )`,
		insertIgnore: "INSERT IGNORE INTO",
		upsertTail: ` ON DUPLICATE KEY UPDATE
	        status = VALUES(status),
	        started_at = VALUES(started_at),
	        ended_at = VALUES(ended_at)`,
	},
}

func (d dialect) insertSampleSQL() string {
	return d.insertIgnore + ` samples (
	    session_id, seq, ts, package, app_name, kind, value, unit, degraded
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
}

func (d dialect) insertAlertSQL() string {
	return d.insertIgnore + ` alerts (
	    session_id, seq, rule, ts, package, app_name, kind, value, op, limit_value, severity, degraded
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
}

func (d dialect) upsertSessionSQL() string {
	return `INSERT INTO sessions (
	    id, status, targets, interval_ms, max_duration_ms, created_at, started_at, ended_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?)` + d.upsertTail
}

// InitSchema creates a new database schema with the current version
func InitSchema(db *sql.DB, d dialect, log logger.Logger) error {
	errFactory := errors.New()

	log.Debug().Str("driver", d.name).Msg("Creating database...")

	tx, err := db.Begin()
	if err != nil {
		return errFactory.Wrap(ErrSchemaInitFailed, err)
	}

	// Track transaction state
	committed := false
	defer func() {
		if !committed {
			if err := tx.Rollback(); err != nil {
				if !errors.Is(err, sql.ErrTxDone) {
					log.Debug().Err(err).Msg("Failed to rollback transaction")
				}
			}
		}
	}()

	for _, stmt := range createTableStatements {
		if _, err := tx.Exec(stmt); err != nil {
			return errFactory.WithData(ErrSchemaInitFailed, struct {
				Error string
				SQL   string
			}{
				Error: err.Error(),
				SQL:   stmt,
			})
		}
	}

	if _, err := tx.Exec(`
        INSERT INTO schema_versions (version, applied_at)
        VALUES (?, ?)
    `, SchemaVersion, time.Now().UTC().Format(time.RFC3339)); err != nil {
		return errFactory.WithData(ErrSchemaInitFailed, struct {
			Error string
			Phase string
		}{
			Error: err.Error(),
			Phase: "record_version",
		})
	}

	if err := tx.Commit(); err != nil {
		return errFactory.Wrap(ErrSchemaInitFailed, err)
	}
	committed = true

	log.Info().
		Int("version", SchemaVersion).
		Msg("Schema initialized successfully")

	return nil
}

// GetSchemaVersion returns the current schema version, or 0 for an empty
// database.
func GetSchemaVersion(db *sql.DB, d dialect) (int, error) {
	errFactory := errors.New()

	exists, err := TableExists(db, d, "schema_versions")
	if err != nil {
		return 0, errFactory.Wrap(ErrSchemaValidationFailed, err)
	}
	if !exists {
		return 0, nil
	}

	var version int
	err = db.QueryRow(`
        SELECT version
        FROM schema_versions
        ORDER BY version DESC
        LIMIT 1
    `).Scan(&version)

	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, errFactory.WithData(ErrSchemaValidationFailed, struct {
			Phase string
			Error string
		}{
			Phase: "get_version",
			Error: err.Error(),
		})
	}

	return version, nil
}

func TableExists(db *sql.DB, d dialect, tableName string) (bool, error) {
	var exists bool
	if err := db.QueryRow(d.tableExists, tableName).Scan(&exists); err != nil {
		return false, errors.New().WithData(ErrSchemaValidationFailed, struct {
			Phase string
			Table string
			Error string
		}{
			Phase: "check_table_exists",
			Table: tableName,
			Error: err.Error(),
		})
	}
	return exists, nil
}
