package storage

import (
	"path/filepath"
	"strings"
	"time"

	"codeberg.org/mutker/droidmon/internal/errors"
	"github.com/go-sql-driver/mysql"
)

const (
	// File system permissions and paths
	defaultDirPerm = 0o755

	DriverSQLite = "sqlite3"
	DriverMySQL  = "mysql"
)

type Config struct {
	Enabled bool
	Driver  string
	// DSN is a file path for sqlite3 and a go-sql-driver DSN for mysql.
	DSN string
	// BackupDir receives a copy of a sqlite database before its schema is
	// replaced. Empty means a "backups" directory next to the database.
	BackupDir     string
	RetentionDays int
	PruneInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		Enabled:       false, // Disabled until a DSN is given
		Driver:        DriverSQLite,
		RetentionDays: 3,
		PruneInterval: time.Hour,
	}
}

// Active reports whether samples are persisted at all.
func (c Config) Active() bool {
	return c.Enabled && c.DSN != ""
}

func (c Config) Validate() error {
	errFactory := errors.New()

	if !c.Active() {
		return nil
	}

	switch c.Driver {
	case DriverSQLite:
	case DriverMySQL:
		if _, err := mysql.ParseDSN(c.DSN); err != nil {
			return errFactory.Wrap(ErrInvalidDSN, err)
		}
	default:
		return errFactory.WithData(ErrInvalidConfig, struct{ Driver string }{c.Driver})
	}

	if c.RetentionDays < 0 || c.PruneInterval < 0 {
		return errFactory.WithData(ErrInvalidConfig, struct {
			RetentionDays int
			PruneInterval time.Duration
		}{c.RetentionDays, c.PruneInterval})
	}
	return nil
}

func (c Config) backupDir() string {
	if c.BackupDir != "" {
		return c.BackupDir
	}
	return filepath.Join(filepath.Dir(c.sqlitePath()), "backups")
}

func (c Config) sqlitePath() string {
	path, _, _ := strings.Cut(strings.TrimPrefix(c.DSN, "file:"), "?")
	return path
}

// dataSource returns the DSN handed to sql.Open. Plain sqlite paths get WAL
// and a busy timeout.
func (c Config) dataSource() string {
	if c.Driver == DriverSQLite && !strings.Contains(c.DSN, "?") {
		return "file:" + c.sqlitePath() + "?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL"
	}
	return c.DSN
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
