package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"code.cloudfoundry.org/clock"
	"codeberg.org/mutker/droidmon/internal/errors"
	"codeberg.org/mutker/droidmon/internal/logger"
	"codeberg.org/mutker/droidmon/internal/metrics"
	"codeberg.org/mutker/droidmon/internal/telemetry"
	"codeberg.org/mutker/droidmon/internal/threshold"
	_ "github.com/mattn/go-sqlite3"
)

type repository struct {
	db           *sql.DB
	dialect      dialect
	logger       logger.Logger
	cfg          Config
	clock        clock.Clock
	recorder     telemetry.Recorder
	shutdownChan chan struct{}
	pruneDone    chan struct{}
}

type Option func(*repository)

func WithLogger(log logger.Logger) Option {
	return func(r *repository) { r.logger = log }
}

func WithClock(clk clock.Clock) Option {
	return func(r *repository) { r.clock = clk }
}

func WithRecorder(rec telemetry.Recorder) Option {
	return func(r *repository) { r.recorder = rec }
}

func NewRepository(cfg Config, opts ...Option) (Repository, error) {
	errFactory := errors.New()

	if cfg.DSN == "" {
		return nil, errFactory.New(ErrInvalidDSN)
	}
	d, ok := dialects[cfg.Driver]
	if !ok {
		return nil, errFactory.WithData(ErrInvalidConfig, struct{ Driver string }{cfg.Driver})
	}

	repo := &repository{
		dialect:      d,
		logger:       logger.Nop(),
		cfg:          cfg,
		clock:        clock.NewClock(),
		recorder:     telemetry.Noop(),
		shutdownChan: make(chan struct{}),
		pruneDone:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(repo)
	}

	if cfg.Driver == DriverSQLite {
		if err := os.MkdirAll(filepath.Dir(cfg.sqlitePath()), defaultDirPerm); err != nil {
			return nil, errFactory.WithData(ErrStorageInit, struct {
				Phase string
				Path  string
				Error string
			}{
				Phase: "create_directory",
				Path:  cfg.sqlitePath(),
				Error: err.Error(),
			})
		}
	}

	db, err := sql.Open(cfg.Driver, cfg.dataSource())
	if err != nil {
		return nil, errFactory.WithData(ErrStorageInit, struct {
			Phase string
			Error string
		}{
			Phase: "open_database",
			Error: err.Error(),
		})
	}
	if cfg.Driver == DriverSQLite {
		// one writer keeps sqlite free of lock contention
		db.SetMaxOpenConns(1)
	}

	if err := ValidateAndUpdateSchema(db, d, cfg, repo.logger); err != nil {
		db.Close()
		return nil, errFactory.WithData(ErrStorageInit, struct {
			Phase string
			Error string
		}{
			Phase: "schema_version",
			Error: err.Error(),
		})
	}
	repo.db = db

	repo.logger.Info().
		Str("driver", cfg.Driver).
		Int("schema_version", SchemaVersion).
		Int("retention_days", cfg.RetentionDays).
		Msg("Storage repository initialized")

	if cfg.RetentionDays > 0 && cfg.PruneInterval > 0 {
		go repo.pruner(repo.clock.NewTicker(cfg.PruneInterval))
	} else {
		close(repo.pruneDone)
	}

	return repo, nil
}

func (r *repository) WriteSamples(ctx context.Context, sessionID string, samples []metrics.Sample) error {
	if len(samples) == 0 {
		return nil
	}

	err := r.inTx(ctx, r.dialect.insertSampleSQL(), func(stmt *sql.Stmt) error {
		for _, s := range samples {
			pkg, name := appColumns(s.App)
			if _, err := stmt.ExecContext(ctx,
				sessionID,
				int64(s.Seq),
				s.Timestamp.UnixMilli(),
				pkg,
				name,
				string(s.Kind),
				s.Value,
				s.Unit,
				boolToInt(s.Degraded),
			); err != nil {
				return err
			}
		}
		return nil
	})
	r.record(err)
	if err != nil {
		return err
	}

	r.logger.Debug().
		Str("session", sessionID).
		Int("records", len(samples)).
		Msg("Flushed samples to database")
	return nil
}

func (r *repository) WriteAlerts(ctx context.Context, sessionID string, alerts []threshold.Alert) error {
	if len(alerts) == 0 {
		return nil
	}

	err := r.inTx(ctx, r.dialect.insertAlertSQL(), func(stmt *sql.Stmt) error {
		for _, a := range alerts {
			pkg, name := appColumns(a.Sample.App)
			if _, err := stmt.ExecContext(ctx,
				sessionID,
				int64(a.Sample.Seq),
				a.Threshold.String(),
				a.Timestamp.UnixMilli(),
				pkg,
				name,
				string(a.Sample.Kind),
				a.Sample.Value,
				string(a.Threshold.Op),
				a.Threshold.Limit,
				string(a.Severity),
				boolToInt(a.Sample.Degraded),
			); err != nil {
				return err
			}
		}
		return nil
	})
	r.record(err)
	return err
}

func (r *repository) UpsertSession(ctx context.Context, rec SessionRecord) error {
	errFactory := errors.New()

	if rec.ID == "" {
		return errFactory.WithMessage(ErrInvalidArgument, "session id is empty")
	}
	targets, err := json.Marshal(rec.Targets)
	if err != nil {
		return errFactory.Wrap(ErrInvalidArgument, err)
	}

	_, err = r.db.ExecContext(ctx, r.dialect.upsertSessionSQL(),
		rec.ID,
		rec.Status,
		string(targets),
		rec.Interval.Milliseconds(),
		rec.MaxDuration.Milliseconds(),
		rec.CreatedAt.UnixMilli(),
		unixMilli(rec.StartedAt),
		unixMilli(rec.EndedAt),
	)
	if err != nil {
		r.record(err)
		return errFactory.WithData(ErrTransactionFailed, struct {
			Phase   string
			Session string
			Error   string
		}{
			Phase:   "upsert_session",
			Session: rec.ID,
			Error:   err.Error(),
		})
	}
	return nil
}

const selectSessionSQL = `
    SELECT id, status, targets, interval_ms, max_duration_ms, created_at, started_at, ended_at
    FROM sessions`

func (r *repository) GetSession(ctx context.Context, id string) (SessionRecord, error) {
	row := r.db.QueryRowContext(ctx, selectSessionSQL+" WHERE id = ?", id)
	rec, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return SessionRecord{}, errors.New().WithData(ErrNotFound, struct{ Session string }{id})
	}
	if err != nil {
		return SessionRecord{}, errors.New().Wrap(ErrQueryFailed, err)
	}
	return rec, nil
}

func (r *repository) ListSessions(ctx context.Context) ([]SessionRecord, error) {
	errFactory := errors.New()

	rows, err := r.db.QueryContext(ctx, selectSessionSQL+" ORDER BY created_at DESC, id")
	if err != nil {
		return nil, errFactory.Wrap(ErrQueryFailed, err)
	}
	defer rows.Close()

	var out []SessionRecord
	for rows.Next() {
		rec, err := scanSession(rows)
		if err != nil {
			return nil, errFactory.Wrap(ErrQueryFailed, err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, errFactory.Wrap(ErrQueryFailed, err)
	}
	return out, nil
}

func (r *repository) QuerySamples(ctx context.Context, q SampleQuery) ([]metrics.Sample, error) {
	errFactory := errors.New()

	if q.SessionID == "" {
		return nil, errFactory.WithMessage(ErrInvalidArgument, "session id is empty")
	}

	query := strings.Builder{}
	query.WriteString(`
    SELECT seq, ts, package, app_name, kind, value, unit, degraded
    FROM samples
    WHERE session_id = ?`)
	args := []any{q.SessionID}
	if q.Kind != "" {
		query.WriteString(" AND kind = ?")
		args = append(args, string(q.Kind))
	}
	if q.Package != "" {
		query.WriteString(" AND package = ?")
		args = append(args, q.Package)
	}
	query.WriteString(" ORDER BY seq")
	if q.Limit > 0 {
		query.WriteString(" LIMIT ?")
		args = append(args, q.Limit)
	}

	rows, err := r.db.QueryContext(ctx, query.String(), args...)
	if err != nil {
		return nil, errFactory.Wrap(ErrQueryFailed, err)
	}
	defer rows.Close()

	var out []metrics.Sample
	for rows.Next() {
		var (
			s         metrics.Sample
			seq, ts   int64
			pkg, name string
			kind      string
			degraded  int
		)
		if err := rows.Scan(&seq, &ts, &pkg, &name, &kind, &s.Value, &s.Unit, &degraded); err != nil {
			return nil, errFactory.Wrap(ErrQueryFailed, err)
		}
		s.Seq = uint64(seq)
		s.Timestamp = time.UnixMilli(ts).UTC()
		s.Kind = metrics.Kind(kind)
		s.Degraded = degraded == 1
		if pkg != "" {
			s.App = &metrics.AppTarget{Package: pkg, Name: name}
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, errFactory.Wrap(ErrQueryFailed, err)
	}
	return out, nil
}

func (r *repository) QueryAlerts(ctx context.Context, sessionID string) ([]threshold.Alert, error) {
	errFactory := errors.New()

	rows, err := r.db.QueryContext(ctx, `
    SELECT seq, ts, package, app_name, kind, value, op, limit_value, severity, degraded
    FROM alerts
    WHERE session_id = ?
    ORDER BY seq, rule`, sessionID)
	if err != nil {
		return nil, errFactory.Wrap(ErrQueryFailed, err)
	}
	defer rows.Close()

	var out []threshold.Alert
	for rows.Next() {
		var (
			a             threshold.Alert
			seq, ts       int64
			pkg, name     string
			kind, op, sev string
			degraded      int
		)
		if err := rows.Scan(&seq, &ts, &pkg, &name, &kind, &a.Sample.Value, &op, &a.Threshold.Limit, &sev, &degraded); err != nil {
			return nil, errFactory.Wrap(ErrQueryFailed, err)
		}
		a.Timestamp = time.UnixMilli(ts).UTC()
		a.Severity = threshold.Severity(sev)
		a.Sample.Seq = uint64(seq)
		a.Sample.Timestamp = a.Timestamp
		a.Sample.Kind = metrics.Kind(kind)
		a.Sample.Unit = a.Sample.Kind.Unit()
		a.Sample.Degraded = degraded == 1
		a.Threshold.Kind = a.Sample.Kind
		a.Threshold.Op = threshold.Operator(op)
		a.Threshold.Severity = a.Severity
		if pkg != "" {
			a.Sample.App = &metrics.AppTarget{Package: pkg, Name: name}
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, errFactory.Wrap(ErrQueryFailed, err)
	}
	return out, nil
}

// Prune deletes samples and alerts recorded before the cutoff together with
// sessions that ended before it.
func (r *repository) Prune(ctx context.Context, before time.Time) (int64, error) {
	errFactory := errors.New()
	cutoff := before.UnixMilli()

	var removed int64
	for _, stmt := range []string{
		"DELETE FROM alerts WHERE ts < ?",
		"DELETE FROM samples WHERE ts < ?",
		"DELETE FROM sessions WHERE ended_at > 0 AND ended_at < ?",
	} {
		res, err := r.db.ExecContext(ctx, stmt, cutoff)
		if err != nil {
			return removed, errFactory.WithData(ErrTransactionFailed, struct {
				Phase string
				Error string
			}{
				Phase: "prune",
				Error: err.Error(),
			})
		}
		n, _ := res.RowsAffected()
		removed += n
	}
	return removed, nil
}

func (r *repository) Close() error {
	// Signal the pruner goroutine to stop
	close(r.shutdownChan)
	<-r.pruneDone

	if r.dialect.name == DriverSQLite {
		// Checkpoint WAL and cleanup on close
		if _, err := r.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
			return errors.New().WithData(ErrStorageClose, struct {
				Phase string
				Error string
			}{
				Phase: "checkpoint_wal",
				Error: err.Error(),
			})
		}
	}

	if err := r.db.Close(); err != nil {
		return errors.New().WithData(ErrStorageClose, struct {
			Phase string
			Error string
		}{
			Phase: "close_database",
			Error: err.Error(),
		})
	}

	r.logger.Info().Msg("Storage repository closed gracefully")

	return nil
}

func (r *repository) pruner(ticker clock.Ticker) {
	defer close(r.pruneDone)
	defer ticker.Stop()

	retention := time.Duration(r.cfg.RetentionDays) * 24 * time.Hour
	for {
		select {
		case <-ticker.C():
			removed, err := r.Prune(context.Background(), r.clock.Now().Add(-retention))
			if err != nil {
				r.logger.Error().Err(err).Msg("Failed to prune old records")
				continue
			}
			if removed > 0 {
				r.logger.Debug().Int64("rows", removed).Msg("Pruned old records")
			}
		case <-r.shutdownChan:
			return
		}
	}
}

// inTx prepares query once and runs fn inside a transaction.
func (r *repository) inTx(ctx context.Context, query string, fn func(*sql.Stmt) error) error {
	errFactory := errors.New()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		r.logger.Error().Err(err).Msg("Failed to begin transaction")
		return errFactory.Wrap(ErrTransactionFailed, err)
	}

	committed := false
	defer func() {
		if !committed {
			if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
				r.logger.Error().Err(err).Msg("Failed to roll back transaction")
			}
		}
	}()

	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		r.logger.Error().Err(err).Msg("Failed to prepare statement")
		return errFactory.Wrap(ErrTransactionFailed, err)
	}
	defer stmt.Close()

	if err := fn(stmt); err != nil {
		r.logger.Error().Err(err).Msg("Failed to execute insert")
		return errFactory.Wrap(ErrTransactionFailed, err)
	}

	if err := tx.Commit(); err != nil {
		r.logger.Error().Err(err).Msg("Failed to commit transaction")
		return errFactory.Wrap(ErrTransactionFailed, err)
	}
	committed = true

	return nil
}

func (r *repository) record(err error) {
	if err != nil {
		r.recorder.StorageWrite(telemetry.OutcomeFailed)
		return
	}
	r.recorder.StorageWrite(telemetry.OutcomeOK)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (SessionRecord, error) {
	var (
		rec                           SessionRecord
		targets                       string
		intervalMS, maxMS             int64
		createdAt, startedAt, endedAt int64
	)
	if err := row.Scan(&rec.ID, &rec.Status, &targets, &intervalMS, &maxMS, &createdAt, &startedAt, &endedAt); err != nil {
		return SessionRecord{}, err
	}
	if err := json.Unmarshal([]byte(targets), &rec.Targets); err != nil {
		return SessionRecord{}, err
	}
	rec.Interval = time.Duration(intervalMS) * time.Millisecond
	rec.MaxDuration = time.Duration(maxMS) * time.Millisecond
	rec.CreatedAt = time.UnixMilli(createdAt).UTC()
	rec.StartedAt = fromUnixMilli(startedAt)
	rec.EndedAt = fromUnixMilli(endedAt)
	return rec, nil
}

func appColumns(app *metrics.AppTarget) (pkg, name string) {
	if app == nil {
		return "", ""
	}
	return app.Package, app.Name
}

func unixMilli(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromUnixMilli(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
