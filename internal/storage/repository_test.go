package storage_test

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"
	"time"

	"codeberg.org/mutker/droidmon/internal/errors"
	"codeberg.org/mutker/droidmon/internal/metrics"
	"codeberg.org/mutker/droidmon/internal/storage"
	"codeberg.org/mutker/droidmon/internal/threshold"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	game  = metrics.NewAppTarget("com.example.game", "Game")
	start = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
)

func sqliteConfig(t *testing.T) storage.Config {
	t.Helper()

	cfg := storage.DefaultConfig()
	cfg.Enabled = true
	cfg.DSN = filepath.Join(t.TempDir(), "data", "droidmon.db")
	cfg.PruneInterval = 0
	return cfg
}

func openRepo(t *testing.T, cfg storage.Config) storage.Repository {
	t.Helper()

	repo, err := storage.NewService(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

func testSamples() []metrics.Sample {
	return []metrics.Sample{
		{Seq: 1, Timestamp: start, Kind: metrics.Battery, Value: 80, Unit: "%"},
		{Seq: 2, Timestamp: start, App: &game, Kind: metrics.CPU, Value: 95, Unit: "%"},
		{Seq: 3, Timestamp: start, App: &game, Kind: metrics.FPS, Value: 24, Unit: "fps", Degraded: true},
		{Seq: 4, Timestamp: start.Add(time.Second), App: &game, Kind: metrics.CPU, Value: 40, Unit: "%"},
	}
}

func TestWriteAndQuerySamples(t *testing.T) {
	repo := openRepo(t, sqliteConfig(t))
	ctx := context.Background()

	require.NoError(t, repo.WriteSamples(ctx, "s1", testSamples()))
	require.NoError(t, repo.WriteSamples(ctx, "s2", testSamples()[:1]))

	all, err := repo.QuerySamples(ctx, storage.SampleQuery{SessionID: "s1"})
	require.NoError(t, err)
	assert.Equal(t, testSamples(), all)

	cpu, err := repo.QuerySamples(ctx, storage.SampleQuery{SessionID: "s1", Kind: metrics.CPU, Package: game.Package})
	require.NoError(t, err)
	require.Len(t, cpu, 2)
	assert.Equal(t, uint64(2), cpu[0].Seq)
	assert.Equal(t, uint64(4), cpu[1].Seq)

	limited, err := repo.QuerySamples(ctx, storage.SampleQuery{SessionID: "s1", Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	_, err = repo.QuerySamples(ctx, storage.SampleQuery{})
	assert.True(t, errors.HasCode(err, errors.ErrInvalidArgument))
}

func TestRetriedWritesDoNotDuplicate(t *testing.T) {
	repo := openRepo(t, sqliteConfig(t))
	ctx := context.Background()

	require.NoError(t, repo.WriteSamples(ctx, "s1", testSamples()))
	require.NoError(t, repo.WriteSamples(ctx, "s1", testSamples()))

	all, err := repo.QuerySamples(ctx, storage.SampleQuery{SessionID: "s1"})
	require.NoError(t, err)
	assert.Len(t, all, len(testSamples()))
}

func TestWriteAndQueryAlerts(t *testing.T) {
	repo := openRepo(t, sqliteConfig(t))
	ctx := context.Background()

	sample := testSamples()[1]
	rule := threshold.Threshold{Kind: metrics.CPU, Op: threshold.Greater, Limit: 90, Severity: threshold.Critical}
	alert := threshold.Alert{Timestamp: sample.Timestamp, Sample: sample, Threshold: rule, Severity: rule.Severity}

	require.NoError(t, repo.WriteAlerts(ctx, "s1", []threshold.Alert{alert, alert}))

	alerts, err := repo.QueryAlerts(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, alert, alerts[0])
}

func TestSessions(t *testing.T) {
	repo := openRepo(t, sqliteConfig(t))
	ctx := context.Background()

	rec := storage.SessionRecord{
		ID:          "5f1d6f0e-1111-4c3b-9d52-000000000001",
		Status:      "created",
		Targets:     []metrics.AppTarget{game},
		Interval:    2 * time.Second,
		MaxDuration: time.Hour,
		CreatedAt:   start,
	}
	require.NoError(t, repo.UpsertSession(ctx, rec))

	older := rec
	older.ID = "5f1d6f0e-1111-4c3b-9d52-000000000000"
	older.CreatedAt = start.Add(-time.Hour)
	require.NoError(t, repo.UpsertSession(ctx, older))

	rec.Status = "stopped"
	rec.StartedAt = start.Add(time.Second)
	rec.EndedAt = start.Add(time.Minute)
	require.NoError(t, repo.UpsertSession(ctx, rec))

	got, err := repo.GetSession(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec, got)

	list, err := repo.ListSessions(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, rec.ID, list[0].ID, "newest first")
	assert.True(t, list[1].StartedAt.IsZero())

	_, err = repo.GetSession(ctx, "missing")
	assert.True(t, errors.HasCode(err, errors.ErrSessionNotFound))

	assert.True(t, errors.HasCode(repo.UpsertSession(ctx, storage.SessionRecord{}), errors.ErrInvalidArgument))
}

func TestPrune(t *testing.T) {
	repo := openRepo(t, sqliteConfig(t))
	ctx := context.Background()

	require.NoError(t, repo.WriteSamples(ctx, "s1", testSamples()))
	require.NoError(t, repo.UpsertSession(ctx, storage.SessionRecord{
		ID: "s1", Status: "stopped", CreatedAt: start, StartedAt: start, EndedAt: start.Add(time.Second),
	}))

	removed, err := repo.Prune(ctx, start.Add(500*time.Millisecond))
	require.NoError(t, err)
	assert.Equal(t, int64(3), removed)

	left, err := repo.QuerySamples(ctx, storage.SampleQuery{SessionID: "s1"})
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, uint64(4), left[0].Seq)

	removed, err = repo.Prune(ctx, start.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(2), removed, "last sample and the ended session")
}

func TestSchemaMismatchBacksUp(t *testing.T) {
	cfg := sqliteConfig(t)
	cfg.BackupDir = filepath.Join(t.TempDir(), "backups")

	repo, err := storage.NewService(cfg)
	require.NoError(t, err)
	require.NoError(t, repo.WriteSamples(context.Background(), "s1", testSamples()))
	require.NoError(t, repo.Close())

	db, err := sql.Open("sqlite3", cfg.DSN)
	require.NoError(t, err)
	_, err = db.Exec("UPDATE schema_versions SET version = 99")
	require.NoError(t, err)
	require.NoError(t, db.Close())

	repo = openRepo(t, cfg)

	backups, err := os.ReadDir(cfg.BackupDir)
	require.NoError(t, err)
	assert.Len(t, backups, 1)

	left, err := repo.QuerySamples(context.Background(), storage.SampleQuery{SessionID: "s1"})
	require.NoError(t, err)
	assert.Empty(t, left, "schema was recreated")
}

func TestDisabledStorageIsNoop(t *testing.T) {
	cfg := storage.DefaultConfig()
	repo, err := storage.NewService(cfg)
	require.NoError(t, err)

	assert.NoError(t, repo.WriteSamples(context.Background(), "s1", testSamples()))
	_, err = repo.GetSession(context.Background(), "s1")
	assert.True(t, errors.HasCode(err, errors.ErrSessionNotFound))
	assert.NoError(t, repo.Close())
}

func TestConfigValidate(t *testing.T) {
	cfg := storage.DefaultConfig()
	cfg.Enabled = true
	cfg.DSN = "x"
	cfg.Driver = "postgres"
	_, err := storage.NewService(cfg)
	assert.True(t, errors.HasCode(err, errors.ErrInvalidConfig))

	cfg.Driver = storage.DriverMySQL
	cfg.DSN = "user:pass@tcp(localhost:3306"
	_, err = storage.NewService(cfg)
	assert.True(t, errors.HasCode(err, storage.ErrInvalidDSN))
}
