package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"codeberg.org/mutker/droidmon/internal/config"
	"codeberg.org/mutker/droidmon/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "droidmon.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func noArgs() config.Option {
	return config.WithArgs([]string{})
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
log_level = "debug"
rules = ["cpu>80"]

[device]
serial = "emulator-5554"

[session]
interval = 3
max_duration = "10m"
max_apps = 4

[cache]
warm_ttl = "20s"
grace_factor = 0

[storage]
driver = "sqlite3"
dsn = "/tmp/droidmon.db"

[[thresholds]]
metric = "fps"
operator = "<"
limit = 45
app = "com.example.game"
severity = "critical"
`)
	t.Setenv("DROIDMON_CONFIG", path)

	cfg, err := config.Load(noArgs())
	require.NoError(t, err)

	assert.Equal(t, config.LogLevelDebug, cfg.LogLevel)
	assert.Equal(t, "emulator-5554", cfg.Device.Serial)
	assert.Equal(t, 3*time.Second, cfg.Session.Interval, "plain numbers are seconds")
	assert.Equal(t, 10*time.Minute, cfg.Session.MaxDuration)
	assert.Equal(t, 4, cfg.Session.MaxApps)
	assert.Equal(t, 20*time.Second, cfg.Cache.WarmTTL)
	assert.Zero(t, cfg.Cache.GraceFactor)
	assert.True(t, cfg.Storage.Active())
	assert.Equal(t, []string{"cpu>80"}, cfg.Rules)
	require.Len(t, cfg.Thresholds, 1)
	assert.Equal(t, "com.example.game", cfg.Thresholds[0].App)
	assert.InDelta(t, 45.0, cfg.Thresholds[0].Limit, 1e-9)
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DROIDMON_CONFIG", "")
	t.Setenv("HOME", t.TempDir())

	cfg, err := config.Load(noArgs())
	require.NoError(t, err, "Failed to load config")

	assert.Equal(t, config.DefaultLogLevel, cfg.LogLevel)
	assert.Equal(t, "adb", cfg.Device.ADBPath)
	assert.Equal(t, 2*time.Second, cfg.Session.Interval)
	assert.Equal(t, time.Hour, cfg.Session.MaxDuration)
	assert.Equal(t, 4*time.Hour, cfg.Session.DurationCeiling)
	assert.Equal(t, 6, cfg.Session.MaxApps)
	assert.Equal(t, 5*time.Second, cfg.Bridge.Timeout)
	assert.Equal(t, 5, cfg.Scheduler.UnresponsiveAfter)
	assert.Equal(t, 15*time.Second, cfg.Cache.WarmTTL)
	assert.InDelta(t, 3.0, cfg.Cache.GraceFactor, 1e-9)
	assert.False(t, cfg.Storage.Active(), "no DSN means no persistence")
	assert.Equal(t, 3, cfg.Storage.RetentionDays)
	assert.Equal(t, []string{"cpu>90", "fps<30"}, cfg.Rules)
	assert.Contains(t, cfg.Scheduler.AppMetrics, "fps")
	assert.Contains(t, cfg.Scheduler.SystemMetrics, "battery")
}

func TestLoadConfigFileInvalidFormat(t *testing.T) {
	path := writeConfig(t, `
This is not a valid TOML file
`)
	t.Setenv("DROIDMON_CONFIG", path)

	_, err := config.Load(noArgs())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Failed to read config file")
	assert.True(t, errors.HasCode(err, errors.ErrReadConfig))
}

func TestInvalidLogLevel(t *testing.T) {
	path := writeConfig(t, `
log_level = "invalid"
`)
	t.Setenv("DROIDMON_CONFIG", path)

	_, err := config.Load(noArgs())
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrInvalidLogLevel))
}

func TestValidationRanges(t *testing.T) {
	tests := []struct {
		name    string
		content string
		code    errors.ErrorCode
	}{
		{"interval below one second", "[session]\ninterval = \"500ms\"", errors.ErrInvalidInterval},
		{"duration above ceiling", "[session]\nmax_duration = \"5h\"", errors.ErrInvalidConfig},
		{"warm ttl outside window", "[cache]\nwarm_ttl = \"45s\"", errors.ErrInvalidConfig},
		{"unknown metric", "[scheduler]\napp_metrics = [\"gpu\"]", errors.ErrInvalidConfig},
		{"unknown driver", "[storage]\ndriver = \"oracle\"\ndsn = \"x\"", errors.ErrInvalidConfig},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("DROIDMON_CONFIG", writeConfig(t, tt.content))

			_, err := config.Load(noArgs())
			require.Error(t, err)
			assert.True(t, errors.HasCode(err, tt.code), "got %v", err)
		})
	}
}

func TestFlagsOverrideFile(t *testing.T) {
	t.Setenv("DROIDMON_CONFIG", writeConfig(t, "log_level = \"error\"\n[session]\ninterval = 5\n"))

	cfg, err := config.Load(config.WithArgs([]string{
		"--log-level", "debug",
		"--interval", "3s",
		"-t", "cpu>70", "-t", "battery<15",
		"com.example.app",
	}))
	require.NoError(t, err)
	assert.Equal(t, config.LogLevelDebug, cfg.LogLevel, "Expected LogLevel to be set by flag")
	assert.Equal(t, 3*time.Second, cfg.Session.Interval)
	assert.Equal(t, []string{"cpu>70", "battery<15"}, cfg.Rules)
}

func TestEnvironmentOverride(t *testing.T) {
	t.Setenv("DROIDMON_CONFIG", "")
	t.Setenv("HOME", t.TempDir())
	t.Setenv("DROIDMON_DEVICE_SERIAL", "R58M123ABC")
	t.Setenv("DROIDMON_SESSION_INTERVAL", "4")
	t.Setenv("DROIDMON_STORAGE_DSN", "user:pass@tcp(localhost:3306)/droidmon")
	t.Setenv("DROIDMON_STORAGE_DRIVER", "mysql")

	cfg, err := config.Load(noArgs())
	require.NoError(t, err)
	assert.Equal(t, "R58M123ABC", cfg.Device.Serial)
	assert.Equal(t, 4*time.Second, cfg.Session.Interval)
	assert.Equal(t, config.DriverMySQL, cfg.Storage.Driver)
	assert.True(t, cfg.Storage.Active())
}

func TestExplicitConfigFileMissing(t *testing.T) {
	_, err := config.Load(noArgs(), config.WithConfigFile(filepath.Join(t.TempDir(), "absent.toml")))
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrReadConfig))
}
