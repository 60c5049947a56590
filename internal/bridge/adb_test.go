package bridge_test

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"codeberg.org/mutker/droidmon/internal/bridge"
	"codeberg.org/mutker/droidmon/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const fakeADB = `#!/bin/sh
if [ "$1" = "-s" ]; then shift 2; fi
case "$1" in
get-state) echo "${FAKE_ADB_STATE:-device}"; exit 0 ;;
shell) shift ;;
esac
case "$*" in
"dumpsys battery") printf 'Current Battery Service state:\n  level: 80\n' ;;
"sleep") exec sleep 5 ;;
"fail") echo "oops" >&2; exit 3 ;;
"garbage") printf 'adb: usage: unknown command\n' ;;
"gone") echo "error: no devices/emulators found" >&2; exit 1 ;;
*) echo "/system/bin/sh: $*: not found" >&2; exit 127 ;;
esac
`

func newFakeADB(t *testing.T) *bridge.ADB {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake adb is a shell script")
	}

	path := filepath.Join(t.TempDir(), "adb")
	require.NoError(t, os.WriteFile(path, []byte(fakeADB), 0o755))

	cfg := bridge.DefaultADBConfig()
	cfg.Path = path
	cfg.Serial = "emulator-5554"
	cfg.MaxQPS = 0
	cfg.StateTTL = 0

	adb, err := bridge.NewADB(cfg)
	require.NoError(t, err)
	return adb
}

func TestADBRunQuery(t *testing.T) {
	adb := newFakeADB(t)

	out, err := adb.RunQuery(context.Background(), "dumpsys battery", time.Second)
	require.NoError(t, err)
	assert.Contains(t, out, "level: 80")
}

func TestADBClassifiesFailures(t *testing.T) {
	adb := newFakeADB(t)

	tests := []struct {
		name    string
		command string
		timeout time.Duration
		code    errors.ErrorCode
	}{
		{"non zero exit", "fail", time.Second, errors.ErrCommandFailed},
		{"banner output", "garbage", time.Second, errors.ErrMalformedOutput},
		{"device vanished", "gone", time.Second, errors.ErrDeviceUnavailable},
		{"deadline", "sleep", 100 * time.Millisecond, errors.ErrCommandTimeout},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := adb.RunQuery(context.Background(), tt.command, tt.timeout)
			require.Error(t, err)
			assert.True(t, errors.HasCode(err, tt.code), "got %v", err)
		})
	}
}

func TestADBExitCode(t *testing.T) {
	adb := newFakeADB(t)

	_, err := adb.RunQuery(context.Background(), "fail", time.Second)
	assert.Equal(t, 3, bridge.ExitCode(err))

	_, err = adb.RunQuery(context.Background(), "missing-binary", time.Second)
	assert.Equal(t, 127, bridge.ExitCode(err))

	assert.Equal(t, -1, bridge.ExitCode(errors.New().New(errors.ErrCommandTimeout)))
}

func TestADBOfflineDevice(t *testing.T) {
	adb := newFakeADB(t)
	t.Setenv("FAKE_ADB_STATE", "offline")

	_, err := adb.RunQuery(context.Background(), "dumpsys battery", time.Second)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrDeviceUnavailable))

	state, err := adb.State(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "offline", state)
}

func TestADBCanceledContext(t *testing.T) {
	adb := newFakeADB(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := adb.RunQuery(ctx, "dumpsys battery", time.Second)
	assert.True(t, errors.HasCode(err, errors.ErrCommandTimeout))
}

func TestADBConfigValidate(t *testing.T) {
	cfg := bridge.DefaultADBConfig()
	cfg.Path = ""
	_, err := bridge.NewADB(cfg)
	assert.True(t, errors.HasCode(err, errors.ErrInvalidConfig))
}
