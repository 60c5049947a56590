package bridge_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"codeberg.org/mutker/droidmon/internal/bridge"
	"codeberg.org/mutker/droidmon/internal/errors"
	"codeberg.org/mutker/droidmon/internal/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func failingAdapter(code errors.ErrorCode, calls *int32) bridge.Adapter {
	return bridge.AdapterFunc(func(context.Context, string, time.Duration) (string, error) {
		atomic.AddInt32(calls, 1)
		return "", errors.New().New(code)
	})
}

func TestGuardOpensOnDeviceLoss(t *testing.T) {
	var calls int32
	guard := bridge.NewGuard(failingAdapter(errors.ErrDeviceUnavailable, &calls), 2, logger.Nop())

	for i := 0; i < 2; i++ {
		_, err := guard.RunQuery(context.Background(), "dumpsys battery", time.Second)
		require.Error(t, err)
		assert.True(t, errors.HasCode(err, errors.ErrDeviceUnavailable))
	}
	assert.True(t, guard.Tripped())

	_, err := guard.RunQuery(context.Background(), "dumpsys battery", time.Second)
	assert.True(t, errors.HasCode(err, errors.ErrDeviceUnavailable))
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls), "open breaker must not reach the device")

	guard.Reset()
	assert.False(t, guard.Tripped())
}

func TestGuardIgnoresCommandFailures(t *testing.T) {
	var calls int32
	guard := bridge.NewGuard(failingAdapter(errors.ErrCommandFailed, &calls), 1, logger.Nop())

	for i := 0; i < 3; i++ {
		_, err := guard.RunQuery(context.Background(), "pidof com.example.app", time.Second)
		assert.True(t, errors.HasCode(err, errors.ErrCommandFailed))
	}
	assert.False(t, guard.Tripped())
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestGuardPassesOutput(t *testing.T) {
	guard := bridge.NewGuard(bridge.AdapterFunc(func(_ context.Context, cmd string, _ time.Duration) (string, error) {
		return "echo:" + cmd, nil
	}), 3, nil)

	out, err := guard.RunQuery(context.Background(), "id", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "echo:id", out)
}
