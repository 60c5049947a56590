package scheduler_test

import (
	"context"
	"math/rand"
	"sync/atomic"
	"testing"
	"time"

	"code.cloudfoundry.org/clock/fakeclock"
	"codeberg.org/mutker/droidmon/internal/errors"
	"codeberg.org/mutker/droidmon/internal/metrics"
	"codeberg.org/mutker/droidmon/internal/scheduler"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type pollFunc func(ctx context.Context, target *metrics.AppTarget, kind metrics.Kind) (metrics.Reading, bool, error)

func (f pollFunc) Poll(ctx context.Context, target *metrics.AppTarget, kind metrics.Kind) (metrics.Reading, bool, error) {
	return f(ctx, target, kind)
}

type chanSink chan scheduler.TickResult

func (c chanSink) Deliver(r scheduler.TickResult) bool {
	c <- r
	return true
}

var (
	appA  = metrics.NewAppTarget("com.example.alpha", "")
	appB  = metrics.NewAppTarget("com.example.beta", "")
	epoch = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
)

func cpuOnly(interval time.Duration) scheduler.Config {
	cfg := scheduler.DefaultConfig(interval)
	cfg.AppKinds = []metrics.Kind{metrics.CPU}
	cfg.SystemKinds = nil
	return cfg
}

func constant(value float64) pollFunc {
	return func(context.Context, *metrics.AppTarget, metrics.Kind) (metrics.Reading, bool, error) {
		return metrics.Reading{Value: value}, false, nil
	}
}

func TestEveryThirdCallTimesOut(t *testing.T) {
	var calls int32
	poller := pollFunc(func(context.Context, *metrics.AppTarget, metrics.Kind) (metrics.Reading, bool, error) {
		if atomic.AddInt32(&calls, 1)%3 == 0 {
			return metrics.Reading{}, false, errors.New().New(errors.ErrCommandTimeout)
		}
		return metrics.Reading{Value: 12}, false, nil
	})

	s, err := scheduler.New(cpuOnly(time.Second), []metrics.AppTarget{appA}, poller, make(chanSink))
	require.NoError(t, err)

	var samples, missed int
	for i := 1; i <= 10; i++ {
		res := s.RunTick(context.Background(), epoch.Add(time.Duration(i)*time.Second))
		assert.Equal(t, i, res.Tick)
		assert.Empty(t, res.Events)
		samples += len(res.Samples)
		missed += len(res.Missed)
		for _, m := range res.Missed {
			assert.Equal(t, errors.ErrCommandTimeout, m.Reason)
			assert.Equal(t, metrics.CPU, m.Kind)
		}
	}

	assert.Equal(t, 3, missed)
	assert.Equal(t, 7, samples)
	assert.Equal(t, scheduler.Idle, s.State())
}

func TestTickOrderIsDeterministic(t *testing.T) {
	poller := pollFunc(func(_ context.Context, target *metrics.AppTarget, kind metrics.Kind) (metrics.Reading, bool, error) {
		time.Sleep(time.Duration(rand.Intn(5)) * time.Millisecond)
		return metrics.Reading{Value: float64(kind.Order())}, false, nil
	})

	cfg := scheduler.DefaultConfig(time.Second)
	cfg.AppKinds = []metrics.Kind{metrics.RSS, metrics.CPU}
	cfg.SystemKinds = []metrics.Kind{metrics.Temperature, metrics.Battery}

	s, err := scheduler.New(cfg, []metrics.AppTarget{appB, appA}, poller, make(chanSink))
	require.NoError(t, err)

	want := []struct {
		pkg  string
		kind metrics.Kind
	}{
		{"", metrics.Battery},
		{"", metrics.Temperature},
		{appA.Package, metrics.CPU},
		{appA.Package, metrics.RSS},
		{appB.Package, metrics.CPU},
		{appB.Package, metrics.RSS},
	}

	for i := 0; i < 5; i++ {
		at := epoch.Add(time.Duration(i) * time.Second)
		res := s.RunTick(context.Background(), at)
		require.Len(t, res.Samples, len(want))
		for n, sample := range res.Samples {
			assert.Equal(t, want[n].pkg, sample.Package())
			assert.Equal(t, want[n].kind, sample.Kind)
			assert.Equal(t, at, sample.Timestamp)
			assert.Equal(t, sample.Kind.Unit(), sample.Unit)
		}
	}
}

func TestSlowPollIsMissedAtDeadline(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	poller := pollFunc(func(_ context.Context, target *metrics.AppTarget, _ metrics.Kind) (metrics.Reading, bool, error) {
		if target.Package == appB.Package {
			<-release
		}
		return metrics.Reading{Value: 1}, false, nil
	})

	s, err := scheduler.New(cpuOnly(200*time.Millisecond), []metrics.AppTarget{appA, appB}, poller, make(chanSink))
	require.NoError(t, err)

	start := time.Now()
	res := s.RunTick(context.Background(), epoch)
	assert.Less(t, time.Since(start), 200*time.Millisecond)

	require.Len(t, res.Samples, 1)
	assert.Equal(t, appA.Package, res.Samples[0].Package())
	require.Len(t, res.Missed, 1)
	assert.Equal(t, appB.Package, res.Missed[0].App.Package)
	assert.Equal(t, errors.ErrCommandTimeout, res.Missed[0].Reason)
}

func TestUnresponsiveAndRecovered(t *testing.T) {
	var failing atomic.Bool
	failing.Store(true)
	poller := pollFunc(func(context.Context, *metrics.AppTarget, metrics.Kind) (metrics.Reading, bool, error) {
		if failing.Load() {
			return metrics.Reading{}, false, errors.New().New(errors.ErrDeviceUnavailable)
		}
		return metrics.Reading{Value: 3}, false, nil
	})

	cfg := cpuOnly(time.Second)
	cfg.UnresponsiveAfter = 3
	s, err := scheduler.New(cfg, []metrics.AppTarget{appA}, poller, make(chanSink))
	require.NoError(t, err)

	var events []scheduler.TargetEvent
	for i := 0; i < 6; i++ {
		res := s.RunTick(context.Background(), epoch.Add(time.Duration(i)*time.Second))
		if i == 2 {
			require.Len(t, res.Events, 1, "raised on the third consecutive miss")
		}
		events = append(events, res.Events...)
	}
	require.Len(t, events, 1, "raised once while unresponsive")
	assert.Equal(t, scheduler.TargetUnresponsive, events[0].Type)
	assert.Equal(t, 3, events[0].Misses)

	failing.Store(false)
	res := s.RunTick(context.Background(), epoch.Add(10*time.Second))
	require.Len(t, res.Events, 1)
	assert.Equal(t, scheduler.TargetRecovered, res.Events[0].Type)
	assert.Equal(t, 6, res.Events[0].Misses)
	assert.Len(t, res.Samples, 1)
}

func TestCountersBecomeRates(t *testing.T) {
	var tick int32
	poller := pollFunc(func(context.Context, *metrics.AppTarget, metrics.Kind) (metrics.Reading, bool, error) {
		n := atomic.LoadInt32(&tick)
		return metrics.Reading{Value: float64(n) * 2048, Cumulative: true}, false, nil
	})

	cfg := scheduler.DefaultConfig(time.Second)
	cfg.AppKinds = []metrics.Kind{metrics.NetDown}
	cfg.SystemKinds = nil
	s, err := scheduler.New(cfg, []metrics.AppTarget{appA}, poller, make(chanSink))
	require.NoError(t, err)

	res := s.RunTick(context.Background(), epoch)
	assert.Empty(t, res.Samples, "first counter only sets the baseline")
	assert.Empty(t, res.Missed)

	atomic.StoreInt32(&tick, 1)
	res = s.RunTick(context.Background(), epoch.Add(2*time.Second))
	require.Len(t, res.Samples, 1)
	assert.InDelta(t, 1.0, res.Samples[0].Value, 1e-9)
	assert.Equal(t, "KB/s", res.Samples[0].Unit)
}

func TestStaleCounterIsMissed(t *testing.T) {
	poller := pollFunc(func(context.Context, *metrics.AppTarget, metrics.Kind) (metrics.Reading, bool, error) {
		return metrics.Reading{Value: 4096, Cumulative: true}, true, nil
	})

	cfg := scheduler.DefaultConfig(time.Second)
	cfg.AppKinds = []metrics.Kind{metrics.NetUp}
	cfg.SystemKinds = nil
	s, err := scheduler.New(cfg, []metrics.AppTarget{appA}, poller, make(chanSink))
	require.NoError(t, err)

	res := s.RunTick(context.Background(), epoch)
	require.Len(t, res.Missed, 1)
	assert.Equal(t, scheduler.ErrStaleCounter, res.Missed[0].Reason)
}

func TestLifecycle(t *testing.T) {
	clk := fakeclock.NewFakeClock(epoch)
	sink := make(chanSink, 16)

	s, err := scheduler.New(cpuOnly(time.Second), []metrics.AppTarget{appA}, constant(5), sink, scheduler.WithClock(clk))
	require.NoError(t, err)
	assert.Equal(t, scheduler.Idle, s.State())

	assert.True(t, errors.HasCode(s.Pause(), errors.ErrInvalidTransition))

	require.NoError(t, s.Start(context.Background()))
	assert.Equal(t, scheduler.Running, s.State())
	assert.True(t, errors.HasCode(s.Start(context.Background()), errors.ErrInvalidTransition))

	clk.WaitForWatcherAndIncrement(time.Second)
	res := <-sink
	assert.Equal(t, 1, res.Tick)
	assert.Equal(t, epoch.Add(time.Second), res.At)

	require.NoError(t, s.Pause())
	assert.Equal(t, scheduler.Paused, s.State())

	require.NoError(t, s.Start(context.Background()))
	clk.WaitForWatcherAndIncrement(time.Second)
	res = <-sink
	assert.Equal(t, 2, res.Tick)

	s.Stop()
	assert.Equal(t, scheduler.Stopped, s.State())
	s.Stop()
	assert.True(t, errors.HasCode(s.Start(context.Background()), errors.ErrInvalidTransition))
	assert.True(t, errors.HasCode(s.Pause(), errors.ErrInvalidTransition))
}

func TestPauseDiscardsInFlightTick(t *testing.T) {
	clk := fakeclock.NewFakeClock(epoch)
	sink := make(chanSink, 16)
	polled := make(chan struct{}, 1)
	release := make(chan struct{})
	defer close(release)

	poller := pollFunc(func(context.Context, *metrics.AppTarget, metrics.Kind) (metrics.Reading, bool, error) {
		polled <- struct{}{}
		<-release
		return metrics.Reading{Value: 1}, false, nil
	})

	s, err := scheduler.New(cpuOnly(time.Minute), []metrics.AppTarget{appA}, poller, sink, scheduler.WithClock(clk))
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))

	clk.WaitForWatcherAndIncrement(time.Minute)
	<-polled

	require.NoError(t, s.Pause())
	assert.Empty(t, sink, "a tick cut short by pause is not delivered")
}

func TestSinkDecliningStopsScheduler(t *testing.T) {
	clk := fakeclock.NewFakeClock(epoch)
	var delivered int32
	sink := scheduler.SinkFunc(func(scheduler.TickResult) bool {
		return atomic.AddInt32(&delivered, 1) < 2
	})

	s, err := scheduler.New(cpuOnly(time.Second), []metrics.AppTarget{appA}, constant(1), sink, scheduler.WithClock(clk))
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))

	clk.WaitForWatcherAndIncrement(time.Second)
	assert.Eventually(t, func() bool { return atomic.LoadInt32(&delivered) == 1 }, time.Second, 5*time.Millisecond)
	clk.WaitForWatcherAndIncrement(time.Second)

	assert.Eventually(t, func() bool { return s.State() == scheduler.Stopped }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(2), atomic.LoadInt32(&delivered))
	s.Stop()
}

func TestNewValidates(t *testing.T) {
	_, err := scheduler.New(cpuOnly(time.Second), nil, constant(1), make(chanSink))
	assert.True(t, errors.HasCode(err, errors.ErrInvalidConfig))

	cfg := cpuOnly(time.Second)
	cfg.AppKinds = []metrics.Kind{metrics.Battery}
	_, err = scheduler.New(cfg, []metrics.AppTarget{appA}, constant(1), make(chanSink))
	assert.True(t, errors.HasCode(err, errors.ErrInvalidConfig))

	cfg = cpuOnly(time.Second)
	cfg.SafetyMargin = time.Second
	_, err = scheduler.New(cfg, []metrics.AppTarget{appA}, constant(1), make(chanSink))
	assert.True(t, errors.HasCode(err, errors.ErrInvalidConfig))

	assert.Equal(t, 900*time.Millisecond, cpuOnly(time.Second).Deadline())
}
