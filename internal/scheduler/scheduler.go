package scheduler

import (
	"context"
	"sort"
	"sync"
	"time"

	"code.cloudfoundry.org/clock"
	"codeberg.org/mutker/droidmon/internal/errors"
	"codeberg.org/mutker/droidmon/internal/logger"
	"codeberg.org/mutker/droidmon/internal/metrics"
	"codeberg.org/mutker/droidmon/internal/telemetry"
	"golang.org/x/sync/semaphore"
)

type pollKey struct {
	pkg  string
	kind metrics.Kind
}

type job struct {
	target *metrics.AppTarget
	kind   metrics.Kind
}

type outcome struct {
	idx      int
	reading  metrics.Reading
	degraded bool
	err      error
}

// Scheduler polls a fixed target set once per interval and hands each tick
// to a Sink. It never stops on poll failures; only Pause and Stop end the
// loop, or the Sink declining a tick.
type Scheduler struct {
	cfg         Config
	jobs        []job
	concurrency int64
	poller      Poller
	sink        Sink
	clock       clock.Clock
	recorder    telemetry.Recorder
	log         logger.Logger

	mu     sync.Mutex
	state  State
	cancel context.CancelFunc
	done   chan struct{}

	tickMu       sync.Mutex
	ticks        int
	rates        *metrics.RateTracker
	misses       map[pollKey]int
	unresponsive map[pollKey]bool
}

type Option func(*Scheduler)

func WithClock(clk clock.Clock) Option {
	return func(s *Scheduler) { s.clock = clk }
}

func WithRecorder(rec telemetry.Recorder) Option {
	return func(s *Scheduler) { s.recorder = rec }
}

func WithLogger(log logger.Logger) Option {
	return func(s *Scheduler) { s.log = log }
}

func New(cfg Config, targets []metrics.AppTarget, poller Poller, sink Sink, opts ...Option) (*Scheduler, error) {
	errFactory := errors.New()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if len(targets) == 0 && len(cfg.SystemKinds) == 0 {
		return nil, errFactory.WithMessage(ErrInvalidConfig, "nothing to poll")
	}
	if poller == nil || sink == nil {
		return nil, errFactory.WithMessage(ErrInvalidArgument, "poller and sink are required")
	}
	if ip, ok := poller.(IntervalPoller); ok {
		poller = ip.ForInterval(cfg.Interval)
	}

	s := &Scheduler{
		cfg:          cfg,
		poller:       poller,
		sink:         sink,
		clock:        clock.NewClock(),
		recorder:     telemetry.Noop(),
		log:          logger.Nop(),
		rates:        metrics.NewRateTracker(),
		misses:       make(map[pollKey]int),
		unresponsive: make(map[pollKey]bool),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.jobs = planJobs(cfg, targets)
	s.concurrency = int64(len(targets))
	if s.concurrency > int64(cfg.MaxConcurrency) {
		s.concurrency = int64(cfg.MaxConcurrency)
	}
	if s.concurrency < 1 {
		s.concurrency = 1
	}

	return s, nil
}

// planJobs fixes the per-tick poll order: device-wide kinds first, then
// targets by package, each in kind order.
func planJobs(cfg Config, targets []metrics.AppTarget) []job {
	sorted := make([]metrics.AppTarget, len(targets))
	copy(sorted, targets)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Package < sorted[j].Package })

	byOrder := func(kinds []metrics.Kind) []metrics.Kind {
		out := append([]metrics.Kind(nil), kinds...)
		sort.Slice(out, func(i, j int) bool { return out[i].Order() < out[j].Order() })
		return out
	}

	var jobs []job
	for _, kind := range byOrder(cfg.SystemKinds) {
		jobs = append(jobs, job{kind: kind})
	}
	appKinds := byOrder(cfg.AppKinds)
	for i := range sorted {
		for _, kind := range appKinds {
			jobs = append(jobs, job{target: &sorted[i], kind: kind})
		}
	}
	return jobs
}

func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Start begins ticking from Idle, or resumes from Paused. The first tick
// fires one interval after Start.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != Idle && s.state != Paused {
		return s.transitionError(Running)
	}

	if s.state == Paused {
		// counters across a pause would average over the gap
		s.tickMu.Lock()
		s.rates = metrics.NewRateTracker()
		s.tickMu.Unlock()
	}

	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.state = Running

	go s.loop(loopCtx, s.done)

	s.log.Debug().
		Int("jobs", len(s.jobs)).
		Int64("concurrency", s.concurrency).
		Str("interval", s.cfg.Interval.String()).
		Msg("Scheduler running")
	return nil
}

// Pause cancels the in-flight tick and waits for the loop to exit.
func (s *Scheduler) Pause() error {
	s.mu.Lock()
	if s.state != Running {
		err := s.transitionError(Paused)
		s.mu.Unlock()
		return err
	}
	s.state = Paused
	done := s.halt()
	s.mu.Unlock()

	<-done
	return nil
}

// Stop is final. Stopping a stopped scheduler is a no-op.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.state = Stopped
	done := s.halt()
	s.mu.Unlock()

	if done != nil {
		<-done
	}
}

func (s *Scheduler) halt() chan struct{} {
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	return s.done
}

func (s *Scheduler) transitionError(to State) error {
	return errors.New().WithData(ErrInvalidTransition, struct {
		From string
		To   string
	}{s.state.String(), to.String()})
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := s.clock.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case at := <-ticker.C():
			result := s.RunTick(ctx, at)
			if ctx.Err() != nil {
				return
			}
			if !s.sink.Deliver(result) {
				s.mu.Lock()
				if s.state == Running {
					s.state = Stopped
					s.halt()
				}
				s.mu.Unlock()
				s.log.Debug().Int("tick", result.Tick).Msg("Sink closed, scheduler stopped")
				return
			}
		}
	}
}

// RunTick performs one polling round stamped with at. Polls that have not
// finished when the tick deadline passes are recorded as missed and their
// late results are dropped.
func (s *Scheduler) RunTick(ctx context.Context, at time.Time) TickResult {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()

	start := time.Now()
	s.ticks++

	tickCtx, cancel := context.WithTimeout(ctx, s.cfg.Deadline())
	defer cancel()

	results := make(chan outcome, len(s.jobs))
	sem := semaphore.NewWeighted(s.concurrency)
	for i, j := range s.jobs {
		go func(i int, j job) {
			if err := sem.Acquire(tickCtx, 1); err != nil {
				results <- outcome{idx: i, err: errors.New().Wrap(ErrCommandTimeout, err)}
				return
			}
			defer sem.Release(1)

			reading, degraded, err := s.poller.Poll(tickCtx, j.target, j.kind)
			results <- outcome{idx: i, reading: reading, degraded: degraded, err: err}
		}(i, j)
	}

	finished := make([]*outcome, len(s.jobs))
collect:
	for n := 0; n < len(s.jobs); n++ {
		select {
		case o := <-results:
			finished[o.idx] = &o
		case <-tickCtx.Done():
			break collect
		}
	}

	result := TickResult{Tick: s.ticks, At: at}
	for i, j := range s.jobs {
		s.settle(&result, j, finished[i])
	}
	result.Elapsed = time.Since(start)

	s.recorder.Tick(result.Elapsed, len(result.Samples), len(result.Missed))
	if len(result.Missed) > 0 {
		s.log.Debug().
			Int("tick", result.Tick).
			Int("samples", len(result.Samples)).
			Int("missed", len(result.Missed)).
			Msg("Tick incomplete")
	}
	return result
}

func (s *Scheduler) settle(result *TickResult, j job, o *outcome) {
	key := pollKey{kind: j.kind}
	if j.target != nil {
		key.pkg = j.target.Package
	}

	var reason errors.ErrorCode
	switch {
	case o == nil:
		reason = ErrCommandTimeout
	case o.err != nil:
		reason = errors.CodeOf(o.err)
		if reason == "" {
			reason = errors.ErrInternal
		}
	case j.kind.Cumulative() && o.degraded:
		reason = ErrStaleCounter
	}
	if reason != "" {
		result.Missed = append(result.Missed, Missed{App: j.target, Kind: j.kind, Reason: reason})
		s.miss(result, j, key)
		return
	}

	value := o.reading.Value
	if o.reading.Cumulative {
		rate, ok := s.rates.Rate(key.pkg+"/"+string(j.kind), value, result.At)
		if !ok {
			s.answered(result, j, key)
			return
		}
		value = rate
	}

	result.Samples = append(result.Samples, metrics.Sample{
		Timestamp: result.At,
		App:       j.target,
		Kind:      j.kind,
		Value:     value,
		Unit:      j.kind.Unit(),
		Degraded:  o.degraded,
	})
	s.answered(result, j, key)
}

func (s *Scheduler) miss(result *TickResult, j job, key pollKey) {
	s.misses[key]++
	if s.misses[key] < s.cfg.UnresponsiveAfter || s.unresponsive[key] {
		return
	}

	s.unresponsive[key] = true
	result.Events = append(result.Events, TargetEvent{
		Type:   TargetUnresponsive,
		App:    j.target,
		Kind:   j.kind,
		Misses: s.misses[key],
	})
	s.log.Warn().
		Str("package", key.pkg).
		Str("kind", string(key.kind)).
		Int("misses", s.misses[key]).
		Msg("Target unresponsive")
}

func (s *Scheduler) answered(result *TickResult, j job, key pollKey) {
	misses := s.misses[key]
	delete(s.misses, key)
	if !s.unresponsive[key] {
		return
	}

	delete(s.unresponsive, key)
	result.Events = append(result.Events, TargetEvent{
		Type:   TargetRecovered,
		App:    j.target,
		Kind:   j.kind,
		Misses: misses,
	})
	s.log.Info().
		Str("package", key.pkg).
		Str("kind", string(key.kind)).
		Msg("Target recovered")
}
