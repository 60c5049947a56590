package session

import (
	"context"
	"sync"
	"time"

	"code.cloudfoundry.org/clock"
	"codeberg.org/mutker/droidmon/internal/errors"
	"codeberg.org/mutker/droidmon/internal/logger"
	"codeberg.org/mutker/droidmon/internal/metrics"
	"codeberg.org/mutker/droidmon/internal/scheduler"
	"codeberg.org/mutker/droidmon/internal/telemetry"
	"codeberg.org/mutker/droidmon/internal/threshold"
)

// Session owns one monitoring stream. Only Deliver appends to it; readers
// get snapshots or the feed.
type Session struct {
	id          string
	targets     []metrics.AppTarget
	interval    time.Duration
	maxDuration time.Duration
	limits      Limits

	evaluator *threshold.Evaluator
	persister *persister
	feed      *Feed
	sched     *scheduler.Scheduler
	ctx       context.Context
	clock     clock.Clock
	recorder  telemetry.Recorder
	log       logger.Logger

	// ctl serializes control operations, which call into the scheduler
	// without holding mu.
	ctl sync.Mutex

	mu        sync.Mutex
	status    Status
	createdAt time.Time
	startedAt time.Time
	endedAt   time.Time
	deadline  time.Time
	seq       uint64
	missed    int
	samples   []metrics.Sample
	alerts    []threshold.Alert
	pending   []metrics.Sample
	pendAlert []threshold.Alert
	stats     summary
	stopWatch chan struct{}
	watch     clock.Timer
}

func (s *Session) ID() string {
	return s.id
}

func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Subscribe attaches to the live feed.
func (s *Session) Subscribe() (<-chan Event, func()) {
	return s.feed.Subscribe()
}

// Start runs a Created session, or resumes a Paused one.
func (s *Session) Start() error {
	return s.run(Created, Paused)
}

func (s *Session) Resume() error {
	return s.run(Paused)
}

func (s *Session) run(from ...Status) error {
	s.ctl.Lock()
	defer s.ctl.Unlock()

	s.mu.Lock()
	if !s.statusIn(from...) {
		err := s.transitionError(Running)
		s.mu.Unlock()
		return err
	}

	now := s.clock.Now()
	if s.status == Paused && !now.Before(s.deadline) {
		s.finishLocked(Expired, now)
		s.mu.Unlock()
		s.sched.Stop()
		return errors.New().WithData(ErrInvalidTransition, struct {
			From   string
			To     string
			Reason string
		}{string(Paused), string(Running), "max duration reached while paused"})
	}

	if s.status == Created {
		s.startedAt = now
		s.deadline = now.Add(s.maxDuration)
	}
	s.endWatchLocked()
	s.setStatusLocked(Running, now)
	s.mu.Unlock()

	if err := s.sched.Start(s.ctx); err != nil {
		s.log.Error().Err(err).Str("session", s.id).Msg("Failed to start scheduler")
		return err
	}
	return nil
}

// Pause suspends polling. The max duration keeps running: a session paused
// past its deadline expires.
func (s *Session) Pause() error {
	s.ctl.Lock()
	defer s.ctl.Unlock()

	s.mu.Lock()
	if s.status != Running {
		err := s.transitionError(Paused)
		s.mu.Unlock()
		return err
	}

	now := s.clock.Now()
	remaining := s.deadline.Sub(now)
	if remaining <= 0 {
		s.finishLocked(Expired, now)
		s.mu.Unlock()
		s.sched.Stop()
		return errors.New().WithData(ErrInvalidTransition, struct {
			From   string
			To     string
			Reason string
		}{string(Running), string(Paused), "max duration reached"})
	}

	s.setStatusLocked(Paused, now)
	s.watchDeadlineLocked(remaining)
	s.mu.Unlock()

	return s.sched.Pause()
}

// Stop ends the session from any non-terminal status and flushes what has
// not been written yet.
func (s *Session) Stop() error {
	s.ctl.Lock()
	defer s.ctl.Unlock()

	s.mu.Lock()
	if s.status.Terminal() {
		err := s.transitionError(Stopped)
		s.mu.Unlock()
		return err
	}
	s.finishLocked(Stopped, s.clock.Now())
	s.mu.Unlock()

	s.sched.Stop()
	return nil
}

func (s *Session) close() error {
	s.ctl.Lock()
	defer s.ctl.Unlock()

	s.mu.Lock()
	if s.status != Stopped && s.status != Expired {
		err := s.transitionError(Closed)
		s.mu.Unlock()
		return err
	}
	s.setStatusLocked(Closed, s.clock.Now())
	s.mu.Unlock()

	s.feed.close()
	return nil
}

// Deliver appends one tick to the stream. It returns false once the session
// is terminal, which stops the scheduler.
func (s *Session) Deliver(result scheduler.TickResult) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status.Terminal() {
		return false
	}
	if s.status != Running {
		return true
	}

	events := make([]Event, 0, len(result.Samples)+len(result.Missed)+len(result.Events))
	for _, sample := range result.Samples {
		s.seq++
		sample.Seq = s.seq
		s.samples = append(s.samples, sample)
		s.pending = append(s.pending, sample)
		s.stats.add(sample)
		s.recorder.SampleRecorded(string(sample.Kind), sample.Degraded)

		recorded := sample
		events = append(events, Event{Type: EventSample, Session: s.id, Time: sample.Timestamp, Sample: &recorded})

		for _, alert := range s.evaluator.Evaluate(sample) {
			s.alerts = append(s.alerts, alert)
			s.pendAlert = append(s.pendAlert, alert)
			s.recorder.AlertRaised(string(alert.Sample.Kind), string(alert.Severity))

			raised := alert
			events = append(events, Event{Type: EventAlert, Session: s.id, Time: alert.Timestamp, Alert: &raised})
		}
	}
	for i := range result.Missed {
		s.missed++
		events = append(events, Event{Type: EventMissed, Session: s.id, Time: result.At, Missed: &result.Missed[i]})
	}
	for i := range result.Events {
		e := result.Events[i]
		events = append(events, Event{Type: EventType(e.Type), Session: s.id, Time: result.At, Target: &e})
	}
	s.samples = trimTail(s.samples, s.limits.TailSize)
	s.alerts = trimTail(s.alerts, s.limits.TailSize)
	s.feed.publish(events...)

	if !result.At.Before(s.deadline) {
		s.finishLocked(Expired, result.At)
		s.log.Info().
			Str("session", s.id).
			Int("tick", result.Tick).
			Msg("Session reached its max duration")
		return false
	}

	if len(s.pending) >= s.limits.FlushBatch {
		s.flushLocked(false)
	}
	return true
}

// Snapshot copies the current state.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := s.headerLocked()
	snap.Recorded = s.seq
	snap.Missed = s.missed
	snap.Samples = append([]metrics.Sample(nil), tailOf(s.samples, s.limits.TailSize)...)
	snap.Alerts = append([]threshold.Alert(nil), tailOf(s.alerts, s.limits.TailSize)...)
	snap.Summary = s.stats.stats()
	return snap
}

func (s *Session) headerLocked() Snapshot {
	return Snapshot{
		ID:          s.id,
		Status:      s.status,
		Targets:     append([]metrics.AppTarget(nil), s.targets...),
		Interval:    s.interval,
		MaxDuration: s.maxDuration,
		CreatedAt:   s.createdAt,
		StartedAt:   s.startedAt,
		EndedAt:     s.endedAt,
	}
}

func (s *Session) statusIn(statuses ...Status) bool {
	for _, st := range statuses {
		if s.status == st {
			return true
		}
	}
	return false
}

func (s *Session) transitionError(to Status) error {
	return errors.New().WithData(ErrInvalidTransition, struct {
		From string
		To   string
	}{string(s.status), string(to)})
}

func (s *Session) setStatusLocked(to Status, at time.Time) {
	from := s.status
	s.status = to

	s.recorder.SessionStatus(string(from), -1)
	if to != Closed {
		s.recorder.SessionStatus(string(to), 1)
	}
	s.feed.publish(Event{Type: EventStatus, Session: s.id, Time: at, Status: to})

	s.log.Debug().
		Str("session", s.id).
		Str("from", string(from)).
		Str("to", string(to)).
		Msg("Session status changed")

	if to != Closed {
		s.flushLocked(to.Terminal())
	}
}

// finishLocked moves to a terminal status and queues the final write.
func (s *Session) finishLocked(to Status, at time.Time) {
	s.endedAt = at
	s.endWatchLocked()
	s.setStatusLocked(to, at)
}

// flushLocked queues the session row and, when data is set or the batch is
// full, the unflushed samples and alerts. Every sample is queued once.
func (s *Session) flushLocked(data bool) {
	record := s.headerLocked().record()
	job := writeJob{session: s.id, record: &record, onFailure: s.storageFailed}
	if data || len(s.pending) >= s.limits.FlushBatch {
		job.samples, job.alerts = s.pending, s.pendAlert
		s.pending, s.pendAlert = nil, nil
	}
	s.persister.enqueue(job)
}

func (s *Session) storageFailed(err error) {
	s.feed.publish(Event{
		Type:    EventStorageFailed,
		Session: s.id,
		Time:    s.clock.Now(),
		Error:   err.Error(),
	})
}

func (s *Session) watchDeadlineLocked(remaining time.Duration) {
	stop := make(chan struct{})
	timer := s.clock.NewTimer(remaining)
	s.stopWatch, s.watch = stop, timer

	go func() {
		select {
		case <-timer.C():
			s.expirePaused()
		case <-stop:
		}
	}()
}

func (s *Session) endWatchLocked() {
	if s.stopWatch != nil {
		s.watch.Stop()
		close(s.stopWatch)
		s.stopWatch, s.watch = nil, nil
	}
}

func (s *Session) expirePaused() {
	s.ctl.Lock()
	defer s.ctl.Unlock()

	s.mu.Lock()
	now := s.clock.Now()
	if s.status != Paused || now.Before(s.deadline) {
		s.mu.Unlock()
		return
	}
	s.finishLocked(Expired, now)
	s.mu.Unlock()

	s.log.Info().Str("session", s.id).Msg("Paused session reached its max duration")
	s.sched.Stop()
}

// trimTail drops the oldest entries once the slice holds twice the limit,
// so the copy is amortized over many appends.
func trimTail[T any](items []T, limit int) []T {
	if len(items) < 2*limit {
		return items
	}
	return append(make([]T, 0, 2*limit), items[len(items)-limit:]...)
}

func tailOf[T any](items []T, limit int) []T {
	if len(items) > limit {
		return items[len(items)-limit:]
	}
	return items
}
