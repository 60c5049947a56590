package session

import (
	"context"
	"sort"
	"sync"
	"time"

	"code.cloudfoundry.org/clock"
	"codeberg.org/mutker/droidmon/internal/errors"
	"codeberg.org/mutker/droidmon/internal/logger"
	"codeberg.org/mutker/droidmon/internal/metrics"
	"codeberg.org/mutker/droidmon/internal/scheduler"
	"codeberg.org/mutker/droidmon/internal/storage"
	"codeberg.org/mutker/droidmon/internal/telemetry"
	"codeberg.org/mutker/droidmon/internal/threshold"
	"github.com/google/uuid"
)

// Manager creates sessions and routes control operations to them by id.
type Manager struct {
	limits    Limits
	schedCfg  scheduler.Config
	poller    scheduler.Poller
	evaluator *threshold.Evaluator
	persister *persister
	clock     clock.Clock
	recorder  telemetry.Recorder
	log       logger.Logger
	newID     func() string

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.RWMutex
	sessions map[string]*Session
}

type Option func(*Manager)

func WithClock(clk clock.Clock) Option {
	return func(m *Manager) { m.clock = clk }
}

func WithRecorder(rec telemetry.Recorder) Option {
	return func(m *Manager) { m.recorder = rec }
}

func WithLogger(log logger.Logger) Option {
	return func(m *Manager) { m.log = log }
}

// WithIDGenerator replaces the random session id source.
func WithIDGenerator(fn func() string) Option {
	return func(m *Manager) { m.newID = fn }
}

// NewManager builds a manager. schedCfg supplies everything but the interval,
// which each session chooses. A nil gateway disables persistence and a nil
// evaluator raises no alerts.
func NewManager(
	limits Limits,
	schedCfg scheduler.Config,
	poller scheduler.Poller,
	evaluator *threshold.Evaluator,
	gateway Gateway,
	opts ...Option,
) (*Manager, error) {
	errFactory := errors.New()

	if err := limits.Validate(); err != nil {
		return nil, err
	}
	if poller == nil {
		return nil, errFactory.WithMessage(ErrInvalidArgument, "poller is required")
	}
	if evaluator == nil {
		evaluator, _ = threshold.NewEvaluator(nil)
	}
	if gateway == nil {
		gateway = storage.Noop()
	}

	m := &Manager{
		limits:    limits,
		schedCfg:  schedCfg,
		poller:    poller,
		evaluator: evaluator,
		clock:     clock.NewClock(),
		recorder:  telemetry.Noop(),
		log:       logger.Nop(),
		newID:     uuid.NewString,
		sessions:  make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.ctx, m.cancel = context.WithCancel(context.Background())
	m.persister = newPersister(gateway, limits, m.recorder, m.log)

	return m, nil
}

// Create validates the request and registers a session in Created status.
func (m *Manager) Create(req CreateRequest) (Snapshot, error) {
	if err := m.validate(req); err != nil {
		return Snapshot{}, err
	}

	s := &Session{
		id:          m.newID(),
		targets:     append([]metrics.AppTarget(nil), req.Targets...),
		interval:    req.Interval,
		maxDuration: req.MaxDuration,
		limits:      m.limits,
		evaluator:   m.evaluator,
		persister:   m.persister,
		feed:        NewFeed(m.limits.FeedBuffer),
		ctx:         m.ctx,
		clock:       m.clock,
		recorder:    m.recorder,
		log:         m.log,
		status:      Created,
		createdAt:   m.clock.Now(),
		stats:       make(summary),
	}

	cfg := m.schedCfg
	cfg.Interval = req.Interval
	sched, err := scheduler.New(cfg, s.targets, m.poller, s,
		scheduler.WithClock(m.clock),
		scheduler.WithRecorder(m.recorder),
		scheduler.WithLogger(m.log),
	)
	if err != nil {
		return Snapshot{}, err
	}
	s.sched = sched

	m.mu.Lock()
	m.sessions[s.id] = s
	m.mu.Unlock()

	s.mu.Lock()
	m.recorder.SessionStatus(string(Created), 1)
	s.flushLocked(false)
	s.mu.Unlock()

	m.log.Info().
		Str("session", s.id).
		Int("targets", len(s.targets)).
		Str("interval", s.interval.String()).
		Str("max_duration", s.maxDuration.String()).
		Msg("Session created")

	return s.Snapshot(), nil
}

func (m *Manager) validate(req CreateRequest) error {
	errFactory := errors.New()

	if len(req.Targets) == 0 || len(req.Targets) > m.limits.MaxApps {
		return errFactory.WithData(ErrInvalidConfig, struct {
			Targets int
			MaxApps int
		}{len(req.Targets), m.limits.MaxApps})
	}

	seen := make(map[string]bool, len(req.Targets))
	for _, t := range req.Targets {
		if !metrics.ValidPackage(t.Package) {
			return errFactory.WithData(ErrInvalidConfig, struct{ Package string }{t.Package})
		}
		if seen[t.Package] {
			return errFactory.WithData(ErrInvalidConfig, struct{ Duplicate string }{t.Package})
		}
		seen[t.Package] = true
	}

	if req.Interval < MinInterval || req.Interval > m.limits.MaxInterval {
		return errFactory.WithData(ErrInvalidConfig, struct {
			Interval time.Duration
			Min      time.Duration
			Max      time.Duration
		}{req.Interval, MinInterval, m.limits.MaxInterval})
	}
	if req.MaxDuration <= 0 || req.MaxDuration > m.limits.DurationCeiling {
		return errFactory.WithData(ErrInvalidConfig, struct {
			MaxDuration time.Duration
			Ceiling     time.Duration
		}{req.MaxDuration, m.limits.DurationCeiling})
	}
	return nil
}

func (m *Manager) Session(id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, errors.New().WithData(ErrNotFound, struct{ Session string }{id})
	}
	return s, nil
}

func (m *Manager) Start(id string) error {
	return m.apply(id, (*Session).Start)
}

func (m *Manager) Pause(id string) error {
	return m.apply(id, (*Session).Pause)
}

func (m *Manager) Resume(id string) error {
	return m.apply(id, (*Session).Resume)
}

func (m *Manager) Stop(id string) error {
	return m.apply(id, (*Session).Stop)
}

// Close releases a Stopped or Expired session. Its feed ends and it can no
// longer be looked up.
func (m *Manager) Close(id string) error {
	s, err := m.Session(id)
	if err != nil {
		return err
	}
	if err := s.close(); err != nil {
		return err
	}

	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
	return nil
}

func (m *Manager) apply(id string, op func(*Session) error) error {
	s, err := m.Session(id)
	if err != nil {
		return err
	}
	return op(s)
}

func (m *Manager) Get(id string) (Snapshot, error) {
	s, err := m.Session(id)
	if err != nil {
		return Snapshot{}, err
	}
	return s.Snapshot(), nil
}

// List returns snapshots of every held session, oldest first.
func (m *Manager) List() []Snapshot {
	m.mu.RLock()
	held := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		held = append(held, s)
	}
	m.mu.RUnlock()

	out := make([]Snapshot, 0, len(held))
	for _, s := range held {
		out = append(out, s.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (m *Manager) Subscribe(id string) (<-chan Event, func(), error) {
	s, err := m.Session(id)
	if err != nil {
		return nil, nil, err
	}
	events, cancel := s.Subscribe()
	return events, cancel, nil
}

// Shutdown stops every live session and waits for queued writes until ctx
// ends.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.RLock()
	held := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		held = append(held, s)
	}
	m.mu.RUnlock()

	for _, s := range held {
		if s.Status().Terminal() {
			continue
		}
		if err := s.Stop(); err != nil && !errors.HasCode(err, ErrInvalidTransition) {
			m.log.Error().Err(err).Str("session", s.id).Msg("Failed to stop session")
		}
	}

	err := m.persister.close(ctx)
	m.cancel()
	if err != nil {
		return err
	}

	m.log.Info().Int("sessions", len(held)).Msg("Session manager shut down")
	return nil
}
