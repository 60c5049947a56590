package session

import (
	"context"
	"sync"
	"time"

	"codeberg.org/mutker/droidmon/internal/errors"
	"codeberg.org/mutker/droidmon/internal/logger"
	"codeberg.org/mutker/droidmon/internal/metrics"
	"codeberg.org/mutker/droidmon/internal/storage"
	"codeberg.org/mutker/droidmon/internal/telemetry"
	"codeberg.org/mutker/droidmon/internal/threshold"
	"github.com/cenkalti/backoff/v4"
)

type writeJob struct {
	session   string
	record    *storage.SessionRecord
	samples   []metrics.Sample
	alerts    []threshold.Alert
	onFailure func(error)
}

// persister writes session data on a single background worker so that
// storage latency never reaches the tick path. Jobs are written in the
// order they were queued.
type persister struct {
	gateway  Gateway
	retries  uint64
	interval time.Duration
	recorder telemetry.Recorder
	log      logger.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	queue   []writeJob
	closing bool
	wake    chan struct{}
	done    chan struct{}
}

func newPersister(gateway Gateway, limits Limits, recorder telemetry.Recorder, log logger.Logger) *persister {
	ctx, cancel := context.WithCancel(context.Background())
	p := &persister{
		gateway:  gateway,
		retries:  limits.Retries,
		interval: limits.RetryInterval,
		recorder: recorder,
		log:      log,
		ctx:      ctx,
		cancel:   cancel,
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	go p.run()
	return p
}

func (p *persister) enqueue(job writeJob) {
	p.mu.Lock()
	if p.closing {
		p.mu.Unlock()
		p.log.Warn().
			Str("session", job.session).
			Int("samples", len(job.samples)).
			Msg("Persister closed, dropping write")
		return
	}
	p.queue = append(p.queue, job)
	p.mu.Unlock()

	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *persister) run() {
	defer close(p.done)

	for {
		p.mu.Lock()
		if len(p.queue) == 0 {
			closing := p.closing
			p.mu.Unlock()
			if closing {
				return
			}
			<-p.wake
			continue
		}
		job := p.queue[0]
		p.queue = p.queue[1:]
		p.mu.Unlock()

		p.write(job)
	}
}

func (p *persister) write(job writeJob) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = p.interval
	policy.MaxElapsedTime = 0

	attempts := 0
	err := backoff.RetryNotify(
		func() error {
			attempts++
			return p.attempt(job)
		},
		backoff.WithContext(backoff.WithMaxRetries(policy, p.retries), p.ctx),
		func(err error, wait time.Duration) {
			p.recorder.StorageWrite(telemetry.OutcomeRetry)
			p.log.Warn().
				Err(err).
				Str("session", job.session).
				Str("wait", wait.String()).
				Msg("Storage write failed, retrying")
		},
	)
	if err == nil {
		return
	}

	wrapped := errors.New().WithData(ErrStoragePersistence, struct {
		Session  string
		Attempts int
		Samples  int
		Alerts   int
		Error    string
	}{
		Session:  job.session,
		Attempts: attempts,
		Samples:  len(job.samples),
		Alerts:   len(job.alerts),
		Error:    err.Error(),
	})
	p.log.ErrorWithCode(wrapped).Msg("Giving up on storage write")
	if job.onFailure != nil {
		job.onFailure(wrapped)
	}
}

func (p *persister) attempt(job writeJob) error {
	permanent := func(err error) error {
		if errors.HasCode(err, ErrInvalidArgument) {
			return backoff.Permanent(err)
		}
		return err
	}

	if job.record != nil {
		if err := p.gateway.UpsertSession(p.ctx, *job.record); err != nil {
			return permanent(err)
		}
	}
	if err := p.gateway.WriteSamples(p.ctx, job.session, job.samples); err != nil {
		return permanent(err)
	}
	if err := p.gateway.WriteAlerts(p.ctx, job.session, job.alerts); err != nil {
		return permanent(err)
	}
	return nil
}

// close drains the queue. When ctx ends first, pending retries are
// abandoned.
func (p *persister) close(ctx context.Context) error {
	p.mu.Lock()
	p.closing = true
	pending := len(p.queue)
	p.mu.Unlock()

	select {
	case p.wake <- struct{}{}:
	default:
	}

	select {
	case <-p.done:
		p.cancel()
		return nil
	case <-ctx.Done():
		p.cancel()
		<-p.done
		return errors.New().WithData(ErrShutdownFailed, struct {
			Phase   string
			Pending int
			Error   string
		}{
			Phase:   "drain_writes",
			Pending: pending,
			Error:   ctx.Err().Error(),
		})
	}
}
