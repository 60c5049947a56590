package telemetry

import (
	"net/http"
	"time"

	"codeberg.org/mutker/droidmon/internal/errors"
	"codeberg.org/mutker/droidmon/internal/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type service struct {
	gatherer prometheus.Gatherer

	cacheLookups   *prometheus.CounterVec
	bridgeCalls    *prometheus.CounterVec
	bridgeLatency  prometheus.Histogram
	tickDuration   prometheus.Histogram
	missedSamples  prometheus.Counter
	samples        *prometheus.CounterVec
	alerts         *prometheus.CounterVec
	storageWrites  *prometheus.CounterVec
	sessionsByStat *prometheus.GaugeVec
}

// No-op implementation
type noopRecorder struct{}

// NewService builds the prometheus backed recorder, or a no-op recorder when
// telemetry is disabled.
func NewService(cfg Config) (Recorder, error) {
	errFactory := errors.New()

	if err := cfg.Validate(); err != nil {
		return nil, errFactory.Wrap(ErrInvalidConfig, err)
	}

	if !cfg.Enabled {
		logger.Debug().Msg("Telemetry disabled, using no-op recorder")
		return Noop(), nil
	}

	reg, gatherer := cfg.Registerer, cfg.Gatherer
	if reg == nil {
		registry := prometheus.NewRegistry()
		reg, gatherer = registry, registry
	}

	ns := cfg.Namespace
	s := &service{
		gatherer: gatherer,

		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "cache", Name: "lookups_total",
			Help: "Cache lookups by tier and outcome.",
		}, []string{"tier", "outcome"}),
		bridgeCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "bridge", Name: "calls_total",
			Help: "Device bridge queries by outcome.",
		}, []string{"outcome"}),
		bridgeLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: ns, Subsystem: "bridge", Name: "call_duration_seconds",
			Help:    "Device bridge query latency.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 10),
		}),
		tickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: ns, Subsystem: "scheduler", Name: "tick_duration_seconds",
			Help:    "Time spent collecting one sampling tick.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 8),
		}),
		missedSamples: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "scheduler", Name: "missed_samples_total",
			Help: "Polls that produced no sample within their tick.",
		}),
		samples: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "session", Name: "samples_total",
			Help: "Samples appended to sessions by kind.",
		}, []string{"kind", "degraded"}),
		alerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "session", Name: "alerts_total",
			Help: "Threshold alerts raised by kind and severity.",
		}, []string{"kind", "severity"}),
		storageWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "storage", Name: "writes_total",
			Help: "Storage gateway write attempts by outcome.",
		}, []string{"outcome"}),
		sessionsByStat: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: ns, Subsystem: "session", Name: "sessions",
			Help: "Sessions currently held by the manager, by status.",
		}, []string{"status"}),
	}

	for _, c := range []prometheus.Collector{
		s.cacheLookups, s.bridgeCalls, s.bridgeLatency, s.tickDuration, s.missedSamples,
		s.samples, s.alerts, s.storageWrites, s.sessionsByStat,
	} {
		if err := reg.Register(c); err != nil {
			return nil, errFactory.Wrap(ErrRegisterFailed, err)
		}
	}

	logger.Debug().
		Str("namespace", ns).
		Msg("Telemetry recorder initialized")

	return s, nil
}

func (s *service) CacheLookup(tier, outcome string) {
	s.cacheLookups.WithLabelValues(tier, outcome).Inc()
}

func (s *service) BridgeCall(outcome string, elapsed time.Duration) {
	s.bridgeCalls.WithLabelValues(outcome).Inc()
	s.bridgeLatency.Observe(elapsed.Seconds())
}

func (s *service) Tick(elapsed time.Duration, _, missed int) {
	s.tickDuration.Observe(elapsed.Seconds())
	s.missedSamples.Add(float64(missed))
}

func (s *service) SampleRecorded(kind string, degraded bool) {
	label := "false"
	if degraded {
		label = "true"
	}
	s.samples.WithLabelValues(kind, label).Inc()
}

func (s *service) AlertRaised(kind, severity string) {
	s.alerts.WithLabelValues(kind, severity).Inc()
}

func (s *service) StorageWrite(outcome string) {
	s.storageWrites.WithLabelValues(outcome).Inc()
}

func (s *service) SessionStatus(status string, delta int) {
	s.sessionsByStat.WithLabelValues(status).Add(float64(delta))
}

func (s *service) Handler() http.Handler {
	return promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})
}

// Noop returns a Recorder that discards everything.
func Noop() Recorder {
	return &noopRecorder{}
}

// No-op implementation
func (*noopRecorder) CacheLookup(_, _ string) {}
func (*noopRecorder) BridgeCall(_ string, _ time.Duration) {}
func (*noopRecorder) Tick(_ time.Duration, _, _ int) {}
func (*noopRecorder) SampleRecorded(_ string, _ bool) {}
func (*noopRecorder) AlertRaised(_, _ string) {}
func (*noopRecorder) StorageWrite(_ string) {}
func (*noopRecorder) SessionStatus(_ string, _ int) {}
func (*noopRecorder) Handler() http.Handler { return http.NotFoundHandler() }
