package threshold

import (
	"codeberg.org/mutker/droidmon/internal/errors"
	"codeberg.org/mutker/droidmon/internal/metrics"
)

// Evaluator checks samples against a fixed threshold list. It holds no
// mutable state and is safe for concurrent use.
type Evaluator struct {
	byKind map[metrics.Kind][]Threshold
	count  int
}

func NewEvaluator(thresholds []Threshold) (*Evaluator, error) {
	errFactory := errors.New()

	e := &Evaluator{byKind: make(map[metrics.Kind][]Threshold)}
	seen := make(map[string]bool, len(thresholds))
	for _, t := range thresholds {
		if err := t.Validate(); err != nil {
			return nil, errFactory.Wrap(ErrInvalidConfig, err)
		}
		// alerts are stored under the rule text, so it must be unique
		rule := t.String()
		if seen[rule] {
			return nil, errFactory.WithData(ErrInvalidConfig, invalidThreshold{rule, "duplicate threshold"})
		}
		seen[rule] = true
		e.byKind[t.Kind] = append(e.byKind[t.Kind], t)
		e.count++
	}
	return e, nil
}

// Evaluate returns one alert per breached threshold in declaration order.
// Repeated breaches across samples each alert again. Degraded samples are
// evaluated like any other and stay tagged through Alert.Sample.
func (e *Evaluator) Evaluate(s metrics.Sample) []Alert {
	var alerts []Alert
	for _, t := range e.byKind[s.Kind] {
		if !t.Applies(s) || !t.Op.Breached(s.Value, t.Limit) {
			continue
		}
		alerts = append(alerts, Alert{
			Timestamp: s.Timestamp,
			Sample:    s,
			Threshold: t,
			Severity:  t.Severity,
		})
	}
	return alerts
}

// Thresholds returns a copy of the configured list.
func (e *Evaluator) Thresholds() []Threshold {
	out := make([]Threshold, 0, e.count)
	for _, kind := range metrics.Kinds {
		out = append(out, e.byKind[kind]...)
	}
	return out
}
