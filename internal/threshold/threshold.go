package threshold

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"codeberg.org/mutker/droidmon/internal/errors"
	"codeberg.org/mutker/droidmon/internal/metrics"
)

type Operator string

const (
	Greater      Operator = ">"
	GreaterEqual Operator = ">="
	Less         Operator = "<"
	LessEqual    Operator = "<="
)

func (o Operator) Valid() bool {
	switch o {
	case Greater, GreaterEqual, Less, LessEqual:
		return true
	default:
		return false
	}
}

// Breached reports whether value crosses limit under o.
func (o Operator) Breached(value, limit float64) bool {
	switch o {
	case Greater:
		return value > limit
	case GreaterEqual:
		return value >= limit
	case Less:
		return value < limit
	case LessEqual:
		return value <= limit
	default:
		return false
	}
}

type Severity string

const (
	Info     Severity = "info"
	Warning  Severity = "warning"
	Critical Severity = "critical"
)

func (s Severity) Valid() bool {
	return s == Info || s == Warning || s == Critical
}

// Threshold is a limit on one metric kind. An empty App makes it global.
type Threshold struct {
	Kind     metrics.Kind `json:"kind"`
	Op       Operator     `json:"op"`
	Limit    float64      `json:"limit"`
	App      string       `json:"app,omitempty"`
	Severity Severity     `json:"severity"`
}

func (t Threshold) String() string {
	s := fmt.Sprintf("%s%s%s", t.Kind, t.Op, strconv.FormatFloat(t.Limit, 'f', -1, 64))
	if t.App != "" {
		s += "@" + t.App
	}
	return s + ":" + string(t.Severity)
}

// Applies reports whether t is in scope for s.
func (t Threshold) Applies(s metrics.Sample) bool {
	if t.Kind != s.Kind {
		return false
	}
	return t.App == "" || t.App == s.Package()
}

func (t Threshold) Validate() error {
	errFactory := errors.New()

	if !t.Kind.Valid() {
		return errFactory.WithData(ErrInvalidConfig, invalidThreshold{t.String(), "unknown metric"})
	}
	if !t.Op.Valid() {
		return errFactory.WithData(ErrInvalidConfig, invalidThreshold{t.String(), "unknown operator"})
	}
	if !t.Severity.Valid() {
		return errFactory.WithData(ErrInvalidConfig, invalidThreshold{t.String(), "unknown severity"})
	}
	if t.App != "" && t.Kind.System() {
		return errFactory.WithData(ErrInvalidConfig, invalidThreshold{t.String(), "device-wide metric cannot be scoped to an app"})
	}
	return nil
}

// Alert records one breach. It is never mutated after creation.
type Alert struct {
	Timestamp time.Time      `json:"timestamp"`
	Sample    metrics.Sample `json:"sample"`
	Threshold Threshold      `json:"threshold"`
	Severity  Severity       `json:"severity"`
}

var rulePattern = regexp.MustCompile(`^([A-Za-z_]+)\s*(>=|<=|>|<)\s*(-?[0-9]+(?:\.[0-9]+)?)\s*(?:@([A-Za-z0-9_.]+))?\s*(?::([a-z]+))?$`)

// ParseRule reads the compact form "cpu>90", "fps<30@com.example.game" or
// "temperature>=45:critical". Severity defaults to warning.
func ParseRule(rule string) (Threshold, error) {
	errFactory := errors.New()

	m := rulePattern.FindStringSubmatch(strings.TrimSpace(rule))
	if m == nil {
		return Threshold{}, errFactory.WithData(ErrInvalidConfig, invalidThreshold{rule, "malformed rule"})
	}

	kind, ok := metrics.ParseKind(m[1])
	if !ok {
		return Threshold{}, errFactory.WithData(ErrInvalidConfig, invalidThreshold{rule, "unknown metric"})
	}
	limit, err := strconv.ParseFloat(m[3], 64)
	if err != nil {
		return Threshold{}, errFactory.Wrap(ErrInvalidConfig, err)
	}

	t := Threshold{
		Kind:     kind,
		Op:       Operator(m[2]),
		Limit:    limit,
		App:      m[4],
		Severity: Warning,
	}
	if m[5] != "" {
		t.Severity = Severity(m[5])
	}
	if err := t.Validate(); err != nil {
		return Threshold{}, err
	}
	return t, nil
}

// ParseRules parses each rule in turn, stopping at the first bad one.
func ParseRules(rules []string) ([]Threshold, error) {
	out := make([]Threshold, 0, len(rules))
	for _, rule := range rules {
		t, err := ParseRule(rule)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// Defaults are the stock rules: CPU above 90% and FPS below 30.
func Defaults() []Threshold {
	return []Threshold{
		{Kind: metrics.CPU, Op: Greater, Limit: 90, Severity: Warning},
		{Kind: metrics.FPS, Op: Less, Limit: 30, Severity: Warning},
	}
}

type invalidThreshold struct {
	Threshold string
	Reason    string
}
