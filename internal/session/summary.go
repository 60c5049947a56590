package session

import (
	"sort"

	"codeberg.org/mutker/droidmon/internal/metrics"
)

type seriesKey struct {
	pkg  string
	kind metrics.Kind
}

type series struct {
	count         int
	min, max, sum float64
	last          float64
	unit          string
}

// summary keeps running statistics over every sample appended, including
// those already evicted from the tail.
type summary map[seriesKey]*series

func (m summary) add(s metrics.Sample) {
	key := seriesKey{pkg: s.Package(), kind: s.Kind}
	st, ok := m[key]
	if !ok {
		st = &series{min: s.Value, max: s.Value, unit: s.Unit}
		m[key] = st
	}
	st.count++
	st.sum += s.Value
	st.last = s.Value
	if s.Value < st.min {
		st.min = s.Value
	}
	if s.Value > st.max {
		st.max = s.Value
	}
}

func (m summary) stats() []Stat {
	out := make([]Stat, 0, len(m))
	for key, st := range m {
		out = append(out, Stat{
			Package: key.pkg,
			Kind:    key.kind,
			Unit:    st.unit,
			Count:   st.count,
			Min:     st.min,
			Max:     st.max,
			Avg:     st.sum / float64(st.count),
			Last:    st.last,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Package != out[j].Package {
			return out[i].Package < out[j].Package
		}
		return out[i].Kind.Order() < out[j].Kind.Order()
	})
	return out
}
