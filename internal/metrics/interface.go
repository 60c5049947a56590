package metrics

import (
	"regexp"
	"strings"
	"time"
)

// Kind is one of the closed set of metrics collected from a device.
type Kind string

const (
	CPU         Kind = "cpu"
	RSS         Kind = "rss"
	VSS         Kind = "vss"
	PSS         Kind = "pss"
	NetUp       Kind = "net_up"
	NetDown     Kind = "net_down"
	Battery     Kind = "battery"
	Temperature Kind = "temperature"
	FPS         Kind = "fps"
)

// Kinds lists every kind in canonical order. Samples within a tick are
// ordered by this position.
var Kinds = []Kind{CPU, RSS, VSS, PSS, NetUp, NetDown, Battery, Temperature, FPS}

// AppKinds are polled once per target, SystemKinds once per device. CPU is
// in both: per app it sums the package's processes, device-wide it is the
// cpuinfo TOTAL.
var (
	AppKinds    = []Kind{CPU, RSS, VSS, PSS, NetUp, NetDown, FPS}
	SystemKinds = []Kind{CPU, Battery, Temperature}
)

// ParseKind resolves a kind name, accepting a few common aliases.
func ParseKind(s string) (Kind, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "cpu":
		return CPU, true
	case "rss", "mem", "memory":
		return RSS, true
	case "vss":
		return VSS, true
	case "pss":
		return PSS, true
	case "net_up", "up", "tx":
		return NetUp, true
	case "net_down", "down", "rx":
		return NetDown, true
	case "battery", "bat":
		return Battery, true
	case "temperature", "temp":
		return Temperature, true
	case "fps":
		return FPS, true
	default:
		return "", false
	}
}

// Order returns the position of k in Kinds, or len(Kinds) if unknown.
func (k Kind) Order() int {
	for i, known := range Kinds {
		if known == k {
			return i
		}
	}
	return len(Kinds)
}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	return k.Order() < len(Kinds)
}

// System reports whether k is measured device-wide rather than per app.
func (k Kind) System() bool {
	return k == Battery || k == Temperature
}

// DeviceWide reports whether k can be polled without an app target.
func (k Kind) DeviceWide() bool {
	return k.System() || k == CPU
}

// Cumulative reports whether native readings of k are monotonic counters
// that must be turned into a rate before they become samples.
func (k Kind) Cumulative() bool {
	return k == NetUp || k == NetDown
}

// Unit returns the display unit for values of k.
func (k Kind) Unit() string {
	switch k {
	case CPU, Battery:
		return "%"
	case RSS, VSS, PSS:
		return "KB"
	case NetUp, NetDown:
		return "KB/s"
	case Temperature:
		return "°C"
	case FPS:
		return "fps"
	default:
		return ""
	}
}

// AppTarget identifies an application being monitored.
type AppTarget struct {
	Package string `json:"package"`
	Name    string `json:"name"`
}

// NewAppTarget builds a target, deriving a display name from the package
// when name is empty.
func NewAppTarget(pkg, name string) AppTarget {
	if name == "" {
		name = DisplayName(pkg)
	}
	return AppTarget{Package: pkg, Name: name}
}

var packagePattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]*(\.[A-Za-z0-9_]+)+$`)

// ValidPackage reports whether pkg looks like an Android application id.
// Only such ids are ever interpolated into device shell commands.
func ValidPackage(pkg string) bool {
	return packagePattern.MatchString(pkg)
}

// DisplayName turns "com.tencent.mm" into "Mm".
func DisplayName(pkg string) string {
	parts := strings.Split(pkg, ".")
	last := parts[len(parts)-1]
	if last == "" {
		return pkg
	}
	return strings.ToUpper(last[:1]) + last[1:]
}

// Sample is one normalized measurement. App is nil for device-wide kinds.
type Sample struct {
	Seq       uint64     `json:"seq"`
	Timestamp time.Time  `json:"timestamp"`
	App       *AppTarget `json:"app,omitempty"`
	Kind      Kind       `json:"kind"`
	Value     float64    `json:"value"`
	Unit      string     `json:"unit"`
	Degraded  bool       `json:"degraded,omitempty"`
}

// Package returns the app package or "" for device-wide samples.
func (s Sample) Package() string {
	if s.App == nil {
		return ""
	}
	return s.App.Package
}

// Reading is a parsed value before it becomes a Sample. Cumulative readings
// are raw byte counters.
type Reading struct {
	Value      float64
	Cumulative bool
}
