package metrics

import (
	"math"
	"regexp"
	"strconv"
	"strings"

	"codeberg.org/mutker/droidmon/internal/errors"
)

const (
	maxCPU         = 1000.0
	maxFPS         = 240.0
	fpsCap         = 120.0
	minTemperature = -40.0
	maxTemperature = 150.0
	profileMarker  = "---PROFILEDATA---"
)

var (
	labelPattern = regexp.MustCompile(
		`(?i)(?:^|[\s,;{])(cpu|rss|vss|pss|net_up|net_down|battery|temperature|temp|fps)\s*[:=]\s*([^,;}\n]*)`)
	valuePattern = regexp.MustCompile(`^\s*(-?\d+(?:\.\d+)?)\s*([A-Za-z%°/]*)\s*$`)

	cpuTotalPattern    = regexp.MustCompile(`(?m)^\s*(\d+(?:\.\d+)?)%\s+TOTAL`)
	cpuProcessPattern  = regexp.MustCompile(`(?m)^\s*(\d+(?:\.\d+)?)%\s+\d+/([^\s:]+)(?::[^\s:]+)?:\s`)
	vmRSSPattern       = regexp.MustCompile(`(?m)^VmRSS:\s+(\d+)\s*kB`)
	vmSizePattern      = regexp.MustCompile(`(?m)^VmSize:\s+(\d+)\s*kB`)
	pssTotalPattern    = regexp.MustCompile(`(?m)TOTAL PSS:\s+(\d+)`)
	pssRowPattern      = regexp.MustCompile(`(?m)^\s*TOTAL\s+(\d+)`)
	batteryPattern     = regexp.MustCompile(`(?m)^\s*level:\s*(-?\d+)`)
	batteryTempPattern = regexp.MustCompile(`(?m)^\s*temperature:\s*(-?\d+)`)
	integerPattern     = regexp.MustCompile(`^\s*(-?\d+)\s*$`)
)

// Parse converts raw command output into a reading for kind. It accepts the
// one-line labelled summary form ("cpu: 45.2%, rss: 12345KB") as well as the
// native dumpsys and procfs outputs. Truncated or out of range input yields
// ErrParse; values are never clamped into range.
func Parse(kind Kind, raw string, target *AppTarget) (Reading, error) {
	if !kind.Valid() {
		return Reading{}, errors.New().WithData(ErrUnknownKind, struct{ Kind string }{Kind: string(kind)})
	}

	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return Reading{}, parseError(kind, "empty output")
	}

	if !strings.Contains(trimmed, "\n") && labelPattern.MatchString(trimmed) {
		return parseLabelled(kind, trimmed)
	}

	var (
		reading Reading
		err     error
	)
	switch kind {
	case CPU:
		reading, err = parseCPU(trimmed, target)
	case RSS:
		reading, err = parseStatus(kind, vmRSSPattern, trimmed)
	case VSS:
		reading, err = parseStatus(kind, vmSizePattern, trimmed)
	case PSS:
		reading, err = parsePSS(trimmed)
	case NetUp, NetDown:
		reading, err = parseNetwork(kind, trimmed)
	case Battery:
		reading, err = parseBattery(trimmed)
	case Temperature:
		reading, err = parseTemperature(trimmed)
	case FPS:
		reading, err = parseFPS(trimmed)
	}
	if err != nil {
		return Reading{}, err
	}

	if err := checkRange(kind, reading.Value); err != nil {
		return Reading{}, err
	}
	return reading, nil
}

func parseLabelled(kind Kind, raw string) (Reading, error) {
	for _, m := range labelPattern.FindAllStringSubmatch(raw, -1) {
		label, ok := ParseKind(m[1])
		if !ok || label != kind {
			continue
		}

		v := valuePattern.FindStringSubmatch(m[2])
		if v == nil {
			return Reading{}, parseError(kind, "value not numeric: "+strings.TrimSpace(m[2]))
		}
		value, err := strconv.ParseFloat(v[1], 64)
		if err != nil {
			return Reading{}, parseError(kind, err.Error())
		}
		value, err = applyUnit(kind, value, v[2])
		if err != nil {
			return Reading{}, err
		}
		if err := checkRange(kind, value); err != nil {
			return Reading{}, err
		}
		return Reading{Value: value}, nil
	}

	return Reading{}, parseError(kind, "no labelled value")
}

func applyUnit(kind Kind, value float64, unit string) (float64, error) {
	u := strings.ToLower(unit)
	switch kind {
	case CPU, Battery:
		if u == "" || u == "%" {
			return value, nil
		}
	case RSS, VSS, PSS:
		switch u {
		case "", "k", "kb":
			return value, nil
		case "m", "mb":
			return value * 1024, nil
		case "g", "gb":
			return value * 1024 * 1024, nil
		case "b":
			return value / 1024, nil
		}
	case NetUp, NetDown:
		switch u {
		case "", "kb/s", "k/s":
			return value, nil
		case "mb/s", "m/s":
			return value * 1024, nil
		case "b/s":
			return value / 1024, nil
		}
	case Temperature:
		if u == "" || u == "c" || u == "°c" {
			return value, nil
		}
	case FPS:
		if u == "" || u == "fps" {
			return value, nil
		}
	}
	return 0, parseError(kind, "unsupported unit "+unit)
}

func checkRange(kind Kind, v float64) error {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return parseError(kind, "not a finite number")
	}

	var ok bool
	switch kind {
	case CPU:
		ok = v >= 0 && v <= maxCPU
	case RSS, VSS, PSS, NetUp, NetDown:
		ok = v >= 0
	case Battery:
		ok = v >= 0 && v <= 100
	case Temperature:
		ok = v >= minTemperature && v <= maxTemperature
	case FPS:
		ok = v >= 0 && v <= maxFPS
	}
	if !ok {
		return parseError(kind, "value out of range: "+strconv.FormatFloat(v, 'f', -1, 64))
	}
	return nil
}

// parseCPU sums the cpuinfo lines of every process owned by the package. A
// complete dump without the package means it was idle over the window.
func parseCPU(raw string, target *AppTarget) (Reading, error) {
	total := cpuTotalPattern.FindStringSubmatch(raw)

	if target == nil {
		if total == nil {
			return Reading{}, parseError(CPU, "TOTAL line missing")
		}
		return floatReading(CPU, total[1])
	}

	var (
		sum   float64
		found bool
	)
	for _, m := range cpuProcessPattern.FindAllStringSubmatch(raw, -1) {
		if m[2] != target.Package {
			continue
		}
		v, err := strconv.ParseFloat(m[1], 64)
		if err != nil {
			return Reading{}, parseError(CPU, err.Error())
		}
		sum += v
		found = true
	}
	if !found {
		if total == nil {
			return Reading{}, parseError(CPU, "truncated cpuinfo")
		}
		return Reading{Value: 0}, nil
	}
	return Reading{Value: sum}, nil
}

func parseStatus(kind Kind, pattern *regexp.Regexp, raw string) (Reading, error) {
	m := pattern.FindStringSubmatch(raw)
	if m == nil {
		return Reading{}, parseError(kind, "status field missing")
	}
	return floatReading(kind, m[1])
}

func parsePSS(raw string) (Reading, error) {
	if m := pssTotalPattern.FindStringSubmatch(raw); m != nil {
		return floatReading(PSS, m[1])
	}
	if m := pssRowPattern.FindStringSubmatch(raw); m != nil {
		return floatReading(PSS, m[1])
	}
	return Reading{}, parseError(PSS, "TOTAL row missing")
}

// parseNetwork returns cumulative bytes. It understands xt_qtaguid stats rows
// (already filtered to one uid), /proc/net/dev and a bare counter.
func parseNetwork(kind Kind, raw string) (Reading, error) {
	if m := integerPattern.FindStringSubmatch(raw); m != nil {
		return cumulative(kind, m[1])
	}

	var (
		sum   float64
		found bool
	)
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		if iface, counters, ok := strings.Cut(line, ":"); ok {
			iface = strings.TrimSpace(iface)
			fields := strings.Fields(counters)
			if iface == "lo" || len(fields) < 9 {
				continue
			}
			col := 0
			if kind == NetUp {
				col = 8
			}
			v, err := strconv.ParseFloat(fields[col], 64)
			if err != nil {
				return Reading{}, parseError(kind, "bad /proc/net/dev counter")
			}
			sum += v
			found = true
			continue
		}

		fields := strings.Fields(line)
		if len(fields) < 8 || fields[0] == "idx" {
			continue
		}
		if _, err := strconv.Atoi(fields[0]); err != nil {
			continue
		}
		// tagged rows duplicate the untagged totals
		if fields[2] != "0x0" {
			continue
		}
		col := 5
		if kind == NetUp {
			col = 7
		}
		v, err := strconv.ParseFloat(fields[col], 64)
		if err != nil {
			return Reading{}, parseError(kind, "bad qtaguid counter")
		}
		sum += v
		found = true
	}

	if !found {
		return Reading{}, parseError(kind, "no counters found")
	}
	return Reading{Value: sum, Cumulative: true}, nil
}

func parseBattery(raw string) (Reading, error) {
	m := batteryPattern.FindStringSubmatch(raw)
	if m == nil {
		return Reading{}, parseError(Battery, "level missing")
	}
	return floatReading(Battery, m[1])
}

// parseTemperature accepts thermal zone millidegrees or the dumpsys battery
// temperature in tenths of a degree.
func parseTemperature(raw string) (Reading, error) {
	if m := integerPattern.FindStringSubmatch(raw); m != nil {
		v, err := strconv.ParseFloat(m[1], 64)
		if err != nil {
			return Reading{}, parseError(Temperature, err.Error())
		}
		if math.Abs(v) >= 1000 {
			v /= 1000
		}
		return Reading{Value: v}, nil
	}

	if m := batteryTempPattern.FindStringSubmatch(raw); m != nil {
		v, err := strconv.ParseFloat(m[1], 64)
		if err != nil {
			return Reading{}, parseError(Temperature, err.Error())
		}
		return Reading{Value: v / 10}, nil
	}

	return Reading{}, parseError(Temperature, "no temperature value")
}

// parseFPS derives frames per second from the average duration of completed
// frames in gfxinfo framestats, capped at the display refresh ceiling.
func parseFPS(raw string) (Reading, error) {
	if !strings.Contains(raw, profileMarker) {
		return Reading{}, parseError(FPS, "framestats section missing")
	}

	var (
		intendedCol, completedCol = -1, -1
		total                     float64
		frames                    int
	)
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || line == profileMarker {
			continue
		}

		fields := strings.Split(strings.TrimSuffix(line, ","), ",")
		if fields[0] == "Flags" {
			intendedCol, completedCol = -1, -1
			for i, name := range fields {
				switch name {
				case "IntendedVsync":
					intendedCol = i
				case "FrameCompleted":
					completedCol = i
				}
			}
			continue
		}
		if intendedCol < 0 || completedCol < 0 || len(fields) <= completedCol {
			continue
		}
		if fields[0] != "0" {
			continue
		}

		start, err1 := strconv.ParseFloat(fields[intendedCol], 64)
		end, err2 := strconv.ParseFloat(fields[completedCol], 64)
		if err1 != nil || err2 != nil || end <= start {
			continue
		}
		total += end - start
		frames++
	}

	if intendedCol < 0 || completedCol < 0 {
		return Reading{}, parseError(FPS, "framestats header missing")
	}
	if frames == 0 {
		return Reading{Value: 0}, nil
	}

	fps := 1e9 / (total / float64(frames))
	return Reading{Value: math.Min(fps, fpsCap)}, nil
}

func floatReading(kind Kind, s string) (Reading, error) {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return Reading{}, parseError(kind, err.Error())
	}
	return Reading{Value: v}, nil
}

func cumulative(kind Kind, s string) (Reading, error) {
	r, err := floatReading(kind, s)
	r.Cumulative = true
	return r, err
}
