package scheduler

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"codeberg.org/mutker/droidmon/internal/bridge"
	"codeberg.org/mutker/droidmon/internal/cache"
	"codeberg.org/mutker/droidmon/internal/errors"
	"codeberg.org/mutker/droidmon/internal/logger"
	"codeberg.org/mutker/droidmon/internal/metrics"
)

const (
	cmdCPUInfo     = "dumpsys cpuinfo"
	cmdBattery     = "dumpsys battery"
	cmdThermal     = "cat /sys/class/thermal/thermal_zone0/temp"
	cmdPackages    = "pm list packages -3"
	qtaguidStats   = "/proc/net/xt_qtaguid/stats"
	defaultTimeout = 5 * time.Second
)

var (
	uidPattern     = regexp.MustCompile(`(?m)^package:(\S+)\s+uid:(\d+)`)
	packagePattern = regexp.MustCompile(`(?m)^package:(\S+)\s*$`)
)

// Poller produces one reading for a (target, kind) pair. degraded is set
// when the reading was served from an expired cache entry.
type Poller interface {
	Poll(ctx context.Context, target *metrics.AppTarget, kind metrics.Kind) (reading metrics.Reading, degraded bool, err error)
}

// IntervalPoller is a Poller whose freshness depends on the sampling
// interval. New binds it to Config.Interval.
type IntervalPoller interface {
	Poller
	ForInterval(interval time.Duration) Poller
}

// Source polls the device through the shared cache. Outputs that several
// kinds derive from, like /proc/<pid>/status for RSS and VSS, are cached
// under one key so a tick costs one bridge call for them.
type Source struct {
	bridge  bridge.Adapter
	cache   *cache.Cache
	timeout time.Duration
	// hotTTL of zero reads the hot tier with its configured TTL
	hotTTL time.Duration
	log    logger.Logger
}

func NewSource(adapter bridge.Adapter, c *cache.Cache, timeout time.Duration, log logger.Logger) *Source {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Source{
		bridge:  adapter,
		cache:   c,
		timeout: timeout,
		log:     log,
	}
}

// ForInterval returns a view of s for a session sampling every interval.
// The view shares the bridge and the cache, but treats hot entries as fresh
// only for that session's TTL.
func (s *Source) ForInterval(interval time.Duration) Poller {
	view := *s
	view.hotTTL = s.cache.IntervalTTL(interval)
	return &view
}

func (s *Source) Poll(ctx context.Context, target *metrics.AppTarget, kind metrics.Kind) (metrics.Reading, bool, error) {
	errFactory := errors.New()

	if (target == nil && !kind.DeviceWide()) || (target != nil && kind.System()) {
		return metrics.Reading{}, false, errFactory.WithData(ErrInvalidArgument, struct {
			Kind   metrics.Kind
			Target *metrics.AppTarget
		}{kind, target})
	}
	if target != nil && !metrics.ValidPackage(target.Package) {
		return metrics.Reading{}, false, errFactory.WithData(ErrInvalidArgument, struct{ Package string }{target.Package})
	}

	raw, degraded, err := s.raw(ctx, target, kind)
	if err != nil {
		return metrics.Reading{}, false, err
	}

	reading, err := metrics.Parse(kind, raw, target)
	if err != nil {
		return metrics.Reading{}, false, err
	}
	return reading, degraded, nil
}

func (s *Source) raw(ctx context.Context, target *metrics.AppTarget, kind metrics.Kind) (string, bool, error) {
	switch kind {
	case metrics.CPU:
		return s.fetch(ctx, cache.Key{Metric: "cpuinfo"}, cache.Hot, cmdCPUInfo)
	case metrics.RSS, metrics.VSS:
		return s.byPID(ctx, target.Package, "status", "cat /proc/%s/status")
	case metrics.PSS:
		return s.fetch(ctx, cache.Key{Metric: "meminfo", App: target.Package}, cache.Hot,
			"dumpsys meminfo "+target.Package)
	case metrics.NetUp, metrics.NetDown:
		return s.network(ctx, target.Package)
	case metrics.FPS:
		return s.fetch(ctx, cache.Key{Metric: "gfxinfo", App: target.Package}, cache.Hot,
			"dumpsys gfxinfo "+target.Package+" framestats")
	case metrics.Battery:
		return s.fetch(ctx, cache.Key{Metric: "battery"}, cache.Hot, cmdBattery)
	case metrics.Temperature:
		return s.fetch(ctx, cache.Key{Metric: "thermal"}, cache.Hot, cmdThermal)
	default:
		return "", false, errors.New().WithData(metrics.ErrUnknownKind, struct{ Kind metrics.Kind }{kind})
	}
}

func (s *Source) fetch(ctx context.Context, key cache.Key, tier cache.Tier, command string) (string, bool, error) {
	var ttl time.Duration
	if tier == cache.Hot {
		ttl = s.hotTTL
	}
	return s.cache.FetchTTL(ctx, key, tier, ttl, func(ctx context.Context) (string, error) {
		return s.bridge.RunQuery(ctx, command, s.timeout)
	})
}

// byPID runs a /proc/<pid> command. A failure drops the cached pid so a
// restarted process is found on the next tick.
func (s *Source) byPID(ctx context.Context, pkg, metric, format string) (string, bool, error) {
	pid, _, err := s.PID(ctx, pkg)
	if err != nil {
		return "", false, err
	}

	raw, degraded, err := s.fetch(ctx, cache.Key{Metric: metric, App: pkg, Sub: pid}, cache.Hot, fmt.Sprintf(format, pid))
	if errors.HasCode(err, ErrCommandFailed) {
		s.cache.Invalidate(pidKey(pkg))
		s.log.Debug().Str("package", pkg).Str("pid", pid).Msg("Process lookup went stale")
	}
	return raw, degraded, err
}

// network reads the app's qtaguid rows, falling back to the process view of
// /proc/net/dev on kernels without xt_qtaguid.
func (s *Source) network(ctx context.Context, pkg string) (string, bool, error) {
	uid, _, err := s.UID(ctx, pkg)
	if err != nil {
		return "", false, err
	}

	raw, degraded, err := s.fetch(ctx, cache.Key{Metric: "net", App: pkg, Sub: uid}, cache.Hot,
		fmt.Sprintf("awk '$4==%s' %s", uid, qtaguidStats))
	if errors.HasCode(err, ErrCommandFailed) || (err == nil && strings.TrimSpace(raw) == "") {
		return s.byPID(ctx, pkg, "netdev", "cat /proc/%s/net/dev")
	}
	return raw, degraded, err
}

// PID resolves the main process id of pkg through the warm tier.
func (s *Source) PID(ctx context.Context, pkg string) (string, bool, error) {
	out, degraded, err := s.fetch(ctx, pidKey(pkg), cache.Warm, "pidof "+pkg)
	if err != nil {
		return "", false, err
	}

	fields := strings.Fields(out)
	if len(fields) == 0 {
		s.cache.Invalidate(pidKey(pkg))
		return "", false, errors.New().WithData(ErrCommandFailed, bridge.CommandFailure{
			Command:  "pidof " + pkg,
			ExitCode: 1,
			Stderr:   "process not running",
		})
	}
	if _, err := strconv.Atoi(fields[0]); err != nil {
		s.cache.Invalidate(pidKey(pkg))
		return "", false, errors.New().WithData(ErrMalformedOutput, struct{ Output string }{out})
	}
	return fields[0], degraded, nil
}

// UID resolves the linux uid owning pkg through the warm tier.
func (s *Source) UID(ctx context.Context, pkg string) (string, bool, error) {
	key := cache.Key{Metric: "uid", App: pkg}
	out, degraded, err := s.fetch(ctx, key, cache.Warm, "pm list packages -U "+pkg)
	if err != nil {
		return "", false, err
	}

	for _, m := range uidPattern.FindAllStringSubmatch(out, -1) {
		if m[1] == pkg {
			return m[2], degraded, nil
		}
	}
	s.cache.Invalidate(key)
	return "", false, errors.New().WithData(ErrCommandFailed, bridge.CommandFailure{
		Command:  "pm list packages -U " + pkg,
		ExitCode: 1,
		Stderr:   "package not installed",
	})
}

// InstalledApps lists third-party packages, sorted by package id.
func (s *Source) InstalledApps(ctx context.Context) ([]metrics.AppTarget, error) {
	out, _, err := s.fetch(ctx, cache.Key{Metric: "packages"}, cache.Warm, cmdPackages)
	if err != nil {
		return nil, err
	}

	var apps []metrics.AppTarget
	for _, m := range packagePattern.FindAllStringSubmatch(out, -1) {
		if metrics.ValidPackage(m[1]) {
			apps = append(apps, metrics.NewAppTarget(m[1], ""))
		}
	}
	sort.Slice(apps, func(i, j int) bool { return apps[i].Package < apps[j].Package })
	return apps, nil
}

func pidKey(pkg string) cache.Key {
	return cache.Key{Metric: "pid", App: pkg}
}
