package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"codeberg.org/mutker/droidmon/internal/bridge"
	"codeberg.org/mutker/droidmon/internal/cache"
	"codeberg.org/mutker/droidmon/internal/config"
	"codeberg.org/mutker/droidmon/internal/errors"
	"codeberg.org/mutker/droidmon/internal/logger"
	"codeberg.org/mutker/droidmon/internal/metrics"
	"codeberg.org/mutker/droidmon/internal/pid"
	"codeberg.org/mutker/droidmon/internal/scheduler"
	"codeberg.org/mutker/droidmon/internal/server"
	"codeberg.org/mutker/droidmon/internal/session"
	"codeberg.org/mutker/droidmon/internal/storage"
	"codeberg.org/mutker/droidmon/internal/telemetry"
	"codeberg.org/mutker/droidmon/internal/threshold"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

type options struct {
	apps     []string
	listApps bool
	history  string
}

var (
	cfg  *config.Config
	opts options
)

func init() {
	// A missing .env is fine; the real environment still applies
	_ = godotenv.Load()

	fs := config.Flags()
	fs.StringSliceVarP(&opts.apps, "app", "a", nil, "Package to monitor in a foreground session (repeatable)")
	fs.BoolVar(&opts.listApps, "list-apps", false, "List installed third-party packages and exit")
	fs.StringVar(&opts.history, "history", "", "Print the stored samples of a session and exit")
	if err := fs.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Printf("failed to parse flags: %v\n", err)
		os.Exit(2)
	}

	var err error
	cfg, err = config.Load(config.WithFlagSet(fs))
	if err != nil {
		fmt.Printf("failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger.Init(string(cfg.LogLevel), logger.IsService())
	logger.Debug().Msg("Config loaded")
}

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go handleSignals(cancel)

	if err := run(ctx); err != nil {
		if coded, ok := err.(errors.Error); ok {
			logger.ErrorWithCode(coded).Msg("droidmon failed")
		} else {
			logger.Error().Err(err).Msg("droidmon failed")
		}
		os.Exit(1)
	}
	logger.Info().Msg("Exiting...")
}

func run(ctx context.Context) error {
	recorder, err := telemetry.NewService(telemetry.Config{
		Enabled:   cfg.Telemetry.Enabled,
		Namespace: cfg.Telemetry.Namespace,
	})
	if err != nil {
		return err
	}

	repo, err := storage.NewService(storageConfig(), storage.WithRecorder(recorder), storage.WithLogger(logger.New("storage")))
	if err != nil {
		return err
	}
	defer func() {
		if err := repo.Close(); err != nil {
			logger.Error().Err(err).Msg("Failed to close storage")
		}
	}()

	if opts.history != "" {
		return printHistory(ctx, repo, opts.history)
	}

	if err := pid.Write(cfg.Device.Serial); err != nil {
		return err
	}
	defer func() {
		if err := pid.Remove(cfg.Device.Serial); err != nil {
			logger.Error().Err(err).Msg("Failed to remove PID file")
		}
	}()

	source, err := newSource(recorder)
	if err != nil {
		return err
	}

	if opts.listApps {
		return printApps(ctx, source)
	}

	if len(opts.apps) == 0 && cfg.Server.Listen == "" {
		return errors.New().WithMessage(errors.ErrMissingConfig, "nothing to do: pass --app or --listen")
	}

	manager, err := newManager(source, repo, recorder)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	if cfg.Server.Listen != "" {
		srv, err := server.New(manager,
			server.WithApps(source),
			server.WithHistory(repo),
			server.WithRecorder(recorder),
			server.WithLogger(logger.New("server")),
		)
		if err != nil {
			return err
		}
		g.Go(func() error {
			return srv.Run(gctx, cfg.Server.Listen)
		})
	}

	if len(opts.apps) > 0 {
		g.Go(func() error {
			return runForeground(gctx, manager)
		})
	}

	runErr := g.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := manager.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Failed to flush sessions")
	}

	if errors.Is(runErr, errForegroundDone) {
		return nil
	}
	return runErr
}

func storageConfig() storage.Config {
	sc := storage.DefaultConfig()
	sc.Enabled = cfg.Storage.Enabled
	sc.Driver = string(cfg.Storage.Driver)
	sc.DSN = cfg.Storage.DSN
	sc.BackupDir = cfg.Storage.BackupDir
	sc.RetentionDays = cfg.Storage.RetentionDays
	return sc
}

func newSource(recorder telemetry.Recorder) (*scheduler.Source, error) {
	adbCfg := bridge.DefaultADBConfig()
	adbCfg.Path = cfg.Device.ADBPath
	adbCfg.Serial = cfg.Device.Serial
	adbCfg.Timeout = cfg.Bridge.Timeout
	adbCfg.MaxQPS = cfg.Bridge.MaxQPS
	adbCfg.Burst = cfg.Bridge.Burst
	adbCfg.StateTTL = cfg.Bridge.StateTTL

	adb, err := bridge.NewADB(adbCfg, bridge.WithRecorder(recorder), bridge.WithLogger(logger.New("adb")))
	if err != nil {
		return nil, err
	}
	guard := bridge.NewGuard(adb, cfg.Bridge.BreakerThreshold, logger.New("bridge"))

	// Sessions read the hot tier with a TTL derived from their own interval
	// unless hot_ttl pins it.
	cacheCfg := cache.DefaultConfig(cfg.Session.Interval)
	if cfg.Cache.HotTTL > 0 {
		cacheCfg.HotTTL = cfg.Cache.HotTTL
		cacheCfg.PinHotTTL = true
	}
	if cfg.Bridge.Timeout > 0 {
		cacheCfg.LoadTimeout = cfg.Bridge.Timeout
	}
	cacheCfg.WarmTTL = cfg.Cache.WarmTTL
	cacheCfg.GraceFactor = cfg.Cache.GraceFactor
	cacheCfg.HotSize = cfg.Cache.HotSize
	cacheCfg.WarmSize = cfg.Cache.WarmSize

	c, err := cache.New(cacheCfg, cache.WithRecorder(recorder), cache.WithLogger(logger.New("cache")))
	if err != nil {
		return nil, err
	}

	return scheduler.NewSource(guard, c, cfg.Bridge.Timeout, logger.New("source")), nil
}

func newManager(source *scheduler.Source, repo storage.Repository, recorder telemetry.Recorder) (*session.Manager, error) {
	thresholds, err := loadThresholds()
	if err != nil {
		return nil, err
	}
	evaluator, err := threshold.NewEvaluator(thresholds)
	if err != nil {
		return nil, err
	}

	appKinds, err := config.ParseKinds(cfg.Scheduler.AppMetrics)
	if err != nil {
		return nil, err
	}
	systemKinds, err := config.ParseKinds(cfg.Scheduler.SystemMetrics)
	if err != nil {
		return nil, err
	}

	schedCfg := scheduler.DefaultConfig(cfg.Session.Interval)
	schedCfg.SafetyMargin = cfg.Scheduler.SafetyMargin
	schedCfg.UnresponsiveAfter = cfg.Scheduler.UnresponsiveAfter
	schedCfg.AppKinds = appKinds
	schedCfg.SystemKinds = systemKinds
	if cfg.Scheduler.MaxConcurrency > 0 {
		schedCfg.MaxConcurrency = cfg.Scheduler.MaxConcurrency
	}

	limits := session.DefaultLimits()
	limits.MaxApps = cfg.Session.MaxApps
	limits.MaxInterval = cfg.Session.MaxInterval
	limits.DurationCeiling = cfg.Session.DurationCeiling
	limits.TailSize = cfg.Session.TailSize
	limits.FlushBatch = cfg.Session.FlushBatch
	limits.Retries = cfg.Storage.Retries
	if cfg.Storage.RetryInterval > 0 {
		limits.RetryInterval = cfg.Storage.RetryInterval
	}

	return session.NewManager(limits, schedCfg, source, evaluator, repo,
		session.WithRecorder(recorder),
		session.WithLogger(logger.New("session")),
	)
}

// loadThresholds merges the [[thresholds]] tables with compact rules.
func loadThresholds() ([]threshold.Threshold, error) {
	out, err := threshold.ParseRules(cfg.Rules)
	if err != nil {
		return nil, err
	}
	for _, tc := range cfg.Thresholds {
		kind, _ := metrics.ParseKind(tc.Metric)
		severity := threshold.Severity(strings.ToLower(tc.Severity))
		if severity == "" {
			severity = threshold.Warning
		}
		out = append(out, threshold.Threshold{
			Kind:     kind,
			Op:       threshold.Operator(tc.Operator),
			Limit:    tc.Limit,
			App:      tc.App,
			Severity: severity,
		})
	}
	return out, nil
}

var errForegroundDone = errors.New().WithMessage(errors.ErrOperationFailed, "foreground session ended")

// runForeground monitors the --app packages until the session ends or ctx
// is canceled, logging alerts and device events as they arrive.
func runForeground(ctx context.Context, manager *session.Manager) error {
	targets := make([]metrics.AppTarget, 0, len(opts.apps))
	for _, pkg := range opts.apps {
		targets = append(targets, metrics.NewAppTarget(pkg, ""))
	}

	snap, err := manager.Create(session.CreateRequest{
		Targets:     targets,
		Interval:    cfg.Session.Interval,
		MaxDuration: cfg.Session.MaxDuration,
	})
	if err != nil {
		return err
	}

	events, unsubscribe, err := manager.Subscribe(snap.ID)
	if err != nil {
		return err
	}
	defer unsubscribe()

	if err := manager.Start(snap.ID); err != nil {
		return err
	}
	logger.Info().
		Str("session", snap.ID).
		Int("apps", len(targets)).
		Str("interval", cfg.Session.Interval.String()).
		Msg("Monitoring started")

	for {
		select {
		case <-ctx.Done():
			if err := manager.Stop(snap.ID); err != nil && !errors.HasCode(err, errors.ErrInvalidTransition) {
				return err
			}
			printSummary(manager, snap.ID)
			return nil
		case e, ok := <-events:
			if !ok {
				return errForegroundDone
			}
			logEvent(e)
			if e.Type == session.EventStatus && e.Status.Terminal() {
				printSummary(manager, snap.ID)
				return errForegroundDone
			}
		}
	}
}

func logEvent(e session.Event) {
	switch e.Type {
	case session.EventSample:
		logger.Debug().
			Uint64("seq", e.Sample.Seq).
			Str("app", e.Sample.Package()).
			Str("kind", string(e.Sample.Kind)).
			Float64("value", e.Sample.Value).
			Bool("degraded", e.Sample.Degraded).
			Msg("Sample")
	case session.EventAlert:
		logger.Warn().
			Str("app", e.Alert.Sample.Package()).
			Str("rule", e.Alert.Threshold.String()).
			Float64("value", e.Alert.Sample.Value).
			Msg("Threshold breached")
	case session.EventMissed:
		logger.Debug().
			Str("kind", string(e.Missed.Kind)).
			Str("reason", string(e.Missed.Reason)).
			Msg("Sample missed")
	case session.EventUnresponsive, session.EventRecovered:
		ev := logger.Warn()
		if e.Target.App != nil {
			ev.Event = ev.Str("app", e.Target.App.Package)
		}
		ev.Str("kind", string(e.Target.Kind)).Int("misses", e.Target.Misses).Msg(string(e.Type))
	case session.EventStorageFailed:
		logger.Error().Str("error", e.Error).Msg("Failed to persist samples")
	case session.EventStatus:
		logger.Info().Str("status", string(e.Status)).Msg("Session status changed")
	}
}

func printSummary(manager *session.Manager, id string) {
	snap, err := manager.Get(id)
	if err != nil {
		return
	}

	fmt.Printf("Session %s (%s): %d samples, %d missed, %d alerts in tail\n",
		snap.ID, snap.Status, snap.Recorded, snap.Missed, len(snap.Alerts))
	for _, st := range snap.Summary {
		app := st.Package
		if app == "" {
			app = "device"
		}
		fmt.Printf("  %-32s %-12s min %8.1f  max %8.1f  avg %8.1f  last %8.1f %s\n",
			app, st.Kind, st.Min, st.Max, st.Avg, st.Last, st.Unit)
	}
}

func printApps(ctx context.Context, source *scheduler.Source) error {
	apps, err := source.InstalledApps(ctx)
	if err != nil {
		return err
	}
	for _, app := range apps {
		fmt.Printf("%-48s %s\n", app.Package, app.Name)
	}
	return nil
}

func printHistory(ctx context.Context, repo storage.Repository, id string) error {
	rec, err := repo.GetSession(ctx, id)
	if err != nil {
		return err
	}
	samples, err := repo.QuerySamples(ctx, storage.SampleQuery{SessionID: id})
	if err != nil {
		return err
	}
	alerts, err := repo.QueryAlerts(ctx, id)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(struct {
		Session storage.SessionRecord `json:"session"`
		Samples []metrics.Sample      `json:"samples"`
		Alerts  []threshold.Alert     `json:"alerts"`
	}{rec, samples, alerts})
}

func handleSignals(cancel context.CancelFunc) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	<-sigs
	logger.Info().Msg("Received termination signal.")
	cancel()
}
