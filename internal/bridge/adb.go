package bridge

import (
	"bytes"
	"context"
	"os/exec"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"codeberg.org/mutker/droidmon/internal/errors"
	"codeberg.org/mutker/droidmon/internal/logger"
	"codeberg.org/mutker/droidmon/internal/telemetry"
	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"
)

const (
	stateKey     = "state"
	stateOnline  = "device"
	maxStderrLen = 256
	waitDelay    = 500 * time.Millisecond
)

var unavailableMarkers = []string{
	"no devices/emulators found",
	"device offline",
	"device unauthorized",
	"device still authorizing",
	"not found: device",
	"device not found",
	"cannot connect",
	"failed to connect",
	"connection reset",
	"error: closed",
}

var missingDevicePattern = regexp.MustCompile(`error: device '[^']*' not found`)

type ADBConfig struct {
	Path   string
	Serial string
	// Timeout applies when RunQuery is called without one
	Timeout time.Duration
	// MaxQPS of zero disables pacing
	MaxQPS   float64
	Burst    int
	StateTTL time.Duration
}

func DefaultADBConfig() ADBConfig {
	return ADBConfig{
		Path:     "adb",
		Timeout:  5 * time.Second,
		MaxQPS:   20,
		Burst:    10,
		StateTTL: 5 * time.Second,
	}
}

func (c ADBConfig) Validate() error {
	errFactory := errors.New()
	if c.Path == "" {
		return errFactory.WithMessage(ErrInvalidConfig, "adb path is empty")
	}
	if c.Timeout <= 0 || c.StateTTL < 0 || c.MaxQPS < 0 {
		return errFactory.WithData(ErrInvalidConfig, struct {
			Timeout  time.Duration
			StateTTL time.Duration
			MaxQPS   float64
		}{c.Timeout, c.StateTTL, c.MaxQPS})
	}
	return nil
}

// ADB reaches the device through the adb client binary.
type ADB struct {
	cfg      ADBConfig
	limiter  *rate.Limiter
	states   *gocache.Cache
	recorder telemetry.Recorder
	log      logger.Logger
}

type Option func(*ADB)

func WithLogger(log logger.Logger) Option {
	return func(a *ADB) { a.log = log }
}

func WithRecorder(rec telemetry.Recorder) Option {
	return func(a *ADB) { a.recorder = rec }
}

func NewADB(cfg ADBConfig, opts ...Option) (*ADB, error) {
	errFactory := errors.New()

	if err := cfg.Validate(); err != nil {
		return nil, errFactory.Wrap(ErrInvalidConfig, err)
	}

	a := &ADB{
		cfg:      cfg,
		states:   gocache.New(cfg.StateTTL, 2*cfg.StateTTL),
		recorder: telemetry.Noop(),
		log:      logger.Nop(),
	}
	if cfg.MaxQPS > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		a.limiter = rate.NewLimiter(rate.Limit(cfg.MaxQPS), burst)
	}
	for _, opt := range opts {
		opt(a)
	}

	a.log.Debug().
		Str("path", cfg.Path).
		Str("serial", cfg.Serial).
		Float64("max_qps", cfg.MaxQPS).
		Msg("ADB adapter initialized")

	return a, nil
}

func (a *ADB) RunQuery(ctx context.Context, command string, timeout time.Duration) (string, error) {
	errFactory := errors.New()

	if timeout <= 0 {
		timeout = a.cfg.Timeout
	}
	if err := ctx.Err(); err != nil {
		return "", errFactory.Wrap(ErrCommandTimeout, err)
	}

	if a.limiter != nil {
		if err := a.limiter.Wait(ctx); err != nil {
			return "", errFactory.Wrap(ErrCommandTimeout, err)
		}
	}

	if err := a.ensureOnline(ctx); err != nil {
		return "", err
	}

	start := time.Now()
	out, err := a.run(ctx, timeout, command, "shell", command)
	a.recordCall(err, time.Since(start))
	if err != nil {
		if errors.HasCode(err, ErrDeviceUnavailable) {
			a.states.Delete(stateKey)
		}
		a.log.Debug().
			Str("command", command).
			Str("code", string(errors.CodeOf(err))).
			Msg("Device query failed")
		return "", err
	}
	return out, nil
}

// State returns the adb device state ("device", "offline", "unauthorized"),
// memoized for StateTTL.
func (a *ADB) State(ctx context.Context) (string, error) {
	if cached, ok := a.states.Get(stateKey); ok {
		return cached.(string), nil
	}

	out, err := a.run(ctx, a.cfg.Timeout, "get-state", "get-state")
	if err != nil {
		if !errors.HasCode(err, ErrDeviceUnavailable) {
			return "", err
		}
		out = "unavailable"
	}

	state := strings.TrimSpace(out)
	if a.cfg.StateTTL > 0 {
		a.states.SetDefault(stateKey, state)
	}
	return state, nil
}

func (a *ADB) ensureOnline(ctx context.Context) error {
	state, err := a.State(ctx)
	if err != nil {
		return err
	}
	if state != stateOnline {
		return errors.New().WithData(ErrDeviceUnavailable, struct {
			Serial string
			State  string
		}{
			Serial: a.cfg.Serial,
			State:  state,
		})
	}
	return nil
}

func (a *ADB) run(ctx context.Context, timeout time.Duration, command string, args ...string) (string, error) {
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if a.cfg.Serial != "" {
		args = append([]string{"-s", a.cfg.Serial}, args...)
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(cctx, a.cfg.Path, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = waitDelay

	runErr := cmd.Run()
	return classify(command, cctx.Err(), runErr, stdout.String(), stderr.String())
}

func (a *ADB) recordCall(err error, elapsed time.Duration) {
	outcome := telemetry.OutcomeOK
	if err != nil {
		outcome = string(errors.CodeOf(err))
	}
	a.recorder.BridgeCall(outcome, elapsed)
}

// classify maps a finished adb invocation onto the bridge error taxonomy.
func classify(command string, ctxErr, runErr error, stdout, stderr string) (string, error) {
	errFactory := errors.New()

	if ctxErr != nil {
		return "", errFactory.Wrap(ErrCommandTimeout, ctxErr)
	}

	var execErr *exec.Error
	if errors.As(runErr, &execErr) {
		return "", errFactory.Wrap(ErrDeviceUnavailable, runErr)
	}

	lowered := strings.ToLower(stderr + "\n" + firstLine(stdout))
	for _, marker := range unavailableMarkers {
		if strings.Contains(lowered, marker) || missingDevicePattern.MatchString(lowered) {
			return "", errFactory.WithData(ErrDeviceUnavailable, struct {
				Command string
				Stderr  string
			}{
				Command: command,
				Stderr:  truncate(strings.TrimSpace(stderr)),
			})
		}
	}

	var exitErr *exec.ExitError
	if errors.As(runErr, &exitErr) {
		return "", errFactory.WithData(ErrCommandFailed, CommandFailure{
			Command:  command,
			ExitCode: exitErr.ExitCode(),
			Stderr:   truncate(strings.TrimSpace(stderr + " " + firstLine(stdout))),
		})
	}
	if runErr != nil {
		return "", errFactory.Wrap(ErrCommandFailed, runErr)
	}

	if strings.HasPrefix(stdout, "adb: ") || strings.HasPrefix(stdout, "error: ") ||
		strings.ContainsRune(stdout, 0) || !utf8.ValidString(stdout) {
		return "", errFactory.WithData(ErrMalformedOutput, struct {
			Command string
			Output  string
		}{
			Command: command,
			Output:  truncate(firstLine(stdout)),
		})
	}

	return stdout, nil
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return line
}

func truncate(s string) string {
	if len(s) > maxStderrLen {
		return s[:maxStderrLen]
	}
	return s
}
