package config

import (
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"codeberg.org/mutker/droidmon/internal/errors"
	"codeberg.org/mutker/droidmon/internal/metrics"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	DefaultLogLevel  = LogLevelWarning
	DefaultEnvPrefix = "DROIDMON"

	defaultConfigName    = "droidmon"
	defaultADBPath       = "adb"
	defaultInterval      = 2 * time.Second
	defaultMaxDuration   = 60 * time.Minute
	defaultMaxInterval   = 60 * time.Second
	defaultCeiling       = 4 * time.Hour
	defaultMaxApps       = 6
	defaultTailSize      = 512
	defaultFlushBatch    = 200
	defaultBridgeTimeout = 5 * time.Second
	defaultWarmTTL       = 15 * time.Second
	minWarmTTL           = 10 * time.Second
	maxWarmTTL           = 30 * time.Second
	minInterval          = time.Second
)

type Config struct {
	LogLevel   LogLevel          `mapstructure:"log_level"`
	Device     DeviceConfig      `mapstructure:"device"`
	Bridge     BridgeConfig      `mapstructure:"bridge"`
	Session    SessionConfig     `mapstructure:"session"`
	Scheduler  SchedulerConfig   `mapstructure:"scheduler"`
	Cache      CacheConfig       `mapstructure:"cache"`
	Storage    StorageConfig     `mapstructure:"storage"`
	Server     ServerConfig      `mapstructure:"server"`
	Telemetry  TelemetryConfig   `mapstructure:"telemetry"`
	Thresholds []ThresholdConfig `mapstructure:"thresholds"`
	// Rules holds compact threshold rules such as "cpu>90" or "fps<30@com.example.game:critical"
	Rules []string `mapstructure:"rules"`
}

type DeviceConfig struct {
	Serial  string `mapstructure:"serial"`
	ADBPath string `mapstructure:"adb_path"`
}

type BridgeConfig struct {
	Timeout          time.Duration `mapstructure:"timeout"`
	MaxQPS           float64       `mapstructure:"max_qps"`
	Burst            int           `mapstructure:"burst"`
	BreakerThreshold int64         `mapstructure:"breaker_threshold"`
	StateTTL         time.Duration `mapstructure:"state_ttl"`
}

type SessionConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	MaxDuration     time.Duration `mapstructure:"max_duration"`
	MaxInterval     time.Duration `mapstructure:"max_interval"`
	DurationCeiling time.Duration `mapstructure:"duration_ceiling"`
	MaxApps         int           `mapstructure:"max_apps"`
	TailSize        int           `mapstructure:"tail_size"`
	FlushBatch      int           `mapstructure:"flush_batch"`
}

type SchedulerConfig struct {
	SafetyMargin      time.Duration `mapstructure:"safety_margin"`
	MaxConcurrency    int           `mapstructure:"max_concurrency"`
	UnresponsiveAfter int           `mapstructure:"unresponsive_after"`
	AppMetrics        []string      `mapstructure:"app_metrics"`
	SystemMetrics     []string      `mapstructure:"system_metrics"`
}

type CacheConfig struct {
	// HotTTL of zero derives the TTL from the sampling interval
	HotTTL      time.Duration `mapstructure:"hot_ttl"`
	WarmTTL     time.Duration `mapstructure:"warm_ttl"`
	GraceFactor float64       `mapstructure:"grace_factor"`
	HotSize     int           `mapstructure:"hot_size"`
	WarmSize    int           `mapstructure:"warm_size"`
}

type StorageConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	Driver        StorageDriver `mapstructure:"driver"`
	DSN           string        `mapstructure:"dsn"`
	Retries       uint64        `mapstructure:"retries"`
	RetryInterval time.Duration `mapstructure:"retry_interval"`
	RetentionDays int           `mapstructure:"retention_days"`
	BackupDir     string        `mapstructure:"backup_dir"`
}

// Active reports whether persistence is configured. A DSN is required.
func (s StorageConfig) Active() bool {
	return s.Enabled && s.DSN != ""
}

type ServerConfig struct {
	Listen string `mapstructure:"listen"`
}

type TelemetryConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Namespace string `mapstructure:"namespace"`
}

type ThresholdConfig struct {
	Metric   string  `mapstructure:"metric"`
	Operator string  `mapstructure:"operator"`
	Limit    float64 `mapstructure:"limit"`
	App      string  `mapstructure:"app"`
	Severity string  `mapstructure:"severity"`
}

var flagKeys = map[string]string{
	"log-level": "log_level",
	"serial":    "device.serial",
	"adb":       "device.adb_path",
	"interval":  "session.interval",
	"duration":  "session.max_duration",
	"driver":    "storage.driver",
	"db":        "storage.dsn",
	"retention": "storage.retention_days",
	"listen":    "server.listen",
	"threshold": "rules",
}

// Flags returns the flag set understood by Load. Callers may add their own
// flags before parsing and hand it back through WithFlagSet.
func Flags() *pflag.FlagSet {
	fs := pflag.NewFlagSet("droidmon", pflag.ContinueOnError)
	fs.String("config", "", "Path to configuration file")
	fs.String("log-level", string(DefaultLogLevel), "Log level (debug, info, warning, error)")
	fs.StringP("serial", "s", "", "Device serial passed to adb -s")
	fs.String("adb", defaultADBPath, "Path to the adb binary")
	fs.DurationP("interval", "i", defaultInterval, "Sampling interval")
	fs.DurationP("duration", "d", defaultMaxDuration, "Maximum session duration")
	fs.String("driver", string(DriverSQLite), "Storage driver (sqlite3, mysql)")
	fs.String("db", "", "Storage DSN; enables persistence when set")
	fs.Int("retention", 3, "Days of history to keep")
	fs.String("listen", "", "Serve the control API on this address")
	fs.StringSliceP("threshold", "t", nil, "Threshold rule, e.g. cpu>90 or fps<30@com.example.game")
	return fs
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", string(DefaultLogLevel))

	v.SetDefault("device.serial", "")
	v.SetDefault("device.adb_path", defaultADBPath)

	v.SetDefault("bridge.timeout", defaultBridgeTimeout)
	v.SetDefault("bridge.max_qps", 20.0)
	v.SetDefault("bridge.burst", 10)
	v.SetDefault("bridge.breaker_threshold", 5)
	v.SetDefault("bridge.state_ttl", 5*time.Second)

	v.SetDefault("session.interval", defaultInterval)
	v.SetDefault("session.max_duration", defaultMaxDuration)
	v.SetDefault("session.max_interval", defaultMaxInterval)
	v.SetDefault("session.duration_ceiling", defaultCeiling)
	v.SetDefault("session.max_apps", defaultMaxApps)
	v.SetDefault("session.tail_size", defaultTailSize)
	v.SetDefault("session.flush_batch", defaultFlushBatch)

	v.SetDefault("scheduler.safety_margin", time.Duration(0))
	v.SetDefault("scheduler.max_concurrency", 0)
	v.SetDefault("scheduler.unresponsive_after", 5)
	v.SetDefault("scheduler.app_metrics", kindNames(metrics.AppKinds))
	v.SetDefault("scheduler.system_metrics", kindNames(metrics.SystemKinds))

	v.SetDefault("cache.hot_ttl", time.Duration(0))
	v.SetDefault("cache.warm_ttl", defaultWarmTTL)
	v.SetDefault("cache.grace_factor", 3.0)
	v.SetDefault("cache.hot_size", 256)
	v.SetDefault("cache.warm_size", 64)

	v.SetDefault("storage.enabled", true)
	v.SetDefault("storage.driver", string(DriverSQLite))
	v.SetDefault("storage.dsn", "")
	v.SetDefault("storage.retries", 3)
	v.SetDefault("storage.retry_interval", 500*time.Millisecond)
	v.SetDefault("storage.retention_days", 3)
	v.SetDefault("storage.backup_dir", "")

	v.SetDefault("server.listen", "")

	v.SetDefault("telemetry.enabled", true)
	v.SetDefault("telemetry.namespace", "droidmon")

	v.SetDefault("rules", []string{"cpu>90", "fps<30"})
}

// Load resolves configuration from defaults, a TOML file, DROIDMON_*
// environment variables and flags, in increasing order of precedence.
func Load(opts ...Option) (*Config, error) {
	errFactory := errors.New()

	o := &options{envPrefix: DefaultEnvPrefix}
	for _, opt := range opts {
		if err := opt(o); err != nil {
			return nil, errFactory.Wrap(errors.ErrInvalidConfig, err)
		}
	}

	fs := o.flags
	if fs == nil {
		fs = Flags()
		fs.ParseErrorsWhitelist.UnknownFlags = true
		args := o.args
		if args == nil && len(os.Args) > 1 {
			args = os.Args[1:]
		}
		if err := fs.Parse(args); err != nil {
			return nil, errFactory.Wrap(errors.ErrBindFlags, err)
		}
	}

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(o.envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for name, key := range flagKeys {
		if f := fs.Lookup(name); f != nil {
			if err := v.BindPFlag(key, f); err != nil {
				return nil, errFactory.Wrap(errors.ErrBindFlags, err)
			}
		}
	}

	if err := readConfigFile(v, o, fs); err != nil {
		return nil, err
	}

	cfg := &Config{}
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		secondsToDurationHook(),
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(cfg, hook); err != nil {
		return nil, errFactory.Wrap(errors.ErrReadConfig, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func readConfigFile(v *viper.Viper, o *options, fs *pflag.FlagSet) error {
	errFactory := errors.New()

	path := o.configPath
	if path == "" {
		if f := fs.Lookup("config"); f != nil {
			path = f.Value.String()
		}
	}
	if path == "" {
		path = os.Getenv(o.envPrefix + "_CONFIG")
	}

	v.SetConfigType("toml")
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return errFactory.Wrap(errors.ErrReadConfig, err)
		}
		return nil
	}

	v.SetConfigName(defaultConfigName)
	if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(filepath.Join(home, ".config", defaultConfigName))
	}
	v.AddConfigPath("/etc")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return errFactory.Wrap(errors.ErrReadConfig, err)
		}
	}
	return nil
}

// secondsToDurationHook lets plain numbers stand for seconds, so both
// interval = 2 and interval = "2s" work.
func secondsToDurationHook() mapstructure.DecodeHookFuncType {
	durationType := reflect.TypeOf(time.Duration(0))
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != durationType {
			return data, nil
		}
		switch from.Kind() {
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			if from == durationType {
				return data, nil
			}
			return time.Duration(reflect.ValueOf(data).Int()) * time.Second, nil
		case reflect.Float32, reflect.Float64:
			return time.Duration(reflect.ValueOf(data).Float() * float64(time.Second)), nil
		case reflect.String:
			s := strings.TrimSpace(data.(string))
			if secs, err := strconv.ParseFloat(s, 64); err == nil {
				return time.Duration(secs * float64(time.Second)), nil
			}
		}
		return data, nil
	}
}

type invalidField struct {
	Field string
	Value any
}

// Validate checks ranges and cross-field constraints
func (c *Config) Validate() error {
	errFactory := errors.New()

	if !c.LogLevel.IsValid() {
		return errFactory.WithData(errors.ErrInvalidLogLevel, invalidField{"log_level", c.LogLevel})
	}

	s := c.Session
	if s.MaxInterval < minInterval {
		return errFactory.WithData(errors.ErrInvalidConfig, invalidField{"session.max_interval", s.MaxInterval})
	}
	if s.Interval < minInterval || s.Interval > s.MaxInterval {
		return errFactory.WithData(errors.ErrInvalidInterval, invalidField{"session.interval", s.Interval})
	}
	if s.DurationCeiling <= 0 {
		return errFactory.WithData(errors.ErrInvalidConfig, invalidField{"session.duration_ceiling", s.DurationCeiling})
	}
	if s.MaxDuration <= 0 || s.MaxDuration > s.DurationCeiling {
		return errFactory.WithData(errors.ErrInvalidConfig, invalidField{"session.max_duration", s.MaxDuration})
	}
	if s.MaxApps < 1 {
		return errFactory.WithData(errors.ErrInvalidConfig, invalidField{"session.max_apps", s.MaxApps})
	}
	if s.TailSize < 1 || s.FlushBatch < 1 {
		return errFactory.WithData(errors.ErrInvalidConfig, invalidField{"session.tail_size", s.TailSize})
	}

	if c.Bridge.Timeout <= 0 {
		return errFactory.WithData(errors.ErrInvalidConfig, invalidField{"bridge.timeout", c.Bridge.Timeout})
	}
	if c.Bridge.MaxQPS < 0 || c.Bridge.BreakerThreshold < 0 {
		return errFactory.WithData(errors.ErrInvalidConfig, invalidField{"bridge.max_qps", c.Bridge.MaxQPS})
	}

	if c.Scheduler.SafetyMargin < 0 || c.Scheduler.SafetyMargin >= s.Interval {
		return errFactory.WithData(errors.ErrInvalidConfig, invalidField{"scheduler.safety_margin", c.Scheduler.SafetyMargin})
	}
	if c.Scheduler.UnresponsiveAfter < 1 {
		return errFactory.WithData(errors.ErrInvalidConfig,
			invalidField{"scheduler.unresponsive_after", c.Scheduler.UnresponsiveAfter})
	}
	for _, names := range [][]string{c.Scheduler.AppMetrics, c.Scheduler.SystemMetrics} {
		if _, err := ParseKinds(names); err != nil {
			return err
		}
	}

	if c.Cache.WarmTTL < minWarmTTL || c.Cache.WarmTTL > maxWarmTTL {
		return errFactory.WithData(errors.ErrInvalidConfig, invalidField{"cache.warm_ttl", c.Cache.WarmTTL})
	}
	if c.Cache.HotTTL < 0 || c.Cache.GraceFactor < 0 {
		return errFactory.WithData(errors.ErrInvalidConfig, invalidField{"cache.hot_ttl", c.Cache.HotTTL})
	}

	if c.Storage.Active() && !c.Storage.Driver.IsValid() {
		return errFactory.WithData(errors.ErrInvalidConfig, invalidField{"storage.driver", c.Storage.Driver})
	}
	if c.Storage.RetentionDays < 0 {
		return errFactory.WithData(errors.ErrInvalidConfig, invalidField{"storage.retention_days", c.Storage.RetentionDays})
	}

	for i, t := range c.Thresholds {
		if _, ok := metrics.ParseKind(t.Metric); !ok {
			return errFactory.WithData(errors.ErrInvalidConfig, invalidField{"thresholds[" + strconv.Itoa(i) + "].metric", t.Metric})
		}
	}

	return nil
}

// ParseKinds resolves metric names, rejecting unknown ones.
func ParseKinds(names []string) ([]metrics.Kind, error) {
	kinds := make([]metrics.Kind, 0, len(names))
	for _, name := range names {
		kind, ok := metrics.ParseKind(name)
		if !ok {
			return nil, errors.New().WithData(errors.ErrInvalidConfig, invalidField{"metric", name})
		}
		kinds = append(kinds, kind)
	}
	return kinds, nil
}

func kindNames(kinds []metrics.Kind) []string {
	names := make([]string, len(kinds))
	for i, k := range kinds {
		names[i] = string(k)
	}
	return names
}
