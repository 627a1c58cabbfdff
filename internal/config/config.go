package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"codeberg.org/mutker/bmcctl/internal/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	DefaultEnvPrefix       = "BMCCTL"
	DefaultLogLevel        = "info"
	DefaultInterval        = 5 * time.Second
	DefaultRequestTimeout  = 30 * time.Second
	DefaultResourceTimeout = 60 * time.Second
	DefaultPowerSettle     = 2 * time.Second
	DefaultFanSettle       = 500 * time.Millisecond
	DefaultHistoryBatch    = 12
	DefaultHistoryFlush    = time.Minute

	configName = "bmcctl"
	configType = "toml"
)

// Config holds runtime configuration for bmcctl.
type Config struct {
	Address  string `mapstructure:"address"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`

	Interval        time.Duration `mapstructure:"interval"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	ResourceTimeout time.Duration `mapstructure:"resource_timeout"`
	PowerSettle     time.Duration `mapstructure:"power_settle"`
	FanSettle       time.Duration `mapstructure:"fan_settle"`

	LogLevel string `mapstructure:"log_level"`

	StorePath    string `mapstructure:"store_path"`
	StoreKeyPath string `mapstructure:"store_key_path"`

	History             bool          `mapstructure:"history"`
	HistoryDB           string        `mapstructure:"history_db"`
	HistoryBatchSize    int           `mapstructure:"history_batch_size"`
	HistoryBatchTimeout time.Duration `mapstructure:"history_batch_timeout"`

	Listen string `mapstructure:"listen"`
}

// flagKeys maps command line flag names onto configuration keys
var flagKeys = map[string]string{
	"address":         "address",
	"username":        "username",
	"password":        "password",
	"interval":        "interval",
	"request-timeout": "request_timeout",
	"log-level":       "log_level",
	"store":           "store_path",
	"history":         "history",
	"history-db":      "history_db",
	"listen":          "listen",
}

// RegisterFlags defines the persistent flags understood by Load.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.String("config", "", "Path to configuration file")
	fs.String("address", "", "BMC address (host or host:port)")
	fs.String("username", "", "BMC username")
	fs.String("password", "", "BMC password")
	fs.Duration("interval", DefaultInterval, "Polling interval")
	fs.Duration("request-timeout", DefaultRequestTimeout, "Per-request response timeout")
	fs.String("log-level", DefaultLogLevel, "Log level (debug, info, warning, error)")
	fs.String("store", "", "Path to the credential store database")
	fs.Bool("history", false, "Record telemetry history")
	fs.String("history-db", "", "Path to the history database")
	fs.String("listen", "", "Address for the local status API (empty disables it)")
}

// Load reads configuration from defaults, file, environment and flags, in
// increasing order of precedence. flags may be nil.
func Load(flags *pflag.FlagSet, opts ...Option) (*Config, error) {
	errFactory := errors.New()

	o := &options{envPrefix: DefaultEnvPrefix}
	for _, opt := range opts {
		if err := opt(o); err != nil {
			return nil, errFactory.Wrap(errors.ErrInvalidConfig, err)
		}
	}

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(o.envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if flags != nil {
		for name, key := range flagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, errFactory.Wrap(errors.ErrBindFlags, err)
				}
			}
		}
		if o.configPath == "" {
			if f := flags.Lookup("config"); f != nil && f.Value.String() != "" {
				o.configPath = f.Value.String()
			}
		}
	}

	if o.configPath == "" {
		o.configPath = os.Getenv(o.envPrefix + "_CONFIG")
	}

	if err := readConfigFile(v, o.configPath); err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errFactory.Wrap(errors.ErrReadConfig, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func readConfigFile(v *viper.Viper, path string) error {
	errFactory := errors.New()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType(configType)
		if err := v.ReadInConfig(); err != nil {
			return errFactory.Wrap(errors.ErrReadConfig, err).WithMessage("Failed to read config file")
		}
		return nil
	}

	v.SetConfigName(configName)
	v.SetConfigType(configType)
	if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(filepath.Join(home, ".config", configName))
	}
	v.AddConfigPath("/etc")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return errFactory.Wrap(errors.ErrReadConfig, err).WithMessage("Failed to read config file")
		}
	}

	return nil
}

func setDefaults(v *viper.Viper) {
	dataDir := defaultDataDir()

	v.SetDefault("address", "")
	v.SetDefault("username", "")
	v.SetDefault("password", "")
	v.SetDefault("interval", DefaultInterval)
	v.SetDefault("request_timeout", DefaultRequestTimeout)
	v.SetDefault("resource_timeout", DefaultResourceTimeout)
	v.SetDefault("power_settle", DefaultPowerSettle)
	v.SetDefault("fan_settle", DefaultFanSettle)
	v.SetDefault("log_level", DefaultLogLevel)
	v.SetDefault("store_path", filepath.Join(dataDir, "credentials.db"))
	v.SetDefault("store_key_path", filepath.Join(dataDir, "store.key"))
	v.SetDefault("history", false)
	v.SetDefault("history_db", filepath.Join(dataDir, "history.db"))
	v.SetDefault("history_batch_size", DefaultHistoryBatch)
	v.SetDefault("history_batch_timeout", DefaultHistoryFlush)
	v.SetDefault("listen", "")
}

func defaultDataDir() string {
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return filepath.Join(dir, configName)
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".local", "share", configName)
	}

	return filepath.Join(os.TempDir(), configName)
}

// Validate checks the loaded values
func (c *Config) Validate() error {
	errFactory := errors.New()

	if c.Interval <= 0 {
		return errFactory.WithData(errors.ErrInvalidInterval, c.Interval)
	}
	if c.RequestTimeout <= 0 || c.ResourceTimeout <= 0 {
		return errFactory.WithMessage(errors.ErrInvalidConfig, "request and resource timeouts must be positive")
	}
	if c.PowerSettle < 0 || c.FanSettle < 0 {
		return errFactory.WithMessage(errors.ErrInvalidConfig, "settle delays must not be negative")
	}
	if !LogLevel(c.LogLevel).IsValid() {
		return errFactory.WithData(errors.ErrInvalidLogLevel, c.LogLevel)
	}
	if c.StorePath == "" {
		return errFactory.WithMessage(errors.ErrMissingConfig, "store_path is required")
	}
	if c.History {
		if c.HistoryDB == "" {
			return errFactory.WithMessage(errors.ErrMissingConfig, "history_db is required when history is enabled")
		}
		if c.HistoryBatchSize < 0 || c.HistoryBatchTimeout < 0 {
			return errFactory.WithMessage(errors.ErrInvalidConfig, "history batching values must not be negative")
		}
	}

	return nil
}
