// Package config loads connector settings from defaults, an optional TOML
// file, and OGCONNECTOR_* environment variables.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of environment variable overrides. A key such as
// connection.socket_path is read from OGCONNECTOR_CONNECTION_SOCKET_PATH.
const EnvPrefix = "OGCONNECTOR"

const (
	// LogFormatText selects human-readable log output.
	LogFormatText = "text"
	// LogFormatJSON selects JSON log output.
	LogFormatJSON = "json"
)

// Config is the connector configuration.
type Config struct {
	Connection ConnectionConfig `mapstructure:"connection"`
	Dispatch   DispatchConfig   `mapstructure:"dispatch"`
	Calls      CallsConfig      `mapstructure:"calls"`
	Log        LogConfig        `mapstructure:"log"`
}

// ConnectionConfig controls how the channel reaches the peer.
type ConnectionConfig struct {
	SocketPath      string        `mapstructure:"socket_path"`
	ConnectTimeout  time.Duration `mapstructure:"connect_timeout"`
	BusyTimeout     time.Duration `mapstructure:"busy_timeout"`
	MaxRetries      int           `mapstructure:"max_retries"`
	RetryBackoff    time.Duration `mapstructure:"retry_backoff"`
	MaxFragmentSize int           `mapstructure:"max_fragment_size"`
	MaxMessageSize  int           `mapstructure:"max_message_size"`
}

// DispatchConfig sizes the callback worker pool.
type DispatchConfig struct {
	MaxWorkers  int           `mapstructure:"max_workers"`
	IdleTimeout time.Duration `mapstructure:"idle_timeout"`
}

// CallsConfig holds timeouts for blocking operations.
type CallsConfig struct {
	DefaultTimeout time.Duration `mapstructure:"default_timeout"`
	StartupTimeout time.Duration `mapstructure:"startup_timeout"`
}

// LogConfig selects the log level and output format.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

var defaultConfig = Config{
	Connection: ConnectionConfig{
		SocketPath:      "/var/run/OG-Language/Connection.sock",
		ConnectTimeout:  3 * time.Second,
		BusyTimeout:     2 * time.Second,
		MaxRetries:      3,
		RetryBackoff:    time.Second,
		MaxFragmentSize: 32 * 1024,
		MaxMessageSize:  16 << 20,
	},
	Dispatch: DispatchConfig{
		MaxWorkers:  8,
		IdleTimeout: 5 * time.Minute,
	},
	Calls: CallsConfig{
		DefaultTimeout: 30 * time.Second,
		StartupTimeout: 10 * time.Second,
	},
	Log: LogConfig{
		Level:  "info",
		Format: LogFormatText,
	},
}

// Default returns the built-in configuration.
func Default() *Config {
	cfg := defaultConfig
	return &cfg
}

// Load merges defaults, the TOML file at path (skipped when path is empty or
// the file does not exist) and environment overrides, in that order.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("read config file: %w", err)
			}
		}
	}

	var cfg Config
	decodeHook := mapstructure.ComposeDecodeHookFunc(
		expandEnvStringHook(),
		mapstructure.StringToTimeDurationHookFunc(),
	)
	if err := v.Unmarshal(&cfg, func(c *mapstructure.DecoderConfig) {
		c.DecodeHook = decodeHook
	}); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("connection.socket_path", defaultConfig.Connection.SocketPath)
	v.SetDefault("connection.connect_timeout", defaultConfig.Connection.ConnectTimeout)
	v.SetDefault("connection.busy_timeout", defaultConfig.Connection.BusyTimeout)
	v.SetDefault("connection.max_retries", defaultConfig.Connection.MaxRetries)
	v.SetDefault("connection.retry_backoff", defaultConfig.Connection.RetryBackoff)
	v.SetDefault("connection.max_fragment_size", defaultConfig.Connection.MaxFragmentSize)
	v.SetDefault("connection.max_message_size", defaultConfig.Connection.MaxMessageSize)

	v.SetDefault("dispatch.max_workers", defaultConfig.Dispatch.MaxWorkers)
	v.SetDefault("dispatch.idle_timeout", defaultConfig.Dispatch.IdleTimeout)

	v.SetDefault("calls.default_timeout", defaultConfig.Calls.DefaultTimeout)
	v.SetDefault("calls.startup_timeout", defaultConfig.Calls.StartupTimeout)

	v.SetDefault("log.level", defaultConfig.Log.Level)
	v.SetDefault("log.format", defaultConfig.Log.Format)
}

// Write renders c as TOML. Durations are written in their string form so
// the output loads back unchanged.
func (c *Config) Write(w io.Writer) error {
	if w == nil {
		return errors.New("writer is required")
	}

	v := viper.New()
	v.SetConfigType("toml")

	v.Set("connection.socket_path", c.Connection.SocketPath)
	v.Set("connection.connect_timeout", c.Connection.ConnectTimeout.String())
	v.Set("connection.busy_timeout", c.Connection.BusyTimeout.String())
	v.Set("connection.max_retries", c.Connection.MaxRetries)
	v.Set("connection.retry_backoff", c.Connection.RetryBackoff.String())
	v.Set("connection.max_fragment_size", c.Connection.MaxFragmentSize)
	v.Set("connection.max_message_size", c.Connection.MaxMessageSize)

	v.Set("dispatch.max_workers", c.Dispatch.MaxWorkers)
	v.Set("dispatch.idle_timeout", c.Dispatch.IdleTimeout.String())

	v.Set("calls.default_timeout", c.Calls.DefaultTimeout.String())
	v.Set("calls.startup_timeout", c.Calls.StartupTimeout.String())

	v.Set("log.level", c.Log.Level)
	v.Set("log.format", c.Log.Format)

	if err := v.WriteConfigTo(w); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// Validate checks connection settings.
func (c ConnectionConfig) Validate() error {
	if c.SocketPath == "" {
		return errors.New("socket_path is required")
	}
	if c.ConnectTimeout <= 0 {
		return errors.New("connect_timeout must be > 0")
	}
	if c.BusyTimeout <= 0 {
		return errors.New("busy_timeout must be > 0")
	}
	if c.MaxRetries < 0 {
		return errors.New("max_retries must be >= 0")
	}
	if c.RetryBackoff < 0 {
		return errors.New("retry_backoff must be >= 0")
	}
	if c.MaxFragmentSize < 256 {
		return errors.New("max_fragment_size must be >= 256")
	}
	if c.MaxMessageSize <= 0 {
		return errors.New("max_message_size must be > 0")
	}
	return nil
}

// Validate checks worker pool settings.
func (c DispatchConfig) Validate() error {
	if c.MaxWorkers <= 0 {
		return errors.New("max_workers must be > 0")
	}
	if c.IdleTimeout <= 0 {
		return errors.New("idle_timeout must be > 0")
	}
	return nil
}

// Validate checks call timeouts.
func (c CallsConfig) Validate() error {
	if c.DefaultTimeout <= 0 {
		return errors.New("default_timeout must be > 0")
	}
	if c.StartupTimeout <= 0 {
		return errors.New("startup_timeout must be > 0")
	}
	return nil
}

// Validate checks log settings.
func (c LogConfig) Validate() error {
	switch strings.ToLower(c.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid level %q", c.Level)
	}
	switch c.Format {
	case LogFormatText, LogFormatJSON:
		return nil
	default:
		return fmt.Errorf("invalid format %q (allowed: %q, %q)", c.Format, LogFormatText, LogFormatJSON)
	}
}

// Validate validates every section and returns the first error.
func (c *Config) Validate() error {
	if err := c.Connection.Validate(); err != nil {
		return fmt.Errorf("connection: %w", err)
	}
	if err := c.Dispatch.Validate(); err != nil {
		return fmt.Errorf("dispatch: %w", err)
	}
	if err := c.Calls.Validate(); err != nil {
		return fmt.Errorf("calls: %w", err)
	}
	if err := c.Log.Validate(); err != nil {
		return fmt.Errorf("log: %w", err)
	}
	return nil
}

func expandEnvStringHook() mapstructure.DecodeHookFuncType {
	return func(from reflect.Type, to reflect.Type, data any) (any, error) {
		if from.Kind() != reflect.String || to.Kind() != reflect.String {
			return data, nil
		}
		value, ok := data.(string)
		if !ok {
			return data, nil
		}
		return os.ExpandEnv(value), nil
	}
}
