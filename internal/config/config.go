// Package config loads the sync core configuration from defaults, an
// optional YAML file and SYNCORE_ environment variables.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	apperrors "github.com/kimhsiao/syncore/internal/errors"
	"github.com/kimhsiao/syncore/internal/logging"
	"github.com/kimhsiao/syncore/internal/models"
	"github.com/kimhsiao/syncore/internal/sync/queue"
)

// EnvPrefix prefixes every environment override, e.g. SYNCORE_REMOTE_BASE_URL.
const EnvPrefix = "SYNCORE"

// Config is the full configuration.
type Config struct {
	DataDir   string          `mapstructure:"data_dir" yaml:"data_dir"`
	Remote    RemoteConfig    `mapstructure:"remote" yaml:"remote"`
	Sync      SyncConfig      `mapstructure:"sync" yaml:"sync"`
	Network   NetworkConfig   `mapstructure:"network" yaml:"network"`
	Conflict  ConflictConfig  `mapstructure:"conflict" yaml:"conflict"`
	Log       LogConfig       `mapstructure:"log" yaml:"log"`
	Server    ServerConfig    `mapstructure:"server" yaml:"server"`
	Telemetry TelemetryConfig `mapstructure:"telemetry" yaml:"telemetry"`

	// path is the file the configuration was read from, if any.
	path string
}

// RemoteConfig describes the backend.
type RemoteConfig struct {
	BaseURL string        `mapstructure:"base_url" yaml:"base_url"`
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
	Token   string        `mapstructure:"token" yaml:"-"`
}

// SyncConfig tunes the engine and scheduler.
type SyncConfig struct {
	BatchSize       int             `mapstructure:"batch_size" yaml:"batch_size"`
	BatchPause      time.Duration   `mapstructure:"batch_pause" yaml:"batch_pause"`
	MaxRetry        int             `mapstructure:"max_retry" yaml:"max_retry"`
	Backoff         []time.Duration `mapstructure:"backoff" yaml:"backoff"`
	Debounce        time.Duration   `mapstructure:"debounce" yaml:"debounce"`
	Interval        time.Duration   `mapstructure:"interval" yaml:"interval"`
	FailedRetention time.Duration   `mapstructure:"failed_retention" yaml:"failed_retention"`
}

// NetworkConfig tunes the monitor and prober.
type NetworkConfig struct {
	ReconnectDebounce time.Duration `mapstructure:"reconnect_debounce" yaml:"reconnect_debounce"`
	ProbeInterval     time.Duration `mapstructure:"probe_interval" yaml:"probe_interval"`
}

// ConflictConfig overrides the per-kind conflict strategies.
type ConflictConfig struct {
	Strategies map[string]string `mapstructure:"strategies" yaml:"strategies"`
}

// LogConfig configures logging and file rotation.
type LogConfig struct {
	Level      string `mapstructure:"level" yaml:"level"`
	File       string `mapstructure:"file" yaml:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days" yaml:"max_age_days"`
}

// ServerConfig configures the control server.
type ServerConfig struct {
	Addr string `mapstructure:"addr" yaml:"addr"`
}

// TelemetryConfig toggles metrics collection.
type TelemetryConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
}

// DefaultDataDir returns ~/.syncore, or .syncore when there is no home
// directory.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return ".syncore"
	}
	return filepath.Join(home, ".syncore")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("data_dir", DefaultDataDir())
	v.SetDefault("remote.base_url", "")
	v.SetDefault("remote.timeout", 15*time.Second)
	v.SetDefault("remote.token", "")
	v.SetDefault("sync.batch_size", 10)
	v.SetDefault("sync.batch_pause", 500*time.Millisecond)
	v.SetDefault("sync.max_retry", models.DefaultMaxRetry)
	v.SetDefault("sync.backoff", []string{"1s", "5s", "15s"})
	v.SetDefault("sync.debounce", 2*time.Second)
	v.SetDefault("sync.interval", 5*time.Minute)
	v.SetDefault("sync.failed_retention", 7*24*time.Hour)
	v.SetDefault("network.reconnect_debounce", 2*time.Second)
	v.SetDefault("network.probe_interval", 30*time.Second)
	v.SetDefault("conflict.strategies", map[string]string{})
	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 50)
	v.SetDefault("log.max_backups", 5)
	v.SetDefault("log.max_age_days", 28)
	v.SetDefault("server.addr", "127.0.0.1:8090")
	v.SetDefault("telemetry.enabled", false)
}

// Default returns the configuration with no file and no environment.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	cfg := &Config{}
	_ = v.Unmarshal(cfg)
	return cfg
}

// Load reads configuration. path may be empty, in which case only defaults
// and environment variables apply.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrInvalid, "failed to read config "+path, err)
		}
	}

	cfg := &Config{path: path}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalid, "failed to decode config", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Path returns the file the configuration was read from.
func (c *Config) Path() string {
	return c.path
}

// Validate checks value ranges and enumerations.
func (c *Config) Validate() error {
	var problems []string
	add := func(format string, args ...interface{}) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if strings.TrimSpace(c.DataDir) == "" {
		add("data_dir is required")
	}
	if c.Remote.BaseURL != "" {
		u, err := url.Parse(c.Remote.BaseURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			add("remote.base_url must be an http(s) URL, got %q", c.Remote.BaseURL)
		}
	}
	if c.Remote.Timeout <= 0 {
		add("remote.timeout must be positive")
	}
	if c.Sync.BatchSize <= 0 {
		add("sync.batch_size must be positive")
	}
	if c.Sync.MaxRetry <= 0 {
		add("sync.max_retry must be positive")
	}
	if len(c.Sync.Backoff) == 0 {
		add("sync.backoff needs at least one step")
	}
	for i, d := range c.Sync.Backoff {
		if d <= 0 {
			add("sync.backoff[%d] must be positive", i)
		}
	}
	for name, d := range map[string]time.Duration{
		"sync.batch_pause":           c.Sync.BatchPause,
		"sync.debounce":              c.Sync.Debounce,
		"network.reconnect_debounce": c.Network.ReconnectDebounce,
	} {
		if d < 0 {
			add("%s must not be negative", name)
		}
	}
	for name, d := range map[string]time.Duration{
		"sync.interval":          c.Sync.Interval,
		"sync.failed_retention":  c.Sync.FailedRetention,
		"network.probe_interval": c.Network.ProbeInterval,
	} {
		if d <= 0 {
			add("%s must be positive", name)
		}
	}
	if _, err := c.ConflictStrategies(); err != nil {
		add("%v", err)
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		add("log.level: %v", err)
	}
	if c.Server.Addr == "" {
		add("server.addr is required")
	}

	if len(problems) > 0 {
		return apperrors.New(apperrors.ErrInvalid, "invalid configuration: "+strings.Join(problems, "; "))
	}
	return nil
}

// ConflictStrategies parses the strategy overrides.
func (c *Config) ConflictStrategies() (map[models.EntityKind]models.ConflictStrategy, error) {
	out := make(map[models.EntityKind]models.ConflictStrategy, len(c.Conflict.Strategies))
	for kind, name := range c.Conflict.Strategies {
		k, err := models.ParseEntityKind(kind)
		if err != nil {
			return nil, fmt.Errorf("conflict.strategies: %w", err)
		}
		s, ok := models.ParseConflictStrategy(strings.ToLower(strings.TrimSpace(name)))
		if !ok {
			return nil, fmt.Errorf("conflict.strategies.%s: unknown strategy %q", kind, name)
		}
		out[k] = s
	}
	return out, nil
}

// Backoff returns the retry delay policy.
func (c *Config) Backoff() queue.Backoff {
	return queue.StepBackoff(c.Sync.Backoff)
}

// LogLevel returns the parsed log level, INFO when invalid.
func (c *Config) LogLevel() logging.LogLevel {
	level, _ := logging.ParseLevel(c.Log.Level)
	return level
}
