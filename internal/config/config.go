// Package config loads and watches the sync engine's configuration.
//
// Configuration comes from a YAML file plus SYNCKIT_-prefixed environment
// variables, with defaults matching the engine's documented behavior. The
// file can be hot-reloaded: Watcher emits a freshly parsed Config whenever
// the file changes on disk.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full engine configuration.
type Config struct {
	Remote  RemoteConfig  `mapstructure:"remote"`
	Store   StoreConfig   `mapstructure:"store"`
	Queue   QueueConfig   `mapstructure:"queue"`
	Feed    FeedConfig    `mapstructure:"feed"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// RemoteConfig points at the backend.
type RemoteConfig struct {
	BaseURL      string        `mapstructure:"base_url"`
	WebsocketURL string        `mapstructure:"websocket_url"`
	APIKey       string        `mapstructure:"api_key"`
	Timeout      time.Duration `mapstructure:"timeout"`
}

// StoreConfig locates the local persistence tiers.
type StoreConfig struct {
	DatabasePath    string `mapstructure:"database_path"`
	FallbackPath    string `mapstructure:"fallback_path"`
	FallbackCeiling int    `mapstructure:"fallback_ceiling"`
}

// QueueConfig tunes the mutation queue and its breaker.
type QueueConfig struct {
	SoftCapacity     int           `mapstructure:"soft_capacity"`
	MaxRetries       int           `mapstructure:"max_retries"`
	MaxAge           time.Duration `mapstructure:"max_age"`
	DrainTimeout     time.Duration `mapstructure:"drain_timeout"`
	DrainInterval    time.Duration `mapstructure:"drain_interval"`
	BreakerThreshold int           `mapstructure:"breaker_threshold"`
	BreakerCooldown  time.Duration `mapstructure:"breaker_cooldown"`
}

// FeedConfig tunes the change feed.
type FeedConfig struct {
	ErrorThreshold int           `mapstructure:"error_threshold"`
	ActiveInterval time.Duration `mapstructure:"active_interval"`
	IdleInterval   time.Duration `mapstructure:"idle_interval"`
}

// LoggingConfig controls the daemon's log output.
type LoggingConfig struct {
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// setDefaults installs the engine defaults on a viper instance.
func setDefaults(v *viper.Viper) {
	v.SetDefault("remote.timeout", 15*time.Second)

	v.SetDefault("store.database_path", ".weaveboard/sync.db")
	v.SetDefault("store.fallback_path", ".weaveboard/queue-snapshot.json")
	v.SetDefault("store.fallback_ceiling", 256*1024)

	v.SetDefault("queue.soft_capacity", 500)
	v.SetDefault("queue.max_retries", 5)
	v.SetDefault("queue.max_age", 7*24*time.Hour)
	v.SetDefault("queue.drain_timeout", 2*time.Minute)
	v.SetDefault("queue.drain_interval", 30*time.Second)
	v.SetDefault("queue.breaker_threshold", 5)
	v.SetDefault("queue.breaker_cooldown", 30*time.Second)

	v.SetDefault("feed.error_threshold", 3)
	v.SetDefault("feed.active_interval", 15*time.Second)
	v.SetDefault("feed.idle_interval", 2*time.Minute)

	v.SetDefault("logging.file", "")
	v.SetDefault("logging.max_size_mb", 10)
	v.SetDefault("logging.max_backups", 3)
	v.SetDefault("logging.max_age_days", 14)
}

// Load reads configuration from path. A missing file is not an error; the
// defaults plus environment variables apply.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("SYNCKIT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("failed to read config %s: %w", path, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	if c.Queue.SoftCapacity < 0 {
		return fmt.Errorf("queue.soft_capacity cannot be negative")
	}
	if c.Queue.BreakerThreshold < 0 {
		return fmt.Errorf("queue.breaker_threshold cannot be negative")
	}
	if c.Store.FallbackCeiling < 0 {
		return fmt.Errorf("store.fallback_ceiling cannot be negative")
	}
	return nil
}
