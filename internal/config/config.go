// Package config loads NutriLog settings from file and environment.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	apperrors "github.com/kimhsiao/nutrilog/backend/internal/errors"
)

// EnvPrefix is prepended to every environment override, e.g.
// NUTRILOG_QUEUE_CAPACITY.
const EnvPrefix = "NUTRILOG"

// Config is the full runtime configuration.
type Config struct {
	DataDir      string             `mapstructure:"data_dir"`
	UserID       string             `mapstructure:"user_id"`
	Log          LogConfig          `mapstructure:"log"`
	KV           KVConfig           `mapstructure:"kv"`
	Remote       RemoteConfig       `mapstructure:"remote"`
	Retry        RetryConfig        `mapstructure:"retry"`
	Queue        QueueConfig        `mapstructure:"queue"`
	Sync         SyncConfig         `mapstructure:"sync"`
	Retention    RetentionConfig    `mapstructure:"retention"`
	Migration    MigrationConfig    `mapstructure:"migration"`
	Connectivity ConnectivityConfig `mapstructure:"connectivity"`
	Desktop      DesktopConfig      `mapstructure:"desktop"`
}

type LogConfig struct {
	Level   string `mapstructure:"level"`
	File    string `mapstructure:"file"`
	Console bool   `mapstructure:"console"`
}

// KVConfig selects the durable key-value backend used for queue,
// migration and retention state.
type KVConfig struct {
	Backend   string `mapstructure:"backend"`
	Path      string `mapstructure:"path"`
	RedisAddr string `mapstructure:"redis_addr"`
	RedisDB   int    `mapstructure:"redis_db"`
	Prefix    string `mapstructure:"prefix"`
}

type RemoteConfig struct {
	Backend  string        `mapstructure:"backend"`
	MongoURI string        `mapstructure:"mongo_uri"`
	Database string        `mapstructure:"database"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

type RetryConfig struct {
	InitialDelay time.Duration `mapstructure:"initial_delay"`
	MaxDelay     time.Duration `mapstructure:"max_delay"`
	MaxRetries   int           `mapstructure:"max_retries"`
}

type QueueConfig struct {
	Capacity int `mapstructure:"capacity"`
}

type SyncConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

type RetentionConfig struct {
	Days     int           `mapstructure:"days"`
	Interval time.Duration `mapstructure:"interval"`
}

type MigrationConfig struct {
	MaxAttempts  int           `mapstructure:"max_attempts"`
	InitialDelay time.Duration `mapstructure:"initial_delay"`
}

type ConnectivityConfig struct {
	ProbeAddr    string        `mapstructure:"probe_addr"`
	ProbeTimeout time.Duration `mapstructure:"probe_timeout"`
}

type DesktopConfig struct {
	Port int `mapstructure:"port"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("data_dir", "./data")
	v.SetDefault("user_id", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")
	v.SetDefault("log.console", false)
	v.SetDefault("kv.backend", "badger")
	v.SetDefault("kv.path", "")
	v.SetDefault("kv.redis_addr", "localhost:6379")
	v.SetDefault("kv.redis_db", 0)
	v.SetDefault("kv.prefix", "nutrilog:")
	v.SetDefault("remote.backend", "mongo")
	v.SetDefault("remote.mongo_uri", "mongodb://localhost:27017")
	v.SetDefault("remote.database", "nutrilog")
	v.SetDefault("remote.timeout", 30*time.Second)
	v.SetDefault("retry.initial_delay", time.Second)
	v.SetDefault("retry.max_delay", 60*time.Second)
	v.SetDefault("retry.max_retries", 6)
	v.SetDefault("queue.capacity", 1000)
	v.SetDefault("sync.poll_interval", 5*time.Second)
	v.SetDefault("retention.days", 90)
	v.SetDefault("retention.interval", 24*time.Hour)
	v.SetDefault("migration.max_attempts", 5)
	v.SetDefault("migration.initial_delay", 2*time.Second)
	v.SetDefault("connectivity.probe_addr", "")
	v.SetDefault("connectivity.probe_timeout", 3*time.Second)
	v.SetDefault("desktop.port", 8090)
}

// New returns a viper instance with defaults and env overrides bound.
func New() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Default returns the configuration with no file and no environment.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		panic(fmt.Sprintf("config defaults do not decode: %v", err))
	}
	return cfg
}

// Load reads path (if non-empty) plus NUTRILOG_* environment overrides.
func Load(path string) (*Config, error) {
	return LoadWith(New(), path)
}

// LoadWith is Load on a caller-supplied viper, so CLI flags bound to it
// take precedence.
func LoadWith(v *viper.Viper, path string) (*Config, error) {
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrInvalid, "read config "+path, err)
		}
	}
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalid, "decode config", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the sync core cannot run with.
func (c *Config) Validate() error {
	switch {
	case c.Queue.Capacity <= 0:
		return apperrors.New(apperrors.ErrInvalid, "queue.capacity must be positive")
	case c.Retry.MaxRetries <= 0:
		return apperrors.New(apperrors.ErrInvalid, "retry.max_retries must be positive")
	case c.Retry.InitialDelay <= 0 || c.Retry.MaxDelay < c.Retry.InitialDelay:
		return apperrors.New(apperrors.ErrInvalid, "retry delays are inconsistent")
	case c.Retention.Days <= 0:
		return apperrors.New(apperrors.ErrInvalid, "retention.days must be positive")
	case c.Migration.MaxAttempts <= 0:
		return apperrors.New(apperrors.ErrInvalid, "migration.max_attempts must be positive")
	case c.Sync.PollInterval <= 0:
		return apperrors.New(apperrors.ErrInvalid, "sync.poll_interval must be positive")
	}
	switch c.KV.Backend {
	case "badger", "sqlite", "redis", "memory":
	default:
		return apperrors.Newf(apperrors.ErrInvalid, "unknown kv.backend %q", c.KV.Backend)
	}
	switch c.Remote.Backend {
	case "mongo", "memory":
	default:
		return apperrors.Newf(apperrors.ErrInvalid, "unknown remote.backend %q", c.Remote.Backend)
	}
	return nil
}

// RetentionWindow is the retention period as a duration.
func (c *Config) RetentionWindow() time.Duration {
	return time.Duration(c.Retention.Days) * 24 * time.Hour
}
