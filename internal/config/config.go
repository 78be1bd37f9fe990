// Package config loads stridesync settings from defaults, an optional YAML file and
// STRIDESYNC_* environment variables, in that order of precedence (lowest first).
package config

import (
	"os"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"stridesync/internal/scheduler"
)

// EnvPrefix marks environment overrides. "__" separates sections:
// STRIDESYNC_QUEUE__CONCURRENCY -> queue.concurrency.
const EnvPrefix = "STRIDESYNC_"

type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Database  DatabaseConfig  `koanf:"database"`
	Provider  ProviderConfig  `koanf:"provider"`
	RateLimit RateLimitConfig `koanf:"ratelimit"`
	Queue     QueueConfig     `koanf:"queue"`
	Sync      SyncConfig      `koanf:"sync"`
	Log       LogConfig       `koanf:"log"`
}

type ServerConfig struct {
	Addr string `koanf:"addr"`
}

type DatabaseConfig struct {
	Path string `koanf:"path"`
}

type ProviderConfig struct {
	BaseURL            string        `koanf:"base_url"`
	TokenURL           string        `koanf:"token_url"`
	ClientID           string        `koanf:"client_id"`
	ClientSecret       string        `koanf:"client_secret"`
	Timeout            time.Duration `koanf:"timeout"`
	RequestsPerSecond  float64       `koanf:"requests_per_second"`
	Burst              int           `koanf:"burst"`
	BreakerMaxFailures uint32        `koanf:"breaker_max_failures"`
	BreakerTimeout     time.Duration `koanf:"breaker_timeout"`
}

type RateLimitConfig struct {
	ShortThreshold float64       `koanf:"short_threshold"`
	LongThreshold  float64       `koanf:"long_threshold"`
	Cooldown       time.Duration `koanf:"cooldown"`
}

type QueueConfig struct {
	Concurrency     int           `koanf:"concurrency"`
	RetryDelay      time.Duration `koanf:"retry_delay"`
	MaxRetryDelay   time.Duration `koanf:"max_retry_delay"`
	ProcessInterval time.Duration `koanf:"process_interval"`
	MaxAttempts     int           `koanf:"max_attempts"`
	HistoryLimit    int           `koanf:"history_limit"`
}

type SyncConfig struct {
	Schedule      string `koanf:"schedule"`
	PerPage       int    `koanf:"per_page"`
	MaxActivities int    `koanf:"max_activities"`
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

func Default() *Config {
	return &Config{
		Server:   ServerConfig{Addr: ":8080"},
		Database: DatabaseConfig{Path: "stridesync.db"},
		Provider: ProviderConfig{
			BaseURL:            "https://www.strava.com/api/v3",
			TokenURL:           "https://www.strava.com/oauth/token",
			Timeout:            30 * time.Second,
			Burst:              1,
			BreakerMaxFailures: 5,
			BreakerTimeout:     30 * time.Second,
		},
		RateLimit: RateLimitConfig{
			ShortThreshold: 0.8,
			LongThreshold:  0.9,
			Cooldown:       60 * time.Second,
		},
		Queue: QueueConfig{
			Concurrency:     2,
			RetryDelay:      60 * time.Second,
			MaxRetryDelay:   300 * time.Second,
			ProcessInterval: time.Second,
			MaxAttempts:     3,
			HistoryLimit:    500,
		},
		Sync: SyncConfig{
			Schedule:      "@every 6h",
			PerPage:       50,
			MaxActivities: 200,
		},
		Log: LogConfig{Level: "info", Format: "console"},
	}
}

// Load layers defaults, the YAML file at path (skipped when path is empty or missing) and
// the environment, then validates the result.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return nil, errors.Wrap(err, "load defaults")
	}

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
				return nil, errors.Wrapf(err, "load config file %s", path)
			}
		} else if !os.IsNotExist(err) {
			return nil, errors.Wrapf(err, "stat config file %s", path)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, errors.Wrap(err, "load environment")
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, errors.Wrap(err, "unmarshal config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid config")
	}
	return cfg, nil
}

func envKey(s string) string {
	s = strings.TrimPrefix(s, EnvPrefix)
	return strings.ReplaceAll(strings.ToLower(s), "__", ".")
}

func (c *Config) Validate() error {
	switch {
	case c.Queue.Concurrency <= 0:
		return errors.New("queue.concurrency must be positive")
	case c.Queue.ProcessInterval <= 0:
		return errors.New("queue.process_interval must be positive")
	case c.Queue.RetryDelay <= 0:
		return errors.New("queue.retry_delay must be positive")
	case c.Queue.MaxRetryDelay < c.Queue.RetryDelay:
		return errors.New("queue.max_retry_delay must not be below queue.retry_delay")
	case c.Queue.MaxAttempts <= 0:
		return errors.New("queue.max_attempts must be positive")
	case c.RateLimit.ShortThreshold <= 0 || c.RateLimit.ShortThreshold > 1:
		return errors.New("ratelimit.short_threshold must be in (0,1]")
	case c.RateLimit.LongThreshold <= 0 || c.RateLimit.LongThreshold > 1:
		return errors.New("ratelimit.long_threshold must be in (0,1]")
	case c.RateLimit.Cooldown <= 0:
		return errors.New("ratelimit.cooldown must be positive")
	case c.Sync.PerPage <= 0:
		return errors.New("sync.per_page must be positive")
	case c.Provider.BaseURL == "":
		return errors.New("provider.base_url is required")
	}
	if c.Sync.Schedule != "" {
		if err := scheduler.ValidateCronExpression(c.Sync.Schedule); err != nil {
			return errors.Wrapf(err, "sync.schedule %q", c.Sync.Schedule)
		}
	}
	return nil
}
