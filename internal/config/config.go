// Package config resolves runtime configuration for the sync server. The
// environment is the source of truth for deployment settings; an optional
// YAML file overrides protocol tuning knobs.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"
)

// Config is the fully resolved server configuration.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Session  SessionConfig
	Redis    RedisConfig
	Tuning   TuningConfig
}

type ServerConfig struct {
	Port           string
	Env            string
	AllowedOrigins string
}

type DatabaseConfig struct {
	URL string
}

type SessionConfig struct {
	KratosPublicURL string
	CookieSecure    bool
	CacheTTL        time.Duration
}

type RedisConfig struct {
	Addr string
}

// TuningConfig carries the protocol knobs that operators may override via
// a YAML file. Zero values fall back to defaults at load time.
type TuningConfig struct {
	PullMaxWaitMs      int `yaml:"pull_max_wait_ms"`
	PullPollIntervalMs int `yaml:"pull_poll_interval_ms"`
	PullDefaultLimit   int `yaml:"pull_default_limit"`
	PullMaxLimit       int `yaml:"pull_max_limit"`
	PushMaxBatch       int `yaml:"push_max_batch"`
	ConflictMissingCap int `yaml:"conflict_missing_cap"`
	RateLimitPerMinute int `yaml:"rate_limit_per_minute"`
}

const (
	defaultPort            = "8787"
	defaultSessionCacheTTL = 30000 * time.Millisecond

	// Long-poll ceiling. Pull requests asking for more are clamped down.
	DefaultPullMaxWaitMs      = 25000
	DefaultPullPollIntervalMs = 1000
	// Poll ticks shorter than this starve the database.
	MinPullPollIntervalMs = 50

	DefaultPullLimit          = 200
	DefaultPullMaxLimit       = 1000
	DefaultPushMaxBatch       = 500
	DefaultConflictMissingCap = 1000
	DefaultRateLimitPerMinute = 600
)

// Load resolves configuration from the environment, then applies YAML tuning
// overrides when MOSYNC_CONFIG points at a file.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:           envOr("PORT", defaultPort),
			Env:            envOr("MOSYNC_ENV", "development"),
			AllowedOrigins: os.Getenv("MOSYNC_ALLOWED_ORIGINS"),
		},
		Database: DatabaseConfig{
			URL: os.Getenv("DATABASE_URL"),
		},
		Session: SessionConfig{
			KratosPublicURL: os.Getenv("KRATOS_PUBLIC_URL"),
			CookieSecure:    envBool("SESSION_COOKIE_SECURE"),
			CacheTTL:        envDurationMs("SESSION_CACHE_TTL_MS", defaultSessionCacheTTL),
		},
		Redis: RedisConfig{
			Addr: os.Getenv("REDIS_ADDR"),
		},
		Tuning: defaultTuning(),
	}

	if path := os.Getenv("MOSYNC_CONFIG"); path != "" {
		if err := cfg.applyTuningFile(path); err != nil {
			return nil, err
		}
	}

	if cfg.Database.URL == "" {
		return nil, fmt.Errorf("DATABASE_URL is not set")
	}
	if cfg.Session.KratosPublicURL == "" {
		return nil, fmt.Errorf("KRATOS_PUBLIC_URL is not set")
	}
	return cfg, nil
}

// Production reports whether destructive dev operations must be refused.
func (c *Config) Production() bool {
	return c.Server.Env == "production"
}

func defaultTuning() TuningConfig {
	return TuningConfig{
		PullMaxWaitMs:      DefaultPullMaxWaitMs,
		PullPollIntervalMs: DefaultPullPollIntervalMs,
		PullDefaultLimit:   DefaultPullLimit,
		PullMaxLimit:       DefaultPullMaxLimit,
		PushMaxBatch:       DefaultPushMaxBatch,
		ConflictMissingCap: DefaultConflictMissingCap,
		RateLimitPerMinute: DefaultRateLimitPerMinute,
	}
}

func (c *Config) applyTuningFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open tuning file: %w", err)
	}
	defer f.Close()

	var t TuningConfig
	if err := yaml.NewDecoder(f).Decode(&t); err != nil {
		return fmt.Errorf("parse tuning file %s: %w", path, err)
	}
	c.Tuning = mergeTuning(c.Tuning, t)
	return nil
}

func mergeTuning(base, over TuningConfig) TuningConfig {
	if over.PullMaxWaitMs > 0 {
		base.PullMaxWaitMs = over.PullMaxWaitMs
	}
	if over.PullPollIntervalMs > 0 {
		base.PullPollIntervalMs = over.PullPollIntervalMs
	}
	if base.PullPollIntervalMs < MinPullPollIntervalMs {
		base.PullPollIntervalMs = MinPullPollIntervalMs
	}
	if over.PullDefaultLimit > 0 {
		base.PullDefaultLimit = over.PullDefaultLimit
	}
	if over.PullMaxLimit > 0 {
		base.PullMaxLimit = over.PullMaxLimit
	}
	if over.PushMaxBatch > 0 {
		base.PushMaxBatch = over.PushMaxBatch
	}
	if over.ConflictMissingCap > 0 {
		base.ConflictMissingCap = over.ConflictMissingCap
	}
	if over.RateLimitPerMinute > 0 {
		base.RateLimitPerMinute = over.RateLimitPerMinute
	}
	return base
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string) bool {
	v := os.Getenv(key)
	return v == "true" || v == "1"
}

func envDurationMs(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	ms, err := strconv.Atoi(v)
	if err != nil || ms < 0 {
		return fallback
	}
	return time.Duration(ms) * time.Millisecond
}
