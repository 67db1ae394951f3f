// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Worker    WorkerConfig    `mapstructure:"worker"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Retry     RetryConfig     `mapstructure:"retry"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Alerts    AlertsConfig    `mapstructure:"alerts"`
	Store     StoreConfig     `mapstructure:"store"`
	Blob      BlobConfig      `mapstructure:"blob"`
	Notifier  NotifierConfig  `mapstructure:"notifier"`
	Fetch     FetchConfig     `mapstructure:"fetch"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// SchedulerConfig governs the tick loop and task admission.
type SchedulerConfig struct {
	TickSeconds        int `mapstructure:"tick_seconds"`
	GraceSeconds       int `mapstructure:"grace_seconds"`
	MaxPendingTasks    int `mapstructure:"max_pending_tasks"`
	DefaultMaxAttempts int `mapstructure:"default_max_attempts"`
}

// WorkerConfig bounds fetch-unit execution.
type WorkerConfig struct {
	Concurrency    int `mapstructure:"concurrency"`
	TimeoutSeconds int `mapstructure:"timeout_seconds"`
}

// RateLimitConfig paces outbound operations per target.
type RateLimitConfig struct {
	RPS        float64 `mapstructure:"rps"`
	Burst      int     `mapstructure:"burst"`
	MinDelayMs int     `mapstructure:"min_delay_ms"`
	MaxDelayMs int     `mapstructure:"max_delay_ms"`
}

// RetryConfig shapes backoff between attempts.
type RetryConfig struct {
	BaseDelayMs int `mapstructure:"base_delay_ms"`
	MaxDelayMs  int `mapstructure:"max_delay_ms"`
}

// CacheConfig controls fetch-result memoization.
type CacheConfig struct {
	TTLSeconds   int `mapstructure:"ttl_seconds"`
	SweepSeconds int `mapstructure:"sweep_seconds"`
	MaxEntries   int `mapstructure:"max_entries"`
}

// MetricsConfig bounds the sample retention window.
type MetricsConfig struct {
	WindowMinutes int `mapstructure:"window_minutes"`
}

// AlertsConfig controls rule evaluation cadence.
type AlertsConfig struct {
	TickSeconds            int     `mapstructure:"tick_seconds"`
	CooldownSeconds        int     `mapstructure:"cooldown_seconds"`
	ErrorRateThreshold     float64 `mapstructure:"error_rate_threshold"`
	LatencyThresholdMs     int     `mapstructure:"latency_threshold_ms"`
	EvaluationWindowMinute int     `mapstructure:"evaluation_window_minutes"`
}

// StoreConfig selects the persistence provider for task/cache state.
type StoreConfig struct {
	Provider string `mapstructure:"provider"` // memory | badger | postgres
	Badger   struct {
		Path string `mapstructure:"path"`
	} `mapstructure:"badger"`
	Postgres struct {
		DSN string `mapstructure:"dsn"`
	} `mapstructure:"postgres"`
}

// BlobConfig selects the optional result-archival sink.
type BlobConfig struct {
	Provider    string `mapstructure:"provider"` // none | memory | gcs
	GCSBucket   string `mapstructure:"gcs_bucket"`
	Prefix      string `mapstructure:"prefix"`
	ContentType string `mapstructure:"content_type"`
}

// NotifierConfig selects where alert transitions are delivered.
type NotifierConfig struct {
	Provider  string `mapstructure:"provider"` // log | pubsub
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// FetchConfig configures the outbound fetchers.
type FetchConfig struct {
	UserAgent          string `mapstructure:"user_agent"`
	RespectRobots      bool   `mapstructure:"respect_robots"`
	HeadlessEnabled    bool   `mapstructure:"headless_enabled"`
	HeadlessNavTimeout int    `mapstructure:"headless_nav_timeout_seconds"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SEOSCOPE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("scheduler.tick_seconds", 2)
	v.SetDefault("scheduler.grace_seconds", 60)
	v.SetDefault("scheduler.max_pending_tasks", 1000)
	v.SetDefault("scheduler.default_max_attempts", 3)
	v.SetDefault("worker.concurrency", 16)
	v.SetDefault("worker.timeout_seconds", 30)
	v.SetDefault("rate_limit.rps", 1)
	v.SetDefault("rate_limit.burst", 1)
	v.SetDefault("rate_limit.min_delay_ms", 1000)
	v.SetDefault("rate_limit.max_delay_ms", 3000)
	v.SetDefault("retry.base_delay_ms", 250)
	v.SetDefault("retry.max_delay_ms", 30000)
	v.SetDefault("cache.ttl_seconds", 3600)
	v.SetDefault("cache.sweep_seconds", 300)
	v.SetDefault("cache.max_entries", 10000)
	v.SetDefault("metrics.window_minutes", 15)
	v.SetDefault("alerts.tick_seconds", 30)
	v.SetDefault("alerts.cooldown_seconds", 300)
	v.SetDefault("alerts.error_rate_threshold", 0.5)
	v.SetDefault("alerts.latency_threshold_ms", 10000)
	v.SetDefault("alerts.evaluation_window_minutes", 5)
	v.SetDefault("store.provider", "memory")
	v.SetDefault("store.badger.path", "data/seoscope")
	v.SetDefault("blob.provider", "none")
	v.SetDefault("blob.prefix", "pages")
	v.SetDefault("blob.content_type", "text/html; charset=utf-8")
	v.SetDefault("notifier.provider", "log")
	v.SetDefault("fetch.user_agent", "seoscope-bot/0.1")
	v.SetDefault("fetch.respect_robots", true)
	v.SetDefault("fetch.headless_enabled", false)
	v.SetDefault("fetch.headless_nav_timeout_seconds", 25)
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Scheduler.TickSeconds <= 0 {
		return fmt.Errorf("scheduler.tick_seconds must be > 0")
	}
	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker.concurrency must be > 0")
	}
	if c.Worker.TimeoutSeconds <= 0 {
		return fmt.Errorf("worker.timeout_seconds must be > 0")
	}
	if c.RateLimit.MinDelayMs > c.RateLimit.MaxDelayMs {
		return fmt.Errorf("rate_limit.min_delay_ms must be <= rate_limit.max_delay_ms")
	}
	if c.Cache.TTLSeconds <= 0 {
		return fmt.Errorf("cache.ttl_seconds must be > 0")
	}
	switch c.Store.Provider {
	case "memory", "badger":
	case "postgres":
		if c.Store.Postgres.DSN == "" {
			return fmt.Errorf("store.postgres.dsn must be set when store.provider is postgres")
		}
	default:
		return fmt.Errorf("unknown store.provider: %s", c.Store.Provider)
	}
	switch c.Blob.Provider {
	case "none", "memory":
	case "gcs":
		if c.Blob.GCSBucket == "" {
			return fmt.Errorf("blob.gcs_bucket must be set when blob.provider is gcs")
		}
	default:
		return fmt.Errorf("unknown blob.provider: %s", c.Blob.Provider)
	}
	switch c.Notifier.Provider {
	case "log":
	case "pubsub":
		if c.Notifier.ProjectID == "" || c.Notifier.TopicName == "" {
			return fmt.Errorf("notifier.project_id and notifier.topic_name must be set when notifier.provider is pubsub")
		}
	default:
		return fmt.Errorf("unknown notifier.provider: %s", c.Notifier.Provider)
	}
	return nil
}

// TickInterval converts the scheduler tick into a duration.
func (c Config) TickInterval() time.Duration {
	return time.Duration(c.Scheduler.TickSeconds) * time.Second
}

// FetchTimeout bounds one fetcher invocation.
func (c Config) FetchTimeout() time.Duration {
	return time.Duration(c.Worker.TimeoutSeconds) * time.Second
}
