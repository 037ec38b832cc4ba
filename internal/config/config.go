// Package config loads and validates batchd configuration via Viper.
package config

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/batchd/internal/batch"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server      ServerConfig          `mapstructure:"server"`
	Auth        AuthConfig            `mapstructure:"auth"`
	Logging     LoggingConfig         `mapstructure:"logging"`
	Database    DatabaseConfig        `mapstructure:"database"`
	Redis       RedisConfig           `mapstructure:"redis"`
	Queue       QueueConfig           `mapstructure:"queue"`
	Fetch       FetchConfig           `mapstructure:"fetch"`
	Credentials CredentialsConfig     `mapstructure:"credentials"`
	Storage     StorageConfig         `mapstructure:"storage"`
	Events      EventsConfig          `mapstructure:"events"`
	Webhook     WebhookConfig         `mapstructure:"webhook"`
	RateLimit   RateLimitConfig       `mapstructure:"ratelimit"`
	Retention   RetentionConfig       `mapstructure:"retention"`
	Telemetry   TelemetryConfig       `mapstructure:"telemetry"`
	Plans       map[string]PlanConfig `mapstructure:"plans"`
	DeniedHosts []string              `mapstructure:"denied_hosts"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port           int `mapstructure:"port"`
	RequestTimeout int `mapstructure:"request_timeout_seconds"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// DatabaseConfig controls the Postgres pool. An empty DSN selects the
// in-memory store and ledger.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// RedisConfig locates the Redis lane broker.
type RedisConfig struct {
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// QueueConfig defines the lanes and their limits.
type QueueConfig struct {
	Backend             string         `mapstructure:"backend"`
	Lanes               map[string]int `mapstructure:"lanes"`
	BackpressureCeiling int64          `mapstructure:"backpressure_ceiling"`
	PerBatchConcurrency int            `mapstructure:"per_batch_concurrency"`
	PollInterval        time.Duration  `mapstructure:"poll_interval"`
	RequeueDelay        time.Duration  `mapstructure:"requeue_delay"`
	RecoverOnStart      bool           `mapstructure:"recover_on_start"`
}

// FetchConfig controls the external fetch executable.
type FetchConfig struct {
	Binary           string        `mapstructure:"binary"`
	ExtraArgs        []string      `mapstructure:"extra_args"`
	AttemptTimeout   time.Duration `mapstructure:"attempt_timeout"`
	MetadataTimeout  time.Duration `mapstructure:"metadata_timeout"`
	WorkDir          string        `mapstructure:"work_dir"`
	MinArtifactBytes int64         `mapstructure:"min_artifact_bytes"`
	UserAgent        string        `mapstructure:"user_agent"`
}

// CredentialsConfig locates the shared cookie bundle and its refresher.
type CredentialsConfig struct {
	CookiesPath    string        `mapstructure:"cookies_path"`
	RefreshCommand string        `mapstructure:"refresh_command"`
	RefreshArgs    []string      `mapstructure:"refresh_args"`
	RefreshTimeout time.Duration `mapstructure:"refresh_timeout"`
}

// StorageConfig selects and configures object storage.
type StorageConfig struct {
	Backend      string        `mapstructure:"backend"`
	Bucket       string        `mapstructure:"bucket"`
	Prefix       string        `mapstructure:"prefix"`
	LocalBaseDir string        `mapstructure:"local_base_dir"`
	SigningKey   string        `mapstructure:"signing_key"`
	SignedURLTTL time.Duration `mapstructure:"signed_url_ttl"`
}

// EventsConfig selects where batch outcome events are published.
type EventsConfig struct {
	Backend      string   `mapstructure:"backend"`
	Topic        string   `mapstructure:"topic"`
	ProjectID    string   `mapstructure:"project_id"`
	KafkaBrokers []string `mapstructure:"kafka_brokers"`
}

// WebhookConfig controls outbound callback delivery.
type WebhookConfig struct {
	Timeout   time.Duration `mapstructure:"timeout"`
	UserAgent string        `mapstructure:"user_agent"`
}

// RateLimitConfig throttles fetches per source host.
type RateLimitConfig struct {
	Enabled      bool    `mapstructure:"enabled"`
	DefaultRPS   float64 `mapstructure:"default_rps"`
	DefaultBurst int     `mapstructure:"default_burst"`
}

// RetentionConfig drives the in-memory store sweep.
type RetentionConfig struct {
	TTL           time.Duration `mapstructure:"ttl"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

// TelemetryConfig controls tracing.
type TelemetryConfig struct {
	ServiceName string  `mapstructure:"service_name"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// PlanConfig fixes the limits of one service tier.
type PlanConfig struct {
	MaxBatchLinks  int      `mapstructure:"max_batch_links"`
	Concurrency    int      `mapstructure:"concurrency"`
	MonthlyCredits int64    `mapstructure:"monthly_credits"`
	CostPerURL     int64    `mapstructure:"cost_per_url"`
	Lane           string   `mapstructure:"lane"`
	MaxQuality     string   `mapstructure:"max_quality"`
	AllowedSources []string `mapstructure:"allowed_sources"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("BATCHD")
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
	v.SetDefault("server.request_timeout_seconds", 60)
	v.SetDefault("logging.development", true)
	v.SetDefault("redis.key_prefix", "batchd")
	v.SetDefault("queue.backend", "memory")
	v.SetDefault("queue.lanes", map[string]int{"standard": 4, "priority": 8})
	v.SetDefault("queue.backpressure_ceiling", 500)
	v.SetDefault("queue.per_batch_concurrency", 3)
	v.SetDefault("queue.poll_interval", time.Second)
	v.SetDefault("queue.requeue_delay", 5*time.Second)
	v.SetDefault("queue.recover_on_start", true)
	v.SetDefault("fetch.binary", "yt-dlp")
	v.SetDefault("fetch.attempt_timeout", 10*time.Minute)
	v.SetDefault("fetch.metadata_timeout", 30*time.Second)
	v.SetDefault("fetch.work_dir", "/tmp/batchd")
	v.SetDefault("fetch.min_artifact_bytes", 100*1024)
	v.SetDefault("fetch.user_agent", "batchd/0.1")
	v.SetDefault("credentials.refresh_timeout", 2*time.Minute)
	v.SetDefault("storage.backend", "memory")
	v.SetDefault("storage.prefix", "batches")
	v.SetDefault("storage.signed_url_ttl", time.Hour)
	v.SetDefault("events.backend", "memory")
	v.SetDefault("events.topic", "batch-events")
	v.SetDefault("webhook.timeout", 10*time.Second)
	v.SetDefault("webhook.user_agent", "batchd-webhook/0.1")
	v.SetDefault("ratelimit.default_rps", 2.0)
	v.SetDefault("ratelimit.default_burst", 2)
	v.SetDefault("retention.ttl", 7*24*time.Hour)
	v.SetDefault("retention.sweep_interval", 10*time.Minute)
	v.SetDefault("telemetry.service_name", "batchd")
	v.SetDefault("telemetry.sample_ratio", 1.0)
	v.SetDefault("plans", map[string]any{
		"free": map[string]any{
			"max_batch_links": 3,
			"concurrency":     1,
			"monthly_credits": 30,
			"cost_per_url":    1,
			"lane":            "standard",
			"max_quality":     "720p",
		},
		"pro": map[string]any{
			"max_batch_links": 50,
			"concurrency":     3,
			"monthly_credits": 2000,
			"cost_per_url":    1,
			"lane":            "priority",
			"max_quality":     "best",
		},
	})
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if len(c.Queue.Lanes) == 0 {
		return fmt.Errorf("queue.lanes must define at least one lane")
	}
	for name, workers := range c.Queue.Lanes {
		if workers <= 0 {
			return fmt.Errorf("queue.lanes.%s must be > 0", name)
		}
	}
	if c.Queue.PerBatchConcurrency <= 0 {
		return fmt.Errorf("queue.per_batch_concurrency must be > 0")
	}
	if c.Queue.BackpressureCeiling <= 0 {
		return fmt.Errorf("queue.backpressure_ceiling must be > 0")
	}
	if c.Queue.Backend == "redis" && c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr must be set when queue.backend is redis")
	}
	if c.Fetch.Binary == "" {
		return fmt.Errorf("fetch.binary is required")
	}
	if c.Fetch.AttemptTimeout <= 0 {
		return fmt.Errorf("fetch.attempt_timeout must be > 0")
	}
	if c.Storage.Backend == "gcs" && c.Storage.Bucket == "" {
		return fmt.Errorf("storage.bucket must be set when storage.backend is gcs")
	}
	if c.Storage.Backend == "local" && c.Storage.LocalBaseDir == "" {
		return fmt.Errorf("storage.local_base_dir must be set when storage.backend is local")
	}
	if c.Events.Backend == "kafka" && len(c.Events.KafkaBrokers) == 0 {
		return fmt.Errorf("events.kafka_brokers must be set when events.backend is kafka")
	}
	if c.Events.Backend == "pubsub" && c.Events.ProjectID == "" {
		return fmt.Errorf("events.project_id must be set when events.backend is pubsub")
	}
	if len(c.Plans) == 0 {
		return fmt.Errorf("plans must define at least one plan")
	}
	for name, p := range c.Plans {
		if p.MaxBatchLinks <= 0 || p.Concurrency <= 0 || p.MonthlyCredits <= 0 || p.CostPerURL <= 0 {
			return fmt.Errorf("plans.%s limits must be > 0", name)
		}
		if _, ok := c.Queue.Lanes[p.Lane]; !ok {
			return fmt.Errorf("plans.%s references unknown lane %q", name, p.Lane)
		}
	}
	return nil
}

// Plan resolves a named plan into its domain form.
func (c Config) Plan(name string) (batch.Plan, bool) {
	p, ok := c.Plans[name]
	if !ok {
		return batch.Plan{}, false
	}
	return batch.Plan{
		Name:           name,
		MaxBatchLinks:  p.MaxBatchLinks,
		Concurrency:    p.Concurrency,
		MonthlyCredits: p.MonthlyCredits,
		CostPerURL:     p.CostPerURL,
		Lane:           p.Lane,
		MaxQuality:     p.MaxQuality,
		AllowedSources: append([]string(nil), p.AllowedSources...),
	}, true
}

// LaneNames returns the configured lanes in a stable order.
func (c Config) LaneNames() []string {
	names := make([]string, 0, len(c.Queue.Lanes))
	for name := range c.Queue.Lanes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RequestTimeout is the HTTP handler budget.
func (c Config) RequestTimeout() time.Duration {
	if c.Server.RequestTimeout <= 0 {
		return 60 * time.Second
	}
	return time.Duration(c.Server.RequestTimeout) * time.Second
}
