// Package config loads and validates pipeline configuration via Viper.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Pipeline PipelineConfig `mapstructure:"pipeline"`
	Queue    QueueConfig    `mapstructure:"queue"`
	Registry RegistryConfig `mapstructure:"registry"`
	Crawl    CrawlConfig    `mapstructure:"crawl"`
	Clean    CleanConfig    `mapstructure:"clean"`
	Storage  StorageConfig  `mapstructure:"storage"`
	DB       DBConfig       `mapstructure:"db"`
	PubSub   PubSubConfig   `mapstructure:"pubsub"`
	Text     TextConfig     `mapstructure:"text"`
	Boingo   BoingoConfig   `mapstructure:"boingo"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// PipelineConfig governs coordinator and worker behavior.
type PipelineConfig struct {
	WorkersPerLane       int `mapstructure:"workers_per_lane"`
	MaxAttempts          int `mapstructure:"max_attempts"`
	BackoffInitialMs     int `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs         int `mapstructure:"backoff_max_ms"`
	CrawlDeadlineSec     int `mapstructure:"crawl_deadline_seconds"`
	CleanDeadlineSec     int `mapstructure:"clean_deadline_seconds"`
	FormatDeadlineSec    int `mapstructure:"format_deadline_seconds"`
	SweepIntervalSec     int `mapstructure:"sweep_interval_seconds"`
	HeartbeatIntervalSec int `mapstructure:"heartbeat_interval_seconds"`
}

// QueueConfig controls the task fabric.
type QueueConfig struct {
	VisibilitySec int    `mapstructure:"visibility_seconds"`
	CrawlLane     string `mapstructure:"crawl_lane"`
	CleanLane     string `mapstructure:"clean_lane"`
	FormatLane    string `mapstructure:"format_lane"`
}

// RegistryConfig tunes agent health derivation.
type RegistryConfig struct {
	StalenessWindowSec   int     `mapstructure:"staleness_window_seconds"`
	FailureRateThreshold float64 `mapstructure:"failure_rate_threshold"`
	WindowSize           int     `mapstructure:"window_size"`
}

// CrawlConfig governs the crawl stage fetchers.
type CrawlConfig struct {
	UserAgent           string `mapstructure:"user_agent"`
	TimeoutSec          int    `mapstructure:"timeout_seconds"`
	HeadlessEnabled     bool   `mapstructure:"headless_enabled"`
	HeadlessMaxParallel int    `mapstructure:"headless_max_parallel"`
	NavTimeoutSec       int    `mapstructure:"nav_timeout_seconds"`
	PromotionThreshold  int    `mapstructure:"promotion_threshold"`
}

// CleanConfig governs the clean stage.
type CleanConfig struct {
	ConfidenceThreshold float64 `mapstructure:"confidence_threshold"`
	MaxPromptBytes      int     `mapstructure:"max_prompt_bytes"`
}

// StorageConfig selects and parameterizes the artifact store.
type StorageConfig struct {
	// Backend is one of "memory", "local", "gcs".
	Backend   string `mapstructure:"backend"`
	LocalDir  string `mapstructure:"local_dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
}

// DBConfig controls access to the relational run store. An empty DSN
// selects the in-memory store.
type DBConfig struct {
	DSN          string `mapstructure:"dsn"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
}

// PubSubConfig holds metadata for completion notifications. An empty
// project disables publishing.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// TextConfig points at the chat-completions backend.
type TextConfig struct {
	BaseURL     string  `mapstructure:"base_url"`
	APIKey      string  `mapstructure:"api_key"`
	Model       string  `mapstructure:"model"`
	TimeoutSec  int     `mapstructure:"timeout_seconds"`
	Temperature float64 `mapstructure:"temperature"`
}

// BoingoConfig holds upstream API credentials. An empty base URL
// disables delivery.
type BoingoConfig struct {
	BaseURL  string `mapstructure:"base_url"`
	Email    string `mapstructure:"email"`
	Password string `mapstructure:"password"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("PIPELINE")
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
	v.SetDefault("pipeline.workers_per_lane", 2)
	v.SetDefault("pipeline.max_attempts", 3)
	v.SetDefault("pipeline.backoff_initial_ms", 250)
	v.SetDefault("pipeline.backoff_max_ms", 5000)
	v.SetDefault("pipeline.crawl_deadline_seconds", 120)
	v.SetDefault("pipeline.clean_deadline_seconds", 90)
	v.SetDefault("pipeline.format_deadline_seconds", 30)
	v.SetDefault("pipeline.sweep_interval_seconds", 15)
	v.SetDefault("pipeline.heartbeat_interval_seconds", 10)
	v.SetDefault("queue.visibility_seconds", 60)
	v.SetDefault("queue.crawl_lane", "crawl-lane")
	v.SetDefault("queue.clean_lane", "clean-lane")
	v.SetDefault("queue.format_lane", "format-lane")
	v.SetDefault("registry.staleness_window_seconds", 30)
	v.SetDefault("registry.failure_rate_threshold", 0.5)
	v.SetDefault("registry.window_size", 20)
	v.SetDefault("crawl.user_agent", "boingo-listing-bot/0.1")
	v.SetDefault("crawl.timeout_seconds", 15)
	v.SetDefault("crawl.headless_enabled", false)
	v.SetDefault("crawl.headless_max_parallel", 1)
	v.SetDefault("crawl.nav_timeout_seconds", 45)
	v.SetDefault("crawl.promotion_threshold", 2048)
	v.SetDefault("clean.confidence_threshold", 0.5)
	v.SetDefault("clean.max_prompt_bytes", 65536)
	v.SetDefault("storage.backend", "memory")
	v.SetDefault("text.model", "gpt-4o-mini")
	v.SetDefault("text.timeout_seconds", 60)
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Pipeline.WorkersPerLane <= 0 {
		return fmt.Errorf("pipeline.workers_per_lane must be > 0")
	}
	if c.Pipeline.MaxAttempts <= 0 {
		return fmt.Errorf("pipeline.max_attempts must be > 0")
	}
	if c.Queue.VisibilitySec <= 0 {
		return fmt.Errorf("queue.visibility_seconds must be > 0")
	}
	if c.Queue.CrawlLane == "" || c.Queue.CleanLane == "" || c.Queue.FormatLane == "" {
		return fmt.Errorf("queue lane names must not be empty")
	}
	if c.Registry.FailureRateThreshold < 0 || c.Registry.FailureRateThreshold > 1 {
		return fmt.Errorf("registry.failure_rate_threshold must be within [0, 1]")
	}
	if c.Clean.ConfidenceThreshold < 0 || c.Clean.ConfidenceThreshold > 1 {
		return fmt.Errorf("clean.confidence_threshold must be within [0, 1]")
	}
	switch c.Storage.Backend {
	case "memory":
	case "local":
		if c.Storage.LocalDir == "" {
			return fmt.Errorf("storage.local_dir required for local backend")
		}
	case "gcs":
		if c.Storage.GCSBucket == "" {
			return fmt.Errorf("storage.gcs_bucket required for gcs backend")
		}
	default:
		return fmt.Errorf("storage.backend must be one of memory, local, gcs")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key required when auth is enabled")
	}
	return nil
}
