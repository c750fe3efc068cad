// Package config loads engine settings from config.yaml and RESEARCH_*
// environment variables.
package config

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sells-group/research-engine/internal/ratelimit"
	"github.com/sells-group/research-engine/internal/resilience"
)

// Config holds the full application configuration.
type Config struct {
	Batch      BatchConfig      `yaml:"batch" mapstructure:"batch"`
	Fetch      FetchConfig      `yaml:"fetch" mapstructure:"fetch"`
	RateLimit  RateLimitConfig  `yaml:"ratelimit" mapstructure:"ratelimit"`
	Retry      RetryConfig      `yaml:"retry" mapstructure:"retry"`
	Breaker    BreakerConfig    `yaml:"breaker" mapstructure:"breaker"`
	Dedupe     DedupeConfig     `yaml:"dedupe" mapstructure:"dedupe"`
	Checkpoint CheckpointConfig `yaml:"checkpoint" mapstructure:"checkpoint"`
	Ledger     LedgerConfig     `yaml:"ledger" mapstructure:"ledger"`
	Anthropic  AnthropicConfig  `yaml:"anthropic" mapstructure:"anthropic"`
	Firecrawl  FirecrawlConfig  `yaml:"firecrawl" mapstructure:"firecrawl"`
	Jina       JinaConfig       `yaml:"jina" mapstructure:"jina"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// BatchConfig configures batch scheduling.
type BatchConfig struct {
	Size             int `yaml:"size" mapstructure:"size"`
	MaxConcurrency   int `yaml:"max_concurrency" mapstructure:"max_concurrency"`
	DrainTimeoutSecs int `yaml:"drain_timeout_secs" mapstructure:"drain_timeout_secs"`
}

// DrainTimeout returns the drain timeout as a duration.
func (b BatchConfig) DrainTimeout() time.Duration {
	return time.Duration(b.DrainTimeoutSecs) * time.Second
}

// FetchConfig configures the multi-stage fetcher and scrape tiers.
type FetchConfig struct {
	MaxAttempts    int    `yaml:"max_attempts" mapstructure:"max_attempts"`
	TimeoutSecs    int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	UserAgent      string `yaml:"user_agent" mapstructure:"user_agent"`
	RenderWaitMs   int    `yaml:"render_wait_ms" mapstructure:"render_wait_ms"`
	UseLLMEvaluate bool   `yaml:"use_llm_evaluate" mapstructure:"use_llm_evaluate"`
}

// RateLimitConfig configures the per-resource token buckets. Profiles are
// matched by longest key prefix. They are a list rather than a map because
// host keys contain dots, which viper treats as nesting.
type RateLimitConfig struct {
	Default  ratelimit.Profile `yaml:"default" mapstructure:"default"`
	Profiles []ProfileConfig   `yaml:"profiles" mapstructure:"profiles"`
}

// ProfileConfig is one rate profile keyed by resource prefix.
type ProfileConfig struct {
	Prefix string  `yaml:"prefix" mapstructure:"prefix"`
	Rate   float64 `yaml:"rate" mapstructure:"rate"`
	Burst  int     `yaml:"burst" mapstructure:"burst"`
}

// RetryConfig configures retries of transient failures.
type RetryConfig struct {
	MaxAttempts    int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialDelayMs int     `yaml:"initial_delay_ms" mapstructure:"initial_delay_ms"`
	MaxDelayMs     int     `yaml:"max_delay_ms" mapstructure:"max_delay_ms"`
	Multiplier     float64 `yaml:"multiplier" mapstructure:"multiplier"`
	JitterFraction float64 `yaml:"jitter_fraction" mapstructure:"jitter_fraction"`
}

// Policy converts the settings to a retry policy.
func (r RetryConfig) Policy() resilience.RetryPolicy {
	return resilience.FromRetryConfig(r.MaxAttempts, r.InitialDelayMs, r.MaxDelayMs, r.Multiplier, r.JitterFraction)
}

// BreakerConfig configures the circuit breakers guarding remote services.
type BreakerConfig struct {
	FailureThreshold int `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	ResetTimeoutSecs int `yaml:"reset_timeout_secs" mapstructure:"reset_timeout_secs"`
}

// Settings converts the values to a resilience.BreakerConfig.
func (b BreakerConfig) Settings() resilience.BreakerConfig {
	return resilience.FromBreakerConfig(b.FailureThreshold, b.ResetTimeoutSecs)
}

// DedupeConfig configures duplicate resolution.
type DedupeConfig struct {
	ConfidenceThreshold int    `yaml:"confidence_threshold" mapstructure:"confidence_threshold"`
	KeyField            string `yaml:"key_field" mapstructure:"key_field"`
	// KeyMode picks the blocking key: "person" (surname and first initial)
	// or "folded" (the whole folded field, for organizations and titles).
	KeyMode             string `yaml:"key_mode" mapstructure:"key_mode"`
	Concurrency         int    `yaml:"concurrency" mapstructure:"concurrency"`
}

// CheckpointConfig configures the checkpoint directory.
type CheckpointConfig struct {
	Dir string `yaml:"dir" mapstructure:"dir"`
}

// LedgerConfig configures the run ledger database.
type LedgerConfig struct {
	Driver   string `yaml:"driver" mapstructure:"driver"`
	DSN      string `yaml:"dsn" mapstructure:"dsn"`
	MaxConns int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	Key   string `yaml:"key" mapstructure:"key"`
	Model string `yaml:"model" mapstructure:"model"`
}

// FirecrawlConfig holds settings for the render tier's API.
type FirecrawlConfig struct {
	Key     string `yaml:"key" mapstructure:"key"`
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
}

// JinaConfig holds settings for the reader tier, used as the escalated
// fetch when no Firecrawl key is set.
type JinaConfig struct {
	Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
	Key     string `yaml:"key" mapstructure:"key"`
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
}

// MonitoringConfig configures run health alerts.
type MonitoringConfig struct {
	WebhookURL           string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	FailureRateThreshold float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	MaxItemFailures      int     `yaml:"max_item_failures" mapstructure:"max_item_failures"`
	CheckIntervalSecs    int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	LookbackWindowHours  int     `yaml:"lookback_window_hours" mapstructure:"lookback_window_hours"`
}

// ServerConfig configures the results API server.
type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("RESEARCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("batch.size", 10)
	v.SetDefault("batch.max_concurrency", 4)
	v.SetDefault("batch.drain_timeout_secs", 0)
	v.SetDefault("fetch.max_attempts", 3)
	v.SetDefault("fetch.timeout_secs", 30)
	v.SetDefault("fetch.user_agent", "research-engine/1.0")
	v.SetDefault("fetch.render_wait_ms", 1000)
	v.SetDefault("fetch.use_llm_evaluate", false)
	v.SetDefault("ratelimit.default.rate", 2.0)
	v.SetDefault("ratelimit.default.burst", 2)
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.initial_delay_ms", 1000)
	v.SetDefault("retry.max_delay_ms", 30000)
	v.SetDefault("retry.multiplier", 2.0)
	v.SetDefault("retry.jitter_fraction", 0.25)
	v.SetDefault("breaker.failure_threshold", 5)
	v.SetDefault("breaker.reset_timeout_secs", 30)
	v.SetDefault("dedupe.confidence_threshold", 90)
	v.SetDefault("dedupe.key_field", "name")
	v.SetDefault("dedupe.key_mode", "person")
	v.SetDefault("dedupe.concurrency", 1)
	v.SetDefault("checkpoint.dir", "checkpoints")
	v.SetDefault("ledger.driver", "sqlite")
	v.SetDefault("ledger.dsn", "research.db")
	v.SetDefault("ledger.max_conns", 4)
	v.SetDefault("ledger.min_conns", 1)
	v.SetDefault("anthropic.model", "claude-haiku-4-5-20251001")
	v.SetDefault("firecrawl.base_url", "https://api.firecrawl.dev/v2")
	v.SetDefault("jina.enabled", false)
	v.SetDefault("jina.base_url", "https://r.jina.ai")
	v.SetDefault("monitoring.failure_rate_threshold", 0.2)
	v.SetDefault("monitoring.max_item_failures", 0)
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.lookback_window_hours", 24)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks option ranges. Every violation is a configuration error.
func (c *Config) Validate() error {
	switch {
	case c.Batch.Size < 1:
		return resilience.NewConfigurationError("config: batch.size must be >= 1, got %d", c.Batch.Size)
	case c.Batch.MaxConcurrency < 1:
		return resilience.NewConfigurationError("config: batch.max_concurrency must be >= 1, got %d", c.Batch.MaxConcurrency)
	case c.Batch.DrainTimeoutSecs < 0:
		return resilience.NewConfigurationError("config: batch.drain_timeout_secs must be >= 0, got %d", c.Batch.DrainTimeoutSecs)
	case c.Fetch.MaxAttempts < 1:
		return resilience.NewConfigurationError("config: fetch.max_attempts must be >= 1, got %d", c.Fetch.MaxAttempts)
	case c.Fetch.TimeoutSecs < 1:
		return resilience.NewConfigurationError("config: fetch.timeout_secs must be >= 1, got %d", c.Fetch.TimeoutSecs)
	case c.Retry.MaxAttempts < 0:
		return resilience.NewConfigurationError("config: retry.max_attempts must be >= 0, got %d", c.Retry.MaxAttempts)
	case c.Retry.JitterFraction < 0 || c.Retry.JitterFraction > 1:
		return resilience.NewConfigurationError("config: retry.jitter_fraction must be within 0-1, got %v", c.Retry.JitterFraction)
	case c.Retry.Multiplier < 1:
		return resilience.NewConfigurationError("config: retry.multiplier must be >= 1, got %v", c.Retry.Multiplier)
	case c.Dedupe.ConfidenceThreshold < 0 || c.Dedupe.ConfidenceThreshold > 100:
		return resilience.NewConfigurationError("config: dedupe.confidence_threshold must be within 0-100, got %d", c.Dedupe.ConfidenceThreshold)
	case c.Checkpoint.Dir == "":
		return resilience.NewConfigurationError("config: checkpoint.dir is required")
	case c.Monitoring.FailureRateThreshold < 0 || c.Monitoring.FailureRateThreshold > 1:
		return resilience.NewConfigurationError("config: monitoring.failure_rate_threshold must be within 0-1, got %v", c.Monitoring.FailureRateThreshold)
	case c.Monitoring.LookbackWindowHours < 1:
		return resilience.NewConfigurationError("config: monitoring.lookback_window_hours must be >= 1, got %d", c.Monitoring.LookbackWindowHours)
	case c.Server.Port < 0 || c.Server.Port > 65535:
		return resilience.NewConfigurationError("config: server.port must be within 0-65535, got %d", c.Server.Port)
	}

	switch c.Dedupe.KeyMode {
	case "", "person", "folded":
	default:
		return resilience.NewConfigurationError("config: dedupe.key_mode must be person or folded, got %q", c.Dedupe.KeyMode)
	}

	switch c.Ledger.Driver {
	case "", "sqlite", "postgres":
	default:
		return resilience.NewConfigurationError("config: ledger.driver must be sqlite or postgres, got %q", c.Ledger.Driver)
	}
	if c.Ledger.Driver != "" && c.Ledger.DSN == "" {
		return resilience.NewConfigurationError("config: ledger.dsn is required for driver %s", c.Ledger.Driver)
	}

	// Surfaces bad rate profiles before any work starts.
	if _, err := c.Limiter(); err != nil {
		return err
	}
	return nil
}

// Limiter builds the shared rate limiter registry.
func (c *Config) Limiter() (*ratelimit.Registry, error) {
	profiles := make(map[string]ratelimit.Profile, len(c.RateLimit.Profiles))
	for _, p := range c.RateLimit.Profiles {
		if _, dup := profiles[p.Prefix]; dup {
			return nil, resilience.NewConfigurationError("config: duplicate rate limit prefix %q", p.Prefix)
		}
		profiles[p.Prefix] = ratelimit.Profile{Rate: p.Rate, Burst: p.Burst}
	}
	return ratelimit.New(c.RateLimit.Default, profiles)
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
