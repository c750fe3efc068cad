package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/research-engine/internal/resilience"
)

func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) }) //nolint:errcheck
	return dir
}

func TestLoadDefaults(t *testing.T) {
	// Temp dir so no config.yaml is found
	chdirTemp(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 10, cfg.Batch.Size)
	assert.Equal(t, 4, cfg.Batch.MaxConcurrency)
	assert.Equal(t, time.Duration(0), cfg.Batch.DrainTimeout())
	assert.Equal(t, 3, cfg.Fetch.MaxAttempts)
	assert.InDelta(t, 2.0, cfg.RateLimit.Default.Rate, 0.001)
	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
	assert.Equal(t, 1000, cfg.Retry.InitialDelayMs)
	assert.InDelta(t, 0.25, cfg.Retry.JitterFraction, 0.001)
	assert.Equal(t, 90, cfg.Dedupe.ConfidenceThreshold)
	assert.Equal(t, "name", cfg.Dedupe.KeyField)
	assert.Equal(t, "person", cfg.Dedupe.KeyMode)
	assert.Equal(t, "checkpoints", cfg.Checkpoint.Dir)
	assert.Equal(t, "sqlite", cfg.Ledger.Driver)
	assert.Equal(t, "claude-haiku-4-5-20251001", cfg.Anthropic.Model)
	assert.Equal(t, "https://api.firecrawl.dev/v2", cfg.Firecrawl.BaseURL)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, []string{"*"}, cfg.Server.AllowedOrigins)
	assert.False(t, cfg.Jina.Enabled)
	assert.Equal(t, "https://r.jina.ai", cfg.Jina.BaseURL)
	assert.Empty(t, cfg.Monitoring.WebhookURL)
	assert.InDelta(t, 0.2, cfg.Monitoring.FailureRateThreshold, 0.001)
	assert.Equal(t, 24, cfg.Monitoring.LookbackWindowHours)

	assert.NoError(t, cfg.Validate())
}

func TestLoadFromYAML(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
batch:
  size: 25
  max_concurrency: 8
  drain_timeout_secs: 30
ratelimit:
  default:
    rate: 1
  profiles:
    - prefix: example.com
      rate: 5
      burst: 10
    - prefix: firecrawl
      rate: 0.5
retry:
  max_attempts: 5
log:
  level: debug
  format: console
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 25, cfg.Batch.Size)
	assert.Equal(t, 8, cfg.Batch.MaxConcurrency)
	assert.Equal(t, 30*time.Second, cfg.Batch.DrainTimeout())
	assert.Equal(t, 5, cfg.Retry.MaxAttempts)
	assert.Equal(t, "debug", cfg.Log.Level)
	require.Len(t, cfg.RateLimit.Profiles, 2)
	assert.Equal(t, "example.com", cfg.RateLimit.Profiles[0].Prefix)
	assert.Equal(t, 10, cfg.RateLimit.Profiles[0].Burst)
	// Defaults still apply for unset values
	assert.Equal(t, 3, cfg.Fetch.MaxAttempts)

	lim, err := cfg.Limiter()
	require.NoError(t, err)
	assert.InDelta(t, 5.0, lim.ProfileFor("example.com").Rate, 0.001)
	assert.InDelta(t, 0.5, lim.ProfileFor("firecrawl").Rate, 0.001)
	assert.InDelta(t, 1.0, lim.ProfileFor("other.org").Rate, 0.001)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
ledger:
  driver: postgres
  dsn: postgres://localhost/research
log:
  level: debug
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644))

	t.Setenv("RESEARCH_LEDGER_DRIVER", "sqlite")
	t.Setenv("RESEARCH_LOG_LEVEL", "warn")

	cfg, err := Load()
	require.NoError(t, err)

	// Env overrides file
	assert.Equal(t, "sqlite", cfg.Ledger.Driver)
	assert.Equal(t, "postgres://localhost/research", cfg.Ledger.DSN)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoadEnvOverridesDefaults(t *testing.T) {
	chdirTemp(t)

	t.Setenv("RESEARCH_SERVER_PORT", "3000")
	t.Setenv("RESEARCH_BATCH_SIZE", "7")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 3000, cfg.Server.Port)
	assert.Equal(t, 7, cfg.Batch.Size)
}

func TestLoadMalformedFile(t *testing.T) {
	dir := chdirTemp(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("batch: [unclosed"), 0o644))

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config: read file")
}

func TestInitLoggerConsole(t *testing.T) {
	err := InitLogger(LogConfig{Level: "debug", Format: "console"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerJSON(t *testing.T) {
	err := InitLogger(LogConfig{Level: "info", Format: "json"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerInvalidLevel(t *testing.T) {
	err := InitLogger(LogConfig{Level: "invalid", Format: "json"})
	assert.Error(t, err)
}

// validDefaults returns a Config that passes validation.
func validDefaults() *Config {
	cfg := &Config{}
	cfg.Batch.Size = 10
	cfg.Batch.MaxConcurrency = 4
	cfg.Fetch.MaxAttempts = 3
	cfg.Fetch.TimeoutSecs = 30
	cfg.RateLimit.Default.Rate = 2
	cfg.Retry.MaxAttempts = 3
	cfg.Retry.Multiplier = 2
	cfg.Retry.JitterFraction = 0.25
	cfg.Dedupe.ConfidenceThreshold = 90
	cfg.Checkpoint.Dir = "checkpoints"
	cfg.Ledger.Driver = "sqlite"
	cfg.Ledger.DSN = "research.db"
	cfg.Monitoring.FailureRateThreshold = 0.2
	cfg.Monitoring.LookbackWindowHours = 24
	return cfg
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantMsg string
	}{
		{"valid", func(*Config) {}, ""},
		{"batch size", func(c *Config) { c.Batch.Size = 0 }, "batch.size"},
		{"concurrency", func(c *Config) { c.Batch.MaxConcurrency = 0 }, "batch.max_concurrency"},
		{"drain timeout", func(c *Config) { c.Batch.DrainTimeoutSecs = -1 }, "drain_timeout_secs"},
		{"fetch attempts", func(c *Config) { c.Fetch.MaxAttempts = 0 }, "fetch.max_attempts"},
		{"jitter", func(c *Config) { c.Retry.JitterFraction = 1.5 }, "jitter_fraction"},
		{"multiplier", func(c *Config) { c.Retry.Multiplier = 0.5 }, "retry.multiplier"},
		{"threshold low", func(c *Config) { c.Dedupe.ConfidenceThreshold = -1 }, "confidence_threshold"},
		{"threshold high", func(c *Config) { c.Dedupe.ConfidenceThreshold = 101 }, "confidence_threshold"},
		{"key mode", func(c *Config) { c.Dedupe.KeyMode = "soundex" }, "dedupe.key_mode"},
		{"checkpoint dir", func(c *Config) { c.Checkpoint.Dir = "" }, "checkpoint.dir"},
		{"port", func(c *Config) { c.Server.Port = 70000 }, "server.port"},
		{"failure rate", func(c *Config) { c.Monitoring.FailureRateThreshold = 2 }, "failure_rate_threshold"},
		{"lookback", func(c *Config) { c.Monitoring.LookbackWindowHours = 0 }, "lookback_window_hours"},
		{"ledger driver", func(c *Config) { c.Ledger.Driver = "mysql" }, "ledger.driver"},
		{"ledger dsn", func(c *Config) { c.Ledger.DSN = "" }, "ledger.dsn"},
		{"ledger disabled", func(c *Config) { c.Ledger.Driver, c.Ledger.DSN = "", "" }, ""},
		{"rate", func(c *Config) { c.RateLimit.Default.Rate = 0 }, "rate must be a positive number"},
		{"duplicate prefix", func(c *Config) {
			c.RateLimit.Profiles = []ProfileConfig{{Prefix: "a.com", Rate: 1}, {Prefix: "a.com", Rate: 2}}
		}, "duplicate rate limit prefix"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validDefaults()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantMsg == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantMsg)
			assert.True(t, resilience.IsKind(err, resilience.KindConfiguration))
		})
	}
}

func TestRetryPolicyAndBreakerSettings(t *testing.T) {
	cfg := validDefaults()
	cfg.Retry.InitialDelayMs = 500
	cfg.Retry.MaxDelayMs = 4000

	p := cfg.Retry.Policy()
	assert.Equal(t, 3, p.MaxAttempts)
	assert.Equal(t, 500*time.Millisecond, p.InitialDelay)
	assert.Equal(t, 4*time.Second, p.MaxDelay)

	cfg.Breaker.FailureThreshold = 2
	cfg.Breaker.ResetTimeoutSecs = 10
	b := cfg.Breaker.Settings()
	assert.Equal(t, 2, b.FailureThreshold)
	assert.Equal(t, 10*time.Second, b.ResetTimeout)
}
