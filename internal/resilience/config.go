package resilience

import (
	"time"
)

// FromRetryConfig converts config values to a RetryPolicy. A maxAttempts of
// zero disables retries; other non-positive values keep the defaults.
func FromRetryConfig(maxAttempts, initialDelayMs, maxDelayMs int, multiplier, jitterFraction float64) RetryPolicy {
	if maxAttempts == 0 {
		return NoRetry()
	}
	p := DefaultRetryPolicy()
	if maxAttempts > 0 {
		p.MaxAttempts = maxAttempts
	}
	if initialDelayMs > 0 {
		p.InitialDelay = time.Duration(initialDelayMs) * time.Millisecond
	}
	if maxDelayMs > 0 {
		p.MaxDelay = time.Duration(maxDelayMs) * time.Millisecond
	}
	if multiplier > 0 {
		p.Multiplier = multiplier
	}
	if jitterFraction >= 0 {
		p.JitterFraction = jitterFraction
	}
	return p
}

// FromBreakerConfig converts config values to a BreakerConfig.
func FromBreakerConfig(failureThreshold, resetTimeoutSecs int) BreakerConfig {
	cfg := DefaultBreakerConfig()
	if failureThreshold > 0 {
		cfg.FailureThreshold = failureThreshold
	}
	if resetTimeoutSecs > 0 {
		cfg.ResetTimeout = time.Duration(resetTimeoutSecs) * time.Second
	}
	return cfg
}
