package resilience

import (
	"context"
	"math"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"
)

// RetryPolicy controls retry behavior with exponential backoff and jitter.
type RetryPolicy struct {
	// MaxAttempts is the number of retries made after the first call fails.
	// Zero selects the default of 3; use NoRetry for a single call.
	MaxAttempts int

	// InitialDelay is the delay before the first retry. Default: 1s.
	InitialDelay time.Duration

	// MaxDelay caps the exponential part of the delay. Default: 30s.
	MaxDelay time.Duration

	// Multiplier scales the delay after each retry. Default: 2.0.
	Multiplier float64

	// JitterFraction adds non-negative random jitter as a fraction of the
	// computed delay (0.25 adds up to 25%). Default: 0.
	JitterFraction float64

	// ShouldRetry optionally overrides the default transient-error check.
	// If nil, IsTransient is used.
	ShouldRetry func(err error) bool

	// OnRetry is called before each retry sleep with the retry number
	// (1-based), the upcoming delay and the error that triggered it.
	OnRetry func(retry int, delay time.Duration, err error)

	// Sleep waits for d or until ctx is done. Tests replace it to observe
	// delays without waiting. If nil, a timer is used.
	Sleep func(ctx context.Context, d time.Duration) error

	noRetry bool
}

// DefaultRetryPolicy returns the policy used for fetch calls.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    3,
		InitialDelay:   time.Second,
		MaxDelay:       30 * time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.25,
	}
}

// NoRetry returns a policy that makes exactly one call.
func NoRetry() RetryPolicy {
	return RetryPolicy{noRetry: true}
}

// Execute runs op, retrying transient failures according to p. Non-transient
// errors are returned immediately. Once the retry budget is spent the last
// error is returned wrapped in a RetriesExhaustedError. Context cancellation
// stops retries and returns the last error.
func Execute[T any](ctx context.Context, p RetryPolicy, op func(ctx context.Context) (T, error)) (T, error) {
	p = p.withDefaults()

	shouldRetry := p.ShouldRetry
	if shouldRetry == nil {
		shouldRetry = IsTransient
	}

	var zero T
	calls := 0
	for {
		val, err := op(ctx)
		calls++
		if err == nil {
			return val, nil
		}

		if ctx.Err() != nil {
			return zero, err
		}
		if !shouldRetry(err) {
			return zero, err
		}
		if p.noRetry {
			return zero, err
		}

		retry := calls
		if retry > p.MaxAttempts {
			return zero, &RetriesExhaustedError{Attempts: calls, Err: err}
		}

		delay := p.Delay(retry)
		if p.OnRetry != nil {
			p.OnRetry(retry, delay, err)
		}
		if sleepErr := p.Sleep(ctx, delay); sleepErr != nil {
			return zero, err
		}
	}
}

// Do is Execute for operations without a result value.
func Do(ctx context.Context, p RetryPolicy, op func(ctx context.Context) error) error {
	_, err := Execute(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

// Delay returns the wait before retry number n (1-based):
// min(MaxDelay, InitialDelay*Multiplier^(n-1)) plus jitter.
func (p RetryPolicy) Delay(n int) time.Duration {
	p = p.withDefaults()
	if n < 1 {
		n = 1
	}
	delay := float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(n-1))
	if delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}

	if p.JitterFraction > 0 {
		delay += rand.Float64() * delay * p.JitterFraction
	}
	return time.Duration(delay)
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	if p.InitialDelay <= 0 {
		p.InitialDelay = time.Second
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 30 * time.Second
	}
	if p.Multiplier <= 0 {
		p.Multiplier = 2.0
	}
	if p.JitterFraction < 0 {
		p.JitterFraction = 0
	}
	if p.Sleep == nil {
		p.Sleep = sleepContext
	}
	return p
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// RetryLogger returns an OnRetry callback that logs each retry attempt.
func RetryLogger(service, operation string) func(int, time.Duration, error) {
	return func(retry int, delay time.Duration, err error) {
		zap.L().Warn("retrying operation",
			zap.String("service", service),
			zap.String("operation", operation),
			zap.Int("retry", retry),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
	}
}
