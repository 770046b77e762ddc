package resilience

import (
	"context"
	"math"
	"math/rand/v2"
	"time"

	relayerrors "github.com/quillforge/relay/pkg/errors"
)

// RetryConfig controls the exponential backoff retry loop.
type RetryConfig struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int
	// InitialDelay is the delay before the first retry.
	InitialDelay time.Duration
	// MaxDelay caps the exponential growth.
	MaxDelay time.Duration
	// BackoffMultiplier is the exponential growth factor.
	BackoffMultiplier float64
	// Jitter adds a uniformly random 0-10% extra to each delay, breaking
	// up synchronized retry storms.
	Jitter bool
}

// DefaultRetryConfig returns sensible defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       3,
		InitialDelay:      200 * time.Millisecond,
		MaxDelay:          10 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            true,
	}
}

func (c RetryConfig) withDefaults() RetryConfig {
	d := DefaultRetryConfig()
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.InitialDelay <= 0 {
		c.InitialDelay = d.InitialDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = d.MaxDelay
	}
	if c.BackoffMultiplier <= 0 {
		c.BackoffMultiplier = d.BackoffMultiplier
	}
	return c
}

// Operation is any cancelable call producing a result.
type Operation[T any] func(ctx context.Context) (T, error)

// Execute runs op under the retry policy, consulting the provider's circuit
// breaker before and between attempts.
//
// A breaker that is already open rejects the call with a distinct
// circuit-open error before the first attempt. A breaker that opens
// mid-loop stops further attempts and surfaces the last provider error
// (fail fast rather than waiting out the remaining backoff). Non-retryable
// errors return immediately. Every attempt outcome is reported to the
// breaker. A nil breaker disables gating.
func Execute[T any](ctx context.Context, provider string, cfg RetryConfig, breaker *CircuitBreaker, op Operation[T]) (T, error) {
	var zero T
	cfg = cfg.withDefaults()

	if breaker != nil && !breaker.Allow() {
		return zero, relayerrors.NewCircuitOpenError(provider)
	}

	var lastErr error
	for attempt := 0; ; attempt++ {
		result, err := op(ctx)
		if err == nil {
			if breaker != nil {
				breaker.RecordSuccess()
			}
			return result, nil
		}

		lastErr = err
		if breaker != nil {
			breaker.RecordFailure()
		}
		if !relayerrors.IsRetryable(err) {
			return zero, err
		}
		if attempt+1 >= cfg.MaxAttempts {
			return zero, lastErr
		}
		if breaker != nil && !breaker.Allow() {
			return zero, lastErr
		}

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(backoffDelay(cfg, attempt)):
		}
	}
}

// backoffDelay computes the delay before retry n (0-based):
// min(InitialDelay * BackoffMultiplier^n, MaxDelay), plus optional jitter.
func backoffDelay(cfg RetryConfig, n int) time.Duration {
	d := float64(cfg.InitialDelay) * math.Pow(cfg.BackoffMultiplier, float64(n))
	if d > float64(cfg.MaxDelay) {
		d = float64(cfg.MaxDelay)
	}
	if cfg.Jitter {
		d += rand.Float64() * 0.1 * d
	}
	return time.Duration(d)
}
