package resilience

import (
	"context"
	"math/rand"
	"time"
)

// RetryConfig parameterizes exponential backoff with jitter (spec.md §4.3
// step 3). Adapted from infrastructure/resilience/retry.go.
type RetryConfig struct {
	MaxRetries   int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       float64 // 0..1 fraction of the delay to randomize
}

// DefaultRetryConfig mirrors the teacher's DefaultRetryConfig.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:   3,
		InitialDelay: 200 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		Multiplier:   2.0,
		Jitter:       0.2,
	}
}

// Retryable reports whether err should trigger another attempt.
type Retryable func(err error) bool

// Retry runs fn up to 1+MaxRetries times, backing off between attempts,
// stopping early on a non-retryable error or ctx cancellation. It returns
// the last error seen (nil on eventual success).
func Retry(ctx context.Context, cfg RetryConfig, isRetryable Retryable, fn func() error) error {
	delay := cfg.InitialDelay
	var lastErr error

	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if isRetryable != nil && !isRetryable(lastErr) {
			return lastErr
		}
		if attempt == cfg.MaxRetries {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(jittered(delay, cfg.Jitter)):
		}
		delay = nextDelay(delay, cfg)
	}
	return lastErr
}

func nextDelay(current time.Duration, cfg RetryConfig) time.Duration {
	next := time.Duration(float64(current) * cfg.Multiplier)
	if cfg.MaxDelay > 0 && next > cfg.MaxDelay {
		return cfg.MaxDelay
	}
	return next
}

func jittered(d time.Duration, jitter float64) time.Duration {
	if jitter <= 0 {
		return d
	}
	delta := float64(d) * jitter
	return d + time.Duration(rand.Float64()*2*delta-delta)
}
