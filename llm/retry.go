// ABOUTME: Retry with exponential backoff and full jitter for provider calls.
// ABOUTME: Only errors classified retryable are re-attempted; RetryAfter hints are honored.

package llm

import (
	"context"
	"math/rand"
	"time"
)

// RetryPolicy controls backoff between provider call attempts.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
}

// DefaultRetryPolicy retries twice after the initial attempt, doubling a
// one-second base delay.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   1 * time.Second,
		MaxDelay:    30 * time.Second,
		Multiplier:  2.0,
	}
}

// Delay computes the backoff before attempt n (0-based) with full jitter.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	d := float64(p.BaseDelay)
	for i := 0; i < attempt; i++ {
		d *= p.Multiplier
	}
	if max := float64(p.MaxDelay); p.MaxDelay > 0 && d > max {
		d = max
	}
	return time.Duration(rand.Float64() * d)
}

// Retry invokes fn up to policy.MaxAttempts times. Non-retryable errors
// and context cancellation end the loop immediately. A RetryAfter hint on
// the error overrides the computed backoff when longer.
func Retry[T any](ctx context.Context, policy RetryPolicy, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	attempts := policy.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			wait := policy.Delay(attempt - 1)
			if hint := RetryAfterHint(lastErr); hint > wait {
				wait = hint
			}
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return zero, ctx.Err()
			case <-timer.C:
			}
		}

		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		if !IsRetryable(err) {
			return zero, err
		}
	}
	return zero, lastErr
}
