package unifiedllm

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"
)

// RetryPolicy configures retries with exponential backoff.
type RetryPolicy struct {
	// MaxRetries is the number of attempts after the first.
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Multiplier float64
	// Jitter scales each delay by a random factor in [0.5, 1.5).
	Jitter bool
	// OnRetry is called before sleeping; attempt counts from 1.
	OnRetry func(err error, attempt int, delay time.Duration)
}

// DefaultRetryPolicy retries twice, starting at one second.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: 2,
		BaseDelay:  time.Second,
		MaxDelay:   time.Minute,
		Multiplier: 2,
		Jitter:     true,
	}
}

// Delay returns the backoff before retry n (0-indexed).
func (p RetryPolicy) Delay(n int) time.Duration {
	d := float64(p.BaseDelay)
	for range n {
		d *= p.Multiplier
		if p.MaxDelay > 0 && d >= float64(p.MaxDelay) {
			break
		}
	}
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	if p.Jitter {
		d *= 0.5 + rand.Float64()
	}
	return time.Duration(d)
}

// Retry calls fn until it succeeds, returns an error IsRetryable rejects,
// or the policy is exhausted. A server-provided Retry-After replaces the
// computed delay; one above MaxDelay ends the retries.
func Retry[T any](ctx context.Context, policy RetryPolicy, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	for attempt := 0; ; attempt++ {
		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}
		if attempt >= policy.MaxRetries || !IsRetryable(err) || ctx.Err() != nil {
			return zero, err
		}

		delay := policy.Delay(attempt)
		var rl *RateLimitError
		if errors.As(err, &rl) && rl.RetryAfter != nil {
			delay = time.Duration(*rl.RetryAfter * float64(time.Second))
			if policy.MaxDelay > 0 && delay > policy.MaxDelay {
				return zero, err
			}
		}
		if policy.OnRetry != nil {
			policy.OnRetry(err, attempt+1, delay)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, &AbortError{SDKError: SDKError{Message: "request cancelled during retry", Cause: ctx.Err()}}
		case <-timer.C:
		}
	}
}
