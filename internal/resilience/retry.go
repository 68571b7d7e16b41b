// Package resilience provides bounded retry and circuit breaking for calls to
// unreliable upstream sources.
package resilience

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// RetryPolicy bounds how often and how quickly a failing call is repeated.
type RetryPolicy struct {
	// Attempts is the total number of tries, including the first.
	Attempts int
	// Delay is the pause before the first retry.
	Delay time.Duration
	// Multiplier grows Delay after each retry. 1 (or 0) keeps it fixed.
	Multiplier float64
	// MaxDelay caps the grown delay. Zero means no cap.
	MaxDelay time.Duration
	// Retryable decides whether an error is worth another try. Defaults to IsTransient.
	Retryable func(err error) bool
	// OnRetry runs before each pause.
	OnRetry func(attempt int, err error)
}

// FixedRetry retries a call up to retries more times, pausing delay between tries.
func FixedRetry(retries int, delay time.Duration) RetryPolicy {
	if retries < 0 {
		retries = 0
	}
	return RetryPolicy{Attempts: retries + 1, Delay: delay, Multiplier: 1}
}

// BackoffRetry doubles the pause after each of attempts tries, capped at maxDelay.
func BackoffRetry(attempts int, delay, maxDelay time.Duration) RetryPolicy {
	return RetryPolicy{Attempts: attempts, Delay: delay, Multiplier: 2, MaxDelay: maxDelay}
}

// Do runs fn until it succeeds, returns a non-retryable error, the policy is
// exhausted, or ctx is done. The last error is returned.
func Do(ctx context.Context, p RetryPolicy, fn func(ctx context.Context) error) error {
	_, err := DoVal(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// DoVal is Do for calls that produce a value.
func DoVal[T any](ctx context.Context, p RetryPolicy, fn func(ctx context.Context) (T, error)) (T, error) {
	attempts := p.Attempts
	if attempts <= 0 {
		attempts = 1
	}
	retryable := p.Retryable
	if retryable == nil {
		retryable = IsTransient
	}

	var zero T
	delay := p.Delay
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		val, err := fn(ctx)
		if err == nil {
			return val, nil
		}
		lastErr = err

		if ctx.Err() != nil || !retryable(err) || attempt == attempts {
			break
		}
		if p.OnRetry != nil {
			p.OnRetry(attempt, err)
		}

		if delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return zero, lastErr
			case <-timer.C:
			}
		}
		delay = nextDelay(delay, p)
	}
	return zero, lastErr
}

func nextDelay(d time.Duration, p RetryPolicy) time.Duration {
	if p.Multiplier > 1 {
		d = time.Duration(float64(d) * p.Multiplier)
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// LogRetry returns an OnRetry callback that logs at warn level.
func LogRetry(source, operation string) func(int, error) {
	return func(attempt int, err error) {
		zap.L().Warn("retrying",
			zap.String("source", source),
			zap.String("operation", operation),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
	}
}
