package service

import (
	"context"
	"fmt"
	"time"

	"github.com/timmy/phonefarm/internal/geelark"
	"github.com/timmy/phonefarm/internal/logger"
)

// Sleeper pauses for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// SleepContext is the production Sleeper, shared with the readiness waiter.
var SleepContext Sleeper = geelark.SleepContext

// RetryPolicy bounds an exponential backoff retry loop.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Sleep       Sleeper
}

// DefaultRentalPolicy is the profile used around number rental.
func DefaultRentalPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 5,
		BaseDelay:   2 * time.Second,
		MaxDelay:    30 * time.Second,
	}
}

// Delay returns the wait after the given failed attempt (1-based):
// min(MaxDelay, BaseDelay * 2^(attempt-1)).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.BaseDelay
	for i := 1; i < attempt; i++ {
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			break
		}
		d *= 2
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// Retry runs op until it succeeds or MaxAttempts calls have failed, sleeping
// Delay(n) after the n-th failure. The last error is returned unchanged.
func Retry[T any](ctx context.Context, p RetryPolicy, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = SleepContext
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		v, err := op(ctx)
		if err == nil {
			return v, nil
		}
		lastErr = err
		if attempt == attempts {
			break
		}

		delay := p.Delay(attempt)
		logger.FromContext(ctx).WithFields(logger.Fields{
			logger.FieldAttempt:    attempt,
			logger.FieldDurationMs: delay.Milliseconds(),
		}).WithError(err).Warn("Operation failed, retrying")

		if serr := sleep(ctx, delay); serr != nil {
			return zero, fmt.Errorf("retry aborted after attempt %d: %w", attempt, serr)
		}
	}
	return zero, lastErr
}
