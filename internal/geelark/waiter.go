package geelark

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/timmy/phonefarm/internal/logger"
)

// PhoneStatusGetter is the subset of Client the waiter polls.
type PhoneStatusGetter interface {
	GetPhoneStatus(ctx context.Context, ids []string) (*PhoneBatchResult, error)
}

// Waiter polls a phone until it reports started.
type Waiter struct {
	client        PhoneStatusGetter
	attempts      int
	interval      time.Duration
	stabilization time.Duration
	sleep         func(ctx context.Context, d time.Duration) error
}

// WaiterOption configures a Waiter.
type WaiterOption func(*Waiter)

// WithSleep replaces the sleep used between polls.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) WaiterOption {
	return func(w *Waiter) { w.sleep = sleep }
}

// NewWaiter creates a readiness waiter. Zero values fall back to 60 polls
// two seconds apart with a five second stabilization delay.
func NewWaiter(client PhoneStatusGetter, attempts int, interval, stabilization time.Duration, opts ...WaiterOption) *Waiter {
	if attempts <= 0 {
		attempts = 60
	}
	if interval <= 0 {
		interval = 2 * time.Second
	}
	if stabilization < 0 {
		stabilization = 0
	}
	w := &Waiter{
		client:        client,
		attempts:      attempts,
		interval:      interval,
		stabilization: stabilization,
		sleep:         SleepContext,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// errTerminal marks readiness failures that must not be retried.
var errTerminal = errors.New("terminal phone state")

// WaitUntilReady blocks until the phone reports started, then waits the
// stabilization delay. Expired phones and unknown phone ids fail immediately;
// transient API errors are retried until the attempts run out.
func (w *Waiter) WaitUntilReady(ctx context.Context, phoneID string) error {
	log := logger.FromContext(ctx).WithField(logger.FieldPhoneID, phoneID)
	lastStatus := PhoneStatus(-1)

	for attempt := 1; attempt <= w.attempts; attempt++ {
		ready, status, err := w.check(ctx, phoneID)
		if err != nil {
			if errors.Is(err, errTerminal) {
				return err
			}
			log.WithError(err).Warn("Phone status check failed, retrying")
		} else if ready {
			log.WithField(logger.FieldAttempt, attempt).Info("Phone is ready")
			if w.stabilization > 0 {
				return w.sleep(ctx, w.stabilization)
			}
			return nil
		} else if status != lastStatus {
			log.WithField(logger.FieldStatus, status.String()).Debug("Phone status changed")
			lastStatus = status
		}

		if attempt < w.attempts {
			if err := w.sleep(ctx, w.interval); err != nil {
				return err
			}
		}
	}

	timeout := time.Duration(w.attempts) * w.interval
	return fmt.Errorf("phone %s did not start within %d seconds", phoneID, int(timeout.Seconds()))
}

func (w *Waiter) check(ctx context.Context, phoneID string) (bool, PhoneStatus, error) {
	res, err := w.client.GetPhoneStatus(ctx, []string{phoneID})
	if err != nil {
		return false, 0, err
	}
	if d, ok := res.Success(phoneID); ok || len(res.SuccessDetails) > 0 {
		if !ok {
			d = res.SuccessDetails[0]
		}
		if d.Status == PhoneExpired {
			return false, d.Status, fmt.Errorf("phone %s has expired: %w", phoneID, errTerminal)
		}
		return d.Status == PhoneStarted, d.Status, nil
	}
	if len(res.FailDetails) > 0 {
		d := res.FailDetails[0]
		if d.Code == CodePhoneNotFound {
			return false, 0, fmt.Errorf("phone status check failed: %s (code: %d): %w", d.Msg, d.Code, errTerminal)
		}
		return false, 0, fmt.Errorf("phone status check failed: %s (code: %d)", d.Msg, d.Code)
	}
	return false, 0, errors.New("no status information returned")
}

// SleepContext pauses for d or until ctx is done. A non-positive d only
// reports whether ctx is already done.
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
