package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetryPolicyDelay(t *testing.T) {
	p := DefaultRentalPolicy()

	testCases := []struct {
		attempt int
		want    time.Duration
	}{
		{attempt: 0, want: 2 * time.Second},
		{attempt: 1, want: 2 * time.Second},
		{attempt: 2, want: 4 * time.Second},
		{attempt: 3, want: 8 * time.Second},
		{attempt: 4, want: 16 * time.Second},
		{attempt: 5, want: 30 * time.Second},
		{attempt: 12, want: 30 * time.Second},
	}

	for _, tc := range testCases {
		assert.Equal(t, tc.want, p.Delay(tc.attempt), "attempt %d", tc.attempt)
	}
}

func TestRetryReturnsLastErrorAfterMaxAttempts(t *testing.T) {
	rec := &sleepRecorder{}
	p := DefaultRentalPolicy()
	p.Sleep = rec.Sleep

	want := errors.New("NO_NUMBERS")
	calls := 0
	_, err := Retry(context.Background(), p, func(context.Context) (string, error) {
		calls++
		return "", want
	})

	assert.Same(t, want, err)
	assert.Equal(t, 5, calls)
	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second}, rec.all())
}

func TestRetrySucceedsAfterFailures(t *testing.T) {
	rec := &sleepRecorder{}
	p := DefaultRentalPolicy()
	p.Sleep = rec.Sleep

	calls := 0
	v, err := Retry(context.Background(), p, func(context.Context) (int, error) {
		calls++
		if calls < 3 {
			return 0, errors.New("busy")
		}
		return 42, nil
	})

	require.NoError(t, err)
	assert.Equal(t, 42, v)
	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second}, rec.all())
}

func TestRetryStopsWhenContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := RetryPolicy{MaxAttempts: 5, BaseDelay: time.Second, MaxDelay: time.Minute}
	p.Sleep = func(ctx context.Context, _ time.Duration) error {
		cancel()
		return ctx.Err()
	}

	calls := 0
	_, err := Retry(ctx, p, func(context.Context) (int, error) {
		calls++
		return 0, errors.New("busy")
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Contains(t, err.Error(), "retry aborted after attempt 1")
	assert.Equal(t, 1, calls)
}

func TestRetrySingleAttempt(t *testing.T) {
	rec := &sleepRecorder{}
	p := RetryPolicy{MaxAttempts: 0, BaseDelay: time.Second, Sleep: rec.Sleep}

	calls := 0
	_, err := Retry(context.Background(), p, func(context.Context) (int, error) {
		calls++
		return 0, errors.New("nope")
	})

	assert.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Empty(t, rec.all())
}

func TestSleepContext(t *testing.T) {
	assert.NoError(t, SleepContext(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, SleepContext(ctx, time.Hour), context.Canceled)
}
