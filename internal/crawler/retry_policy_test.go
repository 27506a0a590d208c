package crawler

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type instantPolicy struct {
	*ExponentialRetryPolicy
}

func (instantPolicy) Backoff(int) time.Duration { return time.Millisecond }

func TestExponentialRetryPolicyDefaults(t *testing.T) {
	t.Parallel()

	p := NewExponentialRetryPolicy(0, 0, 0)
	require.Equal(t, 3, p.MaxAttempts())
	require.True(t, p.ShouldRetry(errors.New("boom"), 1))
	require.True(t, p.ShouldRetry(context.DeadlineExceeded, 2))
	require.False(t, p.ShouldRetry(errors.New("boom"), 3))
	require.False(t, p.ShouldRetry(nil, 1))
	require.False(t, p.ShouldRetry(context.Canceled, 1))
	require.False(t, p.ShouldRetry(fmt.Errorf("wrap: %w", ErrPlaceholderLink), 1))
	require.False(t, p.ShouldRetry(fmt.Errorf("page 9: %w", ErrEmptyPage), 1))
}

func TestExponentialRetryPolicyBackoffWindow(t *testing.T) {
	t.Parallel()

	p := NewExponentialRetryPolicy(3, 2*time.Second, 5*time.Second)
	for attempt := 1; attempt <= 5; attempt++ {
		for i := 0; i < 20; i++ {
			d := p.Backoff(attempt)
			require.GreaterOrEqual(t, d, 2*time.Second)
			require.LessOrEqual(t, d, 5*time.Second)
		}
	}
	require.GreaterOrEqual(t, p.Backoff(2), 4*time.Second)
}

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	t.Parallel()

	policy := instantPolicy{NewExponentialRetryPolicy(3, time.Second, time.Second)}
	calls := 0
	var retried []int
	err := Retry(context.Background(), policy, func(_ context.Context, attempt int) error {
		calls++
		if attempt < 3 {
			return errors.New("transient")
		}
		return nil
	}, func(attempt int, _ error, _ time.Duration) {
		retried = append(retried, attempt)
	})
	require.NoError(t, err)
	require.Equal(t, 3, calls)
	require.Equal(t, []int{1, 2}, retried)
}

func TestRetryGivesUp(t *testing.T) {
	t.Parallel()

	policy := instantPolicy{NewExponentialRetryPolicy(3, time.Second, time.Second)}
	calls := 0
	sentinel := errors.New("still broken")
	err := Retry(context.Background(), policy, func(context.Context, int) error {
		calls++
		return sentinel
	}, nil)
	require.ErrorIs(t, err, sentinel)
	require.Equal(t, 3, calls)
}

func TestRetryStopsOnCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	policy := NewExponentialRetryPolicy(3, time.Hour, time.Hour)
	calls := 0
	err := Retry(ctx, policy, func(context.Context, int) error {
		calls++
		cancel()
		return errors.New("navigation aborted")
	}, nil)
	require.Error(t, err)
	require.Equal(t, 1, calls)
}
