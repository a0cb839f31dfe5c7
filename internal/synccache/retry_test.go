package synccache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-amortization/internal/shared"
)

type recordedSleeps struct {
	delays []time.Duration
}

func (r *recordedSleeps) sleep(_ context.Context, d time.Duration) error {
	r.delays = append(r.delays, d)
	return nil
}

func TestCallWithRetrySucceedsOnThirdAttempt(t *testing.T) {
	sleeps := &recordedSleeps{}
	opts := RetryOptions{MaxAttempts: 3, BaseDelay: 100 * time.Millisecond, sleep: sleeps.sleep}

	attempts := 0
	got, err := Do(context.Background(), "load", func(ctx context.Context) (string, error) {
		attempts++
		if attempts < 3 {
			return "", shared.Transient(errors.New("connection reset"))
		}
		return "ok", nil
	}, opts)
	require.NoError(t, err)
	require.Equal(t, "ok", got)
	require.Equal(t, 3, attempts)
	require.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}, sleeps.delays)
}

func TestCallWithRetryDoesNotRetryValidation(t *testing.T) {
	sleeps := &recordedSleeps{}
	attempts := 0
	err := CallWithRetry(context.Background(), "create", func(ctx context.Context) error {
		attempts++
		return shared.NewValidationError("amount", "must be greater than 0")
	}, RetryOptions{MaxAttempts: 3, sleep: sleeps.sleep})
	require.ErrorIs(t, err, shared.ErrValidation)
	require.Equal(t, 1, attempts)
	require.Empty(t, sleeps.delays)

	attempts = 0
	err = CallWithRetry(context.Background(), "post", func(ctx context.Context) error {
		attempts++
		return &shared.ExternalSystemError{Status: 400, Message: "invalid card code"}
	}, RetryOptions{MaxAttempts: 3, sleep: sleeps.sleep})
	require.ErrorIs(t, err, shared.ErrExternalSystem)
	require.Equal(t, 1, attempts)
}

func TestCallWithRetryReturnsLastError(t *testing.T) {
	sleeps := &recordedSleeps{}
	attempts := 0
	var retried []int
	err := CallWithRetry(context.Background(), "fetch", func(ctx context.Context) error {
		attempts++
		return shared.Transient(errors.New("503"))
	}, RetryOptions{
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		sleep:       sleeps.sleep,
		OnRetry:     func(op string, attempt int, err error) { retried = append(retried, attempt) },
	})
	require.True(t, shared.IsTransient(err))
	require.Equal(t, 3, attempts)
	require.Equal(t, []int{1, 2}, retried)
}

func TestCallWithRetryTimeoutIsTransient(t *testing.T) {
	sleeps := &recordedSleeps{}
	attempts := 0
	err := CallWithRetry(context.Background(), "slow", func(ctx context.Context) error {
		attempts++
		<-ctx.Done()
		return ctx.Err()
	}, RetryOptions{MaxAttempts: 2, Timeout: 10 * time.Millisecond, sleep: sleeps.sleep})
	require.True(t, shared.IsTransient(err))
	require.True(t, shared.IsTimeout(err))
	require.Equal(t, 2, attempts)
}

func TestCallWithRetryStopsWhenParentCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0
	err := CallWithRetry(ctx, "cancel", func(ctx context.Context) error {
		attempts++
		cancel()
		return shared.Transient(errors.New("boom"))
	}, RetryOptions{MaxAttempts: 3, BaseDelay: time.Hour})
	require.Error(t, err)
	require.Equal(t, 1, attempts)
}
