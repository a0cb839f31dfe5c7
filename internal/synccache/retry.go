package synccache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/odyssey-erp/odyssey-amortization/internal/shared"
)

// RetryOptions bounds CallWithRetry.
type RetryOptions struct {
	MaxAttempts int
	BaseDelay   time.Duration
	// Timeout applies to each attempt. Zero disables it.
	Timeout time.Duration
	// OnRetry observes a transient failure before the next attempt.
	OnRetry func(op string, attempt int, err error)
	sleep   func(ctx context.Context, d time.Duration) error
}

// DefaultRetryOptions mirror the accounting client defaults.
func DefaultRetryOptions() RetryOptions {
	return RetryOptions{MaxAttempts: 3, BaseDelay: time.Second, Timeout: 30 * time.Second}
}

func (o RetryOptions) withDefaults() RetryOptions {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.BaseDelay < 0 {
		o.BaseDelay = 0
	}
	if o.sleep == nil {
		o.sleep = sleepCtx
	}
	return o
}

// CallWithRetry runs fn up to MaxAttempts times. Only transient failures are
// retried, waiting BaseDelay × attempt between tries; any other error is returned
// as soon as it occurs. An attempt exceeding Timeout fails as transient.
func CallWithRetry(ctx context.Context, op string, fn func(context.Context) error, opts RetryOptions) error {
	opts = opts.withDefaults()
	var lastErr error
	for attempt := 1; attempt <= opts.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return lastErr
			}
			return shared.Transient(fmt.Errorf("%s: %w", op, err))
		}
		err := runAttempt(ctx, fn, opts.Timeout)
		if err == nil {
			return nil
		}
		lastErr = err
		if !shared.IsTransient(err) || attempt == opts.MaxAttempts {
			return err
		}
		if opts.OnRetry != nil {
			opts.OnRetry(op, attempt, err)
		}
		if err := opts.sleep(ctx, opts.BaseDelay*time.Duration(attempt)); err != nil {
			return lastErr
		}
	}
	return lastErr
}

// Do is CallWithRetry for functions returning a value.
func Do[T any](ctx context.Context, op string, fn func(context.Context) (T, error), opts RetryOptions) (T, error) {
	var out T
	err := CallWithRetry(ctx, op, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	}, opts)
	return out, err
}

func runAttempt(ctx context.Context, fn func(context.Context) error, timeout time.Duration) error {
	if timeout <= 0 {
		return fn(ctx)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	err := fn(attemptCtx)
	if err != nil && ctx.Err() == nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
		return shared.Transient(err)
	}
	return err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
