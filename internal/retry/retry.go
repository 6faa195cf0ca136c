// Package retry wraps cenkalti/backoff/v4 behind a budget that is always
// finite: every retry loop in the dispatcher and the agent carries a
// bounded attempt count and a bounded elapsed-time ceiling, so exhaustion
// is an observable outcome rather than an unbounded hang.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Budget bounds a retry loop on two axes; both must be positive.
type Budget struct {
	// MaxElapsed is the wall-clock ceiling across all attempts.
	MaxElapsed time.Duration
	// MaxAttempts is the maximum number of calls to fn, including the
	// first.
	MaxAttempts int
	// InitialInterval is the first backoff delay; it grows exponentially
	// thereafter. Zero selects a 250ms default.
	InitialInterval time.Duration
}

// ErrBudgetExhausted is returned by Do when fn never succeeded within the
// budget's attempt count or elapsed-time ceiling.
var ErrBudgetExhausted = errors.New("retry: budget exhausted")

// Do calls fn until it succeeds, ctx is cancelled, or the budget is
// exhausted. A non-nil error from fn is treated as transient and retried;
// fn should return a permanent, non-retryable error wrapped so the caller
// can distinguish it, since Do itself always retries any error.
func Do(ctx context.Context, budget Budget, fn func() error) error {
	initial := budget.InitialInterval
	if initial <= 0 {
		initial = 250 * time.Millisecond
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = initial
	bo.MaxElapsedTime = budget.MaxElapsed

	var attempts int
	withLimit := backoff.WithContext(bo, ctx)

	operation := func() error {
		attempts++
		if budget.MaxAttempts > 0 && attempts > budget.MaxAttempts {
			return backoff.Permanent(ErrBudgetExhausted)
		}
		return fn()
	}

	err := backoff.Retry(operation, withLimit)
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrBudgetExhausted) {
		return ErrBudgetExhausted
	}
	if bo.MaxElapsedTime > 0 && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		// backoff.Retry surfaces the last operation error once
		// MaxElapsedTime trips; treat that as budget exhaustion too.
		return ErrBudgetExhausted
	}
	return err
}
