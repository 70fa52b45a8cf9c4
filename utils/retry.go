package utils

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy bounds every network call the store makes: each attempt runs
// under its own deadline, and failed attempts are retried with exponential
// backoff up to MaxRetries.
type RetryPolicy struct {
	AttemptTimeout time.Duration
	MaxRetries     int
}

// DefaultRetryPolicy matches the service defaults (5s per attempt, 3 retries).
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		AttemptTimeout: 5 * time.Second,
		MaxRetries:     3,
	}
}

// Resilient invokes fn under the policy's per-attempt deadline, retrying
// transient failures with exponential backoff. The parent context cancels the
// whole operation, including waits between attempts.
func Resilient(ctx context.Context, policy RetryPolicy, op string, fn func(ctx context.Context) error) error {
	attempt := func() error {
		attemptCtx := ctx
		if policy.AttemptTimeout > 0 {
			var cancel context.CancelFunc
			attemptCtx, cancel = context.WithTimeout(ctx, policy.AttemptTimeout)
			defer cancel()
		}
		return fn(attemptCtx)
	}

	bo := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(policy.MaxRetries)),
		ctx,
	)

	if err := backoff.Retry(attempt, bo); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}
