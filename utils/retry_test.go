package utils

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResilientSucceedsFirstTry(t *testing.T) {
	attempts := 0
	err := Resilient(context.Background(), DefaultRetryPolicy(), "op", func(ctx context.Context) error {
		attempts++
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 1, attempts)
}

func TestResilientRetriesTransientFailure(t *testing.T) {
	attempts := 0
	policy := RetryPolicy{AttemptTimeout: time.Second, MaxRetries: 2}

	err := Resilient(context.Background(), policy, "op", func(ctx context.Context) error {
		attempts++
		if attempts < 2 {
			return errors.New("transient")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
}

func TestResilientGivesUpAfterMaxRetries(t *testing.T) {
	attempts := 0
	policy := RetryPolicy{AttemptTimeout: time.Second, MaxRetries: 1}

	err := Resilient(context.Background(), policy, "track presence", func(ctx context.Context) error {
		attempts++
		return errors.New("down")
	})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "track presence")
	assert.Equal(t, 2, attempts)
}

func TestResilientAppliesAttemptDeadline(t *testing.T) {
	policy := RetryPolicy{AttemptTimeout: 10 * time.Millisecond, MaxRetries: 0}

	err := Resilient(context.Background(), policy, "op", func(ctx context.Context) error {
		deadline, ok := ctx.Deadline()
		require.True(t, ok, "attempt context must carry a deadline")
		assert.WithinDuration(t, time.Now().Add(10*time.Millisecond), deadline, 50*time.Millisecond)
		return nil
	})

	require.NoError(t, err)
}

func TestResilientStopsOnCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	attempts := 0
	policy := RetryPolicy{AttemptTimeout: time.Second, MaxRetries: 5}

	err := Resilient(ctx, policy, "op", func(ctx context.Context) error {
		attempts++
		return errors.New("down")
	})

	require.Error(t, err)
	assert.LessOrEqual(t, attempts, 1, "a cancelled context must not keep retrying")
}
