package settlement_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/AzimPower/investpro-sub001/settlement"
)

func TestRetryPolicy_RetriesTransientErrors(t *testing.T) {
	policy := settlement.RetryPolicy{MaxAttempts: 4, InitialBackoff: time.Millisecond, BackoffMultiplier: 2}
	calls := 0

	err := policy.Do(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return fmt.Errorf("%w: timeout", settlement.ErrStoreUnavailable)
		}
		return nil
	})

	assert.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryPolicy_StopsOnPermanentError(t *testing.T) {
	policy := settlement.RetryPolicy{MaxAttempts: 5}
	calls := 0

	err := policy.Do(context.Background(), func(context.Context) error {
		calls++
		return settlement.ErrUserNotFound
	})

	assert.ErrorIs(t, err, settlement.ErrUserNotFound)
	assert.Equal(t, 1, calls)
}

func TestRetryPolicy_ReturnsLastErrorWhenExhausted(t *testing.T) {
	policy := settlement.RetryPolicy{MaxAttempts: 3}
	calls := 0

	err := policy.Do(context.Background(), func(context.Context) error {
		calls++
		return settlement.ErrStoreUnavailable
	})

	assert.ErrorIs(t, err, settlement.ErrStoreUnavailable)
	assert.Equal(t, 3, calls)
}

func TestRetryPolicy_ContextCancelledDuringBackoff(t *testing.T) {
	policy := settlement.RetryPolicy{MaxAttempts: 5, InitialBackoff: time.Hour}
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0

	err := policy.Do(ctx, func(context.Context) error {
		calls++
		cancel()
		return settlement.ErrStoreUnavailable
	})

	assert.True(t, errors.Is(err, settlement.ErrStoreUnavailable))
	assert.Equal(t, 1, calls)
}

func TestRetryPolicy_ZeroValueRunsOnce(t *testing.T) {
	calls := 0
	err := settlement.RetryPolicy{}.Do(context.Background(), func(context.Context) error {
		calls++
		return settlement.ErrStoreUnavailable
	})
	assert.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestRetryPolicy_Backoff(t *testing.T) {
	policy := settlement.RetryPolicy{
		InitialBackoff:    100 * time.Millisecond,
		MaxBackoff:        300 * time.Millisecond,
		BackoffMultiplier: 2,
	}
	assert.Equal(t, time.Duration(0), policy.Backoff(1))
	assert.Equal(t, 100*time.Millisecond, policy.Backoff(2))
	assert.Equal(t, 200*time.Millisecond, policy.Backoff(3))
	assert.Equal(t, 300*time.Millisecond, policy.Backoff(4), "capped")

	jittered := settlement.DefaultRetryPolicy()
	for i := 0; i < 20; i++ {
		d := jittered.Backoff(2)
		assert.GreaterOrEqual(t, d, 90*time.Millisecond)
		assert.LessOrEqual(t, d, 110*time.Millisecond)
	}
}
