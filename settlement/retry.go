package settlement

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// =============================================================================
// RETRY POLICY - Bounded exponential backoff for transient store errors
// =============================================================================

type RetryPolicy struct {
	// MaxAttempts includes the first try. Values below 1 mean one attempt.
	MaxAttempts       int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier float64
	// Jitter adds randomness to backoff (0.0 to 1.0)
	Jitter float64
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:       5,
		InitialBackoff:    100 * time.Millisecond,
		MaxBackoff:        5 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            0.1,
	}
}

// Do runs op until it succeeds, returns a non-retryable error, or the
// attempts run out. The last error is returned unchanged.
func (p RetryPolicy) Do(ctx context.Context, op func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			if werr := p.wait(ctx, attempt); werr != nil {
				return err
			}
		}
		err = op(ctx)
		if err == nil || !IsRetryable(err) {
			return err
		}
	}
	return err
}

func (p RetryPolicy) wait(ctx context.Context, attempt int) error {
	backoff := p.Backoff(attempt)
	if backoff <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(backoff)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Backoff returns the delay before the given attempt (2 = first retry).
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 2 || p.InitialBackoff <= 0 {
		return 0
	}
	multiplier := p.BackoffMultiplier
	if multiplier < 1 {
		multiplier = 1
	}
	backoff := float64(p.InitialBackoff) * math.Pow(multiplier, float64(attempt-2))
	if p.MaxBackoff > 0 && backoff > float64(p.MaxBackoff) {
		backoff = float64(p.MaxBackoff)
	}
	if p.Jitter > 0 {
		backoff += backoff * p.Jitter * (rand.Float64()*2 - 1)
	}
	return time.Duration(backoff)
}
