package core

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	errFlaky  = errors.New("connection reset by peer")
	errDenied = errors.New("access denied")
)

func fastPolicy(attempts int) RetryPolicy {
	return RetryPolicy{
		MaxAttempts: attempts,
		BaseDelay:   time.Millisecond,
		MaxDelay:    2 * time.Millisecond,
		Multiplier:  2,
	}
}

func classifyTest(err error) ErrorClass {
	if errors.Is(err, errFlaky) {
		return ClassTransient
	}
	return ClassPermanent
}

func TestRetryPolicy_SucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	attempts, err := fastPolicy(4).Do(context.Background(), classifyTest, func(ctx context.Context, attempt int) error {
		calls++
		assert.Equal(t, calls, attempt)
		if calls < 3 {
			return errFlaky
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, 3, calls)
}

func TestRetryPolicy_PermanentNotRetried(t *testing.T) {
	calls := 0
	attempts, err := fastPolicy(4).Do(context.Background(), classifyTest, func(ctx context.Context, attempt int) error {
		calls++
		return errDenied
	})

	require.Error(t, err)
	assert.Equal(t, 1, attempts)
	assert.Equal(t, 1, calls)
	assert.ErrorIs(t, err, errDenied)
	assert.Equal(t, ClassPermanent, ClassOf(err))
}

func TestRetryPolicy_ExhaustsAttempts(t *testing.T) {
	calls := 0
	attempts, err := fastPolicy(3).Do(context.Background(), classifyTest, func(ctx context.Context, attempt int) error {
		calls++
		return errFlaky
	})

	require.Error(t, err)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, 3, calls)
	assert.ErrorIs(t, err, errFlaky)

	var ce *ClassifiedError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, ClassTransient, ce.Class)
	assert.Equal(t, 3, ce.Attempts)
	assert.Contains(t, err.Error(), "after 3 attempts")
}

func TestRetryPolicy_AttemptTimeoutIsTransient(t *testing.T) {
	p := fastPolicy(2)
	p.AttemptTimeout = 5 * time.Millisecond

	var calls atomic.Int32
	attempts, err := p.Do(context.Background(), classifyTest, func(ctx context.Context, attempt int) error {
		calls.Add(1)
		<-ctx.Done()
		return ctx.Err()
	})

	require.Error(t, err)
	assert.Equal(t, 2, attempts)
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, ClassTransient, ClassOf(err))
}

func TestRetryPolicy_ParentCancelStopsRetries(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	calls := 0
	attempts, err := fastPolicy(5).Do(ctx, classifyTest, func(ctx context.Context, attempt int) error {
		calls++
		cancel()
		return errFlaky
	})

	require.Error(t, err)
	assert.Equal(t, 1, attempts)
	assert.Equal(t, 1, calls)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRetryPolicy_NilClassifierRetriesEverything(t *testing.T) {
	calls := 0
	attempts, err := fastPolicy(3).Do(context.Background(), nil, func(ctx context.Context, attempt int) error {
		calls++
		if calls == 1 {
			return errDenied
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
}

func TestRetryPolicy_Defaults(t *testing.T) {
	p := RetryPolicy{}.withDefaults()

	assert.Equal(t, DefaultMaxAttempts, p.MaxAttempts)
	assert.Equal(t, DefaultBaseDelay, p.BaseDelay)
	assert.Equal(t, DefaultMaxDelay, p.MaxDelay)
	assert.Equal(t, DefaultMultiplier, p.Multiplier)

	p = RetryPolicy{Multiplier: 0.5, Jitter: 1.5}.withDefaults()
	assert.Equal(t, 1.0, p.Multiplier)
	assert.Equal(t, DefaultJitter, p.Jitter)
}

func TestRetryPolicy_Delay(t *testing.T) {
	p := RetryPolicy{BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second, Multiplier: 2}

	assert.Equal(t, 100*time.Millisecond, p.Delay(1))
	assert.Equal(t, 200*time.Millisecond, p.Delay(2))
	assert.Equal(t, 400*time.Millisecond, p.Delay(3))
	assert.Equal(t, 800*time.Millisecond, p.Delay(4))
	assert.Equal(t, time.Second, p.Delay(5))
	assert.Equal(t, time.Second, p.Delay(10))
}
