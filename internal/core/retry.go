package core

// retry.go centralizes retry-with-backoff so the relational loader and the
// object store uploader share one policy and one set of tests.

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Default retry settings.
const (
	DefaultMaxAttempts    = 4
	DefaultBaseDelay      = 500 * time.Millisecond
	DefaultMaxDelay       = 10 * time.Second
	DefaultMultiplier     = 2.0
	DefaultJitter         = 0.25
	DefaultAttemptTimeout = 30 * time.Second
)

// RetryPolicy defines retry behavior with exponential backoff and jitter.
// Zero fields take the defaults, except Jitter and AttemptTimeout where zero
// disables the feature.
type RetryPolicy struct {
	MaxAttempts    int           // Total attempts including the first
	BaseDelay      time.Duration // Delay before the second attempt
	MaxDelay       time.Duration // Upper bound on any single delay
	Multiplier     float64       // Growth factor between delays
	Jitter         float64       // Randomization factor in [0, 1)
	AttemptTimeout time.Duration // Per-attempt deadline; 0 disables
}

// NewRetryPolicy creates a policy with the default settings.
func NewRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    DefaultMaxAttempts,
		BaseDelay:      DefaultBaseDelay,
		MaxDelay:       DefaultMaxDelay,
		Multiplier:     DefaultMultiplier,
		Jitter:         DefaultJitter,
		AttemptTimeout: DefaultAttemptTimeout,
	}
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = DefaultBaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = DefaultMaxDelay
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	if p.Multiplier == 0 {
		p.Multiplier = DefaultMultiplier
	}
	if p.Multiplier < 1 {
		p.Multiplier = 1
	}
	if p.Jitter < 0 || p.Jitter >= 1 {
		p.Jitter = DefaultJitter
	}
	return p
}

// backOff builds the cenkalti schedule for one Do call.
func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.BaseDelay
	eb.MaxInterval = p.MaxDelay
	eb.Multiplier = p.Multiplier
	eb.RandomizationFactor = p.Jitter
	eb.MaxElapsedTime = 0 // bounded by attempts, not wall time
	eb.Reset()

	return backoff.WithContext(backoff.WithMaxRetries(eb, uint64(p.MaxAttempts-1)), ctx)
}

// Delay returns the nominal (un-jittered) delay before attempt n+1.
func (p RetryPolicy) Delay(n int) time.Duration {
	p = p.withDefaults()
	d := float64(p.BaseDelay)
	for i := 1; i < n; i++ {
		d *= p.Multiplier
		if d >= float64(p.MaxDelay) {
			return p.MaxDelay
		}
	}
	return time.Duration(d)
}

// Do runs fn until it succeeds, classify reports a permanent failure, or the
// attempt ceiling is reached. Each attempt gets its own timeout; an attempt that
// exceeds it while ctx is still live counts as transient.
//
// It returns the number of attempts made. Failures are returned as
// *ClassifiedError carrying the final class and attempt count.
func (p RetryPolicy) Do(ctx context.Context, classify Classifier, fn func(ctx context.Context, attempt int) error) (int, error) {
	p = p.withDefaults()
	if classify == nil {
		classify = func(error) ErrorClass { return ClassTransient }
	}

	attempts := 0
	lastClass := ClassTransient

	op := func() error {
		attempts++

		attemptCtx := ctx
		cancel := func() {}
		if p.AttemptTimeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, p.AttemptTimeout)
		}
		err := fn(attemptCtx, attempts)
		cancel()

		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			lastClass = ClassPermanent
			return backoff.Permanent(err)
		}
		if errors.Is(err, context.DeadlineExceeded) {
			lastClass = ClassTransient
			return err
		}
		lastClass = classify(err)
		if lastClass != ClassTransient {
			return backoff.Permanent(err)
		}
		return err
	}

	err := backoff.Retry(op, p.backOff(ctx))
	if err == nil {
		return attempts, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(err, ctxErr) {
		err = errors.Join(err, ctxErr)
	}
	return attempts, &ClassifiedError{Class: lastClass, Attempts: attempts, Err: err}
}
