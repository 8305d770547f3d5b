package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	pixlerrors "pixl/pkg/errors"
)

type Policy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	MaxElapsedTime  time.Duration
}

// DefaultPolicy matches the pipeline-wide retry budget: three attempts with
// jittered exponential backoff.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:     3,
		InitialInterval: 1 * time.Second,
		MaxInterval:     30 * time.Second,
		Multiplier:      2.0,
		MaxElapsedTime:  5 * time.Minute,
	}
}

func newBackoff(ctx context.Context, policy Policy) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = policy.InitialInterval
	exp.MaxInterval = policy.MaxInterval
	exp.Multiplier = policy.Multiplier
	exp.MaxElapsedTime = policy.MaxElapsedTime

	var b backoff.BackOff = exp
	b = backoff.WithContext(b, ctx)
	return backoff.WithMaxRetries(b, uint64(policy.MaxAttempts-1))
}

// Do runs fn with the policy's backoff. Errors marked fatal (or whose
// pipeline kind is not retryable) abort immediately via backoff.Permanent.
func Do(ctx context.Context, policy Policy, fn func() error) error {
	return DoWithCallback(ctx, policy, fn, nil)
}

// DoWithCallback is Do with a per-retry hook for logging and metrics.
func DoWithCallback(ctx context.Context, policy Policy, fn func() error, onRetry func(attempt int, err error, next time.Duration)) error {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 3
	}

	b := newBackoff(ctx, policy)

	attempt := 0
	operation := func() error {
		attempt++
		err := fn()
		if err == nil {
			return nil
		}

		if !retryable(err) {
			return backoff.Permanent(err)
		}

		if onRetry != nil && attempt < policy.MaxAttempts {
			onRetry(attempt, err, nextDelay(attempt, policy))
		}
		return err
	}

	return backoff.Retry(operation, b)
}

func retryable(err error) bool {
	var fatalErr pixlerrors.FatalError
	if errors.As(err, &fatalErr) && fatalErr.IsFatal() {
		return false
	}
	var retryableErr pixlerrors.RetryableError
	if errors.As(err, &retryableErr) {
		return retryableErr.IsRetryable()
	}
	// Unclassified errors default to retryable.
	return true
}

func nextDelay(attempt int, policy Policy) time.Duration {
	d := policy.InitialInterval
	for i := 1; i < attempt; i++ {
		d = time.Duration(float64(d) * policy.Multiplier)
		if d > policy.MaxInterval {
			return policy.MaxInterval
		}
	}
	if d > policy.MaxInterval {
		return policy.MaxInterval
	}
	return d
}
