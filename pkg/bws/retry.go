package bws

import (
	"context"
	"errors"

	"github.com/cenkalti/backoff/v5"
)

// retryPolicy builds the exponential-backoff-with-jitter schedule spec
// §4.1.3 requires: 3 attempts total, 100ms initial delay, 2.0 multiplier,
// +/-25% jitter, always bounded by the caller's own deadline.
func retryPolicy() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = defaultRetryInitialInterval
	b.Multiplier = defaultRetryMultiplier
	b.RandomizationFactor = defaultRetryJitter
	return b
}

const (
	defaultRetryInitialInterval = 100_000_000 // 100ms, in time.Duration units (ns)
	defaultRetryMultiplier      = 2.0
	defaultRetryJitter          = 0.25
	defaultRetryMaxAttempts     = 3
)

// withRetry runs op, retrying transient failures (bws.Retryable) up to
// defaultRetryMaxAttempts times with exponential backoff and jitter. A
// non-retryable error, or the caller's context expiring, stops retrying
// immediately. Grounded on the teacher's resilience stack; no fetchable
// retry helper existed there, so this wraps the standalone backoff library
// the rest of the pack already depends on.
func withRetry[T any](ctx context.Context, op func(ctx context.Context) (T, error)) (T, error) {
	wrapped := func() (T, error) {
		result, err := op(ctx)
		if err != nil && !Retryable(err) {
			return result, backoff.Permanent(err)
		}
		return result, err
	}

	result, err := backoff.Retry(ctx, wrapped,
		backoff.WithBackOff(retryPolicy()),
		backoff.WithMaxTries(defaultRetryMaxAttempts),
	)
	if err != nil {
		var permanent *backoff.PermanentError
		if errors.As(err, &permanent) {
			return result, errors.Unwrap(permanent)
		}
		return result, err
	}
	return result, nil
}
