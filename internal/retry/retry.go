// Package retry holds the one bounded retry-with-backoff policy shared by
// provider calls and CAS merge loops.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Do runs op with the given backoff, retrying up to maxAttempts total
// attempts. Wrap an error with Permanent to stop retrying immediately.
func Do(ctx context.Context, maxAttempts int, policy backoff.BackOff, op func() error) error {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	bounded := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(maxAttempts-1)), ctx)
	return backoff.Retry(op, bounded)
}

// Permanent marks err as non-retryable.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// Linear returns a backoff whose n-th wait is n*step, matching the CAS
// merge loop's ~80ms x attempt schedule.
func Linear(step time.Duration) backoff.BackOff {
	return &linearBackOff{step: step}
}

// Provider returns the backoff used for transient model-provider errors.
func Provider() backoff.BackOff {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 500 * time.Millisecond
	policy.MaxInterval = 5 * time.Second
	policy.MaxElapsedTime = 0
	return policy
}

type linearBackOff struct {
	step    time.Duration
	attempt int
}

func (b *linearBackOff) NextBackOff() time.Duration {
	b.attempt++
	return time.Duration(b.attempt) * b.step
}

func (b *linearBackOff) Reset() {
	b.attempt = 0
}
