package usecase

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// retryPolicy is the bounded retry used for manifest checks and bundle fetches.
type retryPolicy struct {
	attempts int
	delay    time.Duration
}

func newRetryPolicy(maxRetries int, delay time.Duration) retryPolicy {
	if maxRetries < 0 {
		maxRetries = 0
	}
	return retryPolicy{attempts: maxRetries + 1, delay: delay}
}

func (p retryPolicy) backOff() backoff.BackOff {
	if p.delay <= 0 {
		return &backoff.ZeroBackOff{}
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.delay
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxInterval = p.delay << p.attempts
	return b
}

// run calls op until it succeeds, returns a permanent error, or the attempt
// budget is spent. op receives the 1-based attempt number. The returned int
// is the number of attempts made.
func (p retryPolicy) run(
	ctx context.Context,
	op func(attempt int) error,
	onRetry func(err error, next time.Duration),
) (int, error) {
	attempt := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		return struct{}{}, op(attempt)
	},
		backoff.WithBackOff(p.backOff()),
		backoff.WithMaxTries(uint(p.attempts)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			if onRetry != nil {
				onRetry(err, next)
			}
		}),
	)
	return attempt, err
}
