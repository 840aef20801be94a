package resilience

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// ErrRateLimited marks an upstream rejection due to rate limiting (HTTP 429).
var ErrRateLimited = errors.New("rate limited")

// RetryPolicy configures RetryOnRateLimit.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryPolicy waits 60s, then 120s, between three attempts.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseDelay: 60 * time.Second, MaxDelay: 5 * time.Minute}
}

// backOff returns min(base * 2^attempt, max) with no jitter.
func (p RetryPolicy) backOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BaseDelay
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxInterval = p.MaxDelay
	return b
}

// RetryOnRateLimit calls op, retrying only errors that match ErrRateLimited.
// Any other error is returned immediately.
func RetryOnRateLimit[T any](ctx context.Context, p RetryPolicy, op func(ctx context.Context) (T, error)) (T, error) {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	return backoff.Retry(ctx, func() (T, error) {
		v, err := op(ctx)
		if err != nil && !errors.Is(err, ErrRateLimited) {
			return v, backoff.Permanent(err)
		}
		return v, err
	},
		backoff.WithBackOff(p.backOff()),
		backoff.WithMaxTries(uint(p.MaxAttempts)),
		backoff.WithNotify(func(err error, next time.Duration) {
			slog.WarnContext(ctx, "rate limited, backing off", "wait", next, "error", err)
		}),
	)
}
