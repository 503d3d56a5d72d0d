// Package retry runs an operation until it succeeds, fails permanently, or
// exhausts an explicit attempt budget. Unlike a silent retry wrapper it
// always hands back the last error.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Policy bounds a retry loop. MaxAttempts counts the first call.
type Policy struct {
	MaxAttempts     uint
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	// Jitter is the randomization factor in [0, 1].
	Jitter float64
}

// DefaultPolicy mirrors a few quick retries, a second apart, with jitter.
var DefaultPolicy = Policy{
	MaxAttempts:     5,
	InitialInterval: time.Second,
	MaxInterval:     5 * time.Second,
	Multiplier:      1.5,
	Jitter:          0.5,
}

func (p Policy) backOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		b.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		b.MaxInterval = p.MaxInterval
	}
	if p.Multiplier >= 1 {
		b.Multiplier = p.Multiplier
	}
	if p.Jitter >= 0 && p.Jitter <= 1 {
		b.RandomizationFactor = p.Jitter
	}
	return b
}

// Notify is called before each wait with the attempt that just failed.
type Notify func(attempt uint, err error, wait time.Duration)

// Permanent marks err as not worth retrying. Do returns err itself.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return backoff.Permanent(err)
}

var ErrNoAttempts = errors.New("retry: policy allows no attempts")

// Do calls op until it returns a nil error, a Permanent error, ctx ends, or
// MaxAttempts calls have been made.
func Do[T any](ctx context.Context, p Policy, op func(context.Context) (T, error), notify Notify) (T, error) {
	var zero T
	if p.MaxAttempts == 0 {
		return zero, ErrNoAttempts
	}

	var attempt uint
	opts := []backoff.RetryOption{
		backoff.WithBackOff(p.backOff()),
		backoff.WithMaxTries(p.MaxAttempts),
		backoff.WithMaxElapsedTime(0),
	}
	if notify != nil {
		opts = append(opts, backoff.WithNotify(func(err error, wait time.Duration) {
			notify(attempt, err, wait)
		}))
	}

	return backoff.Retry(ctx, func() (T, error) {
		attempt++
		return op(ctx)
	}, opts...)
}
