package backend

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
)

const (
	// DefaultMaxAttempts is the number of tries before Retry gives up.
	DefaultMaxAttempts = 3

	baseDelay = 500 * time.Millisecond
	maxDelay  = 5 * time.Second
)

// Permanent wraps err so that [Retry] returns it without another attempt.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return backoff.Permanent(err)
}

// newBackOff doubles from baseDelay up to maxDelay, each wait drawn from
// 50% to 150% of the nominal interval.
func newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = baseDelay
	b.MaxInterval = maxDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0.5
	return b
}

// Retry calls fn up to maxAttempts times with jittered exponential backoff.
// It returns nil on the first success, the unwrapped error of a [Permanent]
// failure, or the last failure wrapped once attempts run out or ctx ends.
func Retry(ctx context.Context, maxAttempts int, fn func() error) error {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("retry cancelled: %w", err)
	}

	attempts := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempts++
		return struct{}{}, fn()
	},
		backoff.WithBackOff(newBackOff()),
		backoff.WithMaxTries(uint(maxAttempts)),
		backoff.WithMaxElapsedTime(0),
	)
	if err == nil {
		return nil
	}

	var perm *backoff.PermanentError
	switch {
	case errors.As(err, &perm):
		// Returned as is when the permanent failure was also the last try.
		return perm.Unwrap()
	case ctx.Err() != nil:
		return fmt.Errorf("retry cancelled: %w", err)
	case attempts < maxAttempts:
		// backoff.Retry already unwrapped a permanent failure.
		return err
	default:
		return fmt.Errorf("all %d attempts failed: %w", attempts, err)
	}
}
