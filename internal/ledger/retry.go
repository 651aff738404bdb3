package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"
)

// Backoff bounds the retries of an operation that failed with ErrConflict or
// ErrTransient.
type Backoff struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultBackoff is used by callers that are not configured explicitly.
var DefaultBackoff = Backoff{MaxAttempts: 5, BaseDelay: 10 * time.Millisecond, MaxDelay: 250 * time.Millisecond}

// Retry runs attempt until it succeeds, fails with a non-retryable error, or
// b.MaxAttempts is reached. Waits grow exponentially with full jitter and
// onRetry, when set, sees every failed attempt that will be retried.
func Retry(ctx context.Context, b Backoff, op string, attempt func(context.Context) error, onRetry func(n int, wait time.Duration, err error)) error {
	delay := b.BaseDelay
	for i := 1; ; i++ {
		err := attempt(ctx)
		if err == nil || !Retryable(err) {
			return err
		}
		if i >= b.MaxAttempts {
			if errors.Is(err, ErrTransient) {
				return err
			}
			return fmt.Errorf("%w: %s gave up after %d attempts: %w", ErrTransient, op, i, err)
		}

		wait := jitter(delay)
		if onRetry != nil {
			onRetry(i, wait, err)
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%w: %s cancelled while retrying: %w", ErrTransient, op, ctx.Err())
		case <-timer.C:
		}

		delay *= 2
		if delay > b.MaxDelay {
			delay = b.MaxDelay
		}
	}
}

// Retryable reports whether err leaves the ledger unchanged and may succeed
// on another attempt.
func Retryable(err error) bool {
	return errors.Is(err, ErrConflict) || errors.Is(err, ErrTransient)
}

func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(d) + 1))
}
