// Package retry runs I/O calls under an explicit, bounded exponential backoff
// policy shared by the source client, the uploader and the enrichment workflow.
package retry

import (
	"context"
	"fmt"
	"time"

	"github.com/BartekS5/tracksync/internal/apperrors"
	"github.com/BartekS5/tracksync/pkg/logger"
	"github.com/cenkalti/backoff/v4"
)

// Policy bounds how often and how long a call is retried.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// Jitter is the randomization factor applied to each wait (0 disables it).
	Jitter float64
}

// DefaultPolicy mirrors three attempts with waits between 4s and 10s.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   4 * time.Second,
		MaxDelay:    10 * time.Second,
		Jitter:      0.1,
	}
}

func (p Policy) backOff() backoff.BackOff {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	exp := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(p.BaseDelay),
		backoff.WithMaxInterval(p.MaxDelay),
		backoff.WithMultiplier(2),
		backoff.WithRandomizationFactor(p.Jitter),
		backoff.WithMaxElapsedTime(0),
	)
	return backoff.WithMaxRetries(exp, uint64(attempts-1))
}

// Do calls fn until it succeeds, returns a non-retryable error, the context
// ends, or the policy's attempts are exhausted. Exhaustion wraps the last
// error with ErrTransient unless it already carries a kind.
func Do(ctx context.Context, p Policy, name string, fn func(ctx context.Context) error) error {
	attempt := 0
	op := func() error {
		attempt++
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if !apperrors.IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		logger.Get().Warn().
			Str("operation", name).
			Int("attempt", attempt).
			Dur("wait", wait).
			Err(err).
			Msg("retrying after failure")
	}

	err := backoff.RetryNotify(op, backoff.WithContext(p.backOff(), ctx), notify)
	if err == nil {
		return nil
	}
	if !apperrors.IsRetryable(err) || ctx.Err() != nil {
		return err
	}
	return fmt.Errorf("%s: giving up after %d attempts: %w", name, attempt, apperrors.Wrap(apperrors.ErrTransient, err))
}

// DoValue is Do for calls that produce a value.
func DoValue[T any](ctx context.Context, p Policy, name string, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := Do(ctx, p, name, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}
