// Package retry runs an operation a bounded number of times with exponential backoff.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fornellas/slogxt/log"
)

var ErrExhausted = errors.New("retry: attempts exhausted")

// Policy bounds retries. Attempts <= 0 means unlimited, bounded only by Timeout and the context.
type Policy struct {
	Attempts       int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
	// Timeout bounds the whole retry loop, when non zero.
	Timeout time.Duration
}

// Backoff returns the delay to wait after the given failed attempt (1 based).
func (p Policy) Backoff(attempt int) time.Duration {
	backoff := p.InitialBackoff
	multiplier := p.Multiplier
	if multiplier < 1 {
		multiplier = 1
	}
	for i := 1; i < attempt; i++ {
		backoff = time.Duration(float64(backoff) * multiplier)
		if p.MaxBackoff > 0 && backoff >= p.MaxBackoff {
			return p.MaxBackoff
		}
	}
	if p.MaxBackoff > 0 && backoff > p.MaxBackoff {
		return p.MaxBackoff
	}
	return backoff
}

// Do calls fn until it reports done, the attempts are exhausted or ctx is done. fn receives the
// attempt number, starting at 1. When attempts are exhausted, the returned error wraps both
// ErrExhausted and the last error returned by fn.
func Do(ctx context.Context, policy Policy, fn func(ctx context.Context, attempt int) (bool, error)) error {
	logger := log.MustLogger(ctx)

	if policy.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, policy.Timeout)
		defer cancel()
	}

	var lastErr error
	for attempt := 1; policy.Attempts <= 0 || attempt <= policy.Attempts; attempt++ {
		done, err := fn(ctx, attempt)
		if done {
			return err
		}
		lastErr = err
		if ctxErr := ctx.Err(); ctxErr != nil {
			return errors.Join(ctxErr, lastErr)
		}
		if policy.Attempts > 0 && attempt == policy.Attempts {
			break
		}

		backoff := policy.Backoff(attempt)
		logger.Debug("Retrying", "attempt", attempt, "backoff", backoff, "err", err)
		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return errors.Join(ctx.Err(), lastErr)
		case <-timer.C:
		}
	}
	if lastErr != nil {
		return fmt.Errorf("%w after %d attempts: %w", ErrExhausted, policy.Attempts, lastErr)
	}
	return fmt.Errorf("%w after %d attempts", ErrExhausted, policy.Attempts)
}
