package retry

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/fornellas/slogxt/log"
	"github.com/stretchr/testify/require"
)

func testContext(t *testing.T) context.Context {
	return log.WithLogger(t.Context(), slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestPolicyBackoff(t *testing.T) {
	policy := Policy{InitialBackoff: 100 * time.Millisecond, MaxBackoff: time.Second, Multiplier: 2}
	require.Equal(t, 100*time.Millisecond, policy.Backoff(1))
	require.Equal(t, 200*time.Millisecond, policy.Backoff(2))
	require.Equal(t, 800*time.Millisecond, policy.Backoff(4))
	require.Equal(t, time.Second, policy.Backoff(5))
	require.Equal(t, time.Second, policy.Backoff(50))

	flat := Policy{InitialBackoff: time.Millisecond}
	require.Equal(t, time.Millisecond, flat.Backoff(10))
}

func TestDoSucceeds(t *testing.T) {
	ctx := testContext(t)
	calls := 0
	err := Do(ctx, Policy{Attempts: 3, InitialBackoff: time.Millisecond}, func(ctx context.Context, attempt int) (bool, error) {
		calls++
		require.Equal(t, calls, attempt)
		return attempt == 2, nil
	})
	require.NoError(t, err)
	require.Equal(t, 2, calls)
}

func TestDoPermanentError(t *testing.T) {
	ctx := testContext(t)
	permanent := errors.New("permanent")
	err := Do(ctx, Policy{Attempts: 3}, func(ctx context.Context, attempt int) (bool, error) {
		return true, permanent
	})
	require.ErrorIs(t, err, permanent)
	require.NotErrorIs(t, err, ErrExhausted)
}

func TestDoExhausted(t *testing.T) {
	ctx := testContext(t)
	transient := errors.New("transient")
	calls := 0
	err := Do(ctx, Policy{Attempts: 3, InitialBackoff: time.Millisecond}, func(ctx context.Context, attempt int) (bool, error) {
		calls++
		return false, transient
	})
	require.ErrorIs(t, err, ErrExhausted)
	require.ErrorIs(t, err, transient)
	require.Equal(t, 3, calls)
}

func TestDoTimeout(t *testing.T) {
	ctx := testContext(t)
	err := Do(ctx, Policy{InitialBackoff: 5 * time.Millisecond, Timeout: 50 * time.Millisecond}, func(ctx context.Context, attempt int) (bool, error) {
		return false, nil
	})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
