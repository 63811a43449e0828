package worker_manager

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/fornellas/slogxt/log"
	"github.com/stretchr/testify/require"
)

func TestWorkerManagerRun(t *testing.T) {
	ctx := log.WithLogger(t.Context(), slog.New(slog.NewTextHandler(io.Discard, nil)))

	var mu sync.Mutex
	stopped := []string{}
	blocker := func(name string) func(context.Context) error {
		return func(ctx context.Context) error {
			<-ctx.Done()
			mu.Lock()
			stopped = append(stopped, name)
			mu.Unlock()
			return ctx.Err()
		}
	}

	wm := NewWorkerManager()
	wm.AddWorker("producer", blocker("producer"))
	wm.AddWorker("consumer", func(ctx context.Context) error {
		mu.Lock()
		stopped = append(stopped, "consumer")
		mu.Unlock()
		return errors.New("boom")
	})

	err := wm.Run(ctx)
	require.ErrorContains(t, err, "consumer: boom")
	require.NotContains(t, err.Error(), "producer")
	require.Equal(t, []string{"consumer", "producer"}, stopped)
}

func TestWorkerManagerPanic(t *testing.T) {
	ctx := log.WithLogger(t.Context(), slog.New(slog.NewTextHandler(io.Discard, nil)))

	wm := NewWorkerManager()
	wm.AddWorker("panics", func(ctx context.Context) error {
		panic("bad")
	})
	err := wm.Run(ctx)
	require.ErrorContains(t, err, "panic: bad")
}

func TestWorkerManagerCancelParent(t *testing.T) {
	ctx := log.WithLogger(t.Context(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx, cancel := context.WithCancel(ctx)

	wm := NewWorkerManager()
	wm.AddWorker("a", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	wm.AddWorker("b", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	cancel()
	require.NoError(t, wm.Run(ctx))
}
