// Package enginetest runs an engine against a simulated controller for tests.
package enginetest

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/fornellas/slogxt/log"
	"github.com/stretchr/testify/require"

	"github.com/fornellas/grblctl/grbl"
	"github.com/fornellas/grblctl/internal/engine"
	"github.com/fornellas/grblctl/status"
	"github.com/fornellas/grblctl/transport"
	"github.com/fornellas/grblctl/transport/transporttest"
	"github.com/fornellas/grblctl/worker_manager"
)

// Context returns a test context carrying a discarding logger.
func Context(t *testing.T) context.Context {
	return log.WithLogger(t.Context(), slog.New(slog.NewTextHandler(io.Discard, nil)))
}

// Harness is an engine connected to a simulated controller.
type Harness struct {
	*engine.Engine
	Controller *transporttest.Controller
	Port       *transporttest.FakePort
	Ctx        context.Context
}

// New starts an engine on controller and waits for it to be connected with a confirmed Idle mode.
// Workers stop when the test ends.
func New(t *testing.T, controller *transporttest.Controller) *Harness {
	ctx, cancel := context.WithCancel(Context(t))
	h := &Harness{Controller: controller, Ctx: ctx}
	h.Engine = engine.New(
		func(context.Context) (transport.Port, error) {
			h.Port = controller.Port()
			return h.Port, nil
		},
		engine.Options{
			Transport: transport.Options{
				HandshakeTimeout: time.Second,
				CommandTimeout:   time.Second,
				ReadTimeout:      5 * time.Millisecond,
			},
			Poller: status.PollerOptions{
				Fast:   2 * time.Millisecond,
				Medium: 2 * time.Millisecond,
				Slow:   5 * time.Millisecond,
			},
		},
	)

	wm := worker_manager.NewWorkerManager()
	h.AddWorkers(wm)
	errCh := make(chan error, 1)
	go func() { errCh <- wm.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-errCh:
			require.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("engine workers did not stop")
		}
		h.Close()
	})

	require.Eventually(t, func() bool {
		return h.Transport.State() == transport.StateReady
	}, 5*time.Second, time.Millisecond)
	h.WaitForMode(t, grbl.StateIdle)
	return h
}

// WaitForMode waits for the confirmed mode.
func (h *Harness) WaitForMode(t *testing.T, modes ...grbl.State) status.MachineState {
	t.Helper()
	ctx, cancel := context.WithTimeout(h.Ctx, 5*time.Second)
	defer cancel()
	state, err := h.Synchronizer.WaitForMode(ctx, modes...)
	require.NoError(t, err, "waiting for %v, mode is %s", modes, h.Synchronizer.Mode())
	return state
}

// Feed makes the controller print s, for example an unsolicited alarm.
func (h *Harness) Feed(s string) {
	h.Port.Feed(s)
}
