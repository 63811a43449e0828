package controller

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fornellas/grblctl/execution"
	"github.com/fornellas/grblctl/grbl"
	"github.com/fornellas/grblctl/internal/engine"
	"github.com/fornellas/grblctl/internal/enginetest"
	"github.com/fornellas/grblctl/jog"
	"github.com/fornellas/grblctl/recovery"
	"github.com/fornellas/grblctl/retry"
	"github.com/fornellas/grblctl/status"
	"github.com/fornellas/grblctl/transport"
	"github.com/fornellas/grblctl/transport/transporttest"
)

type machine struct {
	*Controller
	ctx        context.Context
	controller *transporttest.Controller

	mu   sync.Mutex
	port *transporttest.FakePort
}

func (m *machine) Port() *transporttest.FakePort {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.port
}

func newMachine(t *testing.T, controller *transporttest.Controller) *machine {
	ctx, cancel := context.WithCancel(enginetest.Context(t))
	m := &machine{ctx: ctx, controller: controller}
	options := Options{
		Engine: engine.Options{
			Transport: transport.Options{
				HandshakeTimeout: time.Second,
				CommandTimeout:   time.Second,
				ReadTimeout:      5 * time.Millisecond,
				Reconnect:        retry.Policy{InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond, Multiplier: 1},
			},
			Poller: status.PollerOptions{Fast: 2 * time.Millisecond, Medium: 2 * time.Millisecond, Slow: 5 * time.Millisecond},
		},
		Execution: execution.DefaultOptions(),
		Jog:       jog.DefaultOptions(),
		Recovery:  recovery.Options{SettleDelay: 20 * time.Millisecond, Backoff: time.Millisecond},
	}
	m.Controller = New(func(context.Context) (transport.Port, error) {
		port := controller.Port()
		m.mu.Lock()
		m.port = port
		m.mu.Unlock()
		return port, nil
	}, options)

	errCh := make(chan error, 1)
	go func() { errCh <- m.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-errCh:
			require.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("controller did not stop")
		}
	})

	waitCtx, waitCancel := context.WithTimeout(ctx, 5*time.Second)
	defer waitCancel()
	state, err := m.WaitReady(waitCtx)
	require.NoError(t, err)
	require.Equal(t, grbl.StateIdle, state.Mode)
	return m
}

func (m *machine) waitSession(t *testing.T, state execution.State) execution.Info {
	t.Helper()
	var info execution.Info
	require.Eventually(t, func() bool {
		var err error
		info, err = m.Execution.Info()
		return err == nil && info.State == state
	}, 5*time.Second, time.Millisecond)
	return info
}

func TestStreamProgram(t *testing.T) {
	controller := transporttest.NewController()
	m := newMachine(t, controller)

	_, err := m.Execution.Load(m.ctx, execution.NewProgram([]string{"G21", "G90", "G0 X1"}))
	require.NoError(t, err)
	require.NoError(t, m.Execution.Start(m.ctx))
	info := m.waitSession(t, execution.StateCompleted)
	require.Equal(t, 3, info.Acknowledged)
	require.Empty(t, info.LastError)
	require.Equal(t, []string{"G21", "G90", "G0X1"}, controller.Lines()[2:])
}

func TestDisconnectFaultsSession(t *testing.T) {
	controller := transporttest.NewController()
	var hang sync.Once
	controller.Respond = func(line string) string {
		if strings.HasPrefix(line, "G1") {
			reply := ""
			hang.Do(func() { reply = "\r\n" })
			return reply
		}
		return ""
	}
	m := newMachine(t, controller)

	_, err := m.Execution.Load(m.ctx, execution.NewProgram([]string{"G1 X1 F100", "G1 X2"}))
	require.NoError(t, err)
	require.NoError(t, m.Execution.Start(m.ctx))
	m.waitSession(t, execution.StateRunning)
	require.Eventually(t, func() bool {
		return m.Queue.Unacknowledged() > 0
	}, 5*time.Second, time.Millisecond)

	require.NoError(t, m.Port().Close())
	info := m.waitSession(t, execution.StateFaulted)
	require.Contains(t, info.LastError, engine.ErrDisconnected.Error())

	// Reconnects by itself.
	waitCtx, cancel := context.WithTimeout(m.ctx, 5*time.Second)
	defer cancel()
	_, err = m.WaitReady(waitCtx)
	require.NoError(t, err)
	require.Equal(t, "", m.Lock.Holder())
}

func TestUnlock(t *testing.T) {
	controller := transporttest.NewController()
	m := newMachine(t, controller)
	controller.SetState("Alarm")
	require.Eventually(t, func() bool {
		return m.Synchronizer.Mode() == grbl.StateAlarm
	}, 5*time.Second, time.Millisecond)

	require.NoError(t, m.Unlock(m.ctx))
	require.Equal(t, "Idle", controller.State())
	require.Eventually(t, func() bool {
		return m.Synchronizer.Mode() == grbl.StateIdle
	}, 5*time.Second, time.Millisecond)
}

func TestStop(t *testing.T) {
	controller := transporttest.NewController()
	m := newMachine(t, controller)

	require.NoError(t, m.Stop(m.ctx))

	require.NoError(t, m.Jog.Start(m.ctx, jog.Request{Axis: "X", Direction: 1}))
	require.Eventually(t, func() bool {
		return m.Synchronizer.Mode() == grbl.StateJog
	}, 5*time.Second, time.Millisecond)
	require.NoError(t, m.Stop(m.ctx))
	_, ok := m.Jog.Active()
	require.False(t, ok)
	require.Equal(t, 1, strings.Count(m.Port().Written(), "\x85"))
}
