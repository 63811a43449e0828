// Package controller owns every component driving one machine: the engine core, program
// execution, jogging, probing and recovery. It is what the CLI and the API server talk to.
package controller

import (
	"context"
	"fmt"

	"github.com/fornellas/slogxt/log"

	"github.com/fornellas/grblctl/execution"
	"github.com/fornellas/grblctl/grbl"
	"github.com/fornellas/grblctl/internal/engine"
	"github.com/fornellas/grblctl/jog"
	"github.com/fornellas/grblctl/probe"
	"github.com/fornellas/grblctl/recovery"
	"github.com/fornellas/grblctl/status"
	"github.com/fornellas/grblctl/transport"
	"github.com/fornellas/grblctl/worker_manager"
)

type Options struct {
	Engine    engine.Options
	Execution execution.Options
	Jog       jog.Options
	Probe     probe.Options
	Recovery  recovery.Options
}

type Controller struct {
	*engine.Engine
	Execution *execution.Manager
	Jog       *jog.Controller
	Probe     *probe.Engine
	Recovery  *recovery.Recovery
}

func New(openPort transport.OpenPortFn, options Options) *Controller {
	c := &Controller{}
	onEvent := options.Engine.Transport.OnEvent
	options.Engine.Transport.OnEvent = func(ctx context.Context, event transport.Event) {
		c.handleEvent(ctx, event)
		if onEvent != nil {
			onEvent(ctx, event)
		}
	}
	c.Engine = engine.New(openPort, options.Engine)
	c.Recovery = recovery.New(c.Queue, c.Synchronizer, c.Poller, c.Lock, options.Recovery)
	c.Execution = execution.NewManager(c.Queue, c.Synchronizer, c.Poller, c.Recovery, c.Lock, options.Execution)
	c.Jog = jog.New(c.Queue, c.Synchronizer, c.Poller, c.Engine, options.Jog)
	c.Probe = probe.New(c.Queue, c.Synchronizer, c.Poller, c.Engine, c.Engine, c.Lock, options.Probe)
	return c
}

func (c *Controller) handleEvent(ctx context.Context, event transport.Event) {
	switch event.State {
	case transport.StateDisconnected:
		if event.Err != nil {
			c.Execution.Fault(ctx, fmt.Errorf("controller: %w: %w", engine.ErrDisconnected, event.Err))
		} else {
			c.Execution.Fault(ctx, fmt.Errorf("controller: %w", engine.ErrDisconnected))
		}
	case transport.StateReady:
		// A controller that restarted under a session dropped its program.
		c.Execution.Fault(ctx, fmt.Errorf("controller: %w", engine.ErrControllerReset))
	}
}

// Run runs every worker until ctx is done or one of them fails.
func (c *Controller) Run(ctx context.Context) error {
	wm := worker_manager.NewWorkerManager()
	c.AddWorkers(wm)
	wm.AddWorker("Execution", c.Execution.Run)
	err := wm.Run(ctx)
	c.Close()
	return err
}

// WaitReady waits for the controller to be connected and its mode known from a status report.
func (c *Controller) WaitReady(ctx context.Context) (status.MachineState, error) {
	logger := log.MustLogger(ctx)
	events := c.Transport.Subscribe("wait-ready")
	defer c.Transport.Unsubscribe("wait-ready")
	for c.Transport.State() != transport.StateReady {
		select {
		case <-events:
		case <-ctx.Done():
			return status.MachineState{}, fmt.Errorf("controller: waiting for connection: %w", ctx.Err())
		}
	}
	for {
		c.Poller.Kick()
		state, err := c.Synchronizer.AwaitReport(ctx)
		if err != nil {
			return state, fmt.Errorf("controller: waiting for status: %w", err)
		}
		if state.Mode != grbl.StateUnknown {
			logger.Debug("Ready", "mode", state.Mode)
			return state, nil
		}
	}
}

// Unlock brings the controller out of alarm.
func (c *Controller) Unlock(ctx context.Context) error {
	return c.Recovery.Recover(ctx)
}

// Stop halts whatever moves the machine: the jog, then the program session.
func (c *Controller) Stop(ctx context.Context) error {
	if err := c.Jog.Stop(ctx); err != nil {
		return err
	}
	info, err := c.Execution.Info()
	if err != nil {
		return nil
	}
	if info.State != execution.StateRunning && info.State != execution.StatePaused {
		return nil
	}
	return c.Execution.Stop(ctx)
}
