package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fornellas/slogxt/log"
	"github.com/spf13/cobra"

	"github.com/fornellas/grblctl/config"
	"github.com/fornellas/grblctl/controller"
)

// Exit terminates the process. Tests replace it.
var Exit = os.Exit

// GetRunFn adapts fn to cobra, logging its error and exiting with a non zero code.
func GetRunFn(fn func(cmd *cobra.Command, args []string) error) func(cmd *cobra.Command, args []string) {
	return func(cmd *cobra.Command, args []string) {
		if err := fn(cmd, args); err != nil {
			logger := log.MustLogger(cmd.Context())
			logger.Error("Failed", "err", err)
			Exit(1)
		}
	}
}

var readyTimeout time.Duration
var defaultReadyTimeout = 15 * time.Second

func AddReadyTimeoutFlag(cmd *cobra.Command) {
	cmd.PersistentFlags().DurationVar(&readyTimeout, "ready-timeout", defaultReadyTimeout, "How long to wait for the controller to be connected")
}

// SignalContext returns a context cancelled on SIGINT or SIGTERM.
func SignalContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
}

// Connect starts a controller from cfg and waits until it is ready. stop ends its workers and
// returns their error.
func Connect(ctx context.Context, cfg config.Config) (c *controller.Controller, stop func() error, err error) {
	logger := log.MustLogger(ctx)

	openPortFn, err := GetOpenPortFn(cfg.Connection)
	if err != nil {
		return nil, nil, err
	}

	c = controller.New(openPortFn, cfg.ControllerOptions())
	runCtx, cancel := context.WithCancel(ctx)
	errCh := make(chan error, 1)
	go func() { errCh <- c.Run(runCtx) }()
	stop = func() error {
		cancel()
		return <-errCh
	}

	logger.Info("Connecting")
	waitCtx, waitCancel := context.WithTimeout(ctx, readyTimeout)
	defer waitCancel()
	state, err := c.WaitReady(waitCtx)
	if err != nil {
		return nil, nil, errors.Join(fmt.Errorf("controller not ready: %w", err), stop())
	}
	if handshake := c.Transport.Handshake(); handshake != nil {
		logger = logger.With("firmware", handshake.Firmware, "buffer", handshake.BufferCapacity)
	}
	logger.Info("Ready", "mode", state.Mode)
	return c, stop, nil
}

func init() {
	resetFlagsFns = append(resetFlagsFns, func() {
		readyTimeout = defaultReadyTimeout
	})
}
