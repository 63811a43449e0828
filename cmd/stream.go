package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/fornellas/slogxt/log"
	"github.com/spf13/cobra"

	"github.com/fornellas/grblctl/execution"
)

// awaitSession waits for the session to finish, stopping it when ctx ends first.
func awaitSession(ctx context.Context, manager *execution.Manager, infos <-chan execution.Info) (execution.Info, error) {
	logger := log.MustLogger(ctx)
	progress := -1
	for {
		select {
		case info, ok := <-infos:
			if !ok {
				return execution.Info{}, errors.New("session updates closed")
			}
			if percent := info.Acknowledged * 100 / max(info.Total, 1); percent/10 != progress/10 {
				progress = percent
				logger.Info("Progress", "state", info.State, "acknowledged", info.Acknowledged, "total", info.Total, "percent", percent)
			}
			if info.State.Terminal() {
				return info, nil
			}
		case <-ctx.Done():
			logger.Warn("Interrupted, stopping")
			stopCtx := context.WithoutCancel(ctx)
			if err := manager.Stop(stopCtx); err != nil && !errors.Is(err, execution.ErrInvalidTransition) {
				return execution.Info{}, fmt.Errorf("failed to stop: %w", err)
			}
			info, err := manager.Info()
			if err != nil {
				return info, err
			}
			return info, ctx.Err()
		}
	}
}

var StreamCmd = &cobra.Command{
	Use:   "stream path",
	Short: "Stream a program to the controller and wait for it to complete.",
	Long:  "Loads the program at path, runs it and waits until the machine is idle again. An interrupt stops the machine.",
	Args:  cobra.ExactArgs(1),
	Run: GetRunFn(func(cmd *cobra.Command, args []string) (err error) {
		path := args[0]

		ctx, logger := log.MustWithAttrs(
			cmd.Context(),
			"port-name", portName,
			"address", address,
			"file", path,
		)
		ctx, cancel := SignalContext(ctx)
		defer cancel()
		cmd.SetContext(ctx)

		cfg, err := LoadConfig()
		if err != nil {
			return err
		}

		logger.Info("Opening path")
		file, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("failed to open file: %w", err)
		}
		program, err := execution.ReadProgram(file)
		err = errors.Join(err, file.Close())
		if err != nil {
			return fmt.Errorf("failed to read program: %w", err)
		}

		c, stop, err := Connect(ctx, cfg)
		if err != nil {
			return err
		}
		defer func() { err = errors.Join(err, stop()) }()

		infos := c.Execution.Subscribe("stream")
		defer c.Execution.Unsubscribe("stream")

		id, err := c.Execution.Load(ctx, program)
		if err != nil {
			return err
		}
		logger.Info("Streaming", "id", id, "lines", len(program))
		if err := c.Execution.Start(ctx); err != nil {
			return err
		}

		info, err := awaitSession(ctx, c.Execution, infos)
		if err != nil {
			return err
		}
		if info.State == execution.StateFaulted {
			return fmt.Errorf("program faulted at line %d of %d: %s", info.Cursor+1, info.Total, info.LastError)
		}
		logger.Info("Completed", "position", info.LastPosition)
		return nil
	}),
}

func init() {
	AddPortFlags(StreamCmd)
	AddReadyTimeoutFlag(StreamCmd)

	RootCmd.AddCommand(StreamCmd)
}
