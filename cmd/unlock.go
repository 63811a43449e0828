package main

import (
	"errors"

	"github.com/fornellas/slogxt/log"
	"github.com/spf13/cobra"
)

var UnlockCmd = &cobra.Command{
	Use:   "unlock",
	Short: "Clear an alarm.",
	Long:  "Unlocks the controller, escalating to a soft reset when unlocking alone does not clear the alarm. Nothing is resumed.",
	Args:  cobra.NoArgs,
	Run: GetRunFn(func(cmd *cobra.Command, args []string) (err error) {
		ctx, logger := log.MustWithAttrs(
			cmd.Context(),
			"port-name", portName,
			"address", address,
		)
		ctx, cancel := SignalContext(ctx)
		defer cancel()
		cmd.SetContext(ctx)

		cfg, err := LoadConfig()
		if err != nil {
			return err
		}
		c, stop, err := Connect(ctx, cfg)
		if err != nil {
			return err
		}
		defer func() { err = errors.Join(err, stop()) }()

		if err := c.Unlock(ctx); err != nil {
			return err
		}
		logger.Info("Unlocked", "mode", c.Synchronizer.Mode())
		return nil
	}),
}

func init() {
	AddPortFlags(UnlockCmd)
	AddReadyTimeoutFlag(UnlockCmd)

	RootCmd.AddCommand(UnlockCmd)
}
