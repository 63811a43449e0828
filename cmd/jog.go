package main

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/fornellas/slogxt/log"
	"github.com/spf13/cobra"

	"github.com/fornellas/grblctl/jog"
)

var jogAxis string
var defaultJogAxis = ""

var jogDistance float64
var defaultJogDistance = 0.0

var jogFeed float64
var defaultJogFeed = 0.0

var JogCmd = &cobra.Command{
	Use:   "jog",
	Short: "Move one axis by a distance.",
	Long:  "Jogs one axis by --distance millimeters, negative distances moving towards the axis negative end.",
	Args:  cobra.NoArgs,
	Run: GetRunFn(func(cmd *cobra.Command, args []string) (err error) {
		ctx, logger := log.MustWithAttrs(
			cmd.Context(),
			"port-name", portName,
			"address", address,
			"axis", jogAxis,
			"distance", jogDistance,
			"feed", jogFeed,
		)
		ctx, cancel := SignalContext(ctx)
		defer cancel()
		cmd.SetContext(ctx)

		if jogDistance == 0 {
			return fmt.Errorf("--distance must not be zero")
		}
		direction := 1
		if jogDistance < 0 {
			direction = -1
		}

		cfg, err := LoadConfig()
		if err != nil {
			return err
		}
		c, stop, err := Connect(ctx, cfg)
		if err != nil {
			return err
		}
		defer func() { err = errors.Join(err, stop()) }()

		if err := c.Jog.Step(ctx, jog.Request{
			Axis:      strings.ToUpper(jogAxis),
			Direction: direction,
			Feed:      jogFeed,
			Distance:  math.Abs(jogDistance),
		}); err != nil {
			return err
		}
		logger.Info("Jogged")
		return nil
	}),
}

func init() {
	AddPortFlags(JogCmd)
	AddReadyTimeoutFlag(JogCmd)
	JogCmd.Flags().StringVar(&jogAxis, "axis", defaultJogAxis, "Axis to move: X, Y, Z or A")
	if err := JogCmd.MarkFlagRequired("axis"); err != nil {
		panic(err)
	}
	JogCmd.Flags().Float64Var(&jogDistance, "distance", defaultJogDistance, "Distance in millimeters")
	JogCmd.Flags().Float64Var(&jogFeed, "feed", defaultJogFeed, "Feed in mm/min, default from configuration")

	RootCmd.AddCommand(JogCmd)

	resetFlagsFns = append(resetFlagsFns, func() {
		jogAxis = defaultJogAxis
		jogDistance = defaultJogDistance
		jogFeed = defaultJogFeed
	})
}
