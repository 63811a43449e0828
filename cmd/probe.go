package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/fornellas/slogxt/log"
	"github.com/spf13/cobra"

	iFmt "github.com/fornellas/grblctl/internal/fmt"
)

var probeAxis string
var defaultProbeAxis = "Z"

var probeDirection int
var defaultProbeDirection = -1

var probeOffset float64
var defaultProbeOffset = 0.0

var ProbeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Measure an edge with the probe.",
	Long: "Approaches the probe along --axis in --direction, touches it several times and prints the " +
		"machine position all touches agree on. With --offset, the active work coordinate system is set " +
		"so the edge is at that coordinate.",
	Args: cobra.NoArgs,
	Run: GetRunFn(func(cmd *cobra.Command, args []string) (err error) {
		ctx, logger := log.MustWithAttrs(
			cmd.Context(),
			"port-name", portName,
			"address", address,
			"axis", probeAxis,
			"direction", probeDirection,
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

		measurement, err := c.Probe.Measure(ctx, strings.ToUpper(probeAxis), probeDirection)
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("offset") {
			if err := c.Probe.SetWorkOffset(ctx, measurement, probeOffset); err != nil {
				return err
			}
			logger.Info("Work offset set", "offset", probeOffset)
		}
		_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s\n", iFmt.SprintFloat(measurement.Position, 4))
		return err
	}),
}

func init() {
	AddPortFlags(ProbeCmd)
	AddReadyTimeoutFlag(ProbeCmd)
	ProbeCmd.Flags().StringVar(&probeAxis, "axis", defaultProbeAxis, "Axis to probe along")
	ProbeCmd.Flags().IntVar(&probeDirection, "direction", defaultProbeDirection, "Probing direction, 1 or -1")
	ProbeCmd.Flags().Float64Var(&probeOffset, "offset", defaultProbeOffset, "Work coordinate of the measured edge")

	RootCmd.AddCommand(ProbeCmd)

	resetFlagsFns = append(resetFlagsFns, func() {
		probeAxis = defaultProbeAxis
		probeDirection = defaultProbeDirection
		probeOffset = defaultProbeOffset
	})
}
