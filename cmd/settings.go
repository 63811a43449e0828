package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/fornellas/slogxt/log"
	"github.com/spf13/cobra"

	"github.com/fornellas/grblctl/controller"
	"github.com/fornellas/grblctl/grbl"
	iFmt "github.com/fornellas/grblctl/internal/fmt"
)

var settingsDescribe bool
var defaultSettingsDescribe = false

var settingsParameters bool
var defaultSettingsParameters = false

// settingKeys sorts numeric keys by value, then path keys.
func settingKeys(settings grbl.Settings) []string {
	keys := make([]string, 0, len(settings))
	for key := range settings {
		keys = append(keys, key)
	}
	slices.SortFunc(keys, func(a, b string) int {
		ia, errA := strconv.Atoi(a)
		ib, errB := strconv.Atoi(b)
		switch {
		case errA == nil && errB == nil:
			return ia - ib
		case errA == nil:
			return -1
		case errB == nil:
			return 1
		}
		return strings.Compare(a, b)
	})
	return keys
}

func writeSettings(w io.Writer, settings grbl.Settings, describe bool) error {
	for _, key := range settingKeys(settings) {
		setting := settings[key]
		line := fmt.Sprintf("$%s=%s", setting.Key, setting.Value)
		if describe && setting.Description != "" {
			line = fmt.Sprintf("%-16s ; %s", line, setting.Description)
		}
		if _, err := fmt.Fprintln(w, line); err != nil {
			return err
		}
	}
	return nil
}

func coordinatesWords(c *grbl.Coordinates) string {
	words := fmt.Sprintf("X%s Y%s Z%s", iFmt.SprintFloat(c.X, 4), iFmt.SprintFloat(c.Y, 4), iFmt.SprintFloat(c.Z, 4))
	if c.A != nil {
		words += " A" + iFmt.SprintFloat(*c.A, 4)
	}
	return words
}

// writeParameters queries $# and writes the commands restoring the persisted coordinates.
func writeParameters(ctx context.Context, w io.Writer, c *controller.Controller) error {
	messages := c.SubscribeMessages("settings")
	defer c.UnsubscribeMessages("settings")
	if err := c.Queue.SendWithConfirmation(ctx, grbl.SystemCommandViewParameters, "settings", 5*time.Second); err != nil {
		return fmt.Errorf("failed to read parameters: %w", err)
	}

	systems := map[string]*grbl.Coordinates{}
	var g28, g30 *grbl.Coordinates
	for collecting := true; collecting; {
		select {
		case message := <-messages:
			m, ok := message.(*grbl.GcodeParamPushMessage)
			if !ok {
				if _, ok := message.(*grbl.ResponseMessage); ok {
					collecting = false
				}
				continue
			}
			for name, coordinates := range m.GcodeParameters.CoordinateSystems {
				systems[name] = coordinates
			}
			if m.GcodeParameters.PrimaryPreDefinedPosition != nil {
				g28 = m.GcodeParameters.PrimaryPreDefinedPosition
			}
			if m.GcodeParameters.SecondaryPreDefinedPosition != nil {
				g30 = m.GcodeParameters.SecondaryPreDefinedPosition
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	lines := []string{}
	for i, name := range []string{"G54", "G55", "G56", "G57", "G58", "G59"} {
		if coordinates, ok := systems[name]; ok {
			lines = append(lines, fmt.Sprintf("G10 L2 P%d %s", i+1, coordinatesWords(coordinates)))
		}
	}
	if g28 != nil {
		lines = append(lines, "G0 G53 "+coordinatesWords(g28), "G28.1")
	}
	if g30 != nil {
		lines = append(lines, "G0 G53 "+coordinatesWords(g30), "G30.1")
	}
	for _, line := range lines {
		if _, err := fmt.Fprintln(w, line); err != nil {
			return err
		}
	}
	return nil
}

var SettingsCmd = &cobra.Command{
	Use:   "settings",
	Short: "Print the controller settings.",
	Long:  "Prints the settings read when connecting, as $N=value lines that can be sent back to restore them.",
	Args:  cobra.NoArgs,
	Run: GetRunFn(func(cmd *cobra.Command, args []string) (err error) {
		ctx, _ := log.MustWithAttrs(
			cmd.Context(),
			"port-name", portName,
			"address", address,
			"output", outputValue.String(),
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

		output, err := outputValue.WriterCloser(cmd.OutOrStdout())
		if err != nil {
			return err
		}
		defer func() { err = errors.Join(err, output.Close()) }()

		if err := writeSettings(output, c.Settings(), settingsDescribe); err != nil {
			return err
		}
		if settingsParameters {
			return writeParameters(ctx, output, c)
		}
		return nil
	}),
}

func init() {
	AddPortFlags(SettingsCmd)
	AddReadyTimeoutFlag(SettingsCmd)
	AddOutputFlags(SettingsCmd)
	SettingsCmd.Flags().BoolVar(&settingsDescribe, "describe", defaultSettingsDescribe, "Append the meaning of each setting as a comment")
	SettingsCmd.Flags().BoolVar(&settingsParameters, "parameters", defaultSettingsParameters, "Also print commands restoring coordinate systems and predefined positions")

	RootCmd.AddCommand(SettingsCmd)

	resetFlagsFns = append(resetFlagsFns, func() {
		settingsDescribe = defaultSettingsDescribe
		settingsParameters = defaultSettingsParameters
	})
}
