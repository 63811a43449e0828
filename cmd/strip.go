package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/fornellas/grblctl/execution"
)

var StripCmd = &cobra.Command{
	Use:   "strip path",
	Short: "Print a program the way it is streamed.",
	Long:  "Strips comments, spaces, blank lines and % delimiters, printing each line as it would be sent to the controller.",
	Args:  cobra.ExactArgs(1),
	Run: GetRunFn(func(cmd *cobra.Command, args []string) (err error) {
		f, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer func() { err = errors.Join(err, f.Close()) }()

		program, err := execution.ReadProgram(f)
		if err != nil {
			return err
		}

		w, err := outputValue.WriterCloser(cmd.OutOrStdout())
		if err != nil {
			return err
		}
		defer func() { err = errors.Join(err, w.Close()) }()

		for _, line := range program {
			if _, err := fmt.Fprintln(w, line.Text); err != nil {
				return err
			}
		}
		return nil
	}),
}

func init() {
	AddOutputFlags(StripCmd)

	RootCmd.AddCommand(StripCmd)
}
