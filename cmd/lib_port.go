package main

import (
	"context"
	"fmt"

	"github.com/fornellas/slogxt/log"
	"github.com/spf13/cobra"
	"go.bug.st/serial"

	"github.com/fornellas/grblctl/config"
	"github.com/fornellas/grblctl/serialtcp"
	"github.com/fornellas/grblctl/transport"
)

var portName string
var defaultPortName = ""

var address string
var defaultAddress = ""

func AddPortFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().StringVarP(&portName, "port-name", "p", defaultPortName, "Serial port name to open")
	cmd.PersistentFlags().StringVarP(&address, "address", "a", defaultAddress, "TCP address of a serial bridge to connect to")
}

func serialMode(baudRate int) *serial.Mode {
	return &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
}

// GetOpenPortFn returns how to open a fresh port to the controller on every connection attempt.
func GetOpenPortFn(connection config.Connection) (transport.OpenPortFn, error) {
	if connection.PortName != "" && connection.Address != "" {
		return nil, fmt.Errorf("flags --port-name and --address can not be set simultaneously")
	}

	if connection.PortName != "" {
		return func(ctx context.Context) (transport.Port, error) {
			log.MustLogger(ctx).Debug("Opening serial port", "port-name", connection.PortName, "baud-rate", connection.BaudRate)
			port, err := serial.Open(connection.PortName, serialMode(connection.BaudRate))
			if err != nil {
				return nil, fmt.Errorf("%s: %w", connection.PortName, err)
			}
			return port, nil
		}, nil
	}

	if connection.Address != "" {
		return func(ctx context.Context) (transport.Port, error) {
			port, err := serialtcp.TcpPortDial(ctx, connection.Address, connection.HandshakeTimeout)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", connection.Address, err)
			}
			return port, nil
		}, nil
	}

	return nil, fmt.Errorf("either --port-name or --address must be set")
}

func init() {
	resetFlagsFns = append(resetFlagsFns, func() {
		portName = defaultPortName
		address = defaultAddress
	})
}
