package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/fornellas/slogxt/log"
	"github.com/spf13/cobra"
	"go.bug.st/serial"
)

var listenAddress string
var defaultListenAddress = "127.0.0.1:9999"

// handleServeConnection pipes conn to a freshly opened serial port until either side closes.
func handleServeConnection(ctx context.Context, conn net.Conn, portName string, mode *serial.Mode) error {
	logger := log.MustLogger(ctx)

	if tcpConn, ok := conn.(*net.TCPConn); ok {
		if err := tcpConn.SetNoDelay(true); err != nil {
			return errors.Join(fmt.Errorf("failed to set TCP no delay: %w", err), conn.Close())
		}
	}

	logger.Info("Opening serial port")
	serialPort, err := serial.Open(portName, mode)
	if err != nil {
		return errors.Join(fmt.Errorf("failed to open: %s: %w", portName, err), conn.Close())
	}

	errCh := make(chan error, 2)
	go func() {
		_, err := io.Copy(conn, serialPort)
		errCh <- err
	}()
	go func() {
		_, err := io.Copy(serialPort, conn)
		errCh <- err
	}()

	select {
	case err = <-errCh:
	case <-ctx.Done():
	}
	logger.Info("Closing connection")
	err = errors.Join(err, conn.Close())
	logger.Info("Closing port")
	err = errors.Join(err, serialPort.Close())
	logger.Info("Waiting for copy routines to return")
	for range cap(errCh) - len(errCh) {
		<-errCh
	}

	return err
}

var ServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start a TCP server connected to a serial port.",
	Long:  "Opens serial port and a TCP server, and pipes communication between both, so --address can reach a controller attached to another host. There's NO security implemented, this can only be used in secure networks at your own risk.",
	Args:  cobra.NoArgs,
	Run: GetRunFn(func(cmd *cobra.Command, args []string) (err error) {
		ctx, cancel := SignalContext(cmd.Context())
		defer cancel()

		cfg, err := LoadConfig()
		if err != nil {
			return err
		}
		if cfg.Connection.PortName == "" {
			return fmt.Errorf("--port-name is required")
		}

		ctx, logger := log.MustWithAttrs(
			ctx,
			"port-name", cfg.Connection.PortName,
			"baud-rate", cfg.Connection.BaudRate,
			"listen-address", listenAddress,
		)
		cmd.SetContext(ctx)

		logger.Info("Listening")
		listener, err := net.Listen("tcp", listenAddress)
		if err != nil {
			return fmt.Errorf("failed to listen: %s: %w", listenAddress, err)
		}
		go func() {
			<-ctx.Done()
			if err := listener.Close(); err != nil {
				logger.Error("Failed to close listener", "err", err)
			}
		}()

		mode := serialMode(cfg.Connection.BaudRate)
		for {
			logger.Info("Accepting connection")
			conn, err := listener.Accept()
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				logger.Error("Failed to accept connection", "err", err)
				continue
			}
			connCtx, connLogger := log.MustWithGroupAttrs(
				ctx,
				"Connection",
				"LocalAddr", conn.LocalAddr(),
				"RemoteAddr", conn.RemoteAddr(),
			)
			connLogger.Info("Accepted")

			if err := handleServeConnection(connCtx, conn, cfg.Connection.PortName, mode); err != nil {
				connLogger.Error("Failed to handle connection", "err", err)
			}
		}
	}),
}

func init() {
	ServeCmd.PersistentFlags().StringVarP(&portName, "port-name", "p", defaultPortName, "Serial port name to open")
	ServeCmd.PersistentFlags().StringVar(&listenAddress, "listen-address", defaultListenAddress, "TCP address to listen on (host:port)")

	RootCmd.AddCommand(ServeCmd)

	resetFlagsFns = append(resetFlagsFns, func() {
		listenAddress = defaultListenAddress
	})
}
