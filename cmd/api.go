package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/fornellas/slogxt/log"
	"github.com/spf13/cobra"

	"github.com/fornellas/grblctl/api"
)

var apiListenAddress string
var defaultAPIListenAddress = ""

var ApiCmd = &cobra.Command{
	Use:   "api",
	Short: "Serve the controller over HTTP.",
	Long: "Connects to the controller and serves its HTTP API, event streams and jog socket until interrupted. " +
		"There's NO authentication, this can only be used in secure networks at your own risk.",
	Args: cobra.NoArgs,
	Run: GetRunFn(func(cmd *cobra.Command, args []string) (err error) {
		ctx, cancel := SignalContext(cmd.Context())
		defer cancel()

		cfg, err := LoadConfig()
		if err != nil {
			return err
		}
		if apiListenAddress != "" {
			cfg.API.ListenAddress = apiListenAddress
		}

		ctx, logger := log.MustWithAttrs(
			ctx,
			"port-name", cfg.Connection.PortName,
			"address", cfg.Connection.Address,
			"listen-address", cfg.API.ListenAddress,
		)
		cmd.SetContext(ctx)

		c, stop, err := Connect(ctx, cfg)
		if err != nil {
			return err
		}
		defer func() { err = errors.Join(err, stop()) }()

		server := api.NewServer(ctx, c)
		eventsErrCh := make(chan error, 1)
		go func() { eventsErrCh <- server.Run(ctx) }()

		listener, err := net.Listen("tcp", cfg.API.ListenAddress)
		if err != nil {
			cancel()
			return errors.Join(fmt.Errorf("failed to listen: %s: %w", cfg.API.ListenAddress, err), <-eventsErrCh)
		}
		httpServer := &http.Server{
			Handler:           server,
			ReadHeaderTimeout: 10 * time.Second,
			BaseContext:       func(net.Listener) context.Context { return ctx },
		}
		serveErrCh := make(chan error, 1)
		go func() { serveErrCh <- httpServer.Serve(listener) }()
		logger.Info("Serving")

		select {
		case <-ctx.Done():
		case err = <-serveErrCh:
			cancel()
			return errors.Join(fmt.Errorf("server failed: %w", err), <-eventsErrCh)
		}

		logger.Info("Shutting down")
		// Event streams only end when events stop.
		err = <-eventsErrCh
		shutdownCtx, shutdownCancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer shutdownCancel()
		err = errors.Join(err, httpServer.Shutdown(shutdownCtx))
		if serveErr := <-serveErrCh; !errors.Is(serveErr, http.ErrServerClosed) {
			err = errors.Join(err, serveErr)
		}
		return err
	}),
}

func init() {
	AddPortFlags(ApiCmd)
	AddReadyTimeoutFlag(ApiCmd)
	ApiCmd.Flags().StringVar(&apiListenAddress, "listen-address", defaultAPIListenAddress, "Address to listen on (host:port), default from configuration")

	RootCmd.AddCommand(ApiCmd)

	resetFlagsFns = append(resetFlagsFns, func() {
		apiListenAddress = defaultAPIListenAddress
	})
}
