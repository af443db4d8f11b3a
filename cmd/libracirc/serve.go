package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"libracirc/internal/server"
	"libracirc/internal/telemetry"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	var port string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the circulation HTTP server and the expiry sweeper",
		Example: `  # Start with defaults and an in-memory journal
  libracirc serve

  # Journal to postgres, listen on 9000
  LIBRACIRC_JOURNAL_DRIVER=postgres DATABASE_URL=postgres://... libracirc serve --port 9000`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := opts.load()
			if err != nil {
				return err
			}
			if port != "" {
				cfg.Port = port
			}
			ctx := cmd.Context()

			shutdownTelemetry, err := telemetry.Setup(ctx, cfg.OTLPEndpoint, "libracirc", version)
			if err != nil {
				return err
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := shutdownTelemetry(shutdownCtx); err != nil {
					logger.Error("telemetry shutdown failed", "err", err)
				}
			}()

			app, err := server.Build(ctx, cfg, server.WithLogger(logger))
			if err != nil {
				return err
			}
			defer app.Close()

			sweepCtx, stopSweeper := context.WithCancel(ctx)
			sweepDone := make(chan struct{})
			go func() {
				defer close(sweepDone)
				app.Sweeper.Run(sweepCtx)
			}()
			defer func() {
				stopSweeper()
				<-sweepDone
			}()

			addr := ":" + cfg.Port
			srv := &http.Server{
				Addr:              addr,
				Handler:           app.Handler,
				ReadHeaderTimeout: 10 * time.Second,
			}

			serverErr := make(chan error, 1)
			go func() {
				logger.Info("circulation server listening", "addr", addr, "journal", cfg.Journal.Driver)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					serverErr <- err
				}
			}()

			select {
			case <-ctx.Done():
				logger.Info("shutting down server")
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := srv.Shutdown(shutdownCtx); err != nil {
					logger.Error("server shutdown failed", "err", err)
					return err
				}
				logger.Info("server stopped")
				return nil
			case err := <-serverErr:
				return err
			}
		},
	}

	cmd.Flags().StringVarP(&port, "port", "p", "", "Port to listen on (overrides configuration)")

	return cmd
}
