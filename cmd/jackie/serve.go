package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ent0n29/jackie/internal/app"
)

func newServeCmd() *cobra.Command {
	var bind string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and websocket chat API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			if bind != "" {
				cfg.BindAddr = bind
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			built, err := app.Build(ctx, cfg, logger)
			if err != nil {
				return err
			}

			janitorCtx, stopJanitor := context.WithCancel(context.Background())
			janitorDone := built.Controller.StartJanitor(janitorCtx, cfg.SweepInterval)

			httpServer := &http.Server{
				Addr:    cfg.BindAddr,
				Handler: built.API.Router(),
			}
			serveErr := make(chan error, 1)
			go func() {
				logger.Info("server listening",
					"addr", cfg.BindAddr,
					"store", built.Store.Mode(),
					"generation", built.Backend,
				)
				if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					serveErr <- err
				}
				close(serveErr)
			}()

			var runErr error
			select {
			case <-ctx.Done():
				logger.Info("shutdown signal received")
			case err, ok := <-serveErr:
				if ok {
					runErr = err
					logger.Error("listen error", "err", err)
				}
			}

			stopJanitor()
			<-janitorDone

			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
			defer cancel()
			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				logger.Warn("graceful shutdown failed", "err", err)
				_ = httpServer.Close()
			}

			// The drain may have used up shutdownCtx; flushing gets its own budget.
			flushCtx, cancelFlush := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
			defer cancelFlush()
			closed := built.Orchestrator.CloseAll(flushCtx)
			logger.Info("sessions flushed", "closed", closed)

			if err := built.Cleanup(); err != nil {
				logger.Warn("store close failed", "err", err)
			}
			logger.Info("shutdown complete")
			return runErr
		},
	}

	cmd.Flags().StringVar(&bind, "bind", "", "Override APP_BIND_ADDR")
	return cmd
}
