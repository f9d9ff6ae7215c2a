// Package server implements the command that serves the sitedock HTTP API.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sitedock/sitedock/app"
	"github.com/sitedock/sitedock/cmd/utils"
	"github.com/sitedock/sitedock/web/routes"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 30 * time.Second

// NewCmdServer creates a command that serves the HTTP API
func NewCmdServer(getApp utils.AppFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "server",
		Short: "Run the sitedock API server",
		Long: `Serve the JSON API on the configured host and port until SIGINT or
SIGTERM is received. Periodic maintenance is not run by the server; schedule
"sitedock tick" with cron instead.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			go handleShutdown(ctx, cancel)

			return runServer(ctx, getApp())
		},
	}

	return cmd
}

// NewHandler builds the API router for an initialized application
func NewHandler(a *app.App) http.Handler {
	return routes.NewRouter(routes.Services{
		Sites:   a.Sites,
		Deploys: a.Deploys,
		Proxy:   a.Proxy,
		Updates: a.Updater,
		Metrics: a.Metrics,
		Health: func(ctx context.Context) error {
			sqlDB, err := a.DB.DB()
			if err != nil {
				return err
			}
			return sqlDB.PingContext(ctx)
		},
	})
}

func runServer(ctx context.Context, a *app.App) error {
	address := fmt.Sprintf("%s:%d", a.Config.HTTPHost, a.Config.HTTPPort)
	server := &http.Server{
		Addr:              address,
		Handler:           NewHandler(a),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("API server starting", "address", "http://"+address, "version", app.CurrentVersion(a.Config))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err, ok := <-serveErr:
		if ok {
			return fmt.Errorf("API server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	slog.Info("Shutting down API server")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("API server shutdown failed: %w", err)
	}

	slog.Info("API server stopped")
	return nil
}

// handleShutdown cancels the server context on SIGINT or SIGTERM
func handleShutdown(ctx context.Context, cancel context.CancelFunc) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case <-sigChan:
		slog.Info("Shutdown signal received")
		cancel()
	case <-ctx.Done():
	}
}
