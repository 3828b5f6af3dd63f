package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/chronodesk/chronosync/internal/api"
	"github.com/chronodesk/chronosync/internal/model"
	"github.com/chronodesk/chronosync/internal/telemetry"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Keep synchronizing in the background",
	Long: `Run an initial full sync, then incremental syncs on the configured
interval. With sync.realtime enabled, server updates are applied as they
arrive. A local status server reports health, sync status and metrics.`,
	Args: cobra.NoArgs,
	RunE: runWatch,
}

const (
	defaultGracefulTimeout = 10 * time.Second
	serverRequestTimeout   = 10 * time.Second
	serverReadTimeout      = 10 * time.Second
	serverWriteTimeout     = 15 * time.Second // Must be > serverRequestTimeout to let middleware handle timeout
	serverIdleTimeout      = 60 * time.Second
)

func init() {
	watchCmd.Flags().String("listen", "", "Status server address (overrides status.listen, \"off\" disables)")
	if err := viper.BindPFlag("listen", watchCmd.Flags().Lookup("listen")); err != nil {
		slog.Error("Error binding listen flag", "error", err)
	}
}

func runWatch(cmd *cobra.Command, _ []string) error {
	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	cmd.SetContext(ctx)

	return withSession(cmd, func(ctx context.Context, s *session) error {
		s.client.SetChangeCallback(func(success bool, message string, change *model.ModelChange) {
			if !success {
				slog.Warn("Sync failed", "message", message)
				return
			}
			slog.Info("Model changed", "change", change.String())
		})

		address := viper.GetString("listen")
		if address == "" {
			address = s.config.Status.Listen
		}

		var server *http.Server
		if address != "off" {
			var err error
			server, err = startStatusServer(address, s)
			if err != nil {
				return err
			}
		}

		if s.config.Sync.Realtime {
			if err := s.client.StartRealtime(); err != nil {
				slog.Warn("Realtime updates unavailable", "error", err)
			}
		}

		if err := s.client.RunAutoSync(ctx); err != nil {
			return fmt.Errorf("background sync failed: %w", err)
		}
		slog.Info("Shutting down...")

		if server != nil {
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), defaultGracefulTimeout)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("status server forced to shutdown: %w", err)
			}
		}
		return nil
	})
}

func startStatusServer(address string, s *session) (*http.Server, error) {
	httpMetrics, err := telemetry.NewHTTPMetrics(s.telemetry.MeterProvider())
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP metrics: %w", err)
	}

	opts := []api.ServerOption{
		api.WithMiddlewares(
			middleware.RequestID,
			middleware.RealIP,
			middleware.Recoverer,
			middleware.Timeout(serverRequestTimeout),
			telemetry.TracingMiddleware(s.telemetry.TracerProvider()),
			httpMetrics.Middleware,
			api.LoggingMiddleware,
		),
	}
	if registry := s.telemetry.Registry(); registry != nil {
		opts = append(opts, api.WithMetricsRegistry(registry))
	}

	server := &http.Server{
		Addr:         address,
		Handler:      api.NewServer(s.client, opts...),
		ReadTimeout:  serverReadTimeout,
		WriteTimeout: serverWriteTimeout,
		IdleTimeout:  serverIdleTimeout,
	}

	go func() {
		slog.Info("Status server listening", "address", address)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Status server failed", "error", err)
		}
	}()
	return server, nil
}
