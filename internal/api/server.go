package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/chronodesk/chronosync/internal/api/common"
	"github.com/chronodesk/chronosync/internal/app"
	"github.com/chronodesk/chronosync/internal/versions"
)

// StatusProvider is the part of the client the status server reports on.
//
//go:generate mockgen -destination=mocks/mock_status_provider.go -package=mocks -source=server.go StatusProvider
type StatusProvider interface {
	Status(ctx context.Context) (*app.Status, error)
	BackendStatus() error
}

// ServerOption configures the status server
type ServerOption func(*serverConfig)

// serverConfig holds the server configuration
type serverConfig struct {
	middlewares []func(http.Handler) http.Handler
	registry    *prometheus.Registry
}

// WithMiddlewares adds middleware to the server
func WithMiddlewares(mw ...func(http.Handler) http.Handler) ServerOption {
	return func(cfg *serverConfig) {
		cfg.middlewares = append(cfg.middlewares, mw...)
	}
}

// WithMetricsRegistry serves the registry on /metrics
func WithMetricsRegistry(registry *prometheus.Registry) ServerOption {
	return func(cfg *serverConfig) {
		cfg.registry = registry
	}
}

// NewServer creates and configures the HTTP router for the given client
func NewServer(provider StatusProvider, opts ...ServerOption) *chi.Mux {
	cfg := &serverConfig{
		middlewares: []func(http.Handler) http.Handler{},
	}
	for _, opt := range opts {
		opt(cfg)
	}

	r := chi.NewRouter()
	for _, mw := range cfg.middlewares {
		r.Use(mw)
	}

	routes := &routes{provider: provider}
	r.Get("/health", routes.health)
	r.Get("/readiness", routes.readiness)
	r.Route("/v1", func(r chi.Router) {
		r.Get("/status", routes.status)
		r.Get("/version", routes.version)
	})

	if cfg.registry != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(cfg.registry, promhttp.HandlerOpts{}))
	}

	return r
}

type routes struct {
	provider StatusProvider
}

// health reports that the process is serving
func (*routes) health(w http.ResponseWriter, _ *http.Request) {
	common.WriteJSONResponse(w, HealthResponse{Status: "healthy"}, http.StatusOK)
}

// readiness reports whether backend calls are currently allowed
func (rt *routes) readiness(w http.ResponseWriter, _ *http.Request) {
	if err := rt.provider.BackendStatus(); err != nil {
		common.WriteErrorResponse(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	common.WriteJSONResponse(w, ReadinessResponse{Status: "ready", Backend: "healthy"}, http.StatusOK)
}

func (rt *routes) status(w http.ResponseWriter, r *http.Request) {
	st, err := rt.provider.Status(r.Context())
	if err != nil {
		slog.Error("Failed to read client status", "error", err)
		common.WriteErrorResponse(w, "failed to read client status", http.StatusInternalServerError)
		return
	}
	common.WriteJSONResponse(w, st, http.StatusOK)
}

func (*routes) version(w http.ResponseWriter, _ *http.Request) {
	common.WriteJSONResponse(w, versions.GetVersionInfo(), http.StatusOK)
}

// LoggingMiddleware logs HTTP requests
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		slog.Debug("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
