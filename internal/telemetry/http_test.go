package telemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestHTTPMetrics_Middleware(t *testing.T) {
	t.Parallel()

	t.Run("passes through when metrics is nil", func(t *testing.T) {
		t.Parallel()

		var metrics *HTTPMetrics
		wrapped := metrics.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusTeapot)
		}))

		rr := httptest.NewRecorder()
		wrapped.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
		assert.Equal(t, http.StatusTeapot, rr.Code)
	})

	t.Run("records route pattern and status", func(t *testing.T) {
		t.Parallel()

		mp, reader := newManualProvider(t)
		metrics, err := NewHTTPMetrics(mp)
		require.NoError(t, err)

		router := chi.NewRouter()
		router.Use(metrics.Middleware)
		router.Get("/v1/entities/{kind}", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
		})

		for _, path := range []string{"/v1/entities/tag", "/v1/entities/project", "/nope"} {
			router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
		}

		m, ok := findMetric(t, reader, HTTPMetricsMeterName, "chronosync_http_requests_total")
		require.True(t, ok)
		sum := m.Data.(metricdata.Sum[int64])

		counts := make(map[string]int64)
		for _, dp := range sum.DataPoints {
			route, _ := dp.Attributes.Value(attribute.Key("route"))
			counts[route.AsString()] += dp.Value
		}
		assert.Equal(t, map[string]int64{
			"/v1/entities/{kind}": 2,
			unknownRoute:          1,
		}, counts)
	})
}

func TestTracingMiddleware(t *testing.T) {
	t.Parallel()

	t.Run("passes through without provider", func(t *testing.T) {
		t.Parallel()

		handler := TracingMiddleware(nil)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusAccepted)
		}))
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
		assert.Equal(t, http.StatusAccepted, rr.Code)
	})

	t.Run("names spans after the route and marks errors", func(t *testing.T) {
		t.Parallel()

		recorder := tracetest.NewSpanRecorder()
		tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
		t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

		router := chi.NewRouter()
		router.Use(TracingMiddleware(tp))
		router.Get("/v1/status", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
		router.Get("/v1/fail", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})

		router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/v1/status", nil))
		router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/v1/fail", nil))

		spans := recorder.Ended()
		require.Len(t, spans, 2)
		assert.Equal(t, "GET /v1/status", spans[0].Name())
		assert.NotEqual(t, codes.Error, spans[0].Status().Code)
		assert.Equal(t, "GET /v1/fail", spans[1].Name())
		assert.Equal(t, codes.Error, spans[1].Status().Code)
	})
}
