package telemetry

import (
	"context"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/chronodesk/chronosync/internal/apierr"
)

const (
	// SyncMetricsMeterName is the name used for the sync metrics meter
	SyncMetricsMeterName = "github.com/chronodesk/chronosync/sync"

	// TransportMetricsMeterName is the name used for the backend transport meter
	TransportMetricsMeterName = "github.com/chronodesk/chronosync/transport"
)

// SyncMetrics holds the OpenTelemetry instruments for sync operation metrics
type SyncMetrics struct {
	syncDuration metric.Float64Histogram
	changesTotal metric.Int64Counter
}

// NewSyncMetrics creates a new SyncMetrics instance with the given meter provider.
// If provider is nil, it returns nil (no-op metrics).
func NewSyncMetrics(provider metric.MeterProvider) (*SyncMetrics, error) {
	if provider == nil {
		return nil, nil
	}

	meter := provider.Meter(SyncMetricsMeterName)

	syncDuration, err := meter.Float64Histogram(
		"chronosync_sync_duration_seconds",
		metric.WithDescription("Duration of sync operations in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60),
	)
	if err != nil {
		return nil, err
	}

	changesTotal, err := meter.Int64Counter(
		"chronosync_sync_changes_total",
		metric.WithDescription("Local model changes produced by sync operations"),
		metric.WithUnit("{change}"),
	)
	if err != nil {
		return nil, err
	}

	return &SyncMetrics{
		syncDuration: syncDuration,
		changesTotal: changesTotal,
	}, nil
}

// RecordSync records one push, pull, sync or realtime update
func (m *SyncMetrics) RecordSync(ctx context.Context, operation string, duration time.Duration, changes int, err error) {
	if m == nil || m.syncDuration == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("operation", operation),
		attribute.Bool("success", err == nil),
	}
	if err != nil {
		kind := apierr.KindOf(err)
		if kind != 0 {
			attrs = append(attrs, attribute.String("error_kind", kind.String()))
		}
	}

	m.syncDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	if changes > 0 {
		m.changesTotal.Add(ctx, int64(changes), metric.WithAttributes(attribute.String("operation", operation)))
	}
}

// TransportMetrics holds the instruments for backend requests
type TransportMetrics struct {
	requestDuration metric.Float64Histogram
	bansTotal       metric.Int64Counter
}

// NewTransportMetrics creates a new TransportMetrics instance with the given
// meter provider. If provider is nil, it returns nil (no-op metrics).
func NewTransportMetrics(provider metric.MeterProvider) (*TransportMetrics, error) {
	if provider == nil {
		return nil, nil
	}

	meter := provider.Meter(TransportMetricsMeterName)

	requestDuration, err := meter.Float64Histogram(
		"chronosync_backend_request_duration_seconds",
		metric.WithDescription("Duration of backend requests in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30),
	)
	if err != nil {
		return nil, err
	}

	bansTotal, err := meter.Int64Counter(
		"chronosync_backend_host_bans_total",
		metric.WithDescription("Times a backend host was banned after rate limiting"),
		metric.WithUnit("{ban}"),
	)
	if err != nil {
		return nil, err
	}

	return &TransportMetrics{
		requestDuration: requestDuration,
		bansTotal:       bansTotal,
	}, nil
}

// RecordResponse records one backend response
func (m *TransportMetrics) RecordResponse(ctx context.Context, host string, statusCode int, duration time.Duration) {
	if m == nil || m.requestDuration == nil {
		return
	}
	m.requestDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(
		attribute.String("host", host),
		attribute.String("status_code", strconv.Itoa(statusCode)),
	))
}

// RecordBan records a host ban
func (m *TransportMetrics) RecordBan(ctx context.Context, host string) {
	if m == nil || m.bansTotal == nil {
		return
	}
	m.bansTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("host", host)))
}
