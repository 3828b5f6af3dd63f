// Package otel provides OpenTelemetry span helpers shared by the sync core.
package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/chronodesk/chronosync/internal/apierr"
)

// Attribute keys used across the sync core.
const (
	AttrSyncOperation  = attribute.Key("sync.operation")
	AttrSyncFull       = attribute.Key("sync.full")
	AttrChangeCount    = attribute.Key("sync.change_count")
	AttrPendingCount   = attribute.Key("sync.pending_count")
	AttrModelType      = attribute.Key("model.type")
	AttrRealtimeAction = attribute.Key("realtime.action")
	AttrErrorKind      = attribute.Key("error.kind")
)

// StartSpan starts a new span if the tracer is non-nil, otherwise returns a no-op span.
func StartSpan(
	ctx context.Context,
	tracer trace.Tracer,
	name string,
	opts ...trace.SpanStartOption,
) (context.Context, trace.Span) {
	if tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return tracer.Start(ctx, name, opts...)
}

// RecordError records err on the span, tags it with its error kind when it
// carries one, and marks the span failed. The status description stays
// generic; details live in the exception event.
func RecordError(span trace.Span, err error) {
	if err == nil || span == nil {
		return
	}
	span.RecordError(err)
	if kind := apierr.KindOf(err); kind != 0 {
		span.SetAttributes(AttrErrorKind.String(kind.String()))
	}
	span.SetStatus(codes.Error, "operation failed")
}
