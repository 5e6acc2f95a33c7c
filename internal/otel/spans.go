package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for Warden spans.
var (
	AttrAgentID = attribute.Key("warden.agent.id")
	AttrTaskID  = attribute.Key("warden.task.id")
	AttrWave    = attribute.Key("warden.cleanup.wave")
	AttrOutcome = attribute.Key("warden.outcome")
	AttrReason  = attribute.Key("warden.reason")
)

// Tracer returns the globally registered Warden tracer. Before Init (or with
// telemetry disabled) this is a no-op tracer.
func Tracer() trace.Tracer {
	return otel.GetTracerProvider().Tracer(TracerName)
}

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartClientSpan starts a client span for outbound calls such as webhook delivery.
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
