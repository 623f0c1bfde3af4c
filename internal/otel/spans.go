package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for missiond spans and metrics.
var (
	AttrLoop      = attribute.Key("missiond.loop")
	AttrTaskID    = attribute.Key("missiond.task.id")
	AttrAgentID   = attribute.Key("missiond.agent.id")
	AttrSessionID = attribute.Key("missiond.session.id")
	AttrJobID     = attribute.Key("missiond.job.id")
	AttrMethod    = attribute.Key("missiond.gateway.method")
	AttrOutcome   = attribute.Key("missiond.outcome")
	AttrEventType = attribute.Key("missiond.event.type")
)

// StartSpan starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan starts a span for an inbound request on the request surface.
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// StartClientSpan starts a span for an outbound call (Gateway RPC, event relay, test trigger).
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
