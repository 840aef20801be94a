package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "curator"

// StartRunSpan starts a span for an agent run.
func StartRunSpan(ctx context.Context, runID, agentID, agentType string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "run",
		trace.WithAttributes(
			attribute.String("run.id", runID),
			attribute.String("agent.id", agentID),
			attribute.String("agent.type", agentType),
		),
	)
}

// StartTickSpan starts a span for one polling scheduler tick.
func StartTickSpan(ctx context.Context) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "scheduler.tick")
}

// StartScheduledSpan starts a span for one scheduled agent fire.
func StartScheduledSpan(ctx context.Context, scheduledID, agentType string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "scheduled.fire",
		trace.WithAttributes(
			attribute.String("scheduled_agent.id", scheduledID),
			attribute.String("agent.type", agentType),
		),
	)
}

// StartUpstreamSpan starts a span for a call to an upstream content source.
func StartUpstreamSpan(ctx context.Context, source, operation string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, source+"."+operation,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("upstream.source", source)),
	)
}
