package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "agentdeck"

// StartRunSpan starts a span for an agent run.
func StartRunSpan(ctx context.Context, sessionID, model string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "run",
		trace.WithAttributes(
			attribute.String("session.id", sessionID),
			attribute.String("run.model", model),
		),
	)
}

// StartGateSpan starts a span covering a gated tool authorization.
func StartGateSpan(ctx context.Context, toolUseID, tool string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "gate",
		trace.WithAttributes(
			attribute.String("tooluse.id", toolUseID),
			attribute.String("tooluse.tool", tool),
		),
	)
}
