package observe

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// tracerName is the instrumentation scope for all voxbridge spans.
const tracerName = "github.com/voxbridge/voxbridge"

// Tracer returns the module tracer from the globally registered provider.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartTurn opens the root span for one conversation turn.
func StartTurn(ctx context.Context, sessionID, turnID string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "turn",
		trace.WithAttributes(
			attribute.String("session_id", sessionID),
			attribute.String("turn_id", turnID),
		))
}

// EndTurn closes a turn span with the sealed status attached.
func EndTurn(span trace.Span, status string) {
	span.SetAttributes(attribute.String("turn.status", status))
	span.End()
}

// StartStage opens a child span for one pipeline stage, e.g. "validate",
// "asr", "agent" or "tts".
func StartStage(ctx context.Context, stage string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "pipeline."+stage)
}

// EndStage closes a stage span, recording err when the stage failed.
func EndStage(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// TraceID returns the active trace id for log correlation, or "" when the
// context carries no recording span.
func TraceID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}
