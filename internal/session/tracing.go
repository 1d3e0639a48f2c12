package session

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/mux-run/mux/internal/common/tracing"
)

const sessionTracerName = "mux-session"

func sessionTracer() trace.Tracer {
	return tracing.Tracer(sessionTracerName)
}

// traceSendMessage creates a span covering one sendMessage call.
func traceSendMessage(ctx context.Context, workspaceID string, hasEditTarget bool) (context.Context, trace.Span) {
	ctx, span := sessionTracer().Start(ctx, "session.send_message",
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	span.SetAttributes(
		attribute.String("workspace_id", workspaceID),
		attribute.Bool("has_edit_target", hasEditTarget),
	)
	return ctx, span
}

// traceCompaction creates a span covering one compaction procedure run.
func traceCompaction(ctx context.Context, workspaceID string, trigger string) (context.Context, trace.Span) {
	ctx, span := sessionTracer().Start(ctx, "session.compact",
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	span.SetAttributes(
		attribute.String("workspace_id", workspaceID),
		attribute.String("trigger", trigger),
	)
	return ctx, span
}

// traceStreamResult records the terminal status of a span created above.
func traceStreamResult(span trace.Span, status string, err error) {
	span.SetAttributes(attribute.String("status", status))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
