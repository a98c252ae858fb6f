package tracing

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const sandboxTracerName = "agentplane-sandbox"

func sandboxTracer() trace.Tracer {
	return Tracer(sandboxTracerName)
}

// TraceSandboxRequest starts a client span for an RPC call into a sandbox.
// Caller must call span.End() when the response is received.
func TraceSandboxRequest(ctx context.Context, method, verb, agentID string) (context.Context, trace.Span) {
	ctx, span := sandboxTracer().Start(ctx, "sandbox."+method+" /"+verb,
		trace.WithSpanKind(trace.SpanKindClient),
	)
	span.SetAttributes(
		attribute.String("http.method", method),
		attribute.String("sandbox.verb", verb),
		attribute.String("agent_id", agentID),
	)
	return ctx, span
}

// TraceSandboxResponse records response attributes on the span.
func TraceSandboxResponse(span trace.Span, statusCode int, err error) {
	span.SetAttributes(attribute.Int("http.status_code", statusCode))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// TraceRuntimeCall starts an internal span around a container runtime call
// (create, cleanup, volume scan).
func TraceRuntimeCall(ctx context.Context, operation, agentID string) (context.Context, trace.Span) {
	ctx, span := sandboxTracer().Start(ctx, "runtime."+operation,
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	span.SetAttributes(
		attribute.String("runtime.operation", operation),
		attribute.String("agent_id", agentID),
	)
	return ctx, span
}

// EndWithError records err on the span (if any) and ends it.
func EndWithError(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
