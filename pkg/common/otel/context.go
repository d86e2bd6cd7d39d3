package otel

import (
	"context"

	"go.opentelemetry.io/otel/trace"
)

type ctxKey int

const tracerKey ctxKey = 1

// InjectTracing stores the tracer in the context so downstream handlers can
// start child spans without threading the tracer through every call.
func InjectTracing(ctx context.Context, tracer trace.Tracer) context.Context {
	return context.WithValue(ctx, tracerKey, tracer)
}

// Tracer returns the tracer stored in the context, or nil when tracing was
// never injected.
func Tracer(ctx context.Context) trace.Tracer {
	tracer, ok := ctx.Value(tracerKey).(trace.Tracer)
	if !ok {
		return nil
	}
	return tracer
}

// GetTraceID returns the trace id from the current span context.
func GetTraceID(ctx context.Context) string {
	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		return span.SpanContext().TraceID().String()
	}
	return "00000000000000000000000000000000"
}
