package logging

import (
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// SpanFields returns trace correlation fields for an explicit span.
// Used where work runs detached from the request context.
func SpanFields(span trace.Span) []zap.Field {
	sc := span.SpanContext()
	if !sc.IsValid() {
		return nil
	}
	return []zap.Field{
		zap.String("trace_id", sc.TraceID().String()),
		zap.String("span_id", sc.SpanID().String()),
	}
}
