package tracing

import (
	"context"

	"kvdata/internal/logging"

	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// LogExporter writes finished spans to the service log for development
type LogExporter struct {
	logger *logging.Logger
}

func NewLogExporter(logger *logging.Logger) *LogExporter {
	return &LogExporter{logger: logger}
}

// ExportSpans logs one record per span
func (e *LogExporter) ExportSpans(ctx context.Context, spans []sdktrace.ReadOnlySpan) error {
	for _, span := range spans {
		e.logger.InfoContext(ctx, "Span",
			"trace_id", span.SpanContext().TraceID().String(),
			"span_id", span.SpanContext().SpanID().String(),
			"parent_id", span.Parent().SpanID().String(),
			"name", span.Name(),
			"duration", span.EndTime().Sub(span.StartTime()),
			"status", span.Status().Code.String(),
			"attributes", attributesToMap(span.Attributes()),
		)
	}
	return nil
}

func (e *LogExporter) Shutdown(ctx context.Context) error {
	return nil
}

func attributesToMap(attrs []attribute.KeyValue) map[string]interface{} {
	result := make(map[string]interface{}, len(attrs))
	for _, attr := range attrs {
		result[string(attr.Key)] = attr.Value.AsInterface()
	}
	return result
}
