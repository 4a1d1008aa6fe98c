package tracing

import (
	"context"
	"fmt"
	"strings"

	"kvdata/internal/config"
	"kvdata/internal/logging"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const (
	ServiceName         = "kvdata"
	instrumentationName = "kvdata/storage"
)

// Setup installs the global tracer provider described by cfg. With tracing
// disabled nothing is installed and the returned shutdown is a no-op.
func Setup(ctx context.Context, cfg config.TracingConfig, version string, logger *logging.Logger) (func(context.Context) error, error) {
	noop := func(context.Context) error { return nil }
	if !cfg.Enabled {
		return noop, nil
	}

	var exporter sdktrace.SpanExporter
	switch strings.ToLower(cfg.Exporter) {
	case "otlp":
		otlp, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpointURL(cfg.OTLPEndpoint))
		if err != nil {
			return noop, fmt.Errorf("failed to create OTLP exporter: %w", err)
		}
		exporter = otlp
	case "console":
		exporter = NewLogExporter(logger)
	default:
		return noop, fmt.Errorf("unsupported exporter type: %s", cfg.Exporter)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(ServiceName),
			semconv.ServiceVersion(version),
		),
	)
	if err != nil {
		return noop, fmt.Errorf("failed to create resource: %w", err)
	}

	ratio := cfg.SamplingRatio
	if ratio <= 0 {
		ratio = 1.0
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	logger.Info("Tracing enabled", "exporter", cfg.Exporter, "sampling_ratio", ratio)
	return tp.Shutdown, nil
}

// StartStorageSpan starts a span for one facade call against the active
// backend. The global provider is looked up on every call so a provider
// installed after startup is picked up.
func StartStorageSpan(ctx context.Context, operation, method, table, target string, cached bool) (context.Context, trace.Span) {
	return otel.Tracer(instrumentationName).Start(ctx, "storage."+operation,
		trace.WithAttributes(
			attribute.String("storage.operation", operation),
			attribute.String("storage.method", method),
			attribute.String("storage.table", table),
			attribute.String("storage.target", target),
			attribute.Bool("storage.cached", cached),
		),
	)
}

// StartMigrationSpan starts a span covering a whole migration.
func StartMigrationSpan(ctx context.Context, from string) (context.Context, trace.Span) {
	return otel.Tracer(instrumentationName).Start(ctx, "storage.migrate",
		trace.WithAttributes(attribute.String("storage.migration.from", from)),
	)
}

// End sets the span status from the outcome of the call and ends it. failed
// counts values the backend rejected.
func End(span trace.Span, failed int, err error) {
	switch {
	case err != nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	case failed > 0:
		span.SetAttributes(attribute.Int("storage.failed", failed))
		span.SetStatus(codes.Error, fmt.Sprintf("%d values failed", failed))
	default:
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
