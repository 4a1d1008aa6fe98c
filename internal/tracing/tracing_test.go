package tracing

import (
	"context"
	"errors"
	"testing"

	"kvdata/internal/config"
	"kvdata/internal/testutil"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// recordSpans installs a provider feeding a recorder for the test's duration
func recordSpans(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()

	recorder := tracetest.NewSpanRecorder()
	previous := otel.GetTracerProvider()
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder)))
	t.Cleanup(func() { otel.SetTracerProvider(previous) })
	return recorder
}

func attributeValue(attrs []attribute.KeyValue, key string) attribute.Value {
	for _, attr := range attrs {
		if string(attr.Key) == key {
			return attr.Value
		}
	}
	return attribute.Value{}
}

func TestSetup_Disabled(t *testing.T) {
	shutdown, err := Setup(context.Background(), config.TracingConfig{}, "test", testutil.TestLogger())
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("Expected no-op shutdown, got %v", err)
	}
}

func TestSetup_UnknownExporter(t *testing.T) {
	_, err := Setup(context.Background(), config.TracingConfig{Enabled: true, Exporter: "zipkin"}, "test", testutil.TestLogger())
	if err == nil {
		t.Fatal("Expected error for unknown exporter")
	}
	testutil.AssertContains(t, err.Error(), "unsupported exporter type")
}

func TestSetup_ConsoleExporter(t *testing.T) {
	previous := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(previous) })

	logger, buf := testutil.CaptureLogger()
	shutdown, err := Setup(context.Background(), config.TracingConfig{Enabled: true, Exporter: "console", SamplingRatio: 1}, "test", logger)
	if err != nil {
		t.Fatalf("Setup failed: %v", err)
	}

	_, span := StartStorageSpan(context.Background(), "get", "sqlite", "players", "t1", false)
	End(span, 0, nil)

	// Shutdown drains the batcher into the log.
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	testutil.AssertContains(t, buf.String(), "storage.get")
	testutil.AssertContains(t, buf.String(), "players")
}

func TestStartStorageSpan(t *testing.T) {
	recorder := recordSpans(t)

	_, span := StartStorageSpan(context.Background(), "set", "badger", "players", "t1", true)
	End(span, 0, nil)

	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("Expected 1 span, got %d", len(spans))
	}
	got := spans[0]
	if got.Name() != "storage.set" {
		t.Errorf("Expected storage.set, got %s", got.Name())
	}
	if v := attributeValue(got.Attributes(), "storage.method").AsString(); v != "badger" {
		t.Errorf("Expected method badger, got %q", v)
	}
	if !attributeValue(got.Attributes(), "storage.cached").AsBool() {
		t.Error("Expected cached attribute")
	}
	if got.Status().Code != codes.Ok {
		t.Errorf("Expected Ok status, got %v", got.Status().Code)
	}
}

func TestEnd_Failures(t *testing.T) {
	recorder := recordSpans(t)

	_, span := StartStorageSpan(context.Background(), "set", "json", "players", "t1", false)
	End(span, 2, nil)
	_, span = StartMigrationSpan(context.Background(), "json")
	End(span, 0, errors.New("commit failed"))

	spans := recorder.Ended()
	if len(spans) != 2 {
		t.Fatalf("Expected 2 spans, got %d", len(spans))
	}
	if spans[0].Status().Code != codes.Error {
		t.Error("Expected failed values to mark the span as an error")
	}
	if v := attributeValue(spans[0].Attributes(), "storage.failed").AsInt64(); v != 2 {
		t.Errorf("Expected 2 failed values, got %d", v)
	}
	if spans[1].Status().Description != "commit failed" {
		t.Errorf("Expected error description, got %q", spans[1].Status().Description)
	}
	if len(spans[1].Events()) == 0 {
		t.Error("Expected the error to be recorded as an event")
	}
}
