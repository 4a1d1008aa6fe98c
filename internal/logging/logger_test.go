package logging

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"kvdata/internal/config"
)

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name   string
		config config.LoggingConfig
	}{
		{"development config", DevelopmentLoggingConfig()},
		{"production config", ProductionLoggingConfig()},
		{"test config", TestLoggingConfig()},
		{
			name:   "unknown level falls back to info",
			config: config.LoggingConfig{Level: "verbose", Format: "json", Output: "discard"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := NewLogger(&tt.config)
			if logger == nil {
				t.Fatal("Expected logger to be created")
			}

			logger.Info("Test log message", "test", true)
			logger.Debug("Debug message", "debug", true)
			logger.Warn("Warning message", "warning", true)
		})
	}
}

func TestNewLogger_FileOutput(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "logs", "kvdata.log")
	cfg := config.LoggingConfig{
		Level:     "info",
		Format:    "json",
		Output:    logFile,
		MaxSizeMB: 1,
		MaxFiles:  2,
	}

	logger := NewLogger(&cfg)
	logger.Info("written to file", "component", "test")

	data, err := os.ReadFile(logFile)
	if err != nil {
		t.Fatalf("Failed to read log file: %v", err)
	}
	if !strings.Contains(string(data), "written to file") {
		t.Errorf("Expected log file to contain message, got %q", string(data))
	}
}

func TestCorrelationID(t *testing.T) {
	id1 := GenerateCorrelationID()
	id2 := GenerateCorrelationID()

	if id1 == id2 {
		t.Error("Expected different correlation IDs")
	}

	if !strings.HasPrefix(id1, "cor_") {
		t.Errorf("Expected cor_ prefix, got %s", id1)
	}

	ctx := CreateContextWithIDs(context.Background(), id1, "req123")

	if got := ExtractCorrelationID(ctx); got != id1 {
		t.Errorf("Expected correlation ID %s, got %s", id1, got)
	}

	if got := ExtractRequestID(ctx); got != "req123" {
		t.Errorf("Expected request ID req123, got %s", got)
	}

	md := GRPCCorrelationIDFromContext(ctx)
	if md[CorrelationIDMetadata] != id1 || md[RequestIDMetadata] != "req123" {
		t.Errorf("Unexpected gRPC metadata: %v", md)
	}
}

func TestLoggerFields(t *testing.T) {
	logger := Nop()

	logger.WithField("component", "test").Info("Test with field")
	logger.WithFields(map[string]interface{}{
		"component": "test",
		"version":   "1.0.0",
	}).Info("Test with fields")
	logger.WithError(errors.New("test error")).Error("Test with error")
}

func TestSpecializedLogging(t *testing.T) {
	logger := Nop()
	ctx := CreateContextWithIDs(context.Background(), GenerateCorrelationID(), GenerateRequestID())

	logger.DatabaseOperation(ctx, "set", "players", "target-1", 5*time.Millisecond, nil)
	logger.DatabaseOperation(ctx, "get", "players", "target-1", 2*time.Millisecond, errors.New("boom"))
	logger.StorageEvent(ctx, "connected", "sqlite", map[string]interface{}{
		"url": "file:test.db",
	})
}

func TestMiddleware(t *testing.T) {
	logger := Nop()

	var seenCorrelation string
	handler := CorrelationIDMiddleware(logger)(LoggingMiddleware(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenCorrelation = ExtractCorrelationID(r.Context())
		w.WriteHeader(http.StatusTeapot)
	})))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(CorrelationIDHeader, "cor_given\n")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if seenCorrelation != "cor_given" {
		t.Errorf("Expected sanitized correlation ID cor_given, got %q", seenCorrelation)
	}
	if w.Header().Get(RequestIDHeader) == "" {
		t.Error("Expected generated request ID header")
	}
	if w.Code != http.StatusTeapot {
		t.Errorf("Expected status %d, got %d", http.StatusTeapot, w.Code)
	}
}

func TestEnvironmentConfigs(t *testing.T) {
	cfg := config.DefaultConfig()

	SetupEnvironmentLogging(cfg, "dev")
	if cfg.Logging.Level != "debug" {
		t.Errorf("Expected debug level for dev, got %s", cfg.Logging.Level)
	}

	SetupEnvironmentLogging(cfg, "staging")
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "json" {
		t.Errorf("Unexpected staging logging config: %+v", cfg.Logging)
	}

	SetupEnvironmentLogging(cfg, "unknown")
	if cfg.Logging.Format != "json" {
		t.Errorf("Unknown environment should keep config, got %+v", cfg.Logging)
	}
}

func TestCorrelationIDSanitization(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"normal ID", "cor_abc123", "cor_abc123"},
		{"ID with newlines", "cor_abc\n123", "cor_abc123"},
		{"ID with carriage returns", "cor_abc\r123", "cor_abc123"},
		{"ID with tabs", "cor_abc\t123", "cor_abc123"},
		{"very long ID", "cor_" + strings.Repeat("a", 100), "cor_" + strings.Repeat("a", 60)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if result := SanitizeCorrelationID(tt.input); result != tt.expected {
				t.Errorf("Expected %s, got %s", tt.expected, result)
			}
		})
	}
}
