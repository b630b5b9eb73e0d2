package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name        string
		serviceName string
	}{
		{"create logger with service name", "hookd-worker"},
		{"create logger with empty service name", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := New(tt.serviceName)
			if logger == nil {
				t.Fatal("New() returned nil logger")
			}
			if logger.service != tt.serviceName {
				t.Errorf("New() service = %q, want %q", logger.service, tt.serviceName)
			}
		})
	}
}

func TestLogger_WithContext(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := trace.NewTracerProvider(trace.WithSyncer(exporter))
	otel.SetTracerProvider(tp)

	tests := []struct {
		name     string
		hasTrace bool
	}{
		{"with trace context", true},
		{"without trace context", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := New("hookd-worker")
			ctx := context.Background()

			if tt.hasTrace {
				tracer := otel.Tracer("test-tracer")
				newCtx, span := tracer.Start(ctx, "test-span")
				ctx = newCtx
				defer span.End()
			}

			entry := logger.WithContext(ctx)
			if entry == nil {
				t.Fatal("WithContext() returned nil entry")
			}
			if entry.Service != "hookd-worker" {
				t.Errorf("WithContext() Service = %q, want %q", entry.Service, "hookd-worker")
			}
			if tt.hasTrace && entry.TraceID == "" {
				t.Error("WithContext() TraceID empty with trace context")
			}
			if !tt.hasTrace && entry.TraceID != "" {
				t.Errorf("WithContext() TraceID = %q, want empty without trace", entry.TraceID)
			}
		})
	}
}

func TestLogEntryBuilders(t *testing.T) {
	logger := New("test")
	entry := logger.Plain().
		WithTenant("acme").
		WithEventType("payment.completed").
		WithDelivery(42).
		WithEndpoint(7).
		WithAttempt(3).
		WithField("key", "value").
		WithError(errors.New("boom"))

	if entry.TenantID != "acme" {
		t.Errorf("TenantID = %q, want %q", entry.TenantID, "acme")
	}
	if entry.EventType != "payment.completed" {
		t.Errorf("EventType = %q, want %q", entry.EventType, "payment.completed")
	}
	if entry.DeliveryID != 42 {
		t.Errorf("DeliveryID = %d, want 42", entry.DeliveryID)
	}
	if entry.EndpointID != 7 {
		t.Errorf("EndpointID = %d, want 7", entry.EndpointID)
	}
	if entry.Attempt != 3 {
		t.Errorf("Attempt = %d, want 3", entry.Attempt)
	}
	if entry.Fields["key"] != "value" {
		t.Errorf("Fields[key] = %v, want value", entry.Fields["key"])
	}
	if entry.Fields["error"] != "boom" {
		t.Errorf("Fields[error] = %v, want boom", entry.Fields["error"])
	}
}

func TestLogEntryWithErrorNil(t *testing.T) {
	entry := New("test").Plain().WithError(nil)
	if _, ok := entry.Fields["error"]; ok {
		t.Error("WithError(nil) set an error field")
	}
}

func captureStdout(t *testing.T, fn func()) string {
	t.Helper()
	old := os.Stdout
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("pipe: %v", err)
	}
	os.Stdout = w
	defer func() { os.Stdout = old }()

	fn()
	w.Close()

	var buf bytes.Buffer
	io.Copy(&buf, r)
	return buf.String()
}

func TestLogOutputIsJSON(t *testing.T) {
	out := captureStdout(t, func() {
		New("hookd-worker").Plain().WithDelivery(42).WithAttempt(2).Info("webhook delivered")
	})

	var entry LogEntry
	if err := json.Unmarshal([]byte(out), &entry); err != nil {
		t.Fatalf("log output is not JSON: %v (%q)", err, out)
	}
	if entry.Level != LevelInfo {
		t.Errorf("Level = %q, want %q", entry.Level, LevelInfo)
	}
	if entry.Message != "webhook delivered" {
		t.Errorf("Message = %q, want %q", entry.Message, "webhook delivered")
	}
	if entry.Service != "hookd-worker" {
		t.Errorf("Service = %q, want %q", entry.Service, "hookd-worker")
	}
	if entry.DeliveryID != 42 {
		t.Errorf("DeliveryID = %d, want 42", entry.DeliveryID)
	}
	if entry.Attempt != 2 {
		t.Errorf("Attempt = %d, want 2", entry.Attempt)
	}
	if entry.Time.IsZero() || entry.Time.After(time.Now().UTC()) {
		t.Errorf("Time = %v, want a recent timestamp", entry.Time)
	}
}

func TestLogLevels(t *testing.T) {
	tests := []struct {
		name string
		log  func()
		want LogLevel
	}{
		{"debug", func() { New("t").Plain().Debug("d") }, LevelDebug},
		{"info", func() { New("t").Plain().Info("i") }, LevelInfo},
		{"infof", func() { New("t").Plain().Infof("i %d", 1) }, LevelInfo},
		{"warn", func() { New("t").Plain().Warn("w") }, LevelWarn},
		{"error", func() { New("t").Plain().Error("e") }, LevelError},
		{"errorf", func() { New("t").Plain().Errorf("e %d", 1) }, LevelError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := captureStdout(t, tt.log)
			var entry LogEntry
			if err := json.Unmarshal([]byte(out), &entry); err != nil {
				t.Fatalf("log output is not JSON: %v", err)
			}
			if entry.Level != tt.want {
				t.Errorf("Level = %q, want %q", entry.Level, tt.want)
			}
		})
	}
}
