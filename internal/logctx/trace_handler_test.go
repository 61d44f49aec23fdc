package logctx

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"go.opentelemetry.io/otel/trace"
)

func decodeRecord(t *testing.T, buf *bytes.Buffer) map[string]interface{} {
	t.Helper()

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("failed to parse JSON log output: %v", err)
	}

	return entry
}

// TestTraceHandler_PlainContext verifies that a bare context adds no trace or job fields.
func TestTraceHandler_PlainContext(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewTraceHandler(slog.NewJSONHandler(&buf, &slog.HandlerOptions{})))

	logger.InfoContext(context.Background(), "test message", "key", "value")

	entry := decodeRecord(t, &buf)
	for _, field := range []string{"trace_id", "span_id", "job_id", "channel_id"} {
		if _, exists := entry[field]; exists {
			t.Errorf("%s should not be present, got: %v", field, entry[field])
		}
	}

	if entry["msg"] != "test message" {
		t.Errorf("expected msg='test message', got: %v", entry["msg"])
	}
}

// TestTraceHandler_WithValidSpan verifies trace ids are taken from a valid span context.
func TestTraceHandler_WithValidSpan(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewTraceHandler(slog.NewJSONHandler(&buf, &slog.HandlerOptions{})))

	traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	spanID, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	spanCtx := trace.NewSpanContext(trace.SpanContextConfig{TraceID: traceID, SpanID: spanID})
	ctx := trace.ContextWithSpanContext(context.Background(), spanCtx)

	logger.InfoContext(ctx, "test message")

	entry := decodeRecord(t, &buf)
	if entry["trace_id"] != "4bf92f3577b34da6a3ce929d0e0e4736" {
		t.Errorf("unexpected trace_id: %v", entry["trace_id"])
	}
	if entry["span_id"] != "00f067aa0ba902b7" {
		t.Errorf("unexpected span_id: %v", entry["span_id"])
	}
}

// TestTraceHandler_WithJob verifies job tags flow from the context into the record.
func TestTraceHandler_WithJob(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewTraceHandler(slog.NewJSONHandler(&buf, &slog.HandlerOptions{})))

	ctx := WithJob(context.Background(), "2089b05ecca3d829", -1001234)
	logger.InfoContext(ctx, "upload started")

	entry := decodeRecord(t, &buf)
	if entry["job_id"] != "2089b05ecca3d829" {
		t.Errorf("unexpected job_id: %v", entry["job_id"])
	}
	// JSON numbers decode as float64.
	if entry["channel_id"] != float64(-1001234) {
		t.Errorf("unexpected channel_id: %v", entry["channel_id"])
	}
}

func TestTraceHandler_Enabled(t *testing.T) {
	h := NewTraceHandler(slog.NewJSONHandler(nil, &slog.HandlerOptions{Level: slog.LevelWarn}))

	ctx := context.Background()
	if h.Enabled(ctx, slog.LevelInfo) {
		t.Errorf("expected Info level to be disabled when handler level is Warn")
	}
	if !h.Enabled(ctx, slog.LevelError) {
		t.Errorf("expected Error level to be enabled")
	}
}

func TestTraceHandler_WithAttrsKeepsWrapper(t *testing.T) {
	h := NewTraceHandler(slog.NewJSONHandler(&bytes.Buffer{}, nil))

	if _, ok := h.WithAttrs([]slog.Attr{slog.String("component", "test")}).(*TraceHandler); !ok {
		t.Errorf("WithAttrs should return *TraceHandler")
	}
	if _, ok := h.WithGroup("grp").(*TraceHandler); !ok {
		t.Errorf("WithGroup should return *TraceHandler")
	}
}

func TestTraceHandler_NilHandler(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Errorf("NewTraceHandler with nil handler should panic")
		}
	}()

	NewTraceHandler(nil)
}
