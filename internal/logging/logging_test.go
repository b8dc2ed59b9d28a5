package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"":        slog.LevelInfo,
		"debug":   slog.LevelDebug,
		" WARN ":  slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range cases {
		assert.Equal(t, want, ParseLevel(in), "ParseLevel(%q)", in)
	}
}

func TestNew_ErrorLevelDisablesInfo(t *testing.T) {
	logger := New("error", "text")
	assert.False(t, logger.Enabled(context.Background(), slog.LevelInfo))
	assert.True(t, logger.Enabled(context.Background(), slog.LevelError))
}

func decode(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line), "output: %s", buf.String())
	return line
}

func TestNewWithWriter_JSON(t *testing.T) {
	var buf bytes.Buffer
	NewWithWriter(&buf, "info", "JSON").Info("signal recorded", "severity", 30)

	line := decode(t, &buf)
	assert.Equal(t, "signal recorded", line["msg"])
	assert.Equal(t, 30.0, line["severity"])
}

func TestNewWithWriter_RedactsSensitiveKeys(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, "info", "json")
	logger.Warn("rejected", "text", "call me at 555 0100", "Admin_Secret", "hunter2", "user_id", "u1")

	line := decode(t, &buf)
	assert.Equal(t, Redacted, line["text"])
	assert.Equal(t, Redacted, line["Admin_Secret"])
	assert.Equal(t, "u1", line["user_id"])
	assert.NotContains(t, buf.String(), "555 0100")
}

func TestL_AddsRequestAndUserID(t *testing.T) {
	var buf bytes.Buffer
	ctx := WithLogger(context.Background(), NewWithWriter(&buf, "info", "text"))
	ctx = WithRequestID(ctx, "req-456")
	ctx = WithUserID(ctx, "user_42")

	L(ctx).Info("screened")

	out := buf.String()
	assert.Contains(t, out, "request_id=req-456")
	assert.Contains(t, out, "user_id=user_42")
	assert.NotContains(t, out, "trace_id")
}

func TestL_AddsTraceAndSpanID(t *testing.T) {
	traceID, err := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	require.NoError(t, err)
	spanID, err := trace.SpanIDFromHex("00f067aa0ba902b7")
	require.NoError(t, err)
	sc := trace.NewSpanContext(trace.SpanContextConfig{TraceID: traceID, SpanID: spanID, TraceFlags: trace.FlagsSampled})

	var buf bytes.Buffer
	ctx := WithLogger(context.Background(), NewWithWriter(&buf, "info", "json"))
	ctx = trace.ContextWithSpanContext(ctx, sc)

	L(ctx).Info("accumulated")

	line := decode(t, &buf)
	assert.Equal(t, "4bf92f3577b34da6a3ce929d0e0e4736", line["trace_id"])
	assert.Equal(t, "00f067aa0ba902b7", line["span_id"])
}

func TestFromContext_DefaultWhenUnset(t *testing.T) {
	ctx := context.Background()
	assert.Same(t, slog.Default(), FromContext(ctx))
	assert.Same(t, slog.Default(), L(ctx))
	assert.Empty(t, RequestID(ctx))
	assert.Empty(t, UserID(ctx))
}

func TestDiscard(t *testing.T) {
	assert.False(t, Discard().Enabled(context.Background(), slog.LevelError))
}
