package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"":        slog.LevelInfo,
		"debug":   slog.LevelDebug,
		"WARN":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"verbose": slog.LevelInfo,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestNew_ErrorLevel(t *testing.T) {
	logger := New("error", "text")
	if logger.Enabled(context.Background(), slog.LevelInfo) {
		t.Error("Expected info level to be disabled at error level")
	}
}

func TestL_AddsRequestAndUser(t *testing.T) {
	var buf bytes.Buffer
	base := NewWithWriter(&buf, "info", "json")

	ctx := WithLogger(context.Background(), base)
	ctx = WithRequestID(ctx, "req-123")
	ctx = WithUserID(ctx, "user-9")

	L(ctx).Info("transfer completed", "escrowId", "esc_1")

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("expected JSON log line: %v", err)
	}
	if line["request_id"] != "req-123" || line["user_id"] != "user-9" || line["escrowId"] != "esc_1" {
		t.Errorf("unexpected log attributes: %v", line)
	}
}

func TestFromContext_DefaultLogger(t *testing.T) {
	if FromContext(context.Background()) != slog.Default() {
		t.Error("Expected default logger when none is set")
	}
	if RequestID(context.Background()) != "" || UserID(context.Background()) != "" {
		t.Error("Expected empty ids on bare context")
	}
}
