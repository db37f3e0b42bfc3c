package ctxlog

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
)

func TestRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	ctx := WithLogger(context.Background(), logger)
	FromContext(ctx).Info("hello", "run", "r1")
	if !strings.Contains(buf.String(), "run=r1") {
		t.Fatalf("expected log line, got %q", buf.String())
	}
}

func TestMissingLoggerDiscards(t *testing.T) {
	if FromContext(context.Background()) == nil {
		t.Fatalf("expected fallback logger")
	}
	FromContext(context.Background()).Error("dropped")
}
