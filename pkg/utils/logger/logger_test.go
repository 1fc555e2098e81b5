package logger

import (
	"context"
	"path/filepath"
	"testing"

	"gradebox/pkg/utils/contextkey"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestContextIDsAreAttached(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	defer Replace(zap.New(core))()

	ctx := context.WithValue(context.Background(), contextkey.TraceID, "t-1")
	ctx = context.WithValue(ctx, contextkey.SubmissionID, int64(42))
	Warn(ctx, "grade slow", zap.String("host", "h1"))

	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected one entry, got %d", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["trace_id"] != "t-1" || fields["submission_id"] != int64(42) || fields["host"] != "h1" {
		t.Fatalf("unexpected fields %v", fields)
	}
	if _, ok := fields["request_id"]; ok {
		t.Fatalf("absent id should not be logged: %v", fields)
	}
}

func TestLevelFiltering(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	defer Replace(zap.New(core))()

	Debug(context.Background(), "hidden")
	Info(context.Background(), "shown")
	if logs.Len() != 1 || logs.All()[0].Message != "shown" {
		t.Fatalf("unexpected entries %v", logs.All())
	}
}

func TestReplaceRestoresPrevious(t *testing.T) {
	first, firstLogs := observer.New(zapcore.InfoLevel)
	restoreFirst := Replace(zap.New(first))
	defer restoreFirst()

	second, secondLogs := observer.New(zapcore.InfoLevel)
	restore := Replace(zap.New(second))
	Info(context.Background(), "to second")
	restore()
	Info(context.Background(), "to first")

	if secondLogs.Len() != 1 || firstLogs.Len() != 1 {
		t.Fatalf("entries split wrong: first=%d second=%d", firstLogs.Len(), secondLogs.Len())
	}
}

func TestInitRejectsBadConfig(t *testing.T) {
	if err := Init(Config{Level: "loud"}); err == nil {
		t.Fatalf("expected invalid level error")
	}
	if err := Init(Config{Format: "xml"}); err == nil {
		t.Fatalf("expected invalid format error")
	}
}

func TestInitWritesToFile(t *testing.T) {
	defer Replace(nil)()
	path := filepath.Join(t.TempDir(), "grader.log")
	if err := Init(Config{Level: "debug", OutputPath: path}); err != nil {
		t.Fatalf("Init: %v", err)
	}
	Info(context.Background(), "hello")
	if err := Sync(); err != nil {
		t.Fatalf("Sync: %v", err)
	}
}
