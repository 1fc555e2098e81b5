// Package logger is the process-wide zap logger. Every call takes a context
// so trace, request, user and submission ids follow a grading task through
// intake, dispatch and the executor without being passed by hand.
package logger

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"gradebox/pkg/utils/contextkey"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config selects level, encoding and sinks. Paths accept "stdout", "stderr"
// or a file path, as understood by zap.Open.
type Config struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"` // json or console
	OutputPath string `yaml:"outputPath"`
	ErrorPath  string `yaml:"errorPath"`
}

var current atomic.Pointer[zap.Logger]

func init() {
	current.Store(zap.NewNop())
}

// Init builds a logger from cfg and installs it.
func Init(cfg Config) error {
	l, err := build(cfg)
	if err != nil {
		return err
	}
	current.Store(l)
	return nil
}

// Replace installs l and returns a func restoring the previous logger.
func Replace(l *zap.Logger) func() {
	if l == nil {
		l = zap.NewNop()
	}
	prev := current.Swap(l)
	return func() { current.Store(prev) }
}

func build(cfg Config) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if cfg.Level != "" {
		if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
		}
	}

	enc := zap.NewProductionEncoderConfig()
	enc.TimeKey = "time"
	enc.EncodeTime = zapcore.TimeEncoderOfLayout(time.RFC3339)
	enc.EncodeDuration = zapcore.StringDurationEncoder

	var encoder zapcore.Encoder
	switch cfg.Format {
	case "", "json":
		encoder = zapcore.NewJSONEncoder(enc)
	case "console":
		enc.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoder = zapcore.NewConsoleEncoder(enc)
	default:
		return nil, fmt.Errorf("unknown log format %q", cfg.Format)
	}

	out, _, err := zap.Open(orDefault(cfg.OutputPath, "stdout"))
	if err != nil {
		return nil, fmt.Errorf("open log output: %w", err)
	}
	errOut, _, err := zap.Open(orDefault(cfg.ErrorPath, "stderr"))
	if err != nil {
		return nil, fmt.Errorf("open log error output: %w", err)
	}

	return zap.New(zapcore.NewCore(encoder, out, level),
		zap.AddCaller(),
		// Skip log and the exported wrapper.
		zap.AddCallerSkip(2),
		zap.AddStacktrace(zapcore.ErrorLevel),
		zap.ErrorOutput(errOut),
	), nil
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

// contextFields lifts the ids set by the HTTP middleware and the dispatcher.
func contextFields(ctx context.Context) []zap.Field {
	if ctx == nil {
		return nil
	}
	fields := make([]zap.Field, 0, 4)
	if v, ok := ctx.Value(contextkey.TraceID).(string); ok && v != "" {
		fields = append(fields, zap.String("trace_id", v))
	}
	if v, ok := ctx.Value(contextkey.RequestID).(string); ok && v != "" {
		fields = append(fields, zap.String("request_id", v))
	}
	if v, ok := ctx.Value(contextkey.UserID).(string); ok && v != "" {
		fields = append(fields, zap.String("user_id", v))
	}
	if v, ok := ctx.Value(contextkey.SubmissionID).(int64); ok {
		fields = append(fields, zap.Int64("submission_id", v))
	}
	return fields
}

func log(ctx context.Context, level zapcore.Level, msg string, fields []zap.Field) {
	l := current.Load()
	ce := l.Check(level, msg)
	if ce == nil {
		return
	}
	ce.Write(append(contextFields(ctx), fields...)...)
}

func Debug(ctx context.Context, msg string, fields ...zap.Field) {
	log(ctx, zapcore.DebugLevel, msg, fields)
}

func Info(ctx context.Context, msg string, fields ...zap.Field) {
	log(ctx, zapcore.InfoLevel, msg, fields)
}

func Warn(ctx context.Context, msg string, fields ...zap.Field) {
	log(ctx, zapcore.WarnLevel, msg, fields)
}

func Error(ctx context.Context, msg string, fields ...zap.Field) {
	log(ctx, zapcore.ErrorLevel, msg, fields)
}

// Sync flushes buffered entries.
func Sync() error {
	return current.Load().Sync()
}
