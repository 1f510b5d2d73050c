package config

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"

	slogmulti "github.com/samber/slog-multi"
	"go.opentelemetry.io/otel/trace"

	"github.com/jshorwitz/ai-adwords/internal/ctxutil"
)

// ParseLevel maps debug|info|warn|error to a slog level. Unknown values are info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// SetupLogger builds the process logger: JSON to stdout, and when logFile is
// set, also JSON to that file. Returns the logger and a cleanup function
// that closes the file.
func SetupLogger(logFile string, level slog.Level) (*slog.Logger, func() error) {
	stdout := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	if logFile == "" {
		return slog.New(NewTraceHandler(stdout)), func() error { return nil }
	}

	file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		logger := slog.New(NewTraceHandler(stdout))
		logger.Error("failed to open log file, using stdout only", "error", err, "file", logFile)
		return logger, func() error { return nil }
	}

	fileHandler := slog.NewJSONHandler(file, &slog.HandlerOptions{Level: level})
	logger := slog.New(NewTraceHandler(slogmulti.Fanout(stdout, fileHandler)))
	return logger, file.Close
}

// SetupLoggerWithWriters creates a fanned-out logger over custom writers (for testing).
func SetupLoggerWithWriters(primary, secondary io.Writer, level slog.Level) *slog.Logger {
	a := slog.NewJSONHandler(primary, &slog.HandlerOptions{Level: level})
	b := slog.NewJSONHandler(secondary, &slog.HandlerOptions{Level: level})
	return slog.New(NewTraceHandler(slogmulti.Fanout(a, b)))
}

// TraceHandler adds OTEL trace ids and run identity from the context to every record.
type TraceHandler struct {
	slog.Handler
}

func NewTraceHandler(h slog.Handler) *TraceHandler {
	return &TraceHandler{Handler: h}
}

func (h *TraceHandler) Handle(ctx context.Context, r slog.Record) error {
	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		sc := span.SpanContext()
		r.AddAttrs(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}

	f := ctxutil.RunFieldsFromContext(ctx)
	if f.RunID != "" {
		r.AddAttrs(slog.String("run_id", f.RunID))
	}
	if f.JobID != "" {
		r.AddAttrs(slog.String("job_id", f.JobID))
	}
	if f.Agent != "" {
		r.AddAttrs(slog.String("agent", f.Agent))
	}
	if f.Attempt > 0 {
		r.AddAttrs(slog.Int("attempt", f.Attempt))
	}

	return h.Handler.Handle(ctx, r)
}

func (h *TraceHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &TraceHandler{Handler: h.Handler.WithAttrs(attrs)}
}

func (h *TraceHandler) WithGroup(name string) slog.Handler {
	return &TraceHandler{Handler: h.Handler.WithGroup(name)}
}
