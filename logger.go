package annbench

import (
	"context"
	"io"
	"log/slog"
	"os"
	"time"
)

// Logger wraps slog.Logger with harness-specific context.
// This provides structured logging with consistent field names.
type Logger struct {
	*slog.Logger
}

// NewLogger creates a new Logger with the given handler.
// If handler is nil, uses default text handler to stderr.
func NewLogger(handler slog.Handler) *Logger {
	if handler == nil {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})
	}
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NewJSONLogger creates a Logger that outputs JSON-formatted logs.
// level sets the minimum log level (e.g., slog.LevelDebug, slog.LevelInfo).
func NewJSONLogger(level slog.Level) *Logger {
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NewTextLogger creates a Logger that outputs human-readable text logs.
func NewTextLogger(level slog.Level) *Logger {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NoopLogger creates a Logger that discards all log output.
func NoopLogger() *Logger {
	handler := slog.NewTextHandler(io.Discard, &slog.HandlerOptions{
		Level: slog.Level(1000), // Unreachable level
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// WithRunID adds a run_id field to the logger.
func (l *Logger) WithRunID(id string) *Logger {
	return &Logger{
		Logger: l.Logger.With("run_id", id),
	}
}

// WithAlgorithm adds an algorithm field to the logger.
func (l *Logger) WithAlgorithm(algo string) *Logger {
	return &Logger{
		Logger: l.Logger.With("algorithm", algo),
	}
}

// WithDataset adds a dataset field to the logger.
func (l *Logger) WithDataset(dataset string) *Logger {
	return &Logger{
		Logger: l.Logger.With("dataset", dataset),
	}
}

// LogIngest logs the outcome of an ingestion phase.
func (l *Logger) LogIngest(ctx context.Context, docs int, elapsed time.Duration, err error) {
	if err != nil {
		l.ErrorContext(ctx, "ingestion failed",
			"docs", docs,
			"error", err,
		)
	} else {
		l.InfoContext(ctx, "ingestion completed",
			"docs", docs,
			"elapsed", elapsed,
		)
	}
}

// LogQueryPhase logs the outcome of a query phase.
func (l *Logger) LogQueryPhase(ctx context.Context, queries int, recall float64, err error) {
	if err != nil {
		l.ErrorContext(ctx, "query phase failed",
			"queries", queries,
			"error", err,
		)
	} else {
		l.InfoContext(ctx, "query phase completed",
			"queries", queries,
			"recall", recall,
		)
	}
}

// LogRun logs the outcome of one benchmark run.
func (l *Logger) LogRun(ctx context.Context, name string, elapsed time.Duration, err error) {
	if err != nil {
		l.ErrorContext(ctx, "run failed",
			"name", name,
			"elapsed", elapsed,
			"error", err,
		)
	} else {
		l.InfoContext(ctx, "run completed",
			"name", name,
			"elapsed", elapsed,
		)
	}
}

// LogSweep logs the outcome of a sweep.
func (l *Logger) LogSweep(ctx context.Context, succeeded, failed int) {
	if failed > 0 {
		l.WarnContext(ctx, "sweep completed with failures",
			"total", succeeded+failed,
			"failed", failed,
			"success", succeeded,
		)
	} else {
		l.InfoContext(ctx, "sweep completed",
			"count", succeeded,
		)
	}
}
