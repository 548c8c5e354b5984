// Package log provides a structured logging interface for contrastive training runs.
//
// The interface is slog-compatible so callers may back it with log/slog or
// zerolog. Training code only depends on Logger; the CLI picks the backend.
//
// Example usage:
//
//	logger := log.NewZerologLogger(os.Stderr, log.LevelInfo).With(
//	    log.RunIDKey, runID,
//	    log.ComponentKey, "supmoco",
//	)
//	logger.Info("epoch finished",
//	    log.EpochKey, 3,
//	    log.LossKey, 4.21,
//	)
package log

import (
	"context"
)

// Logger defines a structured logging interface compatible with Go's log/slog.
//
// Fields are alternating key-value pairs. An error value passed under
// ErrAttrKey ("error") is rendered with its cockroachdb stack trace by the
// backends in this package.
type Logger interface {
	// Debug logs diagnostic detail such as per-step loss values.
	Debug(msg string, fields ...any)

	// Info logs general progress such as epoch boundaries and k-NN scores.
	//
	// Example:
	//   logger.Info("knn evaluation",
	//       log.EpochKey, 10,
	//       log.KNNKey, 20,
	//       log.AccuracyKey, 0.71,
	//   )
	Info(msg string, fields ...any)

	// Warn logs recoverable conditions, for example a clamped k or a queue
	// rebuilt after resuming from a checkpoint.
	Warn(msg string, fields ...any)

	// Error logs failures that abort a run.
	//
	// Example:
	//   logger.Error("training aborted",
	//       log.ErrAttrKey, err,
	//       log.IterationKey, step,
	//   )
	Error(msg string, fields ...any)

	// With returns a new Logger with the given fields pre-populated.
	With(fields ...any) Logger

	// Enabled reports whether the logger emits log records at the given level.
	// Use it to skip building expensive fields:
	//
	//   if logger.Enabled(ctx, LevelDebug) {
	//       logger.Debug("queue labels", "histogram", labelHistogram(snap))
	//   }
	Enabled(ctx context.Context, level Level) bool
}

// Level represents a logging level, compatible with slog.Level.
type Level int

// Standard logging levels, values are compatible with slog.Level.
const (
	LevelDebug Level = -4 // Detailed diagnostic information
	LevelInfo  Level = 0  // General operational information
	LevelWarn  Level = 4  // Warning conditions
	LevelError Level = 8  // Error conditions
)

// String returns the string representation of the log level.
func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel converts "debug", "info", "warn" or "error" into a Level.
func ParseLevel(level string) (Level, bool) {
	switch level {
	case "debug":
		return LevelDebug, true
	case "info", "":
		return LevelInfo, true
	case "warn", "warning":
		return LevelWarn, true
	case "error":
		return LevelError, true
	default:
		return LevelInfo, false
	}
}

// Nop returns a Logger that discards everything.
func Nop() Logger {
	return nopLogger{}
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any)                {}
func (nopLogger) Info(string, ...any)                 {}
func (nopLogger) Warn(string, ...any)                 {}
func (nopLogger) Error(string, ...any)                {}
func (n nopLogger) With(...any) Logger                { return n }
func (nopLogger) Enabled(context.Context, Level) bool { return false }
