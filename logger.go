package scanset

import (
	"log/slog"
	"os"
)

// Logger wraps slog.Logger with pipeline-specific field helpers so log
// lines carry consistent key names across stages.
type Logger struct {
	*slog.Logger
}

// NewLogger creates a Logger with the given handler. A nil handler falls
// back to a text handler on stderr at info level.
func NewLogger(handler slog.Handler) *Logger {
	if handler == nil {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})
	}
	return &Logger{Logger: slog.New(handler)}
}

// NoopLogger creates a Logger that discards all output. The default for
// library code paths.
func NoopLogger() *Logger {
	return &Logger{Logger: slog.New(slog.DiscardHandler)}
}

// WithVolume tags log lines with a volume identifier.
func (l *Logger) WithVolume(volumeID string) *Logger {
	return &Logger{Logger: l.Logger.With("volume", volumeID)}
}

// WithFingerprint tags log lines with a transform namespace.
func (l *Logger) WithFingerprint(fp string) *Logger {
	return &Logger{Logger: l.Logger.With("fingerprint", fp)}
}

// WithIndex tags log lines with a dataset position.
func (l *Logger) WithIndex(i int) *Logger {
	return &Logger{Logger: l.Logger.With("index", i)}
}
