package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/nerrad567/opcua-device-simulator/internal/infrastructure/config"
)

// ServiceName is attached to every log entry as the "service" field.
const ServiceName = "opcua-simulator"

// logFilePermissions applies when logging.output names a file.
const logFilePermissions = 0o640

// Logger is a slog.Logger carrying the simulator's default fields.
// It is safe for concurrent use.
type Logger struct {
	*slog.Logger
}

// New builds a Logger from the logging config section.
//
// Output is "stdout" (default), "stderr" or a file path, which is opened
// for appending. A file that cannot be opened falls back to stderr and
// the failure is logged as the first entry.
func New(cfg config.LoggingConfig, version string) *Logger {
	w, err := openOutput(cfg.Output)
	logger := NewWithWriter(cfg, version, w)
	if err != nil {
		logger.Warn("log output unavailable, using stderr", "output", cfg.Output, "error", err)
	}
	return logger
}

// NewWithWriter is New with an explicit destination. The Output field of
// cfg is ignored.
func NewWithWriter(cfg config.LoggingConfig, version string, w io.Writer) *Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}

	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "text") {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}

	return &Logger{Logger: slog.New(handler).With(
		slog.String("service", ServiceName),
		slog.String("version", version),
	)}
}

func openOutput(output string) (io.Writer, error) {
	switch strings.ToLower(output) {
	case "", "stdout":
		return os.Stdout, nil
	case "stderr":
		return os.Stderr, nil
	}

	// #nosec G304 -- path comes from operator configuration
	f, err := os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, logFilePermissions)
	if err != nil {
		return os.Stderr, fmt.Errorf("opening log file: %w", err)
	}
	return f, nil
}

// parseLevel maps debug, info, warn(ing) and error; anything else is info.
func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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

// With returns a child Logger with additional attributes.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{Logger: l.Logger.With(args...)}
}

// Component returns a child Logger tagged with component=name.
func (l *Logger) Component(name string) *Logger {
	return l.With("component", name)
}

// Default is the JSON info-level stdout logger used until the config
// has been loaded.
func Default() *Logger {
	return New(config.LoggingConfig{Level: "info", Format: "json"}, "dev")
}

// Discard returns a logger that drops everything.
func Discard() *Logger {
	return &Logger{Logger: slog.New(slog.DiscardHandler)}
}
