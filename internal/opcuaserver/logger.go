package opcuaserver

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// libraryLogger adapts slog to the printf-style logger the gopcua server
// package calls. Its messages are format strings followed by their
// operands, so they are rendered before reaching the structured handler
// instead of being paired up as key/value attributes.
type libraryLogger struct {
	l *slog.Logger
}

func (l libraryLogger) Debug(msg string, args ...any) { l.log(slog.LevelDebug, msg, args) }
func (l libraryLogger) Info(msg string, args ...any)  { l.log(slog.LevelInfo, msg, args) }
func (l libraryLogger) Warn(msg string, args ...any)  { l.log(slog.LevelWarn, msg, args) }
func (l libraryLogger) Error(msg string, args ...any) { l.log(slog.LevelError, msg, args) }

func (l libraryLogger) log(level slog.Level, format string, args []any) {
	ctx := context.Background()
	if !l.l.Enabled(ctx, level) {
		return
	}
	msg := format
	if len(args) > 0 {
		msg = fmt.Sprintf(format, args...)
	}
	l.l.Log(ctx, level, strings.TrimSpace(msg), slog.String("source", "gopcua"))
}
