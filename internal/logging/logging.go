// Package logging configures the process-wide structured logger.
//
// Every operational event the service emits is a single JSON object per
// line with a mandatory "event" field; the helpers here make that shape
// hard to get wrong at call sites.
package logging

import (
	"context"
	"io"
	"log/slog"
	"strings"
)

// Setup builds a JSON slog logger writing to w at the given level.
// Unknown level strings fall back to info.
func Setup(w io.Writer, level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl}))
}

// Event logs a structured operational event. The event name doubles as the
// log message and is repeated in the "event" attribute so downstream
// pipelines can filter on a stable field regardless of message formatting.
func Event(l *slog.Logger, level slog.Level, event string, args ...any) {
	if l == nil {
		return
	}
	all := make([]any, 0, len(args)+2)
	all = append(all, "event", event)
	all = append(all, args...)
	l.Log(context.Background(), level, event, all...)
}

// Info emits an info-level event.
func Info(l *slog.Logger, event string, args ...any) {
	Event(l, slog.LevelInfo, event, args...)
}

// Warn emits a warn-level event.
func Warn(l *slog.Logger, event string, args ...any) {
	Event(l, slog.LevelWarn, event, args...)
}

// Error emits an error-level event.
func Error(l *slog.Logger, event string, args ...any) {
	Event(l, slog.LevelError, event, args...)
}
