package main

import (
	"io"
	"log/slog"
	"strings"

	"github.com/google/uuid"
)

// setupLogger installs the default logger and tags every record with a
// per-process session id, which is returned.
func setupLogger(w io.Writer, level, format string) string {
	opts := &slog.HandlerOptions{Level: parseLogLevel(level)}
	var handler slog.Handler
	if strings.EqualFold(format, "json") {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	sessionID := uuid.NewString()
	slog.SetDefault(slog.New(handler).With("session_id", sessionID))
	return sessionID
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
