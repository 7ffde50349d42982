package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

func NewJSONLogger(service, level string) *slog.Logger {
	return NewJSONLoggerTo(os.Stdout, service, level)
}

// NewJSONLoggerTo writes to w. The MCP server logs to stderr because stdout
// carries protocol frames.
func NewJSONLoggerTo(w io.Writer, service, level string) *slog.Logger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level:       parseLevel(level),
		ReplaceAttr: redactClinicalText,
	})
	return slog.New(handler).With("service", service)
}

// redactedKeys hold patient-authored or model-generated clinical text.
var redactedKeys = map[string]struct{}{
	"question": {},
	"answer":   {},
	"prompt":   {},
	"context":  {},
	"content":  {},
}

func redactClinicalText(_ []string, a slog.Attr) slog.Attr {
	if _, ok := redactedKeys[a.Key]; ok && a.Value.Kind() == slog.KindString {
		return slog.String(a.Key, "[redacted]")
	}
	return a
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
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
