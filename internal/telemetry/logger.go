// Package telemetry bootstraps the engine's logging, tracing and metrics —
// the ambient observability stack every component is handed at construction
// rather than reaching for package-level globals.
package telemetry

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// NewLogger builds a structured slog.Logger. format is "json" or "text";
// level is one of debug/info/warn/error. Unknown values fall back to
// json/info rather than failing startup over a logging preference.
func NewLogger(format, level string) *slog.Logger {
	return newLogger(nil, format, level)
}

func newLogger(w io.Writer, format, level string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}

	var handler slog.Handler
	if strings.EqualFold(format, "text") {
		handler = slog.NewTextHandler(writerOrDefault(w), opts)
	} else {
		handler = slog.NewJSONHandler(writerOrDefault(w), opts)
	}
	return slog.New(handler)
}

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

// levelName is kept for diagnostics callers that want to echo back the
// resolved level rather than the raw env value.
func levelName(l slog.Level) string {
	return fmt.Sprintf("%s", l)
}

func writerOrDefault(w io.Writer) io.Writer {
	if w == nil {
		return os.Stdout
	}
	return w
}
