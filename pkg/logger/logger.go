// Package logger provides the shared slog setup and common log attributes.
package logger

import (
	"log/slog"
	"os"
	"strings"

	"go.uber.org/fx"
)

// Module provides the application logger.
var Module = fx.Module("logger",
	fx.Provide(NewLogger),
)

// NewLogger creates the root slog.Logger. The level is taken from LOG_LEVEL
// (debug|info|warn|error, case-insensitive, default info). When GO_ENV is
// "production" the handler emits JSON, otherwise human-readable text.
func NewLogger() *slog.Logger {
	level := parseLevel(os.Getenv("LOG_LEVEL"))

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if os.Getenv("GO_ENV") == "production" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

func parseLevel(s string) slog.Level {
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

// Scope returns a "scope" attribute identifying the component emitting the
// log record (e.g. "branching.sync").
func Scope(scope string) slog.Attr {
	return slog.Attr{Key: "scope", Value: slog.StringValue(scope)}
}

// Error returns an "error" attribute.
func Error(err error) slog.Attr {
	return slog.Attr{Key: "error", Value: slog.AnyValue(err)}
}
