// Package logging configures the process-wide structured logger (spec
// §4.13). Kept outside the core per spec §1 "Out of scope" (bootstrap
// logging is an external collaborator, not part of the dispatched request
// path's contract).
package logging

import (
	"log/slog"
	"os"
)

// Setup installs a slog.Logger as the default logger: JSON to stderr when
// format=="json", human-readable text otherwise.
func Setup(format, level string) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: lvl}

	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}

	slog.SetDefault(slog.New(handler))
}
