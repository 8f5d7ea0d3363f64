package cmd

import (
	"io"
	"log/slog"
	"time"

	"github.com/lmittmann/tint"

	"github.com/tomasmach/tavern/config"
	"github.com/tomasmach/tavern/logstore"
)

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// setupLogger installs the default logger. When store is non-nil every
// record is also written to the SQLite log store.
func setupLogger(w io.Writer, s config.LogSettings, store *logstore.Store) {
	level := parseLevel(s.Level)
	var h slog.Handler
	if s.Format == "json" {
		h = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	} else {
		h = tint.NewHandler(w, &tint.Options{Level: level, TimeFormat: time.DateTime})
	}
	if store != nil {
		h = logstore.NewHandler(h, store)
	}
	slog.SetDefault(slog.New(h))
}
