// README: Structured JSON logger shared by every component.
package infra

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"time"
)

// NewLogger builds a JSON slog logger writing to w, tagged with host and service.
func NewLogger(w io.Writer, service, level string) *slog.Logger {
	lvl := new(slog.LevelVar)
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl.Set(slog.LevelDebug)
	case "WARN":
		lvl.Set(slog.LevelWarn)
	case "ERROR":
		lvl.Set(slog.LevelError)
	default:
		lvl.Set(slog.LevelInfo)
	}

	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: lvl,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.MessageKey {
				return slog.Attr{Key: "message", Value: a.Value}
			}
			if a.Key == slog.TimeKey {
				if t, ok := a.Value.Any().(time.Time); ok {
					return slog.String("timestamp", t.Format(time.RFC3339))
				}
			}
			return a
		},
	})

	host, err := os.Hostname()
	if err != nil {
		host = "localhost"
	}
	return slog.New(handler).With("host", host, "service", service)
}
