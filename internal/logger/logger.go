// Package logger configures the global slog logger.
//
// The proxy's standard output belongs to the LSP transport, so logs go
// to standard error or to a file, never to stdout.
package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
)

// Init sets up the default logger. level is one of debug, info, warn,
// error; logFile is an optional file path that, when set, is appended to
// instead of writing to stderr.
func Init(level, logFile string) error {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info", "":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		return fmt.Errorf("logger: unknown log level %q", level)
	}

	var w io.Writer = os.Stderr
	if logFile != "" {
		f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return err
		}
		w = f
	}

	handler := slog.NewTextHandler(w, &slog.HandlerOptions{
		Level: logLevel,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				return slog.String("time", a.Value.Time().Format("15:04:05.000"))
			}
			return a
		},
	})
	slog.SetDefault(slog.New(handler))
	return nil
}
