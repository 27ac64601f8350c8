// Package logging builds the slog logger from configuration.
//
// Records go to stdout, stderr, syslog (with the configured facility) or a
// file rotated by lumberjack.
package logging

import (
	"io"
	"log/slog"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/foxzi/rename-milter/internal/config"
)

// Tag identifies the process in syslog
const Tag = "rename-milter"

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// LevelNotice is logged with the syslog notice severity
const LevelNotice = config.LevelNotice

// ParseLevel maps a configured level name to a slog level, defaulting to info
func ParseLevel(s string) slog.Level {
	if level, ok := config.LogLevel(s); ok {
		return level
	}
	return slog.LevelInfo
}

// New creates the logger described by cfg. The returned closer releases the
// log file or syslog connection.
func New(cfg config.LoggingConfig) (*slog.Logger, io.Closer, error) {
	level := ParseLevel(cfg.Level)

	switch cfg.Output {
	case "", "stdout":
		return slog.New(newHandler(os.Stdout, cfg.Format, level)), nopCloser{}, nil

	case "stderr":
		return slog.New(newHandler(os.Stderr, cfg.Format, level)), nopCloser{}, nil

	case "syslog":
		handler, closer, err := newSyslogHandler(cfg.Facility, level)
		if err != nil {
			return nil, nil, err
		}
		return slog.New(handler), closer, nil
	}

	// Anything else is a file path
	w := &lumberjack.Logger{
		Filename:   cfg.Output,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   true,
	}
	return slog.New(newHandler(w, cfg.Format, level)), w, nil
}

func newHandler(w io.Writer, format string, level slog.Level) slog.Handler {
	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: replaceLevel,
	}

	if format == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// replaceLevel prints NOTICE instead of slog's default INFO+2
func replaceLevel(groups []string, a slog.Attr) slog.Attr {
	if a.Key == slog.LevelKey && len(groups) == 0 {
		if level, ok := a.Value.Any().(slog.Level); ok && level == LevelNotice {
			a.Value = slog.StringValue("NOTICE")
		}
	}
	return a
}

// Discard returns a logger that drops everything
func Discard() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}
