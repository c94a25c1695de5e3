// Package logger holds the process-wide slog logger.
//
// Messages start with a short component prefix ("LMTP:", "Digest:",
// "Relay:") so that console output stays greppable without a JSON viewer:
//
//	logger.Info("Dispatcher: processed message", "list", name, "commands", n)
package logger

import (
	"fmt"
	"io"
	"log/slog"
	"log/syslog"
	"os"
	"runtime"
	"strings"
	"sync/atomic"

	"github.com/TommyLike/mailman/config"
)

var current atomic.Pointer[slog.Logger]

// Initialize installs the logger described by cfg. The returned file is
// non-nil only for file output and must be closed by the caller. An output
// that cannot be opened falls back to stderr with a warning.
func Initialize(cfg config.LoggingConfig) (*os.File, error) {
	level := parseLogLevel(cfg.Level)
	handler, file, err := openHandler(cfg, level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "WARNING: %v. Falling back to stderr.\n", err)
		handler = streamHandler(os.Stderr, cfg.Format, level)
	}
	l := slog.New(handler)
	current.Store(l)
	slog.SetDefault(l)
	return file, nil
}

func openHandler(cfg config.LoggingConfig, level slog.Level) (slog.Handler, *os.File, error) {
	switch cfg.Output {
	case "", "stderr":
		return streamHandler(os.Stderr, cfg.Format, level), nil, nil
	case "stdout":
		return streamHandler(os.Stdout, cfg.Format, level), nil, nil
	case "syslog":
		if runtime.GOOS == "windows" {
			return nil, nil, fmt.Errorf("syslog is not supported on %s", runtime.GOOS)
		}
		tag := cfg.SyslogTag
		if tag == "" {
			tag = "mailman"
		}
		w, err := syslog.New(syslog.LOG_INFO|syslog.LOG_MAIL, tag)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to syslog: %w", err)
		}
		return &syslogHandler{w: w, level: level}, nil, nil
	default:
		f, err := os.OpenFile(cfg.Output, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open log file %q: %w", cfg.Output, err)
		}
		return streamHandler(f, cfg.Format, level), f, nil
	}
}

func streamHandler(w io.Writer, format string, level slog.Level) slog.Handler {
	opts := &slog.HandlerOptions{Level: level}
	if format == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// SetOutput sends text logs at level and above to w.
func SetOutput(w io.Writer, level string) {
	current.Store(slog.New(streamHandler(w, "console", parseLogLevel(level))))
}

func parseLogLevel(level string) slog.Level {
	var l slog.Level
	switch s := strings.ToLower(level); s {
	case "warning":
		return slog.LevelWarn
	default:
		if err := l.UnmarshalText([]byte(s)); err != nil {
			return slog.LevelInfo
		}
		return l
	}
}

// Get returns the installed logger, or slog's default before Initialize.
func Get() *slog.Logger {
	if l := current.Load(); l != nil {
		return l
	}
	return slog.Default()
}

func Debug(msg string, args ...any) { Get().Debug(msg, args...) }
func Info(msg string, args ...any)  { Get().Info(msg, args...) }
func Warn(msg string, args ...any)  { Get().Warn(msg, args...) }
func Error(msg string, args ...any) { Get().Error(msg, args...) }

// Infof is for printf-style callers such as library log adapters.
func Infof(format string, args ...any) {
	Get().Info(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

// With returns a child logger carrying args on every record.
func With(args ...any) *slog.Logger {
	return Get().With(args...)
}
