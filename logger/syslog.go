package logger

import (
	"bytes"
	"context"
	"log/slog"
	"log/syslog"
	"strings"
)

// syslogHandler renders records as text and writes them at the matching
// syslog priority. Syslog adds its own timestamp, so time and level are
// dropped from the text.
type syslogHandler struct {
	w     *syslog.Writer
	level slog.Level
	// wraps replays WithAttrs and WithGroup calls onto each record's handler.
	wraps []func(slog.Handler) slog.Handler
}

func (h *syslogHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *syslogHandler) Handle(ctx context.Context, r slog.Record) error {
	var buf bytes.Buffer
	var inner slog.Handler = slog.NewTextHandler(&buf, &slog.HandlerOptions{
		Level:       slog.LevelDebug,
		ReplaceAttr: dropTimeAndLevel,
	})
	for _, wrap := range h.wraps {
		inner = wrap(inner)
	}
	if err := inner.Handle(ctx, r); err != nil {
		return err
	}
	line := strings.TrimSuffix(buf.String(), "\n")

	switch {
	case r.Level >= slog.LevelError:
		return h.w.Err(line)
	case r.Level >= slog.LevelWarn:
		return h.w.Warning(line)
	case r.Level >= slog.LevelInfo:
		return h.w.Info(line)
	default:
		return h.w.Debug(line)
	}
}

func (h *syslogHandler) with(wrap func(slog.Handler) slog.Handler) *syslogHandler {
	wraps := make([]func(slog.Handler) slog.Handler, len(h.wraps), len(h.wraps)+1)
	copy(wraps, h.wraps)
	return &syslogHandler{w: h.w, level: h.level, wraps: append(wraps, wrap)}
}

func (h *syslogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return h.with(func(inner slog.Handler) slog.Handler { return inner.WithAttrs(attrs) })
}

func (h *syslogHandler) WithGroup(name string) slog.Handler {
	return h.with(func(inner slog.Handler) slog.Handler { return inner.WithGroup(name) })
}

func dropTimeAndLevel(groups []string, a slog.Attr) slog.Attr {
	if len(groups) == 0 && (a.Key == slog.TimeKey || a.Key == slog.LevelKey) {
		return slog.Attr{}
	}
	return a
}
