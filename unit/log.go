package unit

import (
	"context"
	"log/slog"
	"strings"
)

// Logger returns a logger whose records are relayed to the host as log
// control messages. Attributes are appended to the message as key=value.
func (u *Unit) Logger() *slog.Logger {
	return slog.New(&relayHandler{u: u})
}

type relayHandler struct {
	u      *Unit
	attrs  []slog.Attr
	prefix string
}

func (h *relayHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.u.level
}

func (h *relayHandler) Handle(_ context.Context, rec slog.Record) error {
	var sb strings.Builder
	sb.WriteString(rec.Message)
	write := func(key string, v slog.Value) {
		sb.WriteByte(' ')
		sb.WriteString(key)
		sb.WriteByte('=')
		sb.WriteString(v.String())
	}
	for _, a := range h.attrs {
		write(a.Key, a.Value)
	}
	rec.Attrs(func(a slog.Attr) bool {
		write(h.prefix+a.Key, a.Value)
		return true
	})
	return h.u.Log(levelName(rec.Level), sb.String())
}

func (h *relayHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	nh := *h
	nh.attrs = append([]slog.Attr(nil), h.attrs...)
	for _, a := range attrs {
		nh.attrs = append(nh.attrs, slog.Attr{Key: h.prefix + a.Key, Value: a.Value})
	}
	return &nh
}

func (h *relayHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	nh := *h
	nh.prefix = h.prefix + name + "."
	return &nh
}

func levelName(l slog.Level) string {
	switch {
	case l >= slog.LevelError:
		return "error"
	case l >= slog.LevelWarn:
		return "warn"
	case l >= slog.LevelInfo:
		return "info"
	default:
		return "debug"
	}
}
