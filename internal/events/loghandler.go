package events

import (
	"context"
	"log/slog"
)

// LogHandler is a slog.Handler that passes every record to an inner
// handler and also publishes records at or above a minimum level on
// the bus as KindLogLine events. This puts warnings from components
// that have no events of their own into the browser log.
type LogHandler struct {
	inner  slog.Handler
	bus    *Bus
	min    slog.Level
	attrs  []slog.Attr
	prefix string
}

// NewLogHandler wraps inner.
func NewLogHandler(inner slog.Handler, bus *Bus, min slog.Level) *LogHandler {
	return &LogHandler{inner: inner, bus: bus, min: min}
}

// Enabled implements slog.Handler.
func (h *LogHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level) || (h.bus != nil && level >= h.min)
}

// Handle implements slog.Handler.
func (h *LogHandler) Handle(ctx context.Context, r slog.Record) error {
	if h.bus != nil && r.Level >= h.min {
		data := map[string]any{
			"level":   r.Level.String(),
			"message": r.Message,
		}
		for _, a := range h.attrs {
			data[a.Key] = a.Value.Resolve().Any()
		}
		r.Attrs(func(a slog.Attr) bool {
			data[h.prefix+a.Key] = a.Value.Resolve().Any()
			return true
		})
		for k, v := range data {
			if err, ok := v.(error); ok {
				data[k] = err.Error()
			}
		}
		source, _ := data["component"].(string)
		if source == "" {
			source = "log"
		}
		h.bus.Publish(Event{Timestamp: r.Time, Source: source, Kind: KindLogLine, Data: data})
	}
	if h.inner.Enabled(ctx, r.Level) {
		return h.inner.Handle(ctx, r)
	}
	return nil
}

// WithAttrs implements slog.Handler.
func (h *LogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	c := *h
	c.inner = h.inner.WithAttrs(attrs)
	c.attrs = append([]slog.Attr(nil), h.attrs...)
	for _, a := range attrs {
		c.attrs = append(c.attrs, slog.Attr{Key: h.prefix + a.Key, Value: a.Value})
	}
	return &c
}

// WithGroup implements slog.Handler.
func (h *LogHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	c := *h
	c.inner = h.inner.WithGroup(name)
	c.prefix = h.prefix + name + "."
	return &c
}
