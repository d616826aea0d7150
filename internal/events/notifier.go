package events

import (
	"context"
	"log/slog"
)

// Notifier is the UI notification channel handed to the tool layer and
// the enrichment pipeline. Delivery is fire-and-forget: nothing here
// returns an error to the caller.
type Notifier struct {
	bus    *Bus
	logger *slog.Logger
}

// NewNotifier wraps a bus. A nil bus yields a notifier that only logs.
func NewNotifier(bus *Bus, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{bus: bus, logger: logger}
}

// DataChanged signals that chef records or the schema changed.
func (n *Notifier) DataChanged(_ context.Context, source string, detail map[string]any) {
	if n == nil {
		return
	}
	data := map[string]any{"source": source}
	for k, v := range detail {
		data[k] = v
	}
	if n.bus == nil {
		n.logger.Debug("data change not delivered, no event bus", "source", source)
		return
	}
	n.bus.Emit(source, KindDataChanged, data)
}

// Log publishes a free-form log line to the stream.
func (n *Notifier) Log(source, kind string, data map[string]any) {
	if n == nil {
		return
	}
	n.bus.Emit(source, kind, data)
}
