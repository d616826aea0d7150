package events

import (
	"context"
	"log/slog"
)

// sink sends one event to an external broker.
type sink func(ctx context.Context, e Event) error

// forward drains a bus subscription into sink until ctx is cancelled.
// Send failures are logged and the event is dropped.
func forward(ctx context.Context, bus *Bus, name string, send sink, logger *slog.Logger) {
	ch := bus.Subscribe(128)
	defer bus.Unsubscribe(ch)

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			if err := send(ctx, e); err != nil {
				logger.Debug("event bridge send failed", "bridge", name, "kind", e.Kind, "error", err)
			}
		}
	}
}
