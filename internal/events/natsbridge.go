package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// NATSSubjectPrefix is prepended to the event kind to form the subject.
const NATSSubjectPrefix = "toque.events."

// NATSBridge mirrors bus events to a NATS server.
type NATSBridge struct {
	nc     *nats.Conn
	bus    *Bus
	logger *slog.Logger
}

// NewNATSBridge connects to url. The connection retries in the
// background if the server is not yet reachable.
func NewNATSBridge(url string, bus *Bus, logger *slog.Logger) (*NATSBridge, error) {
	nc, err := nats.Connect(url,
		nats.Name("toque"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	return &NATSBridge{nc: nc, bus: bus, logger: logger}, nil
}

// Run forwards events until ctx is cancelled, then drains the
// connection.
func (b *NATSBridge) Run(ctx context.Context) {
	b.logger.Info("nats event bridge started", "url", b.nc.ConnectedUrl())
	forward(ctx, b.bus, "nats", b.send, b.logger)
	if err := b.nc.Drain(); err != nil {
		b.logger.Debug("nats drain failed", "error", err)
	}
}

func (b *NATSBridge) send(_ context.Context, e Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return b.nc.Publish(NATSSubject(e), payload)
}

// NATSSubject returns the subject an event is published on.
func NATSSubject(e Event) string {
	return NATSSubjectPrefix + e.Kind
}
