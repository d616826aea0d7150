package events

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
)

// MQTTOptions configures the MQTT event bridge.
type MQTTOptions struct {
	Broker     string
	Username   string
	Password   string
	DeviceName string
}

// MQTTBridge mirrors bus events to an MQTT broker under
// toque/<device>/events/<kind>, with a retained availability topic.
type MQTTBridge struct {
	opts   MQTTOptions
	bus    *Bus
	logger *slog.Logger
	cm     *autopaho.ConnectionManager
}

// NewMQTTBridge creates a bridge but does not connect.
func NewMQTTBridge(opts MQTTOptions, bus *Bus, logger *slog.Logger) *MQTTBridge {
	if opts.DeviceName == "" {
		opts.DeviceName = "toque"
	}
	return &MQTTBridge{opts: opts, bus: bus, logger: logger}
}

func (b *MQTTBridge) baseTopic() string {
	return "toque/" + b.opts.DeviceName
}

func (b *MQTTBridge) availabilityTopic() string {
	return b.baseTopic() + "/availability"
}

// EventTopic returns the topic an event kind is published on.
func (b *MQTTBridge) EventTopic(kind string) string {
	return b.baseTopic() + "/events/" + kind
}

// Run connects and forwards events until ctx is cancelled. autopaho
// keeps reconnecting in the background after the first attempt.
func (b *MQTTBridge) Run(ctx context.Context) error {
	brokerURL, err := url.Parse(b.opts.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	cfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: b.opts.Username,
		ConnectPassword: []byte(b.opts.Password),
		WillMessage: &paho.WillMessage{
			Topic:   b.availabilityTopic(),
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			b.logger.Info("mqtt connected", "broker", b.opts.Broker)
			b.publishAvailability(ctx, cm, "online")
		},
		OnConnectError: func(err error) {
			b.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: "toque-" + b.opts.DeviceName,
		},
	}
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		cfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	cm, err := autopaho.NewConnection(ctx, cfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	b.cm = cm

	connCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	if err := cm.AwaitConnection(connCtx); err != nil {
		b.logger.Warn("mqtt initial connection timed out, retrying in background", "error", err)
	}
	cancel()

	forward(ctx, b.bus, "mqtt", b.send, b.logger)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	b.publishAvailability(stopCtx, cm, "offline")
	return cm.Disconnect(stopCtx)
}

func (b *MQTTBridge) send(ctx context.Context, e Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	_, err = b.cm.Publish(ctx, &paho.Publish{
		Topic:   b.EventTopic(e.Kind),
		Payload: payload,
		QoS:     0,
	})
	return err
}

func (b *MQTTBridge) publishAvailability(ctx context.Context, cm *autopaho.ConnectionManager, status string) {
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   b.availabilityTopic(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		b.logger.Warn("mqtt availability publish failed", "status", status, "error", err)
	}
}
