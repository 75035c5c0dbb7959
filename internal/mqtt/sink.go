// Package mqtt publishes foreman's operational events to an MQTT
// broker so dashboards and automations can watch work orders without
// holding an HTTP connection open.
//
// The sink uses Eclipse Paho v2's [autopaho] package for connection
// management with automatic reconnection. On every (re-)connect it
// publishes a birth message ("online") to the availability topic; a
// will message ensures the topic transitions to "offline" on unexpected
// disconnects. Events stream as JSON to
// <prefix>/events/<source>/<kind>, the latest terminal status of each
// order is retained at <prefix>/orders/<id>/status, and daily token
// usage is retained at <prefix>/usage/tokens_today.
package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/runefall/foreman/internal/config"
	"github.com/runefall/foreman/internal/events"
)

// sinkBuffer is the bus subscription depth. Bursts beyond it drop
// events for this sink only.
const sinkBuffer = 256

// Sink bridges the event bus to an MQTT broker.
type Sink struct {
	cfg        config.MQTTConfig
	instanceID string
	bus        *events.Bus
	tokens     *DailyTokens
	logger     *slog.Logger
	cm         *autopaho.ConnectionManager
}

// NewSink creates a Sink but does not connect. Call [Sink.Start] to
// begin the connection and forwarding loop.
func NewSink(cfg config.MQTTConfig, instanceID string, bus *events.Bus, logger *slog.Logger) *Sink {
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "foreman"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sink{
		cfg:        cfg,
		instanceID: instanceID,
		bus:        bus,
		tokens:     NewDailyTokens(nil),
		logger:     logger.With("component", "mqtt"),
	}
}

// Start connects to the MQTT broker and forwards bus events until ctx
// is cancelled.
func (s *Sink) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(s.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	availTopic := s.availabilityTopic()

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: s.cfg.Username,
		ConnectPassword: []byte(s.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   availTopic,
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			s.logger.Info("mqtt connected to broker", "broker", s.cfg.Broker)
			s.publishAvailability(ctx, cm, "online")
		},
		OnConnectError: func(err error) {
			s.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: "foreman-" + s.instanceID,
		},
	}

	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	s.cm = cm

	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		// autopaho keeps retrying in the background.
		s.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	s.forward(ctx)
	return nil
}

// Stop gracefully disconnects by publishing an "offline" availability
// message before closing the connection.
func (s *Sink) Stop(ctx context.Context) error {
	if s.cm == nil {
		return nil
	}
	s.publishAvailability(ctx, s.cm, "offline")
	return s.cm.Disconnect(ctx)
}

// forward drains the bus subscription until ctx is cancelled.
func (s *Sink) forward(ctx context.Context) {
	ch := s.bus.Subscribe(sinkBuffer)
	defer s.bus.Unsubscribe(ch)

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			s.publishEvent(ctx, e)
		}
	}
}

func (s *Sink) publishEvent(ctx context.Context, e events.Event) {
	payload, err := json.Marshal(e)
	if err != nil {
		s.logger.Error("mqtt marshal event", "kind", e.Kind, "error", err)
		return
	}

	if _, err := s.cm.Publish(ctx, &paho.Publish{
		Topic:   s.eventTopic(e),
		Payload: payload,
		QoS:     0,
	}); err != nil {
		s.logger.Debug("mqtt event publish failed", "kind", e.Kind, "error", err)
	}

	switch e.Kind {
	case events.KindTurn:
		s.tokens.OnTokens(intData(e, "tokens_in"), intData(e, "tokens_out"))
		s.publishUsage(ctx)
	case events.KindRunComplete:
		s.publishOrderStatus(ctx, e)
	}
}

// publishOrderStatus retains the terminal status so late subscribers
// see the last known state of each order.
func (s *Sink) publishOrderStatus(ctx context.Context, e events.Event) {
	orderID, _ := e.Data["order_id"].(string)
	status, _ := e.Data["status"].(string)
	if orderID == "" || status == "" {
		return
	}

	if _, err := s.cm.Publish(ctx, &paho.Publish{
		Topic:   s.orderStatusTopic(orderID),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		s.logger.Debug("mqtt order status publish failed", "order", orderID, "error", err)
	}
}

func (s *Sink) publishUsage(ctx context.Context) {
	input, output, _ := s.tokens.Snapshot()
	if _, err := s.cm.Publish(ctx, &paho.Publish{
		Topic:   s.usageTopic(),
		Payload: []byte(strconv.FormatInt(input+output, 10)),
		QoS:     0,
		Retain:  true,
	}); err != nil {
		s.logger.Debug("mqtt usage publish failed", "error", err)
	}
}

func (s *Sink) publishAvailability(ctx context.Context, cm *autopaho.ConnectionManager, status string) {
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   s.availabilityTopic(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		s.logger.Warn("mqtt availability publish failed", "status", status, "error", err)
	} else {
		s.logger.Info("mqtt availability published", "status", status)
	}
}

// --- Topic helpers ---

func (s *Sink) availabilityTopic() string {
	return s.cfg.TopicPrefix + "/availability"
}

func (s *Sink) eventTopic(e events.Event) string {
	return s.cfg.TopicPrefix + "/events/" + e.Source + "/" + e.Kind
}

func (s *Sink) orderStatusTopic(orderID string) string {
	return s.cfg.TopicPrefix + "/orders/" + orderID + "/status"
}

func (s *Sink) usageTopic() string {
	return s.cfg.TopicPrefix + "/usage/tokens_today"
}

// intData reads a numeric event data field, tolerating the int/float64
// split between direct publishes and JSON round trips.
func intData(e events.Event, key string) int {
	switch v := e.Data[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}
