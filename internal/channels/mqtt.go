// Package channels carries engine events and network signals over MQTT
// and WebSocket.
package channels

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/clawinfra/offsync/internal/cloudsync"
	mqtt "github.com/eclipse/paho.mqtt.golang"
)

const (
	// MQTT topics, relative to <prefix>/<device>
	eventsTopic  = "%s/%s/events"  // engine -> subscribers
	statusTopic  = "%s/%s/status"  // retained sync status
	networkTopic = "%s/%s/network" // external wifi/cell signals -> engine

	connectTimeout = 10 * time.Second
	publishTimeout = 5 * time.Second
)

// ErrNotConnected is returned when publishing without a broker connection.
var ErrNotConnected = errors.New("mqtt not connected")

// NetworkSignaler receives platform network signals.
type NetworkSignaler interface {
	NetworkAvailable()
	NetworkLost()
}

// StatusSource supplies the status published after each event.
type StatusSource func(ctx context.Context) cloudsync.SyncStatus

// MQTTConfig configures the bridge.
type MQTTConfig struct {
	Broker      string
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
	DeviceID    string
}

// MQTTBridge publishes engine events to a broker and feeds network
// signals received from it into the connectivity monitor.
type MQTTBridge struct {
	cfg     MQTTConfig
	network NetworkSignaler
	logger  *slog.Logger
	client  MQTTClient

	clientFactory func(opts *mqtt.ClientOptions) MQTTClient

	statusMu sync.RWMutex
	status   StatusSource
}

// NewMQTTBridge creates a bridge backed by the paho client.
func NewMQTTBridge(cfg MQTTConfig, network NetworkSignaler, logger *slog.Logger) *MQTTBridge {
	return NewMQTTBridgeWithClient(cfg, network, logger, NewPahoClient)
}

// NewMQTTBridgeWithClient creates a bridge with a custom client factory (for testing).
func NewMQTTBridgeWithClient(cfg MQTTConfig, network NetworkSignaler, logger *slog.Logger, clientFactory func(*mqtt.ClientOptions) MQTTClient) *MQTTBridge {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "offsync"
	}
	if cfg.DeviceID == "" {
		cfg.DeviceID = "default"
	}
	if cfg.ClientID == "" {
		cfg.ClientID = fmt.Sprintf("offsync-%s-%d", cfg.DeviceID, time.Now().Unix())
	}
	return &MQTTBridge{
		cfg:           cfg,
		network:       network,
		logger:        logger.With("channel", "mqtt"),
		clientFactory: clientFactory,
	}
}

// SetStatusSource registers fn; its result is published retained after
// every event.
func (m *MQTTBridge) SetStatusSource(fn StatusSource) {
	m.statusMu.Lock()
	defer m.statusMu.Unlock()
	m.status = fn
}

func (m *MQTTBridge) topic(format string) string {
	return fmt.Sprintf(format, m.cfg.TopicPrefix, m.cfg.DeviceID)
}

// Start connects to the broker. Subscriptions are renewed on every
// (re)connect.
func (m *MQTTBridge) Start(ctx context.Context) error {
	opts := clientOptions(m.cfg, m.logger, func() {
		m.logger.Info("mqtt connected, subscribing to network signals")
		if err := m.subscribe(); err != nil {
			m.logger.Error("failed to subscribe", "error", err)
		}
	})
	m.client = m.clientFactory(opts)

	m.logger.Info("connecting to mqtt broker", "broker", m.cfg.Broker)
	if err := await(m.client.Connect(), connectTimeout); err != nil {
		return fmt.Errorf("connect to mqtt %s: %w", m.cfg.Broker, err)
	}

	m.logger.Info("mqtt bridge started", "events", m.topic(eventsTopic), "network", m.topic(networkTopic))
	return nil
}

// Stop disconnects from the broker.
func (m *MQTTBridge) Stop() error {
	m.logger.Info("stopping mqtt bridge")
	if m.client != nil && m.client.IsConnected() {
		m.client.Disconnect(250)
	}
	return nil
}

func (m *MQTTBridge) subscribe() error {
	topic := m.topic(networkTopic)
	if err := await(m.client.Subscribe(topic, 1, m.handleNetwork), publishTimeout); err != nil {
		return fmt.Errorf("subscribe to %s: %w", topic, err)
	}
	m.logger.Info("subscribed", "topic", topic)
	return nil
}

// handleNetwork accepts "available"/"lost" (or a JSON {"state": ...}).
func (m *MQTTBridge) handleNetwork(_ mqtt.Client, msg mqtt.Message) {
	state := strings.TrimSpace(string(msg.Payload()))
	var body struct {
		State string `json:"state"`
	}
	if err := json.Unmarshal(msg.Payload(), &body); err == nil && body.State != "" {
		state = body.State
	}

	switch strings.ToLower(state) {
	case "available", "online", "up":
		m.logger.Debug("network available signal", "topic", msg.Topic())
		m.network.NetworkAvailable()
	case "lost", "offline", "down":
		m.logger.Debug("network lost signal", "topic", msg.Topic())
		m.network.NetworkLost()
	default:
		m.logger.Warn("unknown network signal", "topic", msg.Topic(), "payload", state)
	}
}

// Notify publishes ev with QoS 1, then the retained status if a source
// is registered.
func (m *MQTTBridge) Notify(ctx context.Context, ev cloudsync.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := m.publish(ctx, m.topic(eventsTopic), false, payload); err != nil {
		return err
	}

	m.statusMu.RLock()
	source := m.status
	m.statusMu.RUnlock()
	if source == nil {
		return nil
	}
	return m.PublishStatus(ctx, source(ctx))
}

// PublishStatus publishes st as the retained status message.
func (m *MQTTBridge) PublishStatus(ctx context.Context, st cloudsync.SyncStatus) error {
	payload, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("marshal status: %w", err)
	}
	return m.publish(ctx, m.topic(statusTopic), true, payload)
}

func (m *MQTTBridge) publish(ctx context.Context, topic string, retained bool, payload []byte) error {
	if m.client == nil || !m.client.IsConnected() {
		return ErrNotConnected
	}

	timeout := publishTimeout
	if dl, ok := ctx.Deadline(); ok {
		timeout = min(timeout, time.Until(dl))
	}

	if err := await(m.client.Publish(topic, 1, retained, payload), timeout); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	m.logger.Debug("published", "topic", topic, "size", len(payload), "retained", retained)
	return nil
}
