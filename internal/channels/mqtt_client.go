package channels

import (
	"errors"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// ErrTokenTimeout is returned when the broker does not acknowledge a
// connect, subscribe or publish in time.
var ErrTokenTimeout = errors.New("mqtt: broker did not acknowledge in time")

// MQTTClient is the part of the paho client the bridge depends on.
// mqtt.Client satisfies it as is.
type MQTTClient interface {
	Connect() mqtt.Token
	Disconnect(quiesce uint)
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token
	IsConnected() bool
}

// NewPahoClient is the client factory used outside tests.
func NewPahoClient(opts *mqtt.ClientOptions) MQTTClient {
	return mqtt.NewClient(opts)
}

// clientOptions builds a persistent, auto-reconnecting session for cfg.
// onConnect runs after every successful (re)connect.
func clientOptions(cfg MQTTConfig, logger *slog.Logger, onConnect func()) *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetKeepAlive(30 * time.Second).
		SetPingTimeout(10 * time.Second).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetMaxReconnectInterval(30 * time.Second)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username).SetPassword(cfg.Password)
	}

	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Warn("mqtt connection lost", "error", err)
	})
	opts.SetReconnectingHandler(func(_ mqtt.Client, _ *mqtt.ClientOptions) {
		logger.Debug("mqtt reconnecting", "broker", cfg.Broker)
	})
	opts.SetOnConnectHandler(func(mqtt.Client) { onConnect() })
	return opts
}

// await blocks until tok completes or timeout passes.
func await(tok mqtt.Token, timeout time.Duration) error {
	if timeout <= 0 || !tok.WaitTimeout(timeout) {
		return ErrTokenTimeout
	}
	return tok.Error()
}
