package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/saaga0h/jeeves-synergy/pkg/config"
)

// Availability payloads published retained on TopicStatus
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// tokenTimeout bounds waiting for subscribe and publish acknowledgements
const tokenTimeout = 10 * time.Second

type subscription struct {
	qos     byte
	handler MessageHandler
}

// mqttClient implements Client with Paho. Sessions are clean, so the broker
// forgets subscriptions on reconnect; they are recorded here and restored in
// the connect handler.
type mqttClient struct {
	client pahomqtt.Client
	cfg    *config.Config
	logger *slog.Logger

	mu            sync.Mutex
	subscriptions map[string]subscription
}

// NewClient creates a new MQTT client with the given configuration
func NewClient(cfg *config.Config, logger *slog.Logger) Client {
	if logger == nil {
		logger = slog.Default()
	}
	m := &mqttClient{
		cfg:           cfg,
		logger:        logger.With("component", "mqtt"),
		subscriptions: make(map[string]subscription),
	}

	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(cfg.MQTTAddress())

	if cfg.MQTTClientID != "" {
		opts.SetClientID(cfg.MQTTClientID)
	} else {
		opts.SetClientID(fmt.Sprintf("%s-%d", cfg.ServiceName, time.Now().Unix()))
	}
	if cfg.MQTTUser != "" {
		opts.SetUsername(cfg.MQTTUser)
	}
	if cfg.MQTTPassword != "" {
		opts.SetPassword(cfg.MQTTPassword)
	}

	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.SetWill(TopicStatus, StatusOffline, 1, true)

	opts.OnConnect = m.onConnect
	opts.OnConnectionLost = func(_ pahomqtt.Client, err error) {
		m.logger.Warn("MQTT connection lost", "error", err)
	}
	opts.OnReconnecting = func(_ pahomqtt.Client, _ *pahomqtt.ClientOptions) {
		m.logger.Info("MQTT reconnecting")
	}

	m.client = pahomqtt.NewClient(opts)
	return m
}

// onConnect announces availability and restores subscriptions. It runs on
// Paho's goroutine, so it never blocks on acknowledgements.
func (m *mqttClient) onConnect(c pahomqtt.Client) {
	m.logger.Info("Connected to MQTT broker", "broker", m.cfg.MQTTAddress())
	c.Publish(TopicStatus, 1, true, StatusOnline)

	m.mu.Lock()
	defer m.mu.Unlock()
	for topic, sub := range m.subscriptions {
		c.Subscribe(topic, sub.qos, wrap(sub.handler))
		m.logger.Debug("Restored subscription", "topic", topic)
	}
}

// Connect establishes a connection to the MQTT broker
func (m *mqttClient) Connect(ctx context.Context) error {
	m.logger.Info("Connecting to MQTT broker", "broker", m.cfg.MQTTAddress())

	token := m.client.Connect()
	select {
	case <-token.Done():
		if token.Error() != nil {
			return fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("connection timeout: %w", ctx.Err())
	}
}

// Disconnect marks the agent offline and closes the connection
func (m *mqttClient) Disconnect() {
	if m.client.IsConnected() {
		m.client.Publish(TopicStatus, 1, true, StatusOffline).WaitTimeout(time.Second)
	}
	m.client.Disconnect(250)
	m.logger.Info("Disconnected from MQTT broker")
}

// Subscribe subscribes to topic and keeps the subscription across reconnects
func (m *mqttClient) Subscribe(topic string, qos byte, handler MessageHandler) error {
	m.mu.Lock()
	m.subscriptions[topic] = subscription{qos: qos, handler: handler}
	m.mu.Unlock()

	token := m.client.Subscribe(topic, qos, wrap(handler))
	if !token.WaitTimeout(tokenTimeout) {
		return fmt.Errorf("failed to subscribe to topic %s: timed out", topic)
	}
	if token.Error() != nil {
		return fmt.Errorf("failed to subscribe to topic %s: %w", topic, token.Error())
	}
	return nil
}

// Publish publishes a message to a topic
func (m *mqttClient) Publish(topic string, qos byte, retained bool, payload []byte) error {
	token := m.client.Publish(topic, qos, retained, payload)
	if !token.WaitTimeout(tokenTimeout) {
		return fmt.Errorf("failed to publish to topic %s: timed out", topic)
	}
	if token.Error() != nil {
		return fmt.Errorf("failed to publish to topic %s: %w", topic, token.Error())
	}

	m.logger.Debug("Published message", "topic", topic, "size", len(payload))
	return nil
}

// PublishJSON marshals v and publishes it with QoS 1
func (m *mqttClient) PublishJSON(topic string, retained bool, v interface{}) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal payload for %s: %w", topic, err)
	}
	return m.Publish(topic, 1, retained, payload)
}

func (m *mqttClient) IsConnected() bool {
	return m.client.IsConnected()
}

func wrap(handler MessageHandler) pahomqtt.MessageHandler {
	return func(_ pahomqtt.Client, msg pahomqtt.Message) {
		handler(message{msg})
	}
}

// message adapts a Paho message to Message
type message struct {
	pahomqtt.Message
}
