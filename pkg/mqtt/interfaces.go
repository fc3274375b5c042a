package mqtt

import "context"

// Client is the broker surface the agent uses for run control, feedback
// ingestion and announcements. Subscriptions survive reconnects.
type Client interface {
	Connect(ctx context.Context) error
	Disconnect()

	// Subscribe registers handler for topic. Handlers run on the client's
	// delivery goroutine and must not block.
	Subscribe(topic string, qos byte, handler MessageHandler) error

	Publish(topic string, qos byte, retained bool, payload []byte) error

	// PublishJSON marshals v to JSON and publishes it with QoS 1
	PublishJSON(topic string, retained bool, v interface{}) error

	IsConnected() bool
}

// MessageHandler is a callback function for handling incoming MQTT messages
type MessageHandler func(Message)

// Message represents an MQTT message
type Message interface {
	Topic() string
	Payload() []byte

	// Ack acknowledges the message (for QoS > 0)
	Ack()
}
