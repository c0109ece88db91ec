package messaging

import "context"

// QoS is the delivery guarantee requested for a publish or subscription
type QoS byte

const (
	AtMostOnce  QoS = 0
	AtLeastOnce QoS = 1
)

// Ack codes reported by transports. Other non-zero codes are transport specific.
const (
	AckCodeSuccess int32 = 0
	AckCodeFailure int32 = -1
)

// Ack is the asynchronous confirmation of a publish or subscribe
type Ack struct {
	PacketID uint16
	Code     int32
	Err      error
}

// OK reports whether the broker accepted the operation
func (a Ack) OK() bool {
	return a.Code == AckCodeSuccess && a.Err == nil
}

// AckFunc receives an acknowledgement. It runs on a transport goroutine and must not block.
type AckFunc func(ack Ack)

// Message is a delivery received on a subscribed topic
type Message struct {
	Topic     string
	Payload   []byte
	QoS       QoS
	Duplicate bool
	Retained  bool
	PacketID  uint16
}

// MessageHandler processes a delivery on a transport goroutine
type MessageHandler func(msg Message)

// Transport is the publish/subscribe connection used by the bridge
type Transport interface {
	// Publish submits payload on topic. A returned error means the submission
	// was rejected synchronously and onAck will not be called.
	Publish(topic string, qos QoS, payload []byte, onAck AckFunc) error

	// Subscribe registers onMessage for topic. A returned error means the
	// request was rejected synchronously and onAck will not be called.
	Subscribe(topic string, qos QoS, onMessage MessageHandler, onAck AckFunc) error

	// Unsubscribe removes the subscription for topic
	Unsubscribe(topic string) error
}

// Connector is implemented by transports that own a broker connection
type Connector interface {
	Connect(ctx context.Context) error
	IsConnected() bool
	Close() error
	// OnConnectionLost registers fn to run after the connection drops
	// unexpectedly. Close does not trigger it.
	OnConnectionLost(fn func(err error))
}
