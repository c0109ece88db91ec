// Package messagingtest provides an in-memory messaging.Transport for tests.
package messagingtest

import (
	"context"
	"errors"
	"sync"

	"github.com/glimte/urlbridge/messaging"
)

// ErrSubmit is returned by operations configured with SubmitFail
var ErrSubmit = errors.New("messagingtest: submission rejected")

// Mode controls how the fake answers publish and subscribe requests
type Mode int

const (
	// Accept acknowledges with code 0
	Accept Mode = iota
	// Reject acknowledges with the configured reject code
	Reject
	// Silent never acknowledges
	Silent
	// SubmitFail rejects the call synchronously
	SubmitFail
)

// Transport is a fake transport that records calls and lets tests inject deliveries
type Transport struct {
	mu               sync.Mutex
	subscribeMode    Mode
	publishMode      Mode
	rejectCode       int32
	connected        bool
	subscribeCalls   int
	publishCalls     int
	unsubscribeCalls int
	nextPacketID     uint16
	published        []messaging.Message
	handlers         map[string]messaging.MessageHandler
	unsubscribeErr   error
	onLost           []func(error)
}

// New creates a connected fake transport that accepts everything
func New() *Transport {
	return &Transport{
		connected:  true,
		rejectCode: 0x80,
		handlers:   make(map[string]messaging.MessageHandler),
	}
}

// SetSubscribeMode changes how subscribe requests are answered
func (t *Transport) SetSubscribeMode(mode Mode) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.subscribeMode = mode
}

// SetPublishMode changes how publish requests are answered
func (t *Transport) SetPublishMode(mode Mode) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.publishMode = mode
}

// SetRejectCode sets the code used by Reject acknowledgements
func (t *Transport) SetRejectCode(code int32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rejectCode = code
}

// SetUnsubscribeError makes Unsubscribe return err
func (t *Transport) SetUnsubscribeError(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.unsubscribeErr = err
}

// Publish implements messaging.Transport
func (t *Transport) Publish(topic string, qos messaging.QoS, payload []byte, onAck messaging.AckFunc) error {
	t.mu.Lock()
	t.publishCalls++
	mode := t.publishMode
	code := t.rejectCode
	t.nextPacketID++
	packetID := t.nextPacketID
	if mode != SubmitFail {
		t.published = append(t.published, messaging.Message{
			Topic:    topic,
			Payload:  append([]byte(nil), payload...),
			QoS:      qos,
			PacketID: packetID,
		})
	}
	t.mu.Unlock()

	return answer(mode, code, packetID, onAck)
}

// Subscribe implements messaging.Transport
func (t *Transport) Subscribe(topic string, qos messaging.QoS, onMessage messaging.MessageHandler, onAck messaging.AckFunc) error {
	t.mu.Lock()
	t.subscribeCalls++
	mode := t.subscribeMode
	code := t.rejectCode
	t.nextPacketID++
	packetID := t.nextPacketID
	if mode == Accept {
		t.handlers[topic] = onMessage
	}
	t.mu.Unlock()

	return answer(mode, code, packetID, onAck)
}

// Unsubscribe implements messaging.Transport
func (t *Transport) Unsubscribe(topic string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.unsubscribeCalls++
	delete(t.handlers, topic)
	return t.unsubscribeErr
}

func answer(mode Mode, code int32, packetID uint16, onAck messaging.AckFunc) error {
	switch mode {
	case SubmitFail:
		return ErrSubmit
	case Silent:
		return nil
	case Reject:
		go onAck(messaging.Ack{PacketID: packetID, Code: code})
	default:
		go onAck(messaging.Ack{PacketID: packetID, Code: messaging.AckCodeSuccess})
	}
	return nil
}

// Deliver hands msg to the handler subscribed to msg.Topic. It reports
// whether a handler was found.
func (t *Transport) Deliver(msg messaging.Message) bool {
	t.mu.Lock()
	handler, ok := t.handlers[msg.Topic]
	t.mu.Unlock()
	if !ok || handler == nil {
		return false
	}
	handler(msg)
	return true
}

// DeliverTo hands msg to the handler subscribed to topic regardless of msg.Topic
func (t *Transport) DeliverTo(topic string, msg messaging.Message) bool {
	t.mu.Lock()
	handler, ok := t.handlers[topic]
	t.mu.Unlock()
	if !ok || handler == nil {
		return false
	}
	handler(msg)
	return true
}

// HasSubscription reports whether topic currently has a handler
func (t *Transport) HasSubscription(topic string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.handlers[topic]
	return ok
}

// SubscribeCalls returns the number of Subscribe calls
func (t *Transport) SubscribeCalls() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.subscribeCalls
}

// PublishCalls returns the number of Publish calls
func (t *Transport) PublishCalls() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.publishCalls
}

// UnsubscribeCalls returns the number of Unsubscribe calls
func (t *Transport) UnsubscribeCalls() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.unsubscribeCalls
}

// Published returns a copy of the accepted publishes
func (t *Transport) Published() []messaging.Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]messaging.Message(nil), t.published...)
}

// Connect implements messaging.Connector
func (t *Transport) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connected = true
	return nil
}

// IsConnected implements messaging.Connector
func (t *Transport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

// OnConnectionLost implements messaging.Connector
func (t *Transport) OnConnectionLost(fn func(err error)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onLost = append(t.onLost, fn)
}

// Drop simulates an unexpected disconnect of a clean session: every
// subscription is forgotten and the connection-lost callbacks run on the
// calling goroutine.
func (t *Transport) Drop(err error) {
	t.mu.Lock()
	t.connected = false
	t.handlers = make(map[string]messaging.MessageHandler)
	callbacks := append([]func(error){}, t.onLost...)
	t.mu.Unlock()

	for _, fn := range callbacks {
		fn(err)
	}
}

// Close implements messaging.Connector
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connected = false
	return nil
}

var (
	_ messaging.Transport = (*Transport)(nil)
	_ messaging.Connector = (*Transport)(nil)
)
