// Package rabbitmq implements messaging.Transport on a RabbitMQ topic exchange.
//
// Topics are mapped to routing keys by replacing "/" with ".", so with the
// default amq.topic exchange the transport exchanges messages with MQTT
// clients connected through RabbitMQ's MQTT plugin.
package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/urlbridge/internal/rabbitmq"
	"github.com/glimte/urlbridge/messaging"
	amqp "github.com/rabbitmq/amqp091-go"
)

// ErrSubscriptionSuperseded fails a subscribe whose topic was unsubscribed or
// subscribed again before the consumer was ready
var ErrSubscriptionSuperseded = errors.New("rabbitmq: subscription superseded")

// Transport implements messaging.Transport for RabbitMQ
type Transport struct {
	manager   *rabbitmq.ConnectionManager
	publisher *rabbitmq.ConfirmPublisher
	config    *TransportConfig
	logger    *slog.Logger

	mu            sync.Mutex
	subscriptions map[string]*rabbitmq.Subscription
	generations   map[string]uint64
}

// TransportConfig holds configuration for the transport
type TransportConfig struct {
	Exchange          string
	ConfirmTimeout    time.Duration
	ConnectionOptions []rabbitmq.ConnectionOption
	Logger            *slog.Logger
}

// TransportOption configures the transport
type TransportOption func(*TransportConfig)

// WithExchange sets the topic exchange. Defaults to amq.topic.
func WithExchange(exchange string) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.Exchange = exchange
	}
}

// WithConfirmTimeout bounds how long a publisher confirm is awaited before
// reporting a failed acknowledgement
func WithConfirmTimeout(timeout time.Duration) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.ConfirmTimeout = timeout
	}
}

// WithConnectionOptions sets connection options
func WithConnectionOptions(opts ...rabbitmq.ConnectionOption) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.ConnectionOptions = append(cfg.ConnectionOptions, opts...)
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.Logger = logger
	}
}

// NewTransport creates an unconnected RabbitMQ transport
func NewTransport(connectionString string, options ...TransportOption) (*Transport, error) {
	if connectionString == "" {
		return nil, fmt.Errorf("connection string cannot be empty")
	}

	cfg := &TransportConfig{
		Exchange:       rabbitmq.DefaultExchange,
		ConfirmTimeout: 5 * time.Minute,
	}
	for _, opt := range options {
		opt(cfg)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Exchange == "" {
		return nil, fmt.Errorf("%w: exchange cannot be empty", rabbitmq.ErrInvalidConfiguration)
	}

	connOpts := append([]rabbitmq.ConnectionOption{rabbitmq.WithLogger(cfg.Logger)}, cfg.ConnectionOptions...)
	manager := rabbitmq.NewConnectionManager(connectionString, connOpts...)

	return &Transport{
		manager:       manager,
		publisher:     rabbitmq.NewConfirmPublisher(manager),
		config:        cfg,
		logger:        cfg.Logger.With("transport", "amqp", "exchange", cfg.Exchange),
		subscriptions: make(map[string]*rabbitmq.Subscription),
		generations:   make(map[string]uint64),
	}, nil
}

// Connect opens the broker connection
func (t *Transport) Connect(ctx context.Context) error {
	if err := t.manager.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	return nil
}

// IsConnected reports whether the connection is open
func (t *Transport) IsConnected() bool {
	return t.manager.IsConnected()
}

// Manager returns the connection manager, for state listeners
func (t *Transport) Manager() *rabbitmq.ConnectionManager {
	return t.manager
}

// Publish implements messaging.Transport. The publisher confirm is reported
// through onAck.
func (t *Transport) Publish(topic string, qos messaging.QoS, payload []byte, onAck messaging.AckFunc) error {
	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: deliveryMode(qos),
		Timestamp:    time.Now(),
		Body:         payload,
	}

	dc, err := t.publisher.Publish(context.Background(), t.config.Exchange, rabbitmq.RoutingKey(topic), msg)
	if err != nil {
		return err
	}

	go func() {
		acked, err := rabbitmq.WaitConfirm(context.Background(), dc, t.config.ConfirmTimeout)
		ack := messaging.Ack{PacketID: uint16(dc.DeliveryTag), Code: messaging.AckCodeSuccess}
		switch {
		case err != nil:
			ack.Code, ack.Err = messaging.AckCodeFailure, err
		case !acked:
			ack.Code, ack.Err = messaging.AckCodeFailure, rabbitmq.ErrPublishNotConfirmed
		}
		onAck(ack)
	}()
	return nil
}

// Subscribe implements messaging.Transport. Queue declaration, binding and
// consumer registration run asynchronously and complete the acknowledgement.
func (t *Transport) Subscribe(topic string, qos messaging.QoS, onMessage messaging.MessageHandler, onAck messaging.AckFunc) error {
	if !t.manager.IsConnected() {
		return rabbitmq.ErrConnectionNotReady
	}

	generation := t.nextGeneration(topic)
	go func() {
		sub, err := rabbitmq.Subscribe(t.manager, t.config.Exchange, rabbitmq.RoutingKey(topic), func(d amqp.Delivery) {
			onMessage(toMessage(d, qos))
		}, t.logger)
		if err != nil {
			onAck(messaging.Ack{Code: messaging.AckCodeFailure, Err: err})
			return
		}

		previous, ok := t.claim(topic, generation, sub)
		if !ok {
			// Unsubscribe or a newer Subscribe ran while the queue was being set up
			if err := sub.Cancel(); err != nil {
				t.logger.Debug("failed to cancel stale subscription", "topic", topic, "error", err)
			}
			onAck(messaging.Ack{Code: messaging.AckCodeFailure, Err: ErrSubscriptionSuperseded})
			return
		}

		if previous != nil {
			if err := previous.Cancel(); err != nil {
				t.logger.Debug("failed to cancel replaced subscription", "topic", topic, "error", err)
			}
		}
		onAck(messaging.Ack{Code: messaging.AckCodeSuccess})
	}()
	return nil
}

// nextGeneration invalidates any subscription of topic still being set up
func (t *Transport) nextGeneration(topic string) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.generations[topic]++
	return t.generations[topic]
}

// claim stores sub for topic if no Unsubscribe or Subscribe of the same topic
// happened since generation was issued. It returns the replaced subscription.
func (t *Transport) claim(topic string, generation uint64, sub *rabbitmq.Subscription) (*rabbitmq.Subscription, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.generations[topic] != generation {
		return nil, false
	}
	previous := t.subscriptions[topic]
	t.subscriptions[topic] = sub
	return previous, true
}

// Unsubscribe implements messaging.Transport
func (t *Transport) Unsubscribe(topic string) error {
	t.mu.Lock()
	t.generations[topic]++
	sub, ok := t.subscriptions[topic]
	delete(t.subscriptions, topic)
	t.mu.Unlock()

	if !ok {
		return nil
	}
	return sub.Cancel()
}

// OnConnectionLost implements messaging.Connector. Consumers die with the
// connection, so the subscription table is cleared before fn runs.
func (t *Transport) OnConnectionLost(fn func(err error)) {
	t.manager.AddStateListener(&lossListener{transport: t, fn: fn})
}

type lossListener struct {
	transport *Transport
	fn        func(error)
}

func (l *lossListener) OnConnected() {}

func (l *lossListener) OnDisconnected(err error) {
	l.transport.dropSubscriptions()
	l.fn(err)
}

func (t *Transport) dropSubscriptions() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for topic := range t.subscriptions {
		t.generations[topic]++
	}
	t.subscriptions = make(map[string]*rabbitmq.Subscription)
}

// Close cancels all subscriptions and closes the connection
func (t *Transport) Close() error {
	t.mu.Lock()
	subs := t.subscriptions
	t.subscriptions = make(map[string]*rabbitmq.Subscription)
	t.mu.Unlock()

	for topic, sub := range subs {
		if err := sub.Cancel(); err != nil {
			t.logger.Debug("failed to cancel subscription", "topic", topic, "error", err)
		}
	}
	if err := t.publisher.Close(); err != nil {
		t.logger.Debug("failed to close publisher channel", "error", err)
	}
	return t.manager.Close()
}

func deliveryMode(qos messaging.QoS) uint8 {
	if qos >= messaging.AtLeastOnce {
		return amqp.Persistent
	}
	return amqp.Transient
}

func toMessage(d amqp.Delivery, qos messaging.QoS) messaging.Message {
	return messaging.Message{
		Topic:     rabbitmq.TopicFromRoutingKey(d.RoutingKey),
		Payload:   d.Body,
		QoS:       qos,
		Duplicate: d.Redelivered,
		PacketID:  uint16(d.DeliveryTag),
	}
}

var (
	_ messaging.Transport = (*Transport)(nil)
	_ messaging.Connector = (*Transport)(nil)
)
