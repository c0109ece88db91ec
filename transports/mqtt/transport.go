// Package mqtt implements messaging.Transport on an MQTT 3.1.1 broker
// connection using the Eclipse Paho client.
package mqtt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/glimte/urlbridge/messaging"
	"github.com/google/uuid"
)

// SubackFailure is the SUBACK return code for a refused subscription
const SubackFailure byte = 0x80

// ErrNotConnected is returned when an operation is submitted without an open connection
var ErrNotConnected = errors.New("mqtt: not connected")

// Transport is a messaging.Transport backed by a Paho client.
// Reconnects are left to the caller; the bridge resubscribes on demand.
type Transport struct {
	client paho.Client
	config *TransportConfig
	logger *slog.Logger

	mu     sync.Mutex
	closed bool
	onLost []func(error)
}

// TransportConfig holds configuration for the transport
type TransportConfig struct {
	BrokerURL      string
	ClientID       string
	ConnectTimeout time.Duration
	KeepAlive      time.Duration
	AckTimeout     time.Duration
	Logger         *slog.Logger
	Client         paho.Client
}

// TransportOption configures the transport
type TransportOption func(*TransportConfig)

// WithClientID sets the MQTT client id. A random id is used otherwise.
func WithClientID(id string) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.ClientID = id
	}
}

// WithConnectTimeout sets the CONNECT timeout
func WithConnectTimeout(timeout time.Duration) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.ConnectTimeout = timeout
	}
}

// WithKeepAlive sets the keep-alive interval
func WithKeepAlive(interval time.Duration) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.KeepAlive = interval
	}
}

// WithAckTimeout bounds how long a goroutine waits on a Paho token before
// reporting a failed acknowledgement
func WithAckTimeout(timeout time.Duration) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.AckTimeout = timeout
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.Logger = logger
	}
}

// WithClient uses an existing Paho client instead of building one
func WithClient(client paho.Client) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.Client = client
	}
}

// NewTransport creates an unconnected transport for brokerURL (tcp://host:1883)
func NewTransport(brokerURL string, options ...TransportOption) (*Transport, error) {
	cfg := &TransportConfig{
		BrokerURL:      brokerURL,
		ConnectTimeout: 30 * time.Second,
		KeepAlive:      30 * time.Second,
		AckTimeout:     5 * time.Minute,
	}
	for _, opt := range options {
		opt(cfg)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "urlbridge-" + uuid.New().String()[:8]
	}

	if cfg.Client == nil && brokerURL == "" {
		return nil, fmt.Errorf("broker URL cannot be empty")
	}

	t := &Transport{
		client: cfg.Client,
		config: cfg,
		logger: cfg.Logger.With("transport", "mqtt", "clientId", cfg.ClientID),
	}
	if t.client == nil {
		t.client = paho.NewClient(clientOptions(cfg, t.connectionLost))
	}
	return t, nil
}

func clientOptions(cfg *TransportConfig, onLost func(error)) *paho.ClientOptions {
	logger := cfg.Logger
	return paho.NewClientOptions().
		AddBroker(cfg.BrokerURL).
		SetClientID(cfg.ClientID).
		SetCleanSession(true).
		SetAutoReconnect(false).
		SetConnectRetry(false).
		SetOrderMatters(false).
		SetConnectTimeout(cfg.ConnectTimeout).
		SetKeepAlive(cfg.KeepAlive).
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			if onLost != nil {
				onLost(err)
			}
		}).
		SetOnConnectHandler(func(paho.Client) {
			logger.Info("mqtt connected", "broker", cfg.BrokerURL)
		})
}

// Connect opens the broker connection
func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return fmt.Errorf("transport is closed")
	}
	t.mu.Unlock()

	token := t.client.Connect()
	select {
	case <-token.Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to connect to %s: %w", t.config.BrokerURL, err)
	}
	return nil
}

// IsConnected reports whether the connection is open
func (t *Transport) IsConnected() bool {
	return t.client.IsConnectionOpen()
}

// OnConnectionLost implements messaging.Connector. The session is clean, so
// the broker has dropped every subscription by the time fn runs.
func (t *Transport) OnConnectionLost(fn func(err error)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onLost = append(t.onLost, fn)
}

// connectionLost runs the registered callbacks after an unexpected disconnect
func (t *Transport) connectionLost(err error) {
	t.logger.Warn("mqtt connection lost", "error", err)

	t.mu.Lock()
	closed := t.closed
	callbacks := append([]func(error){}, t.onLost...)
	t.mu.Unlock()

	if closed {
		return
	}
	for _, fn := range callbacks {
		fn(err)
	}
}

// Close disconnects from the broker
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	if t.client.IsConnected() {
		t.client.Disconnect(250)
	}
	return nil
}

// Publish implements messaging.Transport
func (t *Transport) Publish(topic string, qos messaging.QoS, payload []byte, onAck messaging.AckFunc) error {
	if !t.client.IsConnectionOpen() {
		return ErrNotConnected
	}

	token := t.client.Publish(topic, byte(qos), false, payload)
	go t.awaitToken(token, func(err error) messaging.Ack {
		ack := messaging.Ack{Code: messaging.AckCodeSuccess, Err: err}
		if pub, ok := token.(*paho.PublishToken); ok {
			ack.PacketID = pub.MessageID()
		}
		if err != nil {
			ack.Code = messaging.AckCodeFailure
		}
		return ack
	}, onAck)
	return nil
}

// Subscribe implements messaging.Transport
func (t *Transport) Subscribe(topic string, qos messaging.QoS, onMessage messaging.MessageHandler, onAck messaging.AckFunc) error {
	if !t.client.IsConnectionOpen() {
		return ErrNotConnected
	}

	token := t.client.Subscribe(topic, byte(qos), func(_ paho.Client, m paho.Message) {
		onMessage(toMessage(m))
	})
	go t.awaitToken(token, func(err error) messaging.Ack {
		if err != nil {
			return messaging.Ack{Code: messaging.AckCodeFailure, Err: err}
		}
		if sub, ok := token.(*paho.SubscribeToken); ok {
			return messaging.Ack{Code: subackCode(sub.Result()[topic])}
		}
		return messaging.Ack{Code: messaging.AckCodeSuccess}
	}, onAck)
	return nil
}

// Unsubscribe implements messaging.Transport
func (t *Transport) Unsubscribe(topic string) error {
	if !t.client.IsConnectionOpen() {
		return ErrNotConnected
	}

	token := t.client.Unsubscribe(topic)
	if !token.WaitTimeout(t.config.ConnectTimeout) {
		return fmt.Errorf("unsubscribe %s: timed out", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("unsubscribe %s: %w", topic, err)
	}
	return nil
}

// awaitToken reports the outcome of token through onAck once it completes
func (t *Transport) awaitToken(token paho.Token, build func(error) messaging.Ack, onAck messaging.AckFunc) {
	if !token.WaitTimeout(t.config.AckTimeout) {
		t.logger.Debug("mqtt token did not complete")
		onAck(messaging.Ack{Code: messaging.AckCodeFailure, Err: messaging.ErrAckTimeout})
		return
	}
	onAck(build(token.Error()))
}

// subackCode maps a SUBACK return code to an acknowledgement code. Granted
// QoS values 0-2 are success; 0x80 is passed through as a failure code.
func subackCode(granted byte) int32 {
	if granted >= SubackFailure {
		return int32(granted)
	}
	return messaging.AckCodeSuccess
}

func toMessage(m paho.Message) messaging.Message {
	return messaging.Message{
		Topic:     m.Topic(),
		Payload:   m.Payload(),
		QoS:       messaging.QoS(m.Qos()),
		Duplicate: m.Duplicate(),
		Retained:  m.Retained(),
		PacketID:  m.MessageID(),
	}
}

var (
	_ messaging.Transport = (*Transport)(nil)
	_ messaging.Connector = (*Transport)(nil)
)
