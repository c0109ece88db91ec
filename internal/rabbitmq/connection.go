package rabbitmq

import (
	"context"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ConnectionStateListener receives connection state change notifications
type ConnectionStateListener interface {
	OnConnected()
	OnDisconnected(err error)
}

// Dialer opens an AMQP connection
type Dialer func(url string, timeout time.Duration) (*amqp.Connection, error)

// DefaultDialer dials with amqp091-go's default configuration and the given
// connection timeout
func DefaultDialer(name string) Dialer {
	return func(url string, timeout time.Duration) (*amqp.Connection, error) {
		return amqp.DialConfig(url, amqp.Config{
			Dial:       amqp.DefaultDial(timeout),
			Properties: amqp.Table{"connection_name": name},
		})
	}
}

// ConnectionManager owns one RabbitMQ connection. A lost connection is
// reported to listeners and is not re-established.
type ConnectionManager struct {
	url            string
	connectTimeout time.Duration
	dialer         Dialer
	logger         *slog.Logger

	mu          sync.RWMutex
	conn        *amqp.Connection
	isConnected bool
	done        chan struct{}

	listenersMu    sync.RWMutex
	stateListeners []ConnectionStateListener
}

// ConnectionOption configures the ConnectionManager
type ConnectionOption func(*ConnectionManager)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.logger = logger
	}
}

// WithConnectTimeout sets the dial timeout
func WithConnectTimeout(timeout time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.connectTimeout = timeout
	}
}

// WithDialer replaces the dialer
func WithDialer(dialer Dialer) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.dialer = dialer
	}
}

// NewConnectionManager creates a new connection manager
func NewConnectionManager(url string, options ...ConnectionOption) *ConnectionManager {
	cm := &ConnectionManager{
		url:            url,
		connectTimeout: 30 * time.Second,
		logger:         slog.Default(),
	}

	for _, opt := range options {
		opt(cm)
	}
	if cm.dialer == nil {
		cm.dialer = DefaultDialer("urlbridge")
	}

	return cm
}

type dialResult struct {
	conn *amqp.Connection
	err  error
}

// Connect establishes the connection. It is a no-op when already connected.
func (cm *ConnectionManager) Connect(ctx context.Context) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.isConnected {
		return nil
	}

	results := make(chan dialResult, 1)
	go func() {
		conn, err := cm.dialer(cm.url, cm.connectTimeout)
		results <- dialResult{conn: conn, err: err}
	}()

	select {
	case res := <-results:
		if res.err != nil {
			return &ConnectionError{
				Op:        "connect",
				URL:       SanitizeURL(cm.url),
				Err:       res.err,
				Timestamp: time.Now(),
			}
		}

		cm.conn = res.conn
		cm.isConnected = true
		cm.done = make(chan struct{})
		notifyClose := cm.conn.NotifyClose(make(chan *amqp.Error, 1))
		go cm.watch(notifyClose, cm.done)

		cm.logger.Info("connected to RabbitMQ", "url", SanitizeURL(cm.url))
		cm.notifyConnected()
		return nil

	case <-ctx.Done():
		// close a connection that completes after we gave up
		go func() {
			if res := <-results; res.conn != nil {
				_ = res.conn.Close()
			}
		}()
		return &ConnectionError{
			Op:        "connect",
			URL:       SanitizeURL(cm.url),
			Err:       ErrConnectionTimeout,
			Timestamp: time.Now(),
		}
	}
}

// GetConnection returns the current connection
func (cm *ConnectionManager) GetConnection() (*amqp.Connection, error) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	if !cm.isConnected || cm.conn == nil {
		return nil, ErrConnectionNotReady
	}
	if cm.conn.IsClosed() {
		return nil, ErrConnectionClosed
	}
	return cm.conn, nil
}

// OpenChannel opens a new channel on the current connection
func (cm *ConnectionManager) OpenChannel() (*amqp.Channel, error) {
	conn, err := cm.GetConnection()
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, &ChannelError{Op: "open", Err: err, Timestamp: time.Now()}
	}
	return ch, nil
}

// IsConnected returns the connection status
func (cm *ConnectionManager) IsConnected() bool {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.isConnected
}

// Close closes the connection
func (cm *ConnectionManager) Close() error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if !cm.isConnected {
		return nil
	}

	close(cm.done)
	cm.isConnected = false

	if cm.conn != nil {
		err := cm.conn.Close()
		cm.conn = nil
		return err
	}
	return nil
}

// watch marks the manager disconnected when the broker closes the connection
func (cm *ConnectionManager) watch(notifyClose <-chan *amqp.Error, done <-chan struct{}) {
	select {
	case amqpErr, ok := <-notifyClose:
		var err error
		if ok && amqpErr != nil {
			err = amqpErr
			cm.logger.Error("connection closed", "error", amqpErr)
		}

		cm.mu.Lock()
		cm.isConnected = false
		cm.conn = nil
		cm.mu.Unlock()

		if err == nil {
			err = ErrConnectionClosed
		}
		cm.notifyDisconnected(err)

	case <-done:
	}
}

// AddStateListener adds a connection state listener
func (cm *ConnectionManager) AddStateListener(listener ConnectionStateListener) {
	cm.listenersMu.Lock()
	defer cm.listenersMu.Unlock()
	cm.stateListeners = append(cm.stateListeners, listener)
}

// RemoveStateListener removes a connection state listener
func (cm *ConnectionManager) RemoveStateListener(listener ConnectionStateListener) {
	cm.listenersMu.Lock()
	defer cm.listenersMu.Unlock()

	for i, l := range cm.stateListeners {
		if l == listener {
			cm.stateListeners = append(cm.stateListeners[:i], cm.stateListeners[i+1:]...)
			break
		}
	}
}

func (cm *ConnectionManager) notifyConnected() {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()

	for _, listener := range cm.stateListeners {
		go listener.OnConnected()
	}
}

func (cm *ConnectionManager) notifyDisconnected(err error) {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()

	for _, listener := range cm.stateListeners {
		go listener.OnDisconnected(err)
	}
}
