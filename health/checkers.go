package health

import (
	"context"
	"time"

	"github.com/glimte/urlbridge/bridge"
	"github.com/glimte/urlbridge/internal/rabbitmq"
	"github.com/glimte/urlbridge/messaging"
)

// ConnectionChecker reports whether a transport connection is open
type ConnectionChecker struct {
	name      string
	connector messaging.Connector
}

// NewConnectionChecker creates a connection checker
func NewConnectionChecker(name string, connector messaging.Connector) *ConnectionChecker {
	return &ConnectionChecker{name: name, connector: connector}
}

func (c *ConnectionChecker) Name() string {
	return c.name
}

func (c *ConnectionChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Status:    StatusHealthy,
		Message:   "Connection is open",
	}

	if !c.connector.IsConnected() {
		result.Status = StatusUnhealthy
		result.Message = "Connection is closed"
	}
	result.Duration = time.Since(start)
	return result
}

// BridgeStatus is the state a BridgeChecker inspects
type BridgeStatus interface {
	Name() string
	State() bridge.LifecycleState
	SubscriptionState() bridge.SubscriptionState
	IsRegistered() bool
}

// BridgeChecker reports the subscription and registration state of one bridge.
// A running bridge without subscription is degraded, since requests retry
// lazily; a running bridge without its local service is unhealthy.
type BridgeChecker struct {
	bridge BridgeStatus
}

// NewBridgeChecker creates a checker for b
func NewBridgeChecker(b BridgeStatus) *BridgeChecker {
	return &BridgeChecker{bridge: b}
}

func (c *BridgeChecker) Name() string {
	return c.bridge.Name()
}

func (c *BridgeChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	state := c.bridge.State()
	subState := c.bridge.SubscriptionState()
	registered := c.bridge.IsRegistered()

	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details: map[string]interface{}{
			"state":        state.String(),
			"subscription": subState.String(),
			"registered":   registered,
		},
	}

	switch {
	case state != bridge.StateRunning:
		result.Status = StatusUnhealthy
		result.Message = "Bridge is not running"
	case !registered:
		result.Status = StatusUnhealthy
		result.Message = "Local service is not registered"
	case subState != bridge.SubscriptionSubscribed:
		result.Status = StatusDegraded
		result.Message = "Response topic is not subscribed"
	default:
		result.Status = StatusHealthy
		result.Message = "Bridge is serving"
	}

	result.Duration = time.Since(start)
	return result
}

// RabbitMQChecker checks the RabbitMQ connection and the topic exchange
type RabbitMQChecker struct {
	connManager *rabbitmq.ConnectionManager
	exchange    string
}

// NewRabbitMQChecker creates a new RabbitMQ health checker
func NewRabbitMQChecker(connManager *rabbitmq.ConnectionManager, exchange string) *RabbitMQChecker {
	return &RabbitMQChecker{
		connManager: connManager,
		exchange:    exchange,
	}
}

func (c *RabbitMQChecker) Name() string {
	return "rabbitmq"
}

func (c *RabbitMQChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]interface{}),
	}

	ch, err := c.connManager.OpenChannel()
	if err != nil {
		result.Status = StatusUnhealthy
		result.Message = "Failed to open channel"
		result.Error = err.Error()
		result.Duration = time.Since(start)
		return result
	}
	defer ch.Close()

	err = ch.ExchangeDeclarePassive(
		c.exchange, // name
		"topic",    // type
		true,       // durable
		false,      // auto-deleted
		false,      // internal
		false,      // no-wait
		nil,        // arguments
	)
	if err != nil {
		result.Status = StatusDegraded
		result.Message = "Exchange check failed"
		result.Error = err.Error()
	} else {
		result.Status = StatusHealthy
		result.Message = "Connection is healthy"
	}

	result.Duration = time.Since(start)
	result.Details["exchange"] = c.exchange
	result.Details["response_time_ms"] = result.Duration.Milliseconds()
	return result
}
