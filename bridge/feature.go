package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/glimte/urlbridge/contracts"
	"github.com/glimte/urlbridge/localservice"
	"github.com/glimte/urlbridge/messaging"
)

// Feature is a unit the service host starts and stops
type Feature interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Notifier is told when a feature finishes starting or stopping
type Notifier interface {
	OnFeatureStarted(name string)
	OnFeatureStopped(name string)
}

type noOpNotifier struct{}

func (noOpNotifier) OnFeatureStarted(string) {}
func (noOpNotifier) OnFeatureStopped(string) {}

// LifecycleState is the start/stop state of a ResourceBridge
type LifecycleState int32

const (
	StateStopped LifecycleState = iota
	StateStarting
	StateRunning
	StateStopping
)

func (s LifecycleState) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return fmt.Sprintf("LifecycleState(%d)", int32(s))
	}
}

// ResourceBridge bridges one resource kind between the transport and the
// local service
type ResourceBridge struct {
	topics    Topics
	name      localservice.ServiceName
	config    *BridgeConfig
	logger    *slog.Logger
	subs      *SubscriptionManager
	publisher *RequestPublisher
	service   *LocalServiceBridge

	mu            sync.Mutex
	state         LifecycleState
	stopRequested atomic.Bool
}

var _ Feature = (*ResourceBridge)(nil)

// NewResourceBridge wires the subscription, publisher and local service of one resource
func NewResourceBridge(transport messaging.Transport, registrar localservice.Registrar, topics Topics, name localservice.ServiceName, opts ...BridgeOption) (*ResourceBridge, error) {
	if transport == nil {
		return nil, fmt.Errorf("transport cannot be nil")
	}
	if registrar == nil {
		return nil, fmt.Errorf("registrar cannot be nil")
	}
	if topics.Request == "" || topics.Response == "" {
		return nil, fmt.Errorf("request and response topics are required")
	}
	if err := name.Validate(); err != nil {
		return nil, err
	}

	cfg := newBridgeConfig(opts)
	if cfg.Resource == "" {
		cfg.Resource = name.Label
	}
	if cfg.Resource == "" {
		cfg.Resource = topics.Request
	}

	b := &ResourceBridge{
		topics: topics,
		name:   name,
		config: cfg,
		logger: cfg.Logger.With("feature", cfg.Resource),
	}
	b.subs = newSubscriptionManager(transport, topics.Response, b.handleMessage, cfg)
	b.publisher = newRequestPublisher(transport, topics.Request, b.subs, cfg)
	b.service = newLocalServiceBridge(registrar, name, b.publisher, cfg)
	return b, nil
}

// Name implements Feature
func (b *ResourceBridge) Name() string {
	return "presigned-url/" + b.config.Resource
}

// Topics returns the request and response topics
func (b *ResourceBridge) Topics() Topics {
	return b.topics
}

// ServiceName returns the name the local service registers under
func (b *ResourceBridge) ServiceName() localservice.ServiceName {
	return b.name
}

// State returns the lifecycle state
func (b *ResourceBridge) State() LifecycleState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// SubscriptionState returns the response subscription state
func (b *ResourceBridge) SubscriptionState() SubscriptionState {
	return b.subs.State()
}

// IsRegistered reports whether the local service is exposed
func (b *ResourceBridge) IsRegistered() bool {
	return b.service.IsRegistered()
}

// ConnectionLost tells the bridge that the transport connection dropped and
// took the response subscription with it. The local service stays exposed;
// the next request subscribes again.
func (b *ResourceBridge) ConnectionLost(err error) {
	if b.subs.MarkUnsubscribed() {
		b.logger.Warn("transport connection lost", "error", err)
	}
}

// Start subscribes to the response topic and exposes the local service.
//
// Start never fails once attempted: subscription exhaustion and registration
// errors are logged, the bridge is marked running and later requests retry the
// subscription lazily.
func (b *ResourceBridge) Start(ctx context.Context) error {
	b.mu.Lock()
	if b.state != StateStopped {
		state := b.state
		b.mu.Unlock()
		b.logger.Debug("start ignored", "state", state)
		return nil
	}
	b.state = StateStarting
	b.stopRequested.Store(false)
	b.subs.Reset()
	b.mu.Unlock()

	b.logger.Info("starting", "requestTopic", b.topics.Request, "responseTopic", b.topics.Response)

	if !b.subs.SubscribeWithDefaults(ctx) {
		b.logger.Error("startup subscription failed, requests will retry lazily",
			"error", contracts.NewBridgeError("start", contracts.ErrNotSubscribed, nil))
	}

	if err := b.service.Setup(b.stopRequested.Load); err != nil {
		b.logger.Error("local service registration failed", "error", err)
		if cleanupErr := b.service.Cleanup(); cleanupErr != nil {
			b.logger.Warn("registration rollback failed", "error", cleanupErr)
		}
	}

	b.mu.Lock()
	started := b.state == StateStarting
	if started {
		b.state = StateRunning
	}
	b.mu.Unlock()

	if started {
		b.logger.Info("started", "subscribed", b.subs.IsSubscribed(), "registered", b.service.IsRegistered())
		b.config.Notifier.OnFeatureStarted(b.Name())
	}
	return nil
}

// Stop unregisters the local service and unsubscribes. It does not interrupt
// requests already waiting for an acknowledgement. Stopping a stopped bridge
// is a no-op.
func (b *ResourceBridge) Stop(ctx context.Context) error {
	b.mu.Lock()
	if b.state == StateStopped || b.state == StateStopping {
		b.mu.Unlock()
		return nil
	}
	b.stopRequested.Store(true)
	b.state = StateStopping
	b.mu.Unlock()

	b.logger.Info("stopping")

	if err := b.service.Cleanup(); err != nil {
		b.logger.Warn("local service cleanup failed", "error", err)
	}
	b.subs.Unsubscribe()

	b.mu.Lock()
	b.state = StateStopped
	b.mu.Unlock()

	b.config.Notifier.OnFeatureStopped(b.Name())
	return nil
}

// RequestResource publishes a URL request using the configured request timeout
func (b *ResourceBridge) RequestResource(ctx context.Context, id contracts.RequestID) contracts.ResultCode {
	return b.publisher.Publish(ctx, id, b.config.RequestTimeout)
}

func (b *ResourceBridge) handleMessage(msg messaging.Message) {
	resp := Decode(msg.Payload, b.topics.Response, msg.Topic)
	b.config.Metrics.RecordResponse(b.config.Resource, resp.Kind)

	logger := b.logger.With("requestId", uint16(resp.RequestID), "kind", resp.Kind.String())
	switch resp.Kind {
	case ResponseSuccess:
		logger.Debug("presigned URL received", "secondsUntilExpiry", resp.SecondsUntilExpiry)
	case ResponseRemoteError:
		logger.Error("remote error response",
			"code", resp.ErrorCode,
			"message", resp.ErrorMessage,
			"error", contracts.NewBridgeError("receive", resp.Err(), nil))
	default:
		logger.Warn("dropping response",
			"reason", resp.Reason,
			"topic", msg.Topic,
			"error", contracts.NewBridgeError("receive", resp.Err(), nil))
		return
	}

	b.service.Emit(resp)
}
