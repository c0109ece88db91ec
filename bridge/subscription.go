package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/glimte/urlbridge/contracts"
	"github.com/glimte/urlbridge/internal/reliability"
	"github.com/glimte/urlbridge/messaging"
	"golang.org/x/sync/singleflight"
)

// SubscriptionState is the state of the response topic subscription
type SubscriptionState int32

const (
	SubscriptionUnsubscribed SubscriptionState = iota
	SubscriptionSubscribing
	SubscriptionSubscribed
	SubscriptionFailed
)

func (s SubscriptionState) String() string {
	switch s {
	case SubscriptionUnsubscribed:
		return "unsubscribed"
	case SubscriptionSubscribing:
		return "subscribing"
	case SubscriptionSubscribed:
		return "subscribed"
	case SubscriptionFailed:
		return "failed"
	default:
		return fmt.Sprintf("SubscriptionState(%d)", int32(s))
	}
}

// errSubscriptionClosed stops the retry loop after Unsubscribe
var errSubscriptionClosed = errors.New("subscription closed")

// SubscriptionManager owns the subscription to one response topic.
//
// The transport does not resubscribe after reconnects, so the manager is
// asked to (re)subscribe on demand through EnsureSubscribed. Concurrent
// callers share one in-flight attempt; duplicate transport subscriptions from
// racing Subscribe calls are tolerated.
type SubscriptionManager struct {
	transport messaging.Transport
	topic     string
	handler   messaging.MessageHandler
	config    *BridgeConfig
	logger    *slog.Logger

	state  atomic.Int32
	closed atomic.Bool
	group  singleflight.Group

	stopMu     sync.Mutex
	stopCtx    context.Context
	stopCancel context.CancelFunc
}

// NewSubscriptionManager creates a manager for topic. handler receives every
// delivery after anomaly logging.
func NewSubscriptionManager(transport messaging.Transport, topic string, handler messaging.MessageHandler, opts ...BridgeOption) *SubscriptionManager {
	return newSubscriptionManager(transport, topic, handler, newBridgeConfig(opts))
}

func newSubscriptionManager(transport messaging.Transport, topic string, handler messaging.MessageHandler, cfg *BridgeConfig) *SubscriptionManager {
	m := &SubscriptionManager{
		transport: transport,
		topic:     topic,
		handler:   handler,
		config:    cfg,
		logger:    cfg.Logger.With("component", "subscription", "topic", topic),
	}
	m.stopCtx, m.stopCancel = context.WithCancel(context.Background())
	return m
}

// Topic returns the response topic
func (m *SubscriptionManager) Topic() string {
	return m.topic
}

// State returns the current subscription state
func (m *SubscriptionManager) State() SubscriptionState {
	return SubscriptionState(m.state.Load())
}

// IsSubscribed reports whether the last attempt was acknowledged
func (m *SubscriptionManager) IsSubscribed() bool {
	return m.State() == SubscriptionSubscribed
}

func (m *SubscriptionManager) setState(s SubscriptionState) {
	m.state.Store(int32(s))
	m.config.Metrics.SetSubscriptionState(m.config.Resource, s)
}

func (m *SubscriptionManager) transition(from, to SubscriptionState) bool {
	if !m.state.CompareAndSwap(int32(from), int32(to)) {
		return false
	}
	m.config.Metrics.SetSubscriptionState(m.config.Resource, to)
	return true
}

// EnsureSubscribed returns true immediately when subscribed. Otherwise it runs
// the lazy retry sequence, shared with any concurrent caller.
func (m *SubscriptionManager) EnsureSubscribed(ctx context.Context) bool {
	if m.IsSubscribed() {
		return true
	}

	// The shared attempt outlives any single caller; each caller only stops
	// waiting when its own ctx ends.
	shared := context.WithoutCancel(ctx)
	ch := m.group.DoChan(m.topic, func() (interface{}, error) {
		if m.IsSubscribed() {
			return true, nil
		}
		return m.SubscribeWithRetry(shared, m.config.LazySubscribeTimeout, m.config.LazySubscribeRetries), nil
	})

	select {
	case res := <-ch:
		return res.Val.(bool)
	case <-ctx.Done():
		m.logger.Debug("stopped waiting for subscription", "error", ctx.Err())
		return false
	}
}

// MarkUnsubscribed records that the transport dropped the subscription, for
// example with the connection. The next EnsureSubscribed subscribes again.
func (m *SubscriptionManager) MarkUnsubscribed() bool {
	if !m.transition(SubscriptionSubscribed, SubscriptionUnsubscribed) {
		return false
	}
	m.logger.Warn("response subscription lost, resubscribing on next request")
	return true
}

// SubscribeWithDefaults runs the startup sequence: long attempt timeout and a
// large retry budget
func (m *SubscriptionManager) SubscribeWithDefaults(ctx context.Context) bool {
	return m.SubscribeWithRetry(ctx, m.config.StartupSubscribeTimeout, m.config.StartupSubscribeRetries)
}

// SubscribeWithRetry makes up to retries+1 attempts separated by the fixed
// backoff. Unsubscribe aborts the sequence between attempts.
func (m *SubscriptionManager) SubscribeWithRetry(ctx context.Context, timeout time.Duration, retries int) bool {
	sleepCtx, cancel := m.withStop(ctx)
	defer cancel()

	policy := reliability.NewFixedDelay(m.config.SubscribeBackoff, retries)
	err := reliability.Retry(sleepCtx, policy, func(attempt int) error {
		if m.closed.Load() {
			return reliability.Permanent(errSubscriptionClosed)
		}
		code := m.Subscribe(ctx, timeout)
		if code.IsSuccess() {
			return nil
		}
		m.logger.Warn("subscribe attempt failed",
			"attempt", attempt+1,
			"attempts", retries+1,
			"code", int32(code))
		return fmt.Errorf("%w: result code %d", contracts.ErrNotSubscribed, code)
	})
	if err != nil {
		m.logger.Error("failed to subscribe to response topic", "error", err)
		return false
	}
	return true
}

// Subscribe performs a single subscribe attempt and waits up to timeout for
// the acknowledgement. The returned code is 0 on success, -1 on submission
// failure or timeout, or the failure code carried by the acknowledgement.
func (m *SubscriptionManager) Subscribe(ctx context.Context, timeout time.Duration) contracts.ResultCode {
	start := time.Now()
	m.setState(SubscriptionSubscribing)

	slot := messaging.NewAckSlot()
	if err := m.transport.Subscribe(m.topic, m.config.QoS, m.handleMessage, slot.Callback()); err != nil {
		m.fail(OutcomeSubmissionError, contracts.NewBridgeError("subscribe", contracts.ErrTransportSubmission, err))
		return contracts.ResultError
	}

	ack, err := slot.Wait(ctx, timeout)
	if err != nil {
		m.fail(OutcomeTimeout, contracts.NewBridgeError("subscribe", contracts.ErrTransportTimeout, err))
		return contracts.ResultError
	}
	if !ack.OK() {
		m.fail(OutcomeAckError, contracts.NewBridgeError("subscribe", contracts.ErrTransportAck, ackError(ack)))
		if ack.Code != messaging.AckCodeSuccess {
			return contracts.ResultCode(ack.Code)
		}
		return contracts.ResultError
	}

	if m.closed.Load() {
		// Unsubscribe ran while the attempt was in flight
		if err := m.transport.Unsubscribe(m.topic); err != nil {
			m.logger.Debug("unsubscribe after late acknowledgement failed", "error", err)
		}
		m.transition(SubscriptionSubscribing, SubscriptionUnsubscribed)
		m.config.Metrics.RecordSubscribe(m.config.Resource, OutcomeNotSubscribed)
		return contracts.ResultError
	}

	m.transition(SubscriptionSubscribing, SubscriptionSubscribed)
	m.config.Metrics.RecordSubscribe(m.config.Resource, OutcomeSuccess)
	m.logger.Info("subscribed to response topic",
		"packetId", ack.PacketID,
		"duration", time.Since(start))
	return contracts.ResultSuccess
}

func (m *SubscriptionManager) fail(outcome string, err error) {
	m.transition(SubscriptionSubscribing, SubscriptionFailed)
	m.config.Metrics.RecordSubscribe(m.config.Resource, outcome)
	m.logger.Warn("subscribe failed", "outcome", outcome, "error", err)
}

// Unsubscribe marks the manager closed, aborts pending retry sleeps and
// removes the transport subscription. Transport errors are only logged.
func (m *SubscriptionManager) Unsubscribe() {
	m.closed.Store(true)

	m.stopMu.Lock()
	m.stopCancel()
	m.stopMu.Unlock()

	m.setState(SubscriptionUnsubscribed)
	if err := m.transport.Unsubscribe(m.topic); err != nil {
		m.logger.Warn("unsubscribe failed", "error", err)
		return
	}
	m.logger.Debug("unsubscribed from response topic")
}

// Reset reopens a closed manager so it can subscribe again
func (m *SubscriptionManager) Reset() {
	m.stopMu.Lock()
	m.stopCancel()
	m.stopCtx, m.stopCancel = context.WithCancel(context.Background())
	m.stopMu.Unlock()

	m.closed.Store(false)
	m.setState(SubscriptionUnsubscribed)
}

// withStop derives a context that is also cancelled by Unsubscribe
func (m *SubscriptionManager) withStop(ctx context.Context) (context.Context, context.CancelFunc) {
	m.stopMu.Lock()
	stopCtx := m.stopCtx
	m.stopMu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(stopCtx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

func (m *SubscriptionManager) handleMessage(msg messaging.Message) {
	if msg.Duplicate {
		m.logger.Info("duplicate delivery", "packetId", msg.PacketID)
	}
	if msg.Retained {
		m.logger.Warn("retained message on response topic", "packetId", msg.PacketID)
	}
	if msg.QoS != m.config.QoS {
		m.logger.Warn("unexpected delivery QoS", "qos", msg.QoS, "expected", m.config.QoS)
	}
	if m.handler != nil {
		m.handler(msg)
	}
}

func ackError(ack messaging.Ack) error {
	if ack.Err != nil {
		return fmt.Errorf("ack code %d: %w", ack.Code, ack.Err)
	}
	return fmt.Errorf("ack code %d", ack.Code)
}
