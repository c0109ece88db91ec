package rabbitmq

import (
	"context"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ConfirmPublisher publishes on one confirm-mode channel. The channel is
// reopened on the next publish after it closes.
type ConfirmPublisher struct {
	manager *ConnectionManager

	mu     sync.Mutex
	ch     *amqp.Channel
	closed bool
}

// NewConfirmPublisher creates a publisher on manager's connection
func NewConfirmPublisher(manager *ConnectionManager) *ConfirmPublisher {
	return &ConfirmPublisher{manager: manager}
}

// Publish submits msg and returns the deferred confirmation of the broker
func (p *ConfirmPublisher) Publish(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) (*amqp.DeferredConfirmation, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, ErrPublisherClosed
	}

	ch, err := p.channel()
	if err != nil {
		return nil, &PublishError{Exchange: exchange, RoutingKey: routingKey, Err: err, Timestamp: time.Now()}
	}

	dc, err := ch.PublishWithDeferredConfirmWithContext(ctx, exchange, routingKey, false, false, msg)
	if err != nil {
		return nil, &PublishError{Exchange: exchange, RoutingKey: routingKey, Err: err, Timestamp: time.Now()}
	}
	if dc == nil {
		return nil, &PublishError{Exchange: exchange, RoutingKey: routingKey, Err: ErrPublishNotConfirmed, Timestamp: time.Now()}
	}
	return dc, nil
}

// channel returns the open confirm channel, opening a new one when needed
func (p *ConfirmPublisher) channel() (*amqp.Channel, error) {
	if p.ch != nil && !p.ch.IsClosed() {
		return p.ch, nil
	}

	ch, err := p.manager.OpenChannel()
	if err != nil {
		return nil, err
	}
	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		return nil, &ChannelError{Op: "confirm", Err: err, Timestamp: time.Now()}
	}
	p.ch = ch
	return ch, nil
}

// Close closes the confirm channel
func (p *ConfirmPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true
	if p.ch != nil && !p.ch.IsClosed() {
		return p.ch.Close()
	}
	return nil
}

// WaitConfirm blocks until the broker confirms dc, ctx is done or timeout elapses
func WaitConfirm(ctx context.Context, dc *amqp.DeferredConfirmation, timeout time.Duration) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return dc.WaitContext(ctx)
}
