package rabbitmq

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// DeliveryHandler processes one delivery on the consumer goroutine
type DeliveryHandler func(delivery amqp.Delivery)

// Subscription consumes a private queue bound to a topic exchange
type Subscription struct {
	exchange   string
	routingKey string
	queue      string
	tag        string
	ch         *amqp.Channel
	logger     *slog.Logger

	closeOnce sync.Once
	done      chan struct{}
}

// Subscribe opens a channel, declares and binds a response queue and starts
// consuming it with auto-ack
func Subscribe(manager *ConnectionManager, exchange, routingKey string, handler DeliveryHandler, logger *slog.Logger) (*Subscription, error) {
	if logger == nil {
		logger = slog.Default()
	}

	ch, err := manager.OpenChannel()
	if err != nil {
		return nil, err
	}

	q, err := declareResponseQueue(ch, exchange, routingKey)
	if err != nil {
		_ = ch.Close()
		return nil, err
	}

	tag := fmt.Sprintf("urlbridge-%s", uuid.New().String())
	deliveries, err := ch.Consume(q.Name, tag, true, true, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return nil, &SubscriptionError{Exchange: exchange, RoutingKey: routingKey, Op: "consume", Err: err, Timestamp: time.Now()}
	}

	s := &Subscription{
		exchange:   exchange,
		routingKey: routingKey,
		queue:      q.Name,
		tag:        tag,
		ch:         ch,
		logger:     logger.With("queue", q.Name, "routingKey", routingKey),
		done:       make(chan struct{}),
	}
	go s.consume(deliveries, handler)
	return s, nil
}

// Queue returns the server-assigned queue name
func (s *Subscription) Queue() string {
	return s.queue
}

func (s *Subscription) consume(deliveries <-chan amqp.Delivery, handler DeliveryHandler) {
	defer close(s.done)
	for d := range deliveries {
		handler(d)
	}
	s.logger.Debug("delivery channel closed")
}

// Cancel stops the consumer and closes its channel; the queue is deleted by
// the broker
func (s *Subscription) Cancel() error {
	var err error
	s.closeOnce.Do(func() {
		if cancelErr := s.ch.Cancel(s.tag, false); cancelErr != nil && !s.ch.IsClosed() {
			err = fmt.Errorf("%w: %v", ErrConsumerCancelled, cancelErr)
		}
		if !s.ch.IsClosed() {
			if closeErr := s.ch.Close(); closeErr != nil && err == nil {
				err = closeErr
			}
		}
	})
	return err
}

// Done is closed once the consumer goroutine exits
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}
