package bridge

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/glimte/urlbridge/contracts"
	"github.com/glimte/urlbridge/messaging"
)

// SubscriptionEnsurer is the precondition checked before every publish
type SubscriptionEnsurer interface {
	EnsureSubscribed(ctx context.Context) bool
}

// RequestPublisher publishes URL requests and waits for the broker acknowledgement
type RequestPublisher struct {
	transport messaging.Transport
	topic     string
	subs      SubscriptionEnsurer
	config    *BridgeConfig
	logger    *slog.Logger
}

// NewRequestPublisher creates a publisher for topic guarded by subs
func NewRequestPublisher(transport messaging.Transport, topic string, subs SubscriptionEnsurer, opts ...BridgeOption) *RequestPublisher {
	return newRequestPublisher(transport, topic, subs, newBridgeConfig(opts))
}

func newRequestPublisher(transport messaging.Transport, topic string, subs SubscriptionEnsurer, cfg *BridgeConfig) *RequestPublisher {
	return &RequestPublisher{
		transport: transport,
		topic:     topic,
		subs:      subs,
		config:    cfg,
		logger:    cfg.Logger.With("component", "publisher", "topic", topic),
	}
}

// Publish sends {"requestId": id} and blocks until the transport acknowledges
// it or timeout elapses. It returns 0 on success, the acknowledgement code
// when the broker rejected the publish, and -1 for every other failure.
//
// The result only covers the publish. The URL itself arrives later on the
// response topic.
func (p *RequestPublisher) Publish(ctx context.Context, id contracts.RequestID, timeout time.Duration) contracts.ResultCode {
	start := time.Now()
	logger := p.logger.With("requestId", uint16(id))

	if !id.Valid() {
		logger.Warn("rejecting request without id")
		p.record(OutcomeInvalidRequestID, start)
		return contracts.ResultError
	}

	if !p.subs.EnsureSubscribed(ctx) {
		logger.Error("not publishing without a response subscription",
			"error", contracts.NewBridgeError("publish", contracts.ErrNotSubscribed, nil))
		p.record(OutcomeNotSubscribed, start)
		return contracts.ResultError
	}

	slot := messaging.NewAckSlot()
	if err := p.transport.Publish(p.topic, p.config.QoS, contracts.EncodeURLRequest(id), slot.Callback()); err != nil {
		logger.Error("publish failed",
			"reason", "submission failure",
			"error", contracts.NewBridgeError("publish", contracts.ErrTransportSubmission, err))
		p.record(OutcomeSubmissionError, start)
		return contracts.ResultError
	}

	ack, err := slot.Wait(ctx, timeout)
	if err != nil {
		reason := "acknowledgement timeout"
		if !errors.Is(err, messaging.ErrAckTimeout) {
			reason = "wait cancelled"
		}
		logger.Error("publish failed",
			"reason", reason,
			"timeout", timeout,
			"error", contracts.NewBridgeError("publish", contracts.ErrTransportTimeout, err))
		p.record(OutcomeTimeout, start)
		return contracts.ResultError
	}

	if !ack.OK() {
		logger.Error("publish rejected",
			"packetId", ack.PacketID,
			"error", contracts.NewBridgeError("publish", contracts.ErrTransportAck, ackError(ack)))
		p.record(OutcomeAckError, start)
		if ack.Code != messaging.AckCodeSuccess {
			return contracts.ResultCode(ack.Code)
		}
		return contracts.ResultError
	}

	logger.Debug("publish acknowledged", "packetId", ack.PacketID, "duration", time.Since(start))
	p.record(OutcomeSuccess, start)
	return contracts.ResultSuccess
}

func (p *RequestPublisher) record(outcome string, start time.Time) {
	p.config.Metrics.RecordPublish(p.config.Resource, outcome, time.Since(start))
}
