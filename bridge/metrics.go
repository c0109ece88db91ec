package bridge

import "time"

// MetricsCollector receives bridge observations. Implementations must be safe
// for concurrent use.
type MetricsCollector interface {
	// RecordSubscribe records one subscribe attempt outcome
	RecordSubscribe(resource string, outcome string)
	// RecordPublish records one publish outcome and its acknowledgement latency
	RecordPublish(resource string, outcome string, duration time.Duration)
	// RecordResponse records one decoded response by kind
	RecordResponse(resource string, kind ResponseKind)
	// SetSubscriptionState reports the current subscription state
	SetSubscriptionState(resource string, state SubscriptionState)
	// SetRegistered reports whether the local service is registered
	SetRegistered(resource string, registered bool)
}

// Outcome labels shared by RecordSubscribe and RecordPublish
const (
	OutcomeSuccess          = "success"
	OutcomeSubmissionError  = "submission_error"
	OutcomeTimeout          = "timeout"
	OutcomeAckError         = "ack_error"
	OutcomeNotSubscribed    = "not_subscribed"
	OutcomeInvalidRequestID = "invalid_request_id"
)

// NoOpMetricsCollector is a no-op implementation of MetricsCollector
type NoOpMetricsCollector struct{}

// RecordSubscribe does nothing
func (NoOpMetricsCollector) RecordSubscribe(string, string) {}

// RecordPublish does nothing
func (NoOpMetricsCollector) RecordPublish(string, string, time.Duration) {}

// RecordResponse does nothing
func (NoOpMetricsCollector) RecordResponse(string, ResponseKind) {}

// SetSubscriptionState does nothing
func (NoOpMetricsCollector) SetSubscriptionState(string, SubscriptionState) {}

// SetRegistered does nothing
func (NoOpMetricsCollector) SetRegistered(string, bool) {}
