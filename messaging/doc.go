// Package messaging defines the transport contract used by the bridge.
//
// A Transport publishes payloads on topics and subscribes handlers to topics.
// Both operations are acknowledged asynchronously: the transport invokes the
// supplied AckFunc from one of its own goroutines once the broker confirmed
// (or refused) the operation. AckSlot turns that callback into a bounded wait
// for the calling goroutine.
//
// Transports do not restore subscriptions after a reconnect; callers that need
// a subscription to survive register Connector.OnConnectionLost and subscribe
// again.
package messaging
