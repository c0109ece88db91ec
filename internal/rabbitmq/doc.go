// Package rabbitmq provides the RabbitMQ plumbing behind the AMQP transport.
//
// This package includes:
//   - ConnectionManager: owns the AMQP connection and reports state changes
//   - ConfirmPublisher: publishes on a confirm-mode channel with deferred confirmations
//   - Subscription: an exclusive auto-delete queue bound to a topic exchange
//
// The connection is not re-established automatically. Callers observe
// disconnects through ConnectionStateListener and resubscribe themselves.
package rabbitmq
