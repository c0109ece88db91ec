package rabbitmq

import (
	"strings"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// DefaultExchange is the topic exchange used by RabbitMQ's MQTT plugin
const DefaultExchange = "amq.topic"

// RoutingKey converts an MQTT style topic to an AMQP topic routing key
func RoutingKey(topic string) string {
	return strings.ReplaceAll(topic, "/", ".")
}

// TopicFromRoutingKey reverses RoutingKey
func TopicFromRoutingKey(key string) string {
	return strings.ReplaceAll(key, ".", "/")
}

// declareResponseQueue declares a server-named exclusive queue and binds it
// to exchange with routingKey
func declareResponseQueue(ch *amqp.Channel, exchange, routingKey string) (amqp.Queue, error) {
	q, err := ch.QueueDeclare(
		"",    // server-named
		false, // durable
		true,  // auto-delete
		true,  // exclusive
		false, // no-wait
		nil,
	)
	if err != nil {
		return amqp.Queue{}, &SubscriptionError{Exchange: exchange, RoutingKey: routingKey, Op: "declare queue", Err: err, Timestamp: time.Now()}
	}

	if err := ch.QueueBind(q.Name, routingKey, exchange, false, nil); err != nil {
		return amqp.Queue{}, &SubscriptionError{Exchange: exchange, RoutingKey: routingKey, Op: "bind queue", Err: err, Timestamp: time.Now()}
	}
	return q, nil
}
