package rabbitmq

import (
	"errors"
	"testing"

	"github.com/glimte/urlbridge/internal/rabbitmq"
	"github.com/glimte/urlbridge/messaging"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTransport(t *testing.T) {
	t.Run("requires a connection string", func(t *testing.T) {
		_, err := NewTransport("")
		assert.Error(t, err)
	})

	t.Run("rejects an empty exchange", func(t *testing.T) {
		_, err := NewTransport("amqp://localhost:5672/", WithExchange(""))
		assert.ErrorIs(t, err, rabbitmq.ErrInvalidConfiguration)
	})

	t.Run("defaults", func(t *testing.T) {
		tr, err := NewTransport("amqp://localhost:5672/")
		require.NoError(t, err)

		assert.Equal(t, rabbitmq.DefaultExchange, tr.config.Exchange)
		assert.False(t, tr.IsConnected())
		assert.NotNil(t, tr.Manager())
	})
}

func TestTransportWithoutConnection(t *testing.T) {
	tr, err := NewTransport("amqp://localhost:5672/")
	require.NoError(t, err)

	err = tr.Publish("a/b", messaging.AtLeastOnce, []byte("{}"), func(messaging.Ack) {
		t.Error("ack must not be called")
	})
	assert.ErrorIs(t, err, rabbitmq.ErrConnectionNotReady)

	err = tr.Subscribe("a/b", messaging.AtLeastOnce, func(messaging.Message) {}, func(messaging.Ack) {
		t.Error("ack must not be called")
	})
	assert.ErrorIs(t, err, rabbitmq.ErrConnectionNotReady)

	assert.NoError(t, tr.Unsubscribe("a/b"))
	assert.NoError(t, tr.Close())
}

func TestToMessage(t *testing.T) {
	msg := toMessage(amqp.Delivery{
		RoutingKey:  "sensor.thing-1.p.hdf5.v1.url.get.accepted",
		Body:        []byte(`{"requestId":1}`),
		Redelivered: true,
		DeliveryTag: 9,
	}, messaging.AtLeastOnce)

	assert.Equal(t, messaging.Message{
		Topic:     "sensor/thing-1/p/hdf5/v1/url/get/accepted",
		Payload:   []byte(`{"requestId":1}`),
		QoS:       messaging.AtLeastOnce,
		Duplicate: true,
		PacketID:  9,
	}, msg)
}

func TestDeliveryMode(t *testing.T) {
	assert.Equal(t, amqp.Persistent, deliveryMode(messaging.AtLeastOnce))
	assert.Equal(t, amqp.Transient, deliveryMode(messaging.AtMostOnce))
}

func TestSubscriptionGenerations(t *testing.T) {
	t.Run("unsubscribe during setup makes the subscription stale", func(t *testing.T) {
		tr, err := NewTransport("amqp://localhost:5672/")
		require.NoError(t, err)

		generation := tr.nextGeneration("a/b")
		require.NoError(t, tr.Unsubscribe("a/b"))

		_, ok := tr.claim("a/b", generation, &rabbitmq.Subscription{})
		assert.False(t, ok)
		assert.Empty(t, tr.subscriptions)
	})

	t.Run("newer subscribe wins", func(t *testing.T) {
		tr, err := NewTransport("amqp://localhost:5672/")
		require.NoError(t, err)

		first := tr.nextGeneration("a/b")
		second := tr.nextGeneration("a/b")

		newer := &rabbitmq.Subscription{}
		_, ok := tr.claim("a/b", second, newer)
		require.True(t, ok)
		_, ok = tr.claim("a/b", first, &rabbitmq.Subscription{})
		assert.False(t, ok)
		assert.Same(t, newer, tr.subscriptions["a/b"])
	})

	t.Run("current generation replaces the previous subscription", func(t *testing.T) {
		tr, err := NewTransport("amqp://localhost:5672/")
		require.NoError(t, err)

		old := &rabbitmq.Subscription{}
		_, ok := tr.claim("a/b", tr.nextGeneration("a/b"), old)
		require.True(t, ok)

		previous, ok := tr.claim("a/b", tr.nextGeneration("a/b"), &rabbitmq.Subscription{})
		require.True(t, ok)
		assert.Same(t, old, previous)
	})

	t.Run("other topics are unaffected", func(t *testing.T) {
		tr, err := NewTransport("amqp://localhost:5672/")
		require.NoError(t, err)

		generation := tr.nextGeneration("a/b")
		require.NoError(t, tr.Unsubscribe("c/d"))

		_, ok := tr.claim("a/b", generation, &rabbitmq.Subscription{})
		assert.True(t, ok)
	})
}

func TestConnectionLost(t *testing.T) {
	tr, err := NewTransport("amqp://localhost:5672/")
	require.NoError(t, err)

	generation := tr.nextGeneration("a/b")
	_, ok := tr.claim("a/b", generation, &rabbitmq.Subscription{})
	require.True(t, ok)
	pending := tr.nextGeneration("c/d")

	var got error
	listener := &lossListener{transport: tr, fn: func(err error) { got = err }}
	lost := errors.New("connection reset")
	listener.OnDisconnected(lost)

	assert.Equal(t, lost, got)
	assert.Empty(t, tr.subscriptions)
	_, ok = tr.claim("c/d", pending, &rabbitmq.Subscription{})
	assert.True(t, ok, "setups of topics without a live consumer are kept")

	tr.OnConnectionLost(func(error) {})
}
