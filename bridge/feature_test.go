package bridge

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/glimte/urlbridge/contracts"
	"github.com/glimte/urlbridge/localservice"
	"github.com/glimte/urlbridge/messaging"
	"github.com/glimte/urlbridge/messaging/messagingtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

var testTopics = NewTopics("thing-1", "p", "hdf5")

func newTestBridge(t *testing.T, transport messaging.Transport, registrar localservice.Registrar, opts ...BridgeOption) *ResourceBridge {
	t.Helper()
	opts = append([]BridgeOption{
		WithSubscribeBackoff(5 * time.Millisecond),
		WithStartupSubscribe(50*time.Millisecond, 1),
		WithLazySubscribe(50*time.Millisecond, 0),
		WithRequestTimeout(time.Second),
	}, opts...)
	b, err := NewResourceBridge(transport, registrar, testTopics, testServiceName, opts...)
	require.NoError(t, err)
	return b
}

// trackingRegistrar fails the test on double registration or use after release
type trackingRegistrar struct {
	t        *testing.T
	inner    *localservice.InProcess
	mu       sync.Mutex
	active   int
	released map[localservice.Handle]bool
	maxSeen  int
}

func newTrackingRegistrar(t *testing.T) *trackingRegistrar {
	return &trackingRegistrar{
		t:        t,
		inner:    localservice.NewInProcess(),
		released: make(map[localservice.Handle]bool),
	}
}

func (r *trackingRegistrar) Register(name localservice.ServiceName, handlers localservice.Handlers) (localservice.Handle, error) {
	h, err := r.inner.Register(name, handlers)
	if err != nil {
		r.t.Errorf("register: %v", err)
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.active++
	if r.active > r.maxSeen {
		r.maxSeen = r.active
	}
	return h, nil
}

func (r *trackingRegistrar) Unregister(h localservice.Handle) error {
	r.mu.Lock()
	if r.released[h] {
		r.t.Errorf("handle released twice")
	}
	r.released[h] = true
	r.active--
	r.mu.Unlock()
	return r.inner.Unregister(h)
}

func (r *trackingRegistrar) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

type recordingNotifier struct {
	mu      sync.Mutex
	started []string
	stopped []string
}

func (n *recordingNotifier) OnFeatureStarted(name string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.started = append(n.started, name)
}

func (n *recordingNotifier) OnFeatureStopped(name string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.stopped = append(n.stopped, name)
}

func TestNewResourceBridge(t *testing.T) {
	transport := messagingtest.New()
	registrar := localservice.NewInProcess()

	_, err := NewResourceBridge(nil, registrar, testTopics, testServiceName)
	assert.Error(t, err)

	_, err = NewResourceBridge(transport, nil, testTopics, testServiceName)
	assert.Error(t, err)

	_, err = NewResourceBridge(transport, registrar, Topics{}, testServiceName)
	assert.Error(t, err)

	_, err = NewResourceBridge(transport, registrar, testTopics, localservice.ServiceName{})
	assert.ErrorIs(t, err, localservice.ErrInvalidServiceName)

	b, err := NewResourceBridge(transport, registrar, testTopics, testServiceName)
	require.NoError(t, err)
	assert.Equal(t, "presigned-url/hdf5", b.Name())
	assert.Equal(t, testTopics, b.Topics())
	assert.Equal(t, StateStopped, b.State())
}

func TestResourceBridgeLifecycle(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	t.Run("start subscribes then registers", func(t *testing.T) {
		transport := messagingtest.New()
		registrar := localservice.NewInProcess()
		notifier := &recordingNotifier{}
		b := newTestBridge(t, transport, registrar, WithNotifier(notifier))

		require.NoError(t, b.Start(context.Background()))

		assert.Equal(t, StateRunning, b.State())
		assert.Equal(t, SubscriptionSubscribed, b.SubscriptionState())
		assert.True(t, b.IsRegistered())
		assert.True(t, transport.HasSubscription(testTopics.Response))
		assert.Equal(t, []string{"presigned-url/hdf5"}, notifier.started)

		require.NoError(t, b.Stop(context.Background()))
		assert.Equal(t, []string{"presigned-url/hdf5"}, notifier.stopped)
	})

	t.Run("start survives subscription exhaustion", func(t *testing.T) {
		transport := messagingtest.New()
		transport.SetSubscribeMode(messagingtest.SubmitFail)
		registrar := localservice.NewInProcess()
		b := newTestBridge(t, transport, registrar)

		require.NoError(t, b.Start(context.Background()))

		assert.Equal(t, StateRunning, b.State())
		assert.Equal(t, SubscriptionFailed, b.SubscriptionState())
		assert.True(t, b.IsRegistered())
		assert.Equal(t, 2, transport.SubscribeCalls())

		// a later request retries the subscription lazily
		transport.SetSubscribeMode(messagingtest.Accept)
		code, err := registrar.Call(testServiceName.ObjectPath, 3)
		require.NoError(t, err)
		assert.Equal(t, int32(0), code)
		assert.Equal(t, 3, transport.SubscribeCalls())
		assert.Equal(t, SubscriptionSubscribed, b.SubscriptionState())

		require.NoError(t, b.Stop(context.Background()))
	})

	t.Run("start survives registration failure", func(t *testing.T) {
		transport := messagingtest.New()
		registrar := localservice.NewInProcess()
		_, err := registrar.Register(testServiceName, localservice.Handlers{})
		require.NoError(t, err)
		b := newTestBridge(t, transport, registrar)

		require.NoError(t, b.Start(context.Background()))

		assert.Equal(t, StateRunning, b.State())
		assert.False(t, b.IsRegistered())
		assert.Equal(t, SubscriptionSubscribed, b.SubscriptionState())

		require.NoError(t, b.Stop(context.Background()))
	})

	t.Run("stop is idempotent", func(t *testing.T) {
		transport := messagingtest.New()
		registrar := localservice.NewInProcess()
		b := newTestBridge(t, transport, registrar)
		require.NoError(t, b.Start(context.Background()))

		assert.NoError(t, b.Stop(context.Background()))
		assert.NoError(t, b.Stop(context.Background()))

		assert.Equal(t, StateStopped, b.State())
		assert.Equal(t, SubscriptionUnsubscribed, b.SubscriptionState())
		assert.False(t, b.IsRegistered())
		assert.False(t, registrar.IsRegistered(testServiceName.ObjectPath))
		assert.False(t, transport.HasSubscription(testTopics.Response))
	})

	t.Run("stop before start", func(t *testing.T) {
		b := newTestBridge(t, messagingtest.New(), localservice.NewInProcess())
		assert.NoError(t, b.Stop(context.Background()))
		assert.Equal(t, StateStopped, b.State())
	})

	t.Run("restart after stop", func(t *testing.T) {
		transport := messagingtest.New()
		registrar := localservice.NewInProcess()
		b := newTestBridge(t, transport, registrar)

		for i := 0; i < 3; i++ {
			require.NoError(t, b.Start(context.Background()))
			assert.True(t, b.IsRegistered())
			assert.Equal(t, SubscriptionSubscribed, b.SubscriptionState())
			require.NoError(t, b.Stop(context.Background()))
			assert.False(t, b.IsRegistered())
		}
	})

	t.Run("stop during startup retries", func(t *testing.T) {
		transport := messagingtest.New()
		transport.SetSubscribeMode(messagingtest.SubmitFail)
		registrar := newTrackingRegistrar(t)
		b := newTestBridge(t, transport, registrar,
			WithSubscribeBackoff(time.Hour),
			WithStartupSubscribe(10*time.Millisecond, 100))

		started := make(chan error, 1)
		go func() {
			started <- b.Start(context.Background())
		}()

		require.Eventually(t, func() bool { return transport.SubscribeCalls() == 1 }, time.Second, 5*time.Millisecond)
		require.NoError(t, b.Stop(context.Background()))

		select {
		case err := <-started:
			assert.NoError(t, err)
		case <-time.After(time.Second):
			t.Fatal("start did not return after stop")
		}
		assert.Equal(t, StateStopped, b.State())
		assert.Equal(t, 0, registrar.Active())
	})
}

func TestResourceBridgeConcurrentStartStop(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	transport := messagingtest.New()
	registrar := newTrackingRegistrar(t)
	b := newTestBridge(t, transport, registrar)

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				_ = b.Start(context.Background())
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				_ = b.Stop(context.Background())
			}
		}()
	}
	wg.Wait()

	require.NoError(t, b.Stop(context.Background()))
	assert.Equal(t, StateStopped, b.State())
	assert.Equal(t, 0, registrar.Active())
	assert.LessOrEqual(t, registrar.maxSeen, 1)
	assert.False(t, b.IsRegistered())
}

func TestResourceBridgeConnectionLost(t *testing.T) {
	transport := messagingtest.New()
	b := newTestBridge(t, transport, localservice.NewInProcess())
	require.NoError(t, b.Start(context.Background()))
	defer b.Stop(context.Background())

	transport.Drop(assert.AnError)
	b.ConnectionLost(assert.AnError)
	require.NoError(t, transport.Connect(context.Background()))

	assert.Equal(t, SubscriptionUnsubscribed, b.SubscriptionState())
	assert.True(t, b.IsRegistered())
	assert.False(t, transport.HasSubscription(testTopics.Response))

	assert.Equal(t, contracts.ResultSuccess, b.RequestResource(context.Background(), 3))
	assert.True(t, transport.HasSubscription(testTopics.Response))
	assert.Equal(t, 2, transport.SubscribeCalls())
}

func TestResourceBridgeResponses(t *testing.T) {
	transport := messagingtest.New()
	registrar := localservice.NewInProcess()
	b := newTestBridge(t, transport, registrar)
	events, cancel := registrar.Subscribe(testServiceName.ObjectPath, 8)
	defer cancel()

	require.NoError(t, b.Start(context.Background()))
	defer b.Stop(context.Background())

	t.Run("request publishes on the request topic", func(t *testing.T) {
		code, err := registrar.Call(testServiceName.ObjectPath, 7)
		require.NoError(t, err)
		assert.Equal(t, int32(0), code)

		published := transport.Published()
		require.NotEmpty(t, published)
		last := published[len(published)-1]
		assert.Equal(t, testTopics.Request, last.Topic)
		assert.Equal(t, `{"requestId": 7}`, string(last.Payload))
	})

	t.Run("direct request", func(t *testing.T) {
		assert.Equal(t, contracts.ResultSuccess, b.RequestResource(context.Background(), 8))
		assert.Equal(t, contracts.ResultError, b.RequestResource(context.Background(), 0))
	})

	t.Run("success response is emitted", func(t *testing.T) {
		require.True(t, transport.Deliver(messaging.Message{
			Topic:   testTopics.Response,
			Payload: []byte(`{"requestId":7,"presignedPutUrl":"https://x","secondsUntilExpiry":60,"timestamp":1}`),
			QoS:     messaging.AtLeastOnce,
		}))

		select {
		case ev := <-events:
			assert.Equal(t, localservice.ResourceResponse{RequestID: 7, ResultCode: 0, Payload: "https://x"}, ev)
		case <-time.After(time.Second):
			t.Fatal("no event emitted")
		}
	})

	t.Run("remote error is emitted negated", func(t *testing.T) {
		require.True(t, transport.Deliver(messaging.Message{
			Topic:   testTopics.Response,
			Payload: []byte(`{"requestId":7,"error":{"code":5,"message":"boom"}}`),
			QoS:     messaging.AtLeastOnce,
		}))

		select {
		case ev := <-events:
			assert.Equal(t, localservice.ResourceResponse{RequestID: 7, ResultCode: -5}, ev)
		case <-time.After(time.Second):
			t.Fatal("no event emitted")
		}
	})

	t.Run("malformed responses are not emitted", func(t *testing.T) {
		for _, msg := range []messaging.Message{
			{Topic: testTopics.Response, Payload: nil},
			{Topic: testTopics.Response, Payload: []byte(`not json`)},
			{Topic: testTopics.Request, Payload: []byte(`{"requestId":7,"presignedPutUrl":"u"}`)},
		} {
			require.True(t, transport.DeliverTo(testTopics.Response, msg))
		}

		select {
		case ev := <-events:
			t.Fatalf("unexpected event %+v", ev)
		case <-time.After(50 * time.Millisecond):
		}
	})
}

func TestLifecycleStateString(t *testing.T) {
	assert.Equal(t, "stopped", StateStopped.String())
	assert.Equal(t, "starting", StateStarting.String())
	assert.Equal(t, "running", StateRunning.String())
	assert.Equal(t, "stopping", StateStopping.String())
}
