package bridge

import (
	"log/slog"
	"time"

	"github.com/glimte/urlbridge/messaging"
)

// Defaults used when no option overrides them
const (
	DefaultRequestTimeout          = 300 * time.Millisecond
	DefaultSubscribeBackoff        = 5 * time.Second
	DefaultLazySubscribeTimeout    = 5 * time.Second
	DefaultLazySubscribeRetries    = 0
	DefaultStartupSubscribeTimeout = 2 * time.Minute
	DefaultStartupSubscribeRetries = 100
)

// BridgeOption configures a bridge component
type BridgeOption func(*BridgeConfig)

// BridgeConfig holds configuration shared by the bridge components
type BridgeConfig struct {
	Resource                string
	RequestTimeout          time.Duration
	SubscribeBackoff        time.Duration
	LazySubscribeTimeout    time.Duration
	LazySubscribeRetries    int
	StartupSubscribeTimeout time.Duration
	StartupSubscribeRetries int
	QoS                     messaging.QoS
	Logger                  *slog.Logger
	Metrics                 MetricsCollector
	Notifier                Notifier
}

// WithResource sets the resource label used in logs and metrics
func WithResource(resource string) BridgeOption {
	return func(c *BridgeConfig) {
		c.Resource = resource
	}
}

// WithRequestTimeout sets how long a local request waits for the publish acknowledgement
func WithRequestTimeout(timeout time.Duration) BridgeOption {
	return func(c *BridgeConfig) {
		c.RequestTimeout = timeout
	}
}

// WithSubscribeBackoff sets the fixed delay between subscribe attempts
func WithSubscribeBackoff(backoff time.Duration) BridgeOption {
	return func(c *BridgeConfig) {
		c.SubscribeBackoff = backoff
	}
}

// WithLazySubscribe sets the attempt timeout and retry budget used when a
// request finds the response topic unsubscribed
func WithLazySubscribe(timeout time.Duration, retries int) BridgeOption {
	return func(c *BridgeConfig) {
		c.LazySubscribeTimeout = timeout
		c.LazySubscribeRetries = retries
	}
}

// WithStartupSubscribe sets the attempt timeout and retry budget used by Start
func WithStartupSubscribe(timeout time.Duration, retries int) BridgeOption {
	return func(c *BridgeConfig) {
		c.StartupSubscribeTimeout = timeout
		c.StartupSubscribeRetries = retries
	}
}

// WithQoS overrides the QoS used for the request and response topics
func WithQoS(qos messaging.QoS) BridgeOption {
	return func(c *BridgeConfig) {
		c.QoS = qos
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) BridgeOption {
	return func(c *BridgeConfig) {
		c.Logger = logger
	}
}

// WithMetrics sets the metrics collector
func WithMetrics(metrics MetricsCollector) BridgeOption {
	return func(c *BridgeConfig) {
		c.Metrics = metrics
	}
}

// WithNotifier sets the lifecycle notifier
func WithNotifier(notifier Notifier) BridgeOption {
	return func(c *BridgeConfig) {
		c.Notifier = notifier
	}
}

func newBridgeConfig(opts []BridgeOption) *BridgeConfig {
	cfg := &BridgeConfig{
		RequestTimeout:          DefaultRequestTimeout,
		SubscribeBackoff:        DefaultSubscribeBackoff,
		LazySubscribeTimeout:    DefaultLazySubscribeTimeout,
		LazySubscribeRetries:    DefaultLazySubscribeRetries,
		StartupSubscribeTimeout: DefaultStartupSubscribeTimeout,
		StartupSubscribeRetries: DefaultStartupSubscribeRetries,
		QoS:                     messaging.AtLeastOnce,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = NoOpMetricsCollector{}
	}
	if cfg.Notifier == nil {
		cfg.Notifier = noOpNotifier{}
	}
	return cfg
}
