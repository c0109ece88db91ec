package monitor

import (
	"time"

	"github.com/glimte/urlbridge/bridge"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "urlbridge"

// PrometheusCollector implements bridge.MetricsCollector
type PrometheusCollector struct {
	subscribeTotal    *prometheus.CounterVec
	publishTotal      *prometheus.CounterVec
	publishDuration   *prometheus.HistogramVec
	responsesTotal    *prometheus.CounterVec
	subscriptionState *prometheus.GaugeVec
	registered        *prometheus.GaugeVec
}

var _ bridge.MetricsCollector = (*PrometheusCollector)(nil)

// NewPrometheusCollector registers the bridge metrics on reg
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	factory := promauto.With(reg)

	return &PrometheusCollector{
		subscribeTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "subscribe_attempts_total",
			Help:      "Subscribe attempts on the response topic by outcome",
		}, []string{"resource", "outcome"}),
		publishTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publish_total",
			Help:      "URL request publishes by outcome",
		}, []string{"resource", "outcome"}),
		publishDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "publish_duration_seconds",
			Help:      "Time from local request to publish acknowledgement",
			Buckets:   []float64{.005, .01, .025, .05, .1, .2, .3, .5, 1, 2.5},
		}, []string{"resource"}),
		responsesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "responses_total",
			Help:      "Responses received on the response topic by kind",
		}, []string{"resource", "kind"}),
		subscriptionState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "subscription_state",
			Help:      "1 for the current subscription state of each resource",
		}, []string{"resource", "state"}),
		registered: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "local_service_registered",
			Help:      "1 while the local service of the resource is registered",
		}, []string{"resource"}),
	}
}

// RecordSubscribe implements bridge.MetricsCollector
func (c *PrometheusCollector) RecordSubscribe(resource, outcome string) {
	c.subscribeTotal.WithLabelValues(label(resource), outcome).Inc()
}

// RecordPublish implements bridge.MetricsCollector
func (c *PrometheusCollector) RecordPublish(resource, outcome string, duration time.Duration) {
	c.publishTotal.WithLabelValues(label(resource), outcome).Inc()
	if outcome == bridge.OutcomeSuccess {
		c.publishDuration.WithLabelValues(label(resource)).Observe(duration.Seconds())
	}
}

// RecordResponse implements bridge.MetricsCollector
func (c *PrometheusCollector) RecordResponse(resource string, kind bridge.ResponseKind) {
	c.responsesTotal.WithLabelValues(label(resource), kind.String()).Inc()
}

var subscriptionStates = []bridge.SubscriptionState{
	bridge.SubscriptionUnsubscribed,
	bridge.SubscriptionSubscribing,
	bridge.SubscriptionSubscribed,
	bridge.SubscriptionFailed,
}

// SetSubscriptionState implements bridge.MetricsCollector
func (c *PrometheusCollector) SetSubscriptionState(resource string, state bridge.SubscriptionState) {
	for _, s := range subscriptionStates {
		value := 0.0
		if s == state {
			value = 1
		}
		c.subscriptionState.WithLabelValues(label(resource), s.String()).Set(value)
	}
}

// SetRegistered implements bridge.MetricsCollector
func (c *PrometheusCollector) SetRegistered(resource string, registered bool) {
	value := 0.0
	if registered {
		value = 1
	}
	c.registered.WithLabelValues(label(resource)).Set(value)
}

func label(resource string) string {
	if resource == "" {
		return "unknown"
	}
	return resource
}
