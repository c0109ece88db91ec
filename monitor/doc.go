// Package monitor exports bridge metrics to Prometheus.
//
// PrometheusCollector implements bridge.MetricsCollector on an injected
// prometheus.Registerer, so several bridges (one per resource) can share one
// collector and tests can use a private registry:
//
//	reg := prometheus.NewRegistry()
//	collector := monitor.NewPrometheusCollector(reg)
//	b, _ := bridge.NewResourceBridge(transport, registrar, topics, name,
//	    bridge.WithMetrics(collector))
package monitor
