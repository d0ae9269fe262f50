// Package metrics holds the Prometheus collectors scraped at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics carries every collector the proxy exports. One instance is
// built at startup and threaded to whoever records.
type Metrics struct {
	// HTTP surface
	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec

	// Execution pipeline
	ProxyExecutions *prometheus.CounterVec
	ProxyCostUSD    prometheus.Counter
	ProxyDuration   prometheus.Histogram

	// Background machinery
	AuditFlushes      *prometheus.CounterVec
	AuditBufferDepth  prometheus.Gauge
	WebhookDeliveries *prometheus.CounterVec
	BreakerTrips      prometheus.Counter
	HITLRequests      *prometheus.CounterVec
}

// New registers all collectors on reg. Production wiring passes
// prometheus.DefaultRegisterer; tests pass a fresh registry so
// repeated construction never collides.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		HTTPRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "aegis_http_requests_total",
				Help: "API requests by method, route and status code",
			},
			[]string{"method", "path", "status"},
		),

		HTTPDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "aegis_http_request_duration_seconds",
				Help:    "API request latency",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),

		ProxyExecutions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "aegis_proxy_executions_total",
				Help: "Proxy executions by outcome",
			},
			[]string{"status"}, // executed, blocked, hitl_pending, error
		),

		ProxyCostUSD: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "aegis_proxy_cost_usd_total",
				Help: "Cumulative USD charged through the proxy",
			},
		),

		ProxyDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "aegis_proxy_upstream_duration_seconds",
				Help:    "Upstream dispatch latency",
				Buckets: prometheus.DefBuckets,
			},
		),

		AuditFlushes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "aegis_audit_flushes_total",
				Help: "Audit buffer flushes by result",
			},
			[]string{"result"}, // ok, error, skipped
		),

		AuditBufferDepth: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "aegis_audit_buffer_depth",
				Help: "Entries waiting in the audit write buffer",
			},
		),

		WebhookDeliveries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "aegis_webhook_deliveries_total",
				Help: "Webhook deliveries by result",
			},
			[]string{"result"}, // delivered, failed, dropped
		),

		BreakerTrips: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "aegis_breaker_trips_total",
				Help: "Circuit breaker panic cascades",
			},
		),

		HITLRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "aegis_hitl_requests_total",
				Help: "HITL requests by final status",
			},
			[]string{"status"}, // pending, approved, denied, expired
		),
	}
}
