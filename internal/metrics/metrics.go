// Package metrics exposes the Prometheus instrumentation shared by the
// proxy and management surfaces.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Cache operation results.
const (
	CacheHit   = "hit"
	CacheMiss  = "miss"
	CacheStore = "store"
)

// Metrics holds the collectors for the /metrics endpoint.
type Metrics struct {
	registry *prometheus.Registry

	// RequestsTotal counts proxied JSON-RPC requests by service and
	// HTTP status code.
	RequestsTotal *prometheus.CounterVec

	// RequestDuration observes end-to-end proxy latency per service.
	RequestDuration *prometheus.HistogramVec

	// CacheOps counts response cache hits, misses and stores.
	CacheOps *prometheus.CounterVec

	// RateLimitBlocked counts requests rejected by the rate limiter.
	RateLimitBlocked *prometheus.CounterVec

	// RestartsTotal counts automatic restarts scheduled per service.
	RestartsTotal *prometheus.CounterVec

	// NotificationsDropped counts evictions from the bounded
	// notification channel per service.
	NotificationsDropped *prometheus.CounterVec

	// ServicesRunning tracks the number of services currently running.
	ServicesRunning prometheus.Gauge
}

// New creates the collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mcpfleet_requests_total",
			Help: "Proxied JSON-RPC requests by service and HTTP status code.",
		}, []string{"service", "code"}),
		RequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mcpfleet_request_duration_seconds",
			Help:    "End-to-end proxy request latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"service"}),
		CacheOps: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mcpfleet_cache_operations_total",
			Help: "Response cache operations by result.",
		}, []string{"result"}),
		RateLimitBlocked: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mcpfleet_ratelimit_blocked_total",
			Help: "Requests rejected by the rate limiter per service.",
		}, []string{"service"}),
		RestartsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mcpfleet_restarts_total",
			Help: "Automatic restarts scheduled per service.",
		}, []string{"service"}),
		NotificationsDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mcpfleet_notifications_dropped_total",
			Help: "Notifications evicted from the bounded channel per service.",
		}, []string{"service"}),
		ServicesRunning: factory.NewGauge(prometheus.GaugeOpts{
			Name: "mcpfleet_services_running",
			Help: "Number of services currently in the running state.",
		}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
