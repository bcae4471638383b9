// Package metrics exposes Prometheus metrics for the gateway.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/gateway-fm/attestgateway/pkg/types"
)

// PrometheusMetrics holds all Prometheus metrics for the gateway.
// It implements aggregator.Observer.
type PrometheusMetrics struct {
	// Cache
	CacheLookups *prometheus.CounterVec
	CacheEntries prometheus.Gauge

	// Upstream registries
	UpstreamRequests *prometheus.CounterVec
	UpstreamLatency  *prometheus.HistogramVec
	UpstreamErrors   *prometheus.CounterVec

	// Inbound HTTP
	HTTPRequests *prometheus.CounterVec
	HTTPLatency  *prometheus.HistogramVec

	knownNetworks map[string]bool
}

// NewPrometheusMetrics creates and registers all Prometheus metrics.
// Network labels are limited to networks so unknown IDs cannot blow up
// cardinality.
func NewPrometheusMetrics(reg prometheus.Registerer, networks []string) *PrometheusMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	factory := promauto.With(reg)

	known := make(map[string]bool, len(networks))
	for _, n := range networks {
		known[n] = true
	}

	return &PrometheusMetrics{
		CacheLookups: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "attestgw_cache_lookups_total",
				Help: "Count cache lookups by network and result",
			},
			[]string{"network", "result"},
		),

		CacheEntries: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "attestgw_cache_entries",
				Help: "Entries currently held in the count cache",
			},
		),

		UpstreamRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "attestgw_upstream_requests_total",
				Help: "Registry queries by network and status",
			},
			[]string{"network", "status"},
		),

		UpstreamLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "attestgw_upstream_latency_seconds",
				Help:    "Registry query latency in seconds",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
			},
			[]string{"network"},
		),

		UpstreamErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "attestgw_upstream_errors_total",
				Help: "Registry failures by network and reason",
			},
			[]string{"network", "reason"},
		),

		HTTPRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "attestgw_http_requests_total",
				Help: "HTTP requests by route and status code",
			},
			[]string{"route", "code"},
		),

		HTTPLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "attestgw_http_request_duration_seconds",
				Help:    "HTTP request latency by route",
				Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 10},
			},
			[]string{"route"},
		),

		knownNetworks: known,
	}
}

func (m *PrometheusMetrics) networkLabel(id string) string {
	if m.knownNetworks[id] {
		return id
	}
	return "other"
}

// OnCacheLookup records a cache hit or miss.
func (m *PrometheusMetrics) OnCacheLookup(networkID string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	m.CacheLookups.WithLabelValues(m.networkLabel(networkID), result).Inc()
}

// OnFetch records an upstream query.
func (m *PrometheusMetrics) OnFetch(ev types.LookupEvent) {
	network := m.networkLabel(ev.Network)

	status := "success"
	if !ev.Success {
		status = "error"
		m.UpstreamErrors.WithLabelValues(network, ev.Error).Inc()
	}
	m.UpstreamRequests.WithLabelValues(network, status).Inc()
	m.UpstreamLatency.WithLabelValues(network).Observe(float64(ev.LatencyMs) / 1000)
}

// RecordHTTPRequest records one served request.
func (m *PrometheusMetrics) RecordHTTPRequest(route string, code int, latencySeconds float64) {
	m.HTTPRequests.WithLabelValues(route, strconv.Itoa(code)).Inc()
	m.HTTPLatency.WithLabelValues(route).Observe(latencySeconds)
}

// SetCacheEntries updates the cache size gauge.
func (m *PrometheusMetrics) SetCacheEntries(n int) {
	m.CacheEntries.Set(float64(n))
}
