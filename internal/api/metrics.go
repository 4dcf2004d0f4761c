package api

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors for the API surface.
type Metrics struct {
	registry *prometheus.Registry

	ChecksTotal     *prometheus.CounterVec
	DenialsTotal    *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers the API metrics on a private registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		ChecksTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "kestrel_checks_total",
			Help: "Fraud checks evaluated, by check type and resulting action.",
		}, []string{"check", "action"}),

		DenialsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "kestrel_denials_total",
			Help: "Requests rejected before reaching a handler, by gate.",
		}, []string{"gate"}),

		RequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "kestrel_http_request_duration_seconds",
			Help:    "HTTP request latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "status"}),
	}
}

// Handler returns the scrape endpoint for this metrics registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
