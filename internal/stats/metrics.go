package stats

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/ushineko/fetchgate/internal/gateway"
)

const namespace = "fgwd"

// Metrics exposes gateway request metrics in the Prometheus text format.
// Each Metrics owns a private registry.
type Metrics struct {
	registry *prometheus.Registry
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
	bytes    prometheus.Histogram
}

// NewMetrics creates the gateway metrics. busy, if non-nil, is sampled on
// every scrape for the in-flight worker gauge.
func NewMetrics(busy func() int) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Gateway requests by outcome class.",
		}, []string{"class"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Gateway request latency by outcome class.",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"class"}),
		bytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "response_body_bytes",
			Help:      "Size of upstream bodies relayed to callers.",
			Buckets:   prometheus.ExponentialBucketsRange(200, 10<<20, 10),
		}),
	}

	m.registry.MustRegister(
		m.requests,
		m.duration,
		m.bytes,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	if busy != nil {
		m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "workers_busy",
			Help:      "Requests currently holding a worker slot.",
		}, func() float64 { return float64(busy()) }))
	}

	// Expose every class at zero so rate() works from the first scrape.
	for _, class := range gateway.Classes {
		m.requests.WithLabelValues(string(class))
	}

	return m
}

// Observe records one handled gateway request.
func (m *Metrics) Observe(res gateway.Result) {
	class := string(res.Class)
	m.requests.WithLabelValues(class).Inc()
	m.duration.WithLabelValues(class).Observe(res.Duration.Seconds())
	if res.Class == gateway.ClassFetched {
		m.bytes.Observe(float64(res.Bytes))
	}
}

// Registry returns the underlying registry, for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
