// Package metrics exposes gateway counters in the Prometheus format.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "accessgate"

// Metrics holds the gateway's collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	requests        *prometheus.CounterVec
	logins          *prometheus.CounterVec
	rateLimited     *prometheus.CounterVec
	csrfRejections  prometheus.Counter
	elevations      prometheus.Counter
	crawlerAdmitted prometheus.Counter
}

// New creates and registers all collectors, including Go runtime and
// process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method and status code.",
		}, []string{"method", "code"}),
		logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "logins_total",
			Help:      "Login attempts by provider and result.",
		}, []string{"provider", "result"}),
		rateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Requests rejected by a rate-limit bucket.",
		}, []string{"bucket"}),
		csrfRejections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "csrf_rejections_total",
			Help:      "State-changing requests rejected for a missing or wrong CSRF token.",
		}),
		elevations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "elevations_total",
			Help:      "Elevation windows granted.",
		}),
		crawlerAdmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "crawler_admissions_total",
			Help:      "Requests admitted through the crawler bypass.",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.requests,
		m.logins,
		m.rateLimited,
		m.csrfRejections,
		m.elevations,
		m.crawlerAdmitted,
	)

	return m
}

// RegisterSessionGauge exposes the number of stored sessions.
func (m *Metrics) RegisterSessionGauge(count func() int) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "sessions",
		Help:      "Sessions currently held by the store, expired ones not yet swept included.",
	}, func() float64 { return float64(count()) }))
}

// Handler serves the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Instrument counts every request passing through next.
func (m *Metrics) Instrument(next http.Handler) http.Handler {
	return promhttp.InstrumentHandlerCounter(m.requests, next)
}

// Login records a login attempt.
func (m *Metrics) Login(provider string, ok bool) {
	result := "failure"
	if ok {
		result = "success"
	}
	m.logins.WithLabelValues(provider, result).Inc()
}

// RateLimited records a rejection by bucket.
func (m *Metrics) RateLimited(bucket string) {
	m.rateLimited.WithLabelValues(bucket).Inc()
}

// CSRFRejected records a CSRF rejection.
func (m *Metrics) CSRFRejected() {
	m.csrfRejections.Inc()
}

// Elevated records a granted elevation window.
func (m *Metrics) Elevated() {
	m.elevations.Inc()
}

// CrawlerAdmitted records a crawler bypass.
func (m *Metrics) CrawlerAdmitted() {
	m.crawlerAdmitted.Inc()
}
