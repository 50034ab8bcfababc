package usage

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics wraps a Monitor's current-window counters as Prometheus gauges
// on an isolated registry, so tests can instantiate fresh collectors
// without touching the global default registry.
type Metrics struct {
	Registry *prometheus.Registry

	requestsTotal      prometheus.Gauge
	successesTotal     prometheus.Gauge
	errorsTotal        prometheus.Gauge
	rateLimitHitsTotal prometheus.Gauge
	avgResponseTimeMs  prometheus.Gauge
}

// NewMetrics builds a Metrics collector registered on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		requestsTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "dispatchd",
			Subsystem: "usage",
			Name:      "current_window_requests",
			Help:      "Requests recorded in the current sliding usage window.",
		}),
		successesTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "dispatchd",
			Subsystem: "usage",
			Name:      "current_window_successes",
			Help:      "Successful invocations recorded in the current usage window.",
		}),
		errorsTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "dispatchd",
			Subsystem: "usage",
			Name:      "current_window_errors",
			Help:      "Failed invocations recorded in the current usage window.",
		}),
		rateLimitHitsTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "dispatchd",
			Subsystem: "usage",
			Name:      "current_window_rate_limit_hits",
			Help:      "Rate-limit classifications recorded in the current usage window.",
		}),
		avgResponseTimeMs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "dispatchd",
			Subsystem: "usage",
			Name:      "current_window_avg_response_time_ms",
			Help:      "Average Engine response time in the current usage window.",
		}),
	}
	reg.MustRegister(
		m.requestsTotal,
		m.successesTotal,
		m.errorsTotal,
		m.rateLimitHitsTotal,
		m.avgResponseTimeMs,
	)
	return m
}

// Refresh pushes mon's current window onto the gauges. Call this before
// every /metrics scrape, or on a short ticker.
func (m *Metrics) Refresh(mon *Monitor) {
	w := mon.CurrentWindow()
	m.requestsTotal.Set(float64(w.Requests))
	m.successesTotal.Set(float64(w.Successes))
	m.errorsTotal.Set(float64(w.Errors))
	m.rateLimitHitsTotal.Set(float64(w.RateLimitHits))
	if w.Requests > 0 {
		m.avgResponseTimeMs.Set(float64(w.SumResponseTimeMs) / float64(w.Requests))
	} else {
		m.avgResponseTimeMs.Set(0)
	}
}
