// Package metrics exposes poll loop counters in Prometheus format.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Notification results.
const (
	ResultSent        = "sent"
	ResultFailed      = "failed"
	ResultRateLimited = "rate_limited"
)

// Metrics holds the collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	cycles        prometheus.Counter
	slots         *prometheus.GaugeVec
	notifications *prometheus.CounterVec
	fetchFailures prometheus.Counter
}

// New creates and registers the collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		cycles: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ielts_poll_cycles_total",
			Help: "Completed poll cycles.",
		}),
		slots: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ielts_slots_observed",
			Help: "Slots seen in the most recent cycle by availability.",
		}, []string{"availability"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ielts_notifications_total",
			Help: "Notification attempts by result.",
		}, []string{"result"}),
		fetchFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ielts_fetch_failures_total",
			Help: "Pages that could not be fetched after retries.",
		}),
	}
	m.registry.MustRegister(
		m.cycles,
		m.slots,
		m.notifications,
		m.fetchFailures,
		collectors.NewGoCollector(),
	)
	return m
}

// CycleCompleted counts one finished poll cycle.
func (m *Metrics) CycleCompleted() {
	m.cycles.Inc()
}

// SlotsObserved records the latest availability split.
func (m *Metrics) SlotsObserved(available, unavailable int) {
	m.slots.WithLabelValues("available").Set(float64(available))
	m.slots.WithLabelValues("unavailable").Set(float64(unavailable))
}

// Notification counts one dispatch attempt.
func (m *Metrics) Notification(result string) {
	m.notifications.WithLabelValues(result).Inc()
}

// FetchFailed counts one page that came back empty.
func (m *Metrics) FetchFailed() {
	m.fetchFailures.Inc()
}

// Handler serves the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
