// Package metrics exposes poll and notification counters in the Prometheus
// text format.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "calnotify"

// Poll results used as the "result" label.
const (
	ResultOK         = "ok"
	ResultFetchError = "fetch_error"
	ResultStateError = "state_error"
)

// Metrics holds the collectors on a private registry so tests and multiple
// instances never collide on the global one.
type Metrics struct {
	registry *prometheus.Registry

	polls         *prometheus.CounterVec
	notifications *prometheus.CounterVec
	sinkErrors    *prometheus.CounterVec
	notifiedSet   *prometheus.GaugeVec
	lastSuccessTS *prometheus.GaugeVec
	fetchDur      *prometheus.HistogramVec
}

func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.polls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "polls_total",
		Help:      "Number of calendar polls by result",
	}, []string{"calendar", "result"})
	m.notifications = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "notifications_total",
		Help:      "Number of events emitted to sinks",
	}, []string{"calendar"})
	m.sinkErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sink_errors_total",
		Help:      "Number of failed sink deliveries",
	}, []string{"calendar"})
	m.notifiedSet = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "notified_set_size",
		Help:      "Identities currently held in the notified set",
	}, []string{"calendar"})
	m.lastSuccessTS = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "last_success_timestamp_seconds",
		Help:      "Unix timestamp of the last successful poll",
	}, []string{"calendar"})
	m.fetchDur = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "fetch_duration_seconds",
		Help:      "Time spent fetching upcoming events",
		Buckets:   prometheus.DefBuckets,
	}, []string{"calendar"})

	m.registry.MustRegister(
		m.polls, m.notifications, m.sinkErrors,
		m.notifiedSet, m.lastSuccessTS, m.fetchDur,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry for /metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObservePoll records one poll. A nil receiver is a no-op.
func (m *Metrics) ObservePoll(calendar, result string, fetch time.Duration) {
	if m == nil {
		return
	}
	m.polls.WithLabelValues(calendar, result).Inc()
	if fetch > 0 {
		m.fetchDur.WithLabelValues(calendar).Observe(fetch.Seconds())
	}
}

// ObserveState records the outcome of a successful poll.
func (m *Metrics) ObserveState(calendar string, notified, setSize int, at time.Time) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(calendar).Add(float64(notified))
	m.notifiedSet.WithLabelValues(calendar).Set(float64(setSize))
	m.lastSuccessTS.WithLabelValues(calendar).Set(float64(at.Unix()))
}

// SinkError counts one failed delivery.
func (m *Metrics) SinkError(calendar string) {
	if m == nil {
		return
	}
	m.sinkErrors.WithLabelValues(calendar).Inc()
}
