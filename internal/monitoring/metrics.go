// Package monitoring exposes Prometheus metrics for the sync server.
package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the sync server.
type Metrics struct {
	PushTotal    *prometheus.CounterVec
	PushEvents   prometheus.Counter
	PushDuration prometheus.Histogram

	PullTotal    *prometheus.CounterVec
	PullDuration prometheus.Histogram
	PullWaiters  prometheus.Gauge

	SharingAppends *prometheus.CounterVec

	WatchConnections prometheus.Gauge

	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec
}

// NewMetrics creates metrics registered on the default registry.
func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer)
}

// NewMetricsWith creates metrics on a specific registerer. Tests pass a
// fresh registry to avoid duplicate registration.
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		PushTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sync_push_total",
				Help: "Push outcomes by status",
			},
			[]string{"status"}, // status: ok, conflict, rejected, denied, error
		),

		PushEvents: f.NewCounter(
			prometheus.CounterOpts{
				Name: "sync_push_events_total",
				Help: "Events admitted to the log",
			},
		),

		PushDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "sync_push_duration_seconds",
				Help:    "Duration of push handling including dependency checks",
				Buckets: prometheus.DefBuckets,
			},
		),

		PullTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sync_pull_total",
				Help: "Pull outcomes by result",
			},
			[]string{"result"}, // result: events, empty
		),

		PullDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "sync_pull_duration_seconds",
				Help:    "Duration of pull handling including long-poll waits",
				Buckets: []float64{0.005, 0.05, 0.25, 1, 5, 10, 25, 30},
			},
		),

		PullWaiters: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "sync_pull_waiters",
				Help: "Long-poll requests currently parked",
			},
		),

		SharingAppends: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sharing_append_total",
				Help: "Sharing ledger append outcomes",
			},
			[]string{"stream", "result"}, // stream: scope_state, grant, keyvault; result: ok, mismatch, violation, error
		),

		WatchConnections: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "sync_watch_connections",
				Help: "Open watch websocket connections",
			},
		),

		HTTPRequests: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "HTTP requests by route, method and status code",
			},
			[]string{"route", "method", "status"},
		),

		HTTPDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request latency by route",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"route"},
		),
	}
}

// RecordPush records a push outcome.
func (m *Metrics) RecordPush(status string, events int, seconds float64) {
	m.PushTotal.WithLabelValues(status).Inc()
	if events > 0 {
		m.PushEvents.Add(float64(events))
	}
	m.PushDuration.Observe(seconds)
}

// RecordPull records a pull outcome.
func (m *Metrics) RecordPull(returnedEvents bool, seconds float64) {
	result := "empty"
	if returnedEvents {
		result = "events"
	}
	m.PullTotal.WithLabelValues(result).Inc()
	m.PullDuration.Observe(seconds)
}

// RecordSharingAppend records a ledger append outcome.
func (m *Metrics) RecordSharingAppend(stream, result string) {
	m.SharingAppends.WithLabelValues(stream, result).Inc()
}
