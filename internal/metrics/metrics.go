package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the pipeline collectors. A nil *Metrics is valid and
// records nothing, so the engine can run without a registry in the CLI.
type Metrics struct {
	Registry *prometheus.Registry

	Transitions         *prometheus.CounterVec
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	RevertFailures      prometheus.Counter
	FeedEntries         prometheus.Gauge
}

// New creates the collectors on a dedicated registry.
func New() *Metrics {
	m := &Metrics{Registry: prometheus.NewRegistry()}

	m.Transitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nexus_transitions_total",
			Help: "Brief and action item transitions by action and resulting status",
		},
		[]string{"action", "status"},
	)
	m.HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nexus_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)
	m.HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "nexus_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
	m.RevertFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "nexus_revert_failures_total",
		Help: "Rollbacks whose git revert failed",
	})
	m.FeedEntries = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "nexus_activity_feed_entries",
		Help: "Entries currently held in the activity feed",
	})

	m.Registry.MustRegister(m.Transitions, m.HTTPRequestsTotal, m.HTTPRequestDuration, m.RevertFailures, m.FeedEntries)
	return m
}

func (m *Metrics) Transition(action, status string) {
	if m == nil {
		return
	}
	m.Transitions.WithLabelValues(action, status).Inc()
}

func (m *Metrics) RevertFailed() {
	if m == nil {
		return
	}
	m.RevertFailures.Inc()
}

func (m *Metrics) SetFeedEntries(n int) {
	if m == nil {
		return
	}
	m.FeedEntries.Set(float64(n))
}

func (m *Metrics) ObserveRequest(method, route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}
