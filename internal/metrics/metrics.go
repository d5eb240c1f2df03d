// Package metrics defines the Prometheus collectors of the relay service.
// Collectors are registered on an injected registry so tests and multiple
// servers never share global state.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "video_relay"

// Result label values.
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
)

// Metrics holds the service collectors. A nil *Metrics records nothing.
type Metrics struct {
	registry *prometheus.Registry

	relays        *prometheus.CounterVec
	sinkOps       *prometheus.CounterVec
	sinkDuration  *prometheus.HistogramVec
	tokenRefresh  *prometheus.CounterVec
	moves         *prometheus.CounterVec
	relaysRunning prometheus.Gauge
}

// New creates the collectors and registers them on registry.
func New(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		registry: registry,
		relays: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "relays_total",
				Help:      "Total number of relay requests by operation and result.",
			},
			[]string{"operation", "result"},
		),
		sinkOps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sink_operations_total",
				Help:      "Total number of sink operations by sink, operation and result.",
			},
			[]string{"sink", "operation", "result"},
		),
		sinkDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "sink_operation_duration_seconds",
				Help:      "Histogram of sink operation durations.",
				Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10), // 50ms .. ~25s
			},
			[]string{"sink", "operation"},
		),
		tokenRefresh: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "token_refreshes_total",
				Help:      "Total number of backend authentications by partition.",
			},
			[]string{"partition"},
		),
		moves: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "moves_total",
				Help:      "Total number of move operations by result.",
			},
			[]string{"result"},
		),
		relaysRunning: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "relays_in_progress",
				Help:      "Current number of relay requests being processed.",
			},
		),
	}

	registry.MustRegister(m.relays, m.sinkOps, m.sinkDuration, m.tokenRefresh, m.moves, m.relaysRunning)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RelayStarted marks a relay as running and returns a func recording its result.
func (m *Metrics) RelayStarted(operation string) func(err error) {
	if m == nil {
		return func(error) {}
	}
	m.relaysRunning.Inc()
	return func(err error) {
		m.relaysRunning.Dec()
		m.relays.WithLabelValues(operation, result(err)).Inc()
	}
}

// ObserveSink records one sink operation.
func (m *Metrics) ObserveSink(sink, operation string, took time.Duration, err error) {
	if m == nil {
		return
	}
	m.sinkOps.WithLabelValues(sink, operation, result(err)).Inc()
	m.sinkDuration.WithLabelValues(sink, operation).Observe(took.Seconds())
}

// TokenRefreshed counts one backend authentication.
func (m *Metrics) TokenRefreshed(partition string) {
	if m == nil {
		return
	}
	m.tokenRefresh.WithLabelValues(partition).Inc()
}

// MoveFinished counts one move operation.
func (m *Metrics) MoveFinished(err error) {
	if m == nil {
		return
	}
	m.moves.WithLabelValues(result(err)).Inc()
}

func result(err error) string {
	if err != nil {
		return ResultFailure
	}
	return ResultSuccess
}
