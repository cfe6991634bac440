// Package metrics exposes Prometheus collectors for agent turns, tools and sessions.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "agentstream"

// Metrics groups the server's collectors. A nil *Metrics records nothing.
type Metrics struct {
	registry *prometheus.Registry

	turns          *prometheus.CounterVec
	turnDuration   prometheus.Histogram
	turnIterations prometheus.Histogram
	toolCalls      *prometheus.CounterVec
	toolDuration   *prometheus.HistogramVec
	activeSessions prometheus.Gauge
	busyRejected   prometheus.Counter
	rateLimited    prometheus.Counter
	goneSends      prometheus.Counter
	threadsPurged  prometheus.Counter
}

// New registers all collectors on a fresh registry, together with Go and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		turns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Agent turns by outcome.",
		}, []string{"outcome"}),
		turnDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "turn_duration_seconds",
			Help:      "Wall time of agent turns.",
			Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}),
		turnIterations: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "turn_iterations",
			Help:      "Model requests per agent turn.",
			Buckets:   prometheus.LinearBuckets(1, 1, 12),
		}),
		toolCalls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_executions_total",
			Help:      "Tool executions by tool and status.",
		}, []string{"tool", "status"}),
		toolDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tool_duration_seconds",
			Help:      "Tool execution time.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"tool"}),
		activeSessions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Open WebSocket sessions.",
		}),
		busyRejected: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "busy_rejections_total",
			Help:      "Chat messages rejected because a turn was in progress.",
		}),
		rateLimited: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Chat messages rejected by the per-user rate limiter.",
		}),
		goneSends: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gone_sends_total",
			Help:      "Events dropped because the client had disconnected.",
		}),
		threadsPurged: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "threads_purged_total",
			Help:      "Stored threads removed by the janitor.",
		}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// TurnFinished records a finished turn. outcome is a stop reason or "error".
func (m *Metrics) TurnFinished(outcome string, iterations int, d time.Duration) {
	if m == nil {
		return
	}
	m.turns.WithLabelValues(outcome).Inc()
	m.turnDuration.Observe(d.Seconds())
	m.turnIterations.Observe(float64(iterations))
}

// ToolExecuted records one tool execution.
func (m *Metrics) ToolExecuted(tool, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.toolCalls.WithLabelValues(tool, status).Inc()
	m.toolDuration.WithLabelValues(tool).Observe(d.Seconds())
}

// SessionOpened increments the active session gauge.
func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.activeSessions.Inc()
}

// SessionClosed decrements the active session gauge.
func (m *Metrics) SessionClosed() {
	if m == nil {
		return
	}
	m.activeSessions.Dec()
}

// BusyRejected counts a chat rejected because a turn was running.
func (m *Metrics) BusyRejected() {
	if m == nil {
		return
	}
	m.busyRejected.Inc()
}

// RateLimited counts a chat rejected by the rate limiter.
func (m *Metrics) RateLimited() {
	if m == nil {
		return
	}
	m.rateLimited.Inc()
}

// SendDropped counts an event lost to a gone connection.
func (m *Metrics) SendDropped() {
	if m == nil {
		return
	}
	m.goneSends.Inc()
}

// ThreadsPurged counts threads removed by the janitor.
func (m *Metrics) ThreadsPurged(n int64) {
	if m == nil {
		return
	}
	m.threadsPurged.Add(float64(n))
}
