// Package telemetry collects sync metrics in a process-local Prometheus
// registry. Nothing is pushed anywhere: metrics are only exposed on the
// control server's /metrics route, and only after an explicit opt-in.
package telemetry

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var enabled atomic.Bool

// IsEnabled reports whether metrics exposure was opted into.
func IsEnabled() bool {
	return enabled.Load()
}

// EnableTelemetry opts into metrics exposure.
func EnableTelemetry() {
	enabled.Store(true)
}

// DisableTelemetry turns metrics exposure off again.
func DisableTelemetry() {
	enabled.Store(false)
}

// Cycle outcomes recorded by ObserveCycle.
const (
	OutcomeCompleted      = "completed"
	OutcomePartialFailure = "partial_failure"
	OutcomeRejected       = "rejected"
	OutcomeError          = "error"
)

// Action results recorded by ObserveAction.
const (
	ResultSynced    = "synced"
	ResultFailed    = "failed"
	ResultPermanent = "permanent"
	ResultConflict  = "conflict"
	ResultAborted   = "aborted"
)

// Metrics holds the sync collectors. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	registry      *prometheus.Registry
	cycles        *prometheus.CounterVec
	cycleDuration prometheus.Histogram
	actions       *prometheus.CounterVec
	conflicts     *prometheus.CounterVec
	pending       prometheus.Gauge
	failed        prometheus.Gauge
	online        prometheus.Gauge
}

// NewMetrics creates the collectors in a private registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "syncore",
			Name:      "sync_cycles_total",
			Help:      "Sync cycles by outcome.",
		}, []string{"outcome"}),
		cycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "syncore",
			Name:      "sync_cycle_duration_seconds",
			Help:      "Wall time of completed sync cycles.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		actions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "syncore",
			Name:      "sync_actions_total",
			Help:      "Processed sync actions by type, entity kind and result.",
		}, []string{"action_type", "entity_kind", "result"}),
		conflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "syncore",
			Name:      "sync_conflicts_total",
			Help:      "Detected conflicts by entity kind and strategy.",
		}, []string{"entity_kind", "strategy"}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "syncore",
			Name:      "sync_queue_pending",
			Help:      "Actions still within their retry budget.",
		}),
		failed: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "syncore",
			Name:      "sync_queue_failed",
			Help:      "Permanently failed actions awaiting operator retry.",
		}),
		online: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "syncore",
			Name:      "network_online",
			Help:      "1 when the network monitor reports online.",
		}),
	}
	m.registry.MustRegister(
		m.cycles, m.cycleDuration, m.actions, m.conflicts, m.pending, m.failed, m.online,
		collectors.NewGoCollector(),
	)
	return m
}

// ObserveCycle records a finished or rejected cycle.
func (m *Metrics) ObserveCycle(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.cycles.WithLabelValues(outcome).Inc()
	if outcome != OutcomeRejected {
		m.cycleDuration.Observe(d.Seconds())
	}
}

// ObserveAction records the result of one action.
func (m *Metrics) ObserveAction(actionType, entityKind, result string) {
	if m == nil {
		return
	}
	m.actions.WithLabelValues(actionType, entityKind, result).Inc()
}

// ObserveConflict records a detected conflict.
func (m *Metrics) ObserveConflict(entityKind, strategy string) {
	if m == nil {
		return
	}
	m.conflicts.WithLabelValues(entityKind, strategy).Inc()
}

// SetQueueDepth records the pending and permanently failed counts.
func (m *Metrics) SetQueueDepth(pending, failed int) {
	if m == nil {
		return
	}
	m.pending.Set(float64(pending))
	m.failed.Set(float64(failed))
}

// SetOnline records the connectivity state.
func (m *Metrics) SetOnline(online bool) {
	if m == nil {
		return
	}
	v := 0.0
	if online {
		v = 1
	}
	m.online.Set(v)
}

// Handler serves the registry in the Prometheus text format. It answers
// 404 until telemetry is enabled.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	inner := promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !IsEnabled() {
			http.NotFound(w, r)
			return
		}
		inner.ServeHTTP(w, r)
	})
}
