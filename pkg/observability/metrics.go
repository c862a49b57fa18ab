// Package observability provides Prometheus metrics and health endpoints
// for the AutoYou control core.
package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Router metrics
	turnsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autoyou_turns_total",
			Help: "Total number of turns appended to sessions",
		},
		[]string{"kind"},
	)

	handleDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "autoyou_handle_duration_seconds",
			Help:    "Router dispatch duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	// Transfer metrics
	transfersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autoyou_transfers_total",
			Help: "Total number of agent handoff requests",
		},
		[]string{"status"},
	)

	// Confirmation gate metrics
	actionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autoyou_actions_total",
			Help: "Total number of gated actions by outcome",
		},
		[]string{"outcome"},
	)

	// Session metrics
	activeSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "autoyou_active_sessions",
			Help: "Number of live sessions in the arena",
		},
	)

	sessionsExpiredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "autoyou_sessions_expired_total",
			Help: "Total number of sessions expired",
		},
	)

	initOnce sync.Once
)

// InitMetrics initializes Prometheus metrics
func InitMetrics() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			turnsTotal,
			handleDuration,
			transfersTotal,
			actionsTotal,
			activeSessions,
			sessionsExpiredTotal,
		)
	})
}

// MetricsHandler returns an HTTP handler for Prometheus metrics
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// RecordTurn records an appended turn
func RecordTurn(kind string) {
	turnsTotal.WithLabelValues(kind).Inc()
}

// RecordHandleDuration records router dispatch latency
func RecordHandleDuration(kind string, duration time.Duration) {
	handleDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

// RecordTransfer records a handoff request outcome
// (accepted, warned, loop_detected, budget_exceeded, unauthorized)
func RecordTransfer(status string) {
	transfersTotal.WithLabelValues(status).Inc()
}

// RecordAction records a gated action outcome
// (proposed, confirmed, aborted, expired, rejected)
func RecordAction(outcome string) {
	actionsTotal.WithLabelValues(outcome).Inc()
}

// SetActiveSessions sets the live session gauge
func SetActiveSessions(count int) {
	activeSessions.Set(float64(count))
}

// RecordSessionExpired counts an expired session
func RecordSessionExpired() {
	sessionsExpiredTotal.Inc()
}
