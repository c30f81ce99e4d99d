// Package observability provides Prometheus metrics for the sandbox server.
package observability

import "github.com/prometheus/client_golang/prometheus"

// ExecBuckets defines histogram buckets suited for code execution
// latencies, ranging from 10ms to 120s.
var ExecBuckets = []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60, 120}

var (
	// SessionsActive tracks the number of live sessions in the store.
	SessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sandbox_sessions_active",
			Help: "Active sessions",
		},
	)

	// SessionsCreatedTotal counts sessions created since startup.
	SessionsCreatedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sandbox_sessions_created_total",
			Help: "Sessions created",
		},
	)

	// SessionsEvictedTotal counts sessions reclaimed by reason
	// (idle, timeout, explicit).
	SessionsEvictedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sandbox_sessions_evicted_total",
			Help: "Sessions destroyed",
		},
		[]string{"reason"},
	)

	// ExecutionsTotal counts execute calls by terminal outcome.
	ExecutionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sandbox_executions_total",
			Help: "Execute calls",
		},
		[]string{"status"},
	)

	// ExecutionDuration records execute call duration in seconds.
	ExecutionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sandbox_execution_duration_seconds",
			Help:    "Execute call duration",
			Buckets: ExecBuckets,
		},
	)

	// SessionBusyRejectedTotal counts execute calls rejected because
	// another call held the session's exclusion lock.
	SessionBusyRejectedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sandbox_session_busy_rejected_total",
			Help: "Execute calls rejected as busy",
		},
	)
)

// Register registers all sandbox metrics with the given registry.
func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		SessionsActive,
		SessionsCreatedTotal,
		SessionsEvictedTotal,
		ExecutionsTotal,
		ExecutionDuration,
		SessionBusyRejectedTotal,
	)
}
