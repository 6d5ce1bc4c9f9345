package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// Scan metrics
	ScansTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "qrattend_scans_total",
			Help: "Scans processed by outcome status",
		},
		[]string{"status"},
	)

	ClosuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "qrattend_closures_total",
			Help: "Closure requests by outcome status",
		},
		[]string{"status"},
	)

	SessionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "qrattend_session_duration_seconds",
			Help:    "Measured length of closed sessions",
			Buckets: []float64{60, 300, 900, 1800, 3600, 7200, 14400, 28800, 86400},
		},
	)

	SessionsExpired = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "qrattend_sessions_expired_total",
			Help: "Sessions auto-closed without counting, by close reason",
		},
		[]string{"reason"},
	)

	InvariantViolations = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "qrattend_invariant_violations_total",
			Help: "Students found with more than one active session",
		},
	)

	StoreErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "qrattend_store_errors_total",
			Help: "Store operations that failed",
		},
		[]string{"op"},
	)

	// Outbox metrics
	OutboxEnqueued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "qrattend_outbox_enqueued_total",
			Help: "Jobs written to the outbox",
		},
		[]string{"kind"},
	)

	OutboxDelivered = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "qrattend_outbox_delivered_total",
			Help: "Outbox jobs replayed successfully",
		},
		[]string{"kind"},
	)

	OutboxFailed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "qrattend_outbox_failed_total",
			Help: "Outbox jobs that exhausted their retries",
		},
		[]string{"kind"},
	)

	OutboxPending = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "qrattend_outbox_pending",
			Help: "Jobs waiting in the outbox",
		},
	)

	// Maintenance metrics
	ReconciledStudents = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "qrattend_reconciled_students_total",
			Help: "Student aggregates rewritten by reconciliation",
		},
	)
)

func init() {
	prometheus.MustRegister(
		ScansTotal,
		ClosuresTotal,
		SessionDuration,
		SessionsExpired,
		InvariantViolations,
		StoreErrors,
		OutboxEnqueued,
		OutboxDelivered,
		OutboxFailed,
		OutboxPending,
		ReconciledStudents,
	)
}
