// Package metrics exposes the engine's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// OperationsTotal counts engine operations by name and outcome.
	OperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "settlement",
		Name:      "operations_total",
		Help:      "Engine operations by operation and outcome.",
	}, []string{"operation", "outcome"})

	// OperationDuration tracks lock + transaction latency per operation.
	OperationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "settlement",
		Name:      "operation_duration_seconds",
		Help:      "Engine operation duration in seconds, lock wait included.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"operation"})

	// LockTimeouts counts per-contract lock acquisitions that gave up.
	LockTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "settlement",
		Name:      "lock_timeouts_total",
		Help:      "Per-contract lock acquisitions that timed out.",
	})

	// InvoicesSent counts invoices moved to sent or partial.
	InvoicesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "settlement",
		Name:      "invoices_sent_total",
		Help:      "Invoices sent, by kind and send status.",
	}, []string{"kind", "status"})

	// BillingRuns counts scheduled or CLI billing runs by outcome.
	BillingRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "settlement",
		Subsystem: "billing",
		Name:      "runs_total",
		Help:      "Billing runs by outcome.",
	}, []string{"outcome"})

	// BillingRunContracts tracks how many contracts the last run touched.
	BillingRunContracts = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "settlement",
		Subsystem: "billing",
		Name:      "last_run_contracts",
		Help:      "Contracts processed by the most recent billing run.",
	})
)

// Outcome labels.
const (
	OutcomeOK       = "ok"
	OutcomeRejected = "rejected"
	OutcomeConflict = "conflict"
	OutcomeRetry    = "retry"
	OutcomeError    = "error"
)
