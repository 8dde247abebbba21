package reconciler

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// These gauges back Stats() for an operator dashboard, the same way
// pkg/anchor's scheduler exposes SchedulerMetrics -- except here the
// numbers are published through prometheus/client_golang rather than
// returned as a plain struct, since the Reconciler runs as a long-lived
// process-wide singleton with no request/response cycle to hang a
// snapshot off of.
var (
	trackedEntitiesGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "escrow_reconciler_tracked_entities",
		Help: "Number of Payment/Purchase rows observed by the most recent reconcile cycle.",
	})

	paymentCursorGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "escrow_reconciler_payment_cursor_unix",
		Help: "Unix timestamp of the Reconciler's persisted payment cursor.",
	})

	purchaseCursorGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "escrow_reconciler_purchase_cursor_unix",
		Help: "Unix timestamp of the Reconciler's persisted purchase cursor.",
	})

	cycleDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "escrow_reconciler_cycle_duration_seconds",
		Help:    "Wall-clock time spent in one reconcile cycle.",
		Buckets: prometheus.DefBuckets,
	})

	unmatchedTransactionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "escrow_reconciler_unmatched_transactions_total",
		Help: "Observed transactions whose blockchainIdentifier matched no Payment or Purchase.",
	})

	unexpectedTransitionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "escrow_reconciler_unexpected_transitions_total",
		Help: "Observed transactions whose on-chain state move is not in the legal transition table.",
	})
)
