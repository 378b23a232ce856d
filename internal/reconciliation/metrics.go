package reconciliation

import (
	"github.com/mbd888/marketplace/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	reconcileStaleRefunds = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: metrics.Namespace,
		Subsystem: "reconciliation",
		Name:      "stale_refunds",
		Help:      "Stale Processing refunds handled in the last run, by outcome.",
	}, []string{"outcome"})

	reconcileLedgerMismatches = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: metrics.Namespace,
		Subsystem: "reconciliation",
		Name:      "ledger_mismatches",
		Help:      "Escrows whose aggregate disagreed with their ledger in the last run.",
	})

	reconcileDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: metrics.Namespace,
		Subsystem: "reconciliation",
		Name:      "run_duration_seconds",
		Help:      "Duration of reconciliation runs in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
	})

	reconcileErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metrics.Namespace,
		Subsystem: "reconciliation",
		Name:      "errors_total",
		Help:      "Reconciliation checks that failed, by check.",
	}, []string{"check"})
)

func init() {
	prometheus.MustRegister(
		reconcileStaleRefunds,
		reconcileLedgerMismatches,
		reconcileDuration,
		reconcileErrors,
	)
}
