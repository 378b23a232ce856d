package escrow

import (
	"time"

	"github.com/mbd888/marketplace/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	escrowOpsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metrics.Namespace,
		Subsystem: "escrow",
		Name:      "operations_total",
		Help:      "Escrow service operations by type.",
	}, []string{"op"})

	escrowOpDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: metrics.Namespace,
		Subsystem: "escrow",
		Name:      "operation_duration_seconds",
		Help:      "Escrow service operation latency in seconds.",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"op"})

	escrowCreatedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: metrics.Namespace,
		Subsystem: "escrow",
		Name:      "created_total",
		Help:      "Escrow payments created.",
	})

	escrowAmountTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metrics.Namespace,
		Subsystem: "escrow",
		Name:      "amount_total",
		Help:      "Money moved through escrow by movement (held, released, refunded), all currencies summed.",
	}, []string{"movement"})

	escrowConflictsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: metrics.Namespace,
		Subsystem: "escrow",
		Name:      "version_conflicts_total",
		Help:      "Writes rejected by the version check and re-evaluated.",
	})

	escrowAuditMismatches = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: metrics.Namespace,
		Subsystem: "escrow",
		Name:      "audit_mismatches_total",
		Help:      "Escrow payments whose ledger replay disagreed with the aggregate.",
	})
)

func init() {
	prometheus.MustRegister(
		escrowOpsTotal,
		escrowOpDuration,
		escrowCreatedTotal,
		escrowAmountTotal,
		escrowConflictsTotal,
		escrowAuditMismatches,
	)
}

// observeOp counts op and returns a func that records its duration.
func observeOp(op string) func() {
	escrowOpsTotal.WithLabelValues(op).Inc()
	start := time.Now()
	return func() {
		escrowOpDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}
}
