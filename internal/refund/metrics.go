package refund

import (
	"time"

	"github.com/mbd888/marketplace/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	refundOpsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metrics.Namespace,
		Subsystem: "refund",
		Name:      "operations_total",
		Help:      "Refund service operations by type.",
	}, []string{"op"})

	refundOpDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: metrics.Namespace,
		Subsystem: "refund",
		Name:      "operation_duration_seconds",
		Help:      "Refund service operation latency in seconds, provider calls included.",
		Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"op"})

	refundsCreatedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metrics.Namespace,
		Subsystem: "refund",
		Name:      "created_total",
		Help:      "Refunds created by type and initiator.",
	}, []string{"type", "initiator"})

	refundOutcomesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metrics.Namespace,
		Subsystem: "refund",
		Name:      "outcomes_total",
		Help:      "Provider round-trips by resulting refund state (completed, pending, failed).",
	}, []string{"outcome"})

	refundAmountTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: metrics.Namespace,
		Subsystem: "refund",
		Name:      "amount_total",
		Help:      "Money returned to buyers by completed refunds, all currencies summed.",
	})

	providerCallDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: metrics.Namespace,
		Subsystem: "refund",
		Name:      "provider_call_duration_seconds",
		Help:      "Refund provider latency by call kind and outcome.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"kind", "outcome"})

	ledgerFailuresTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metrics.Namespace,
		Subsystem: "refund",
		Name:      "ledger_failures_total",
		Help:      "Provider-completed refunds left in processing because booking failed, by stage (escrow, order).",
	}, []string{"stage"})
)

func init() {
	prometheus.MustRegister(
		refundOpsTotal,
		refundOpDuration,
		refundsCreatedTotal,
		refundOutcomesTotal,
		refundAmountTotal,
		providerCallDuration,
		ledgerFailuresTotal,
	)
}

func observeOp(op string) func() {
	refundOpsTotal.WithLabelValues(op).Inc()
	start := time.Now()
	return func() {
		refundOpDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}
}
