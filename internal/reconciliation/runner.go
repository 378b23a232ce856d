// Package reconciliation runs the out-of-band consistency jobs: re-driving
// refunds stuck in Processing and auditing escrow aggregates against their
// ledgers.
package reconciliation

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/mbd888/marketplace/internal/escrow"
	"github.com/mbd888/marketplace/internal/refund"
)

// RefundReconciler re-drives stale Processing refunds.
type RefundReconciler interface {
	ReconcileProcessing(ctx context.Context, olderThan time.Duration, limit int) (*refund.ReconcileReport, error)
}

// EscrowAuditor replays escrow ledgers.
type EscrowAuditor interface {
	AuditAll(ctx context.Context, batchSize int) (checked int, bad []*escrow.AuditReport, err error)
}

// Alerter is told about escrows whose ledger disagrees with the aggregate.
type Alerter interface {
	EmitAuditInconsistent(operatorID, paymentID, orderID string, issues []string)
}

// Config tunes one run.
type Config struct {
	StaleAfter     time.Duration
	RefundLimit    int
	AuditBatchSize int
	// OperatorID receives audit alerts; empty disables them.
	OperatorID string
}

func DefaultConfig() Config {
	return Config{StaleAfter: 10 * time.Minute, RefundLimit: 100, AuditBatchSize: 100}
}

// Report is the outcome of RunAll.
type Report struct {
	StartedAt     time.Time               `json:"startedAt"`
	Duration      time.Duration           `json:"duration"`
	Refunds       *refund.ReconcileReport `json:"refunds,omitempty"`
	EscrowChecked int                     `json:"escrowChecked"`
	Mismatches    []*escrow.AuditReport   `json:"mismatches,omitempty"`
}

// Healthy is true when no escrow disagreed with its ledger.
func (r *Report) Healthy() bool {
	return len(r.Mismatches) == 0
}

// Runner executes every check in sequence. Either dependency may be nil.
type Runner struct {
	refunds RefundReconciler
	escrows EscrowAuditor
	alerter Alerter
	cfg     Config
	logger  *slog.Logger
	now     func() time.Time
}

func NewRunner(refunds RefundReconciler, escrows EscrowAuditor, cfg Config, logger *slog.Logger) *Runner {
	def := DefaultConfig()
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = def.StaleAfter
	}
	if cfg.RefundLimit <= 0 {
		cfg.RefundLimit = def.RefundLimit
	}
	if cfg.AuditBatchSize <= 0 {
		cfg.AuditBatchSize = def.AuditBatchSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{refunds: refunds, escrows: escrows, cfg: cfg, logger: logger, now: time.Now}
}

// WithAlerter sends audit mismatches to a.
func (r *Runner) WithAlerter(a Alerter) *Runner {
	r.alerter = a
	return r
}

// RunAll runs every check. A failing check does not stop the others; the
// returned error joins all failures and the report holds what succeeded.
func (r *Runner) RunAll(ctx context.Context) (*Report, error) {
	start := r.now()
	rep := &Report{StartedAt: start}
	var errs []error

	if r.refunds != nil {
		rr, err := r.refunds.ReconcileProcessing(ctx, r.cfg.StaleAfter, r.cfg.RefundLimit)
		if err != nil {
			reconcileErrors.WithLabelValues("refunds").Inc()
			errs = append(errs, err)
		}
		if rr != nil {
			rep.Refunds = rr
			reconcileStaleRefunds.WithLabelValues("completed").Set(float64(rr.Completed))
			reconcileStaleRefunds.WithLabelValues("pending").Set(float64(rr.Pending))
			reconcileStaleRefunds.WithLabelValues("failed").Set(float64(rr.Failed))
			reconcileStaleRefunds.WithLabelValues("skipped").Set(float64(rr.Skipped))
			reconcileStaleRefunds.WithLabelValues("error").Set(float64(rr.Errors))
		}
	}

	if r.escrows != nil {
		checked, bad, err := r.escrows.AuditAll(ctx, r.cfg.AuditBatchSize)
		if err != nil {
			reconcileErrors.WithLabelValues("escrow_audit").Inc()
			errs = append(errs, err)
		}
		rep.EscrowChecked = checked
		rep.Mismatches = bad
		reconcileLedgerMismatches.Set(float64(len(bad)))
		for _, b := range bad {
			if r.alerter != nil && r.cfg.OperatorID != "" {
				r.alerter.EmitAuditInconsistent(r.cfg.OperatorID, b.PaymentID, b.OrderID, b.Issues)
			}
		}
	}

	rep.Duration = r.now().Sub(start)
	reconcileDuration.Observe(rep.Duration.Seconds())

	attrs := []any{"escrows_checked", rep.EscrowChecked, "mismatches", len(rep.Mismatches), "duration", rep.Duration}
	if rep.Refunds != nil {
		attrs = append(attrs, "refunds_checked", rep.Refunds.Checked, "refunds_completed", rep.Refunds.Completed)
	}
	if !rep.Healthy() {
		r.logger.Error("reconciliation found ledger mismatches", attrs...)
	} else {
		r.logger.Info("reconciliation run complete", attrs...)
	}
	return rep, errors.Join(errs...)
}
