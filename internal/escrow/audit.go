package escrow

import (
	"context"
	"fmt"

	"github.com/mbd888/marketplace/internal/money"
	"github.com/shopspring/decimal"
)

// AuditReport compares a payment with the totals replayed from its ledger.
type AuditReport struct {
	PaymentID string          `json:"paymentId"`
	OrderID   string          `json:"orderId"`
	Created   decimal.Decimal `json:"created"`
	Allocated decimal.Decimal `json:"allocated"`
	Released  decimal.Decimal `json:"released"`
	Refunded  decimal.Decimal `json:"refunded"`
	Reversed  decimal.Decimal `json:"commissionReversed"`
	Held      decimal.Decimal `json:"held"`
	Issues    []string        `json:"issues,omitempty"`
}

// Consistent is true when the replay found no discrepancy.
func (r *AuditReport) Consistent() bool {
	return len(r.Issues) == 0
}

func (r *AuditReport) addIssue(format string, args ...interface{}) {
	r.Issues = append(r.Issues, fmt.Sprintf(format, args...))
}

// Replay checks p against entries. It verifies the creation totals, the
// per-allocation refund, commission and release sums, the refund holds,
// the payment counters and that held + released + refunded still equals
// the payment total.
func Replay(p *Payment, entries []LedgerEntry) *AuditReport {
	r := &AuditReport{PaymentID: p.ID, OrderID: p.OrderID}

	allocated := make(map[string]decimal.Decimal)
	refunded := make(map[string]decimal.Decimal)
	reversed := make(map[string]decimal.Decimal)
	released := make(map[string]int)
	holds := make(map[string]string)
	var lastSeq int64

	for _, e := range entries {
		if e.EscrowPaymentID != p.ID {
			r.addIssue("entry %s belongs to payment %s", e.ID, e.EscrowPaymentID)
			continue
		}
		if e.Sequence != 0 && e.Sequence <= lastSeq {
			r.addIssue("entry %s out of sequence", e.ID)
		}
		lastSeq = e.Sequence

		switch e.EntryType {
		case EntryCreated:
			r.Created = r.Created.Add(e.Amount)
		case EntryAllocation:
			allocated[e.AllocationID] = allocated[e.AllocationID].Add(e.Amount)
			r.Allocated = r.Allocated.Add(e.Amount)
		case EntryRelease:
			released[e.AllocationID]++
			r.Released = r.Released.Add(e.Amount)
		case EntryRefund:
			refunded[e.AllocationID] = refunded[e.AllocationID].Add(e.Amount)
			r.Refunded = r.Refunded.Add(e.Amount)
			reversed[e.AllocationID] = reversed[e.AllocationID].Add(e.Commission)
			r.Reversed = r.Reversed.Add(e.Commission)
		case EntryRefundHold:
			holds[e.AllocationID] = e.Reference
		case EntryHoldReleased:
			delete(holds, e.AllocationID)
		case EntryEligible:
		default:
			r.addIssue("entry %s has unknown type %q", e.ID, e.EntryType)
		}
	}

	if !r.Created.Equal(p.TotalAmount) {
		r.addIssue("created %s != total %s", money.Format(r.Created), money.Format(p.TotalAmount))
	}
	if !r.Allocated.Equal(p.TotalAmount) {
		r.addIssue("allocated %s != total %s", money.Format(r.Allocated), money.Format(p.TotalAmount))
	}
	if !r.Released.Equal(p.ReleasedAmount) {
		r.addIssue("released entries %s != releasedAmount %s", money.Format(r.Released), money.Format(p.ReleasedAmount))
	}
	if !r.Refunded.Equal(p.RefundedAmount) {
		r.addIssue("refund entries %s != refundedAmount %s", money.Format(r.Refunded), money.Format(p.RefundedAmount))
	}

	for i := range p.Allocations {
		a := &p.Allocations[i]
		if !allocated[a.ID].Equal(a.TotalAmount) {
			r.addIssue("allocation %s: allocated %s != total %s", a.ShipmentID, money.Format(allocated[a.ID]), money.Format(a.TotalAmount))
		}
		if !refunded[a.ID].Equal(a.CumulativeRefunded) {
			r.addIssue("allocation %s: refunds %s != cumulativeRefunded %s", a.ShipmentID, money.Format(refunded[a.ID]), money.Format(a.CumulativeRefunded))
		}
		if !reversed[a.ID].Equal(a.CommissionRefunded) {
			r.addIssue("allocation %s: reversed commission %s != commissionRefunded %s", a.ShipmentID, money.Format(reversed[a.ID]), money.Format(a.CommissionRefunded))
		}
		if holds[a.ID] != a.RefundHold {
			r.addIssue("allocation %s: ledger hold %q != refundHold %q", a.ShipmentID, holds[a.ID], a.RefundHold)
		}
		switch {
		case released[a.ID] > 1:
			r.addIssue("allocation %s released %d times", a.ShipmentID, released[a.ID])
		case released[a.ID] == 1 && a.Status != AllocationReleased:
			r.addIssue("allocation %s has a release entry but status %s", a.ShipmentID, a.Status)
		case released[a.ID] == 0 && a.Status == AllocationReleased:
			r.addIssue("allocation %s released without a ledger entry", a.ShipmentID)
		}
		if !a.SellerPayout.Equal(a.TotalAmount.Sub(a.CommissionAmount)) || a.SellerPayout.IsNegative() {
			r.addIssue("allocation %s: seller payout %s inconsistent", a.ShipmentID, money.Format(a.SellerPayout))
		}
		if a.IsOpen() {
			r.Held = r.Held.Add(a.RemainingAmount())
		}
	}

	if sum := r.Held.Add(p.ReleasedAmount).Add(p.RefundedAmount); !sum.Equal(p.TotalAmount) {
		r.addIssue("held+released+refunded %s != total %s", money.Format(sum), money.Format(p.TotalAmount))
	}
	return r
}

// Audit replays the ledger of one payment.
func (s *Service) Audit(ctx context.Context, paymentID string) (*AuditReport, error) {
	defer observeOp("audit")()

	p, err := s.store.Get(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	entries, err := s.store.Entries(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	r := Replay(p, entries)
	if !r.Consistent() {
		escrowAuditMismatches.Inc()
		s.logger.Error("escrow ledger mismatch", "escrow_id", p.ID, "order_id", p.OrderID, "issues", r.Issues)
	}
	return r, nil
}

// AuditAll walks every payment in id order and returns the inconsistent
// reports. It stops at the first store error.
func (s *Service) AuditAll(ctx context.Context, batchSize int) (checked int, bad []*AuditReport, err error) {
	if batchSize <= 0 {
		batchSize = 100
	}
	after := ""
	for {
		ids, err := s.store.ListPaymentIDs(ctx, after, batchSize)
		if err != nil {
			return checked, bad, err
		}
		for _, id := range ids {
			if err := ctx.Err(); err != nil {
				return checked, bad, err
			}
			r, err := s.Audit(ctx, id)
			if err != nil {
				return checked, bad, err
			}
			checked++
			if !r.Consistent() {
				bad = append(bad, r)
			}
		}
		if len(ids) < batchSize {
			return checked, bad, nil
		}
		after = ids[len(ids)-1]
	}
}
