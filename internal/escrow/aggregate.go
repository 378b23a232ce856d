package escrow

import (
	"fmt"
	"sort"
	"time"

	"github.com/mbd888/marketplace/internal/idgen"
	"github.com/shopspring/decimal"
)

// The commands in this file are the aggregate's functional core. Each one
// takes the current payment, never mutates it, and returns the next
// payment plus the ledger entries the store must append in the same write.

// PaymentInput describes the order an escrow is created for.
type PaymentInput struct {
	OrderID               string
	BuyerID               string
	Currency              string
	OriginalTransactionID string
	TotalAmount           decimal.Decimal
}

// AllocationInput describes one shipment with its commission computed.
type AllocationInput struct {
	ShipmentID       string
	StoreID          string
	SellerAmount     decimal.Decimal
	ShippingAmount   decimal.Decimal
	CommissionAmount decimal.Decimal
	CommissionRate   decimal.Decimal
}

// Share is one allocation's part of an order-level refund.
type Share struct {
	AllocationID string          `json:"allocationId"`
	ShipmentID   string          `json:"shipmentId"`
	Amount       decimal.Decimal `json:"amount"`
	Commission   decimal.Decimal `json:"commission"`
}

func newEntry(paymentID, allocationID string, typ EntryType, amount decimal.Decimal, ref string, now time.Time) LedgerEntry {
	return LedgerEntry{
		ID:              idgen.WithPrefix("led_"),
		EscrowPaymentID: paymentID,
		AllocationID:    allocationID,
		EntryType:       typ,
		Amount:          amount,
		Reference:       ref,
		CreatedAt:       now,
	}
}

// NewPayment builds the aggregate for an order. It fails with
// ErrAllocationMismatch unless the allocation totals add up to the
// payment total.
func NewPayment(in PaymentInput, allocs []AllocationInput, now time.Time) (*Payment, []LedgerEntry, error) {
	if in.OrderID == "" || in.Currency == "" {
		return nil, nil, fmt.Errorf("%w: order id and currency are required", ErrInvalidAllocation)
	}
	if !in.TotalAmount.IsPositive() {
		return nil, nil, ErrInvalidAmount
	}
	if len(allocs) == 0 {
		return nil, nil, fmt.Errorf("%w: no shipments", ErrInvalidAllocation)
	}

	p := &Payment{
		ID:                    idgen.WithPrefix("esc_"),
		OrderID:               in.OrderID,
		BuyerID:               in.BuyerID,
		TotalAmount:           in.TotalAmount,
		Currency:              in.Currency,
		OriginalTransactionID: in.OriginalTransactionID,
		Status:                PaymentHeld,
		Version:               1,
		CreatedAt:             now,
		UpdatedAt:             now,
	}

	entries := []LedgerEntry{newEntry(p.ID, "", EntryCreated, p.TotalAmount, in.OrderID, now)}
	seen := make(map[string]bool, len(allocs))
	sum := decimal.Zero

	for i, in := range allocs {
		if in.ShipmentID == "" || in.StoreID == "" {
			return nil, nil, fmt.Errorf("%w: shipment and store are required", ErrInvalidAllocation)
		}
		if seen[in.ShipmentID] {
			return nil, nil, fmt.Errorf("%w: duplicate shipment %s", ErrInvalidAllocation, in.ShipmentID)
		}
		seen[in.ShipmentID] = true

		if in.SellerAmount.IsNegative() || in.ShippingAmount.IsNegative() || in.CommissionAmount.IsNegative() {
			return nil, nil, fmt.Errorf("%w: negative amount on shipment %s", ErrInvalidAllocation, in.ShipmentID)
		}
		total := in.SellerAmount.Add(in.ShippingAmount)
		payout := total.Sub(in.CommissionAmount)
		if payout.IsNegative() {
			return nil, nil, fmt.Errorf("%w: commission exceeds total on shipment %s", ErrInvalidAllocation, in.ShipmentID)
		}

		a := Allocation{
			ID:               idgen.WithPrefix("alc_"),
			EscrowPaymentID:  p.ID,
			Position:         i,
			StoreID:          in.StoreID,
			ShipmentID:       in.ShipmentID,
			Currency:         p.Currency,
			SellerAmount:     in.SellerAmount,
			ShippingAmount:   in.ShippingAmount,
			TotalAmount:      total,
			CommissionAmount: in.CommissionAmount,
			CommissionRate:   in.CommissionRate,
			SellerPayout:     payout,
			Status:           AllocationHeld,
			CreatedAt:        now,
		}
		sum = sum.Add(total)
		p.Allocations = append(p.Allocations, a)
		entries = append(entries, newEntry(p.ID, a.ID, EntryAllocation, total, in.ShipmentID, now))
	}

	if !sum.Equal(p.TotalAmount) {
		return nil, nil, fmt.Errorf("%w: allocations %s, payment %s", ErrAllocationMismatch, sum, p.TotalAmount)
	}
	return p, entries, nil
}

// MarkEligible moves a Held allocation to EligibleForPayout. It reports
// false, with no entries, when the allocation is absent or not Held.
func (p *Payment) MarkEligible(shipmentID string, now time.Time) (*Payment, []LedgerEntry, bool) {
	cur, ok := p.Allocation(shipmentID)
	if !ok || cur.Status != AllocationHeld {
		return p, nil, false
	}

	next := p.Clone()
	a, _ := next.Allocation(shipmentID)
	a.Status = AllocationEligible
	a.PayoutEligibleAt = &now
	next.UpdatedAt = now

	return next, []LedgerEntry{newEntry(p.ID, a.ID, EntryEligible, a.RemainingAmount(), shipmentID, now)}, true
}

// Release pays an eligible allocation out to its seller. The payment's
// released total grows by what is still held for the shipment.
func (p *Payment) Release(shipmentID, payoutReference string, now time.Time) (*Payment, []LedgerEntry, error) {
	cur, ok := p.Allocation(shipmentID)
	if !ok {
		return nil, nil, ErrAllocationNotFound
	}
	switch cur.Status {
	case AllocationReleased:
		return nil, nil, ErrAlreadyReleased
	case AllocationRefunded:
		return nil, nil, ErrAlreadyRefunded
	}
	if cur.RefundHold != "" {
		return nil, nil, fmt.Errorf("%w: %s", ErrRefundHold, cur.RefundHold)
	}
	if !cur.CanBeReleased() {
		return nil, nil, ErrNotEligible
	}

	next := p.Clone()
	a, _ := next.Allocation(shipmentID)
	amount := a.RemainingAmount()
	a.Status = AllocationReleased
	a.ReleasedAt = &now
	a.PayoutReference = payoutReference
	next.ReleasedAmount = next.ReleasedAmount.Add(amount)
	next.settle(now)

	return next, []LedgerEntry{newEntry(p.ID, a.ID, EntryRelease, amount, payoutReference, now)}, nil
}

// RefundAllocation refunds up to amount from one shipment. A refund that
// exhausts the remainder marks the allocation Refunded and reverses all
// of its remaining commission; a smaller one keeps the status and grows
// CumulativeRefunded. It returns the amount actually applied.
func (p *Payment) RefundAllocation(shipmentID string, amount, commissionRefund decimal.Decimal, ref string, now time.Time) (*Payment, []LedgerEntry, decimal.Decimal, error) {
	cur, ok := p.Allocation(shipmentID)
	if !ok {
		return nil, nil, decimal.Zero, ErrAllocationNotFound
	}
	switch cur.Status {
	case AllocationReleased:
		return nil, nil, decimal.Zero, ErrAlreadyReleased
	case AllocationRefunded:
		return nil, nil, decimal.Zero, ErrAlreadyRefunded
	}
	if !amount.IsPositive() || commissionRefund.IsNegative() {
		return nil, nil, decimal.Zero, ErrInvalidAmount
	}

	next := p.Clone()
	a, _ := next.Allocation(shipmentID)
	applied, entry := next.refundOne(a, amount, commissionRefund, ref, now)
	next.settle(now)
	return next, []LedgerEntry{entry}, applied, nil
}

// RefundFull refunds every open allocation and marks the payment
// Refunded. Released payments cannot be refunded.
func (p *Payment) RefundFull(ref string, now time.Time) (*Payment, []LedgerEntry, decimal.Decimal, error) {
	if p.Status == PaymentReleased {
		return nil, nil, decimal.Zero, ErrPaymentReleased
	}

	next := p.Clone()
	var (
		entries []LedgerEntry
		total   = decimal.Zero
	)
	for i := range next.Allocations {
		a := &next.Allocations[i]
		if !a.IsOpen() {
			continue
		}
		applied, entry := next.refundOne(a, a.RemainingAmount(), a.RemainingCommission(), ref, now)
		total = total.Add(applied)
		entries = append(entries, entry)
	}
	if len(entries) == 0 {
		return nil, nil, decimal.Zero, ErrNothingRefundable
	}

	next.Status = PaymentRefunded
	next.RefundedAt = &now
	next.UpdatedAt = now
	return next, entries, total, nil
}

// RefundProportional spreads an order-level refund across the open
// allocations in position order, weighted by allocation total and capped
// by each remainder (see Split). The commission reversal is split the
// same way.
func (p *Payment) RefundProportional(amount, commissionRefund decimal.Decimal, ref string, now time.Time) (*Payment, []LedgerEntry, []Share, error) {
	if !amount.IsPositive() || commissionRefund.IsNegative() {
		return nil, nil, nil, ErrInvalidAmount
	}

	next := p.Clone()
	open := next.openAllocations()
	if len(open) == 0 {
		return nil, nil, nil, ErrNothingRefundable
	}

	weights := make([]decimal.Decimal, len(open))
	caps := make([]decimal.Decimal, len(open))
	commissionCaps := make([]decimal.Decimal, len(open))
	commissionRoom := decimal.Zero
	for i, a := range open {
		weights[i] = a.TotalAmount
		caps[i] = a.RemainingAmount()
		commissionCaps[i] = a.RemainingCommission()
		commissionRoom = commissionRoom.Add(commissionCaps[i])
	}

	shares, err := Split(amount, weights, caps)
	if err != nil {
		return nil, nil, nil, err
	}
	if commissionRefund.GreaterThan(commissionRoom) {
		commissionRefund = commissionRoom
	}
	commissionShares, err := Split(commissionRefund, weights, commissionCaps)
	if err != nil {
		return nil, nil, nil, err
	}

	var (
		entries []LedgerEntry
		out     []Share
	)
	for i, a := range open {
		if !shares[i].IsPositive() {
			continue
		}
		commissionBefore := a.CommissionRefunded
		applied, entry := next.refundOne(a, shares[i], commissionShares[i], ref, now)
		entries = append(entries, entry)
		out = append(out, Share{
			AllocationID: a.ID,
			ShipmentID:   a.ShipmentID,
			Amount:       applied,
			Commission:   a.CommissionRefunded.Sub(commissionBefore),
		})
	}
	next.settle(now)
	return next, entries, out, nil
}

// refundOne mutates a (which must belong to p) and returns the applied
// amount and the entry recording it.
func (p *Payment) refundOne(a *Allocation, amount, commission decimal.Decimal, ref string, now time.Time) (decimal.Decimal, LedgerEntry) {
	remaining := a.RemainingAmount()
	applied := amount
	if applied.GreaterThan(remaining) {
		applied = remaining
	}

	if applied.Equal(remaining) {
		commission = a.RemainingCommission()
		a.Status = AllocationRefunded
		a.RefundedAt = &now
	} else if commission.GreaterThan(a.RemainingCommission()) {
		commission = a.RemainingCommission()
	}

	a.CumulativeRefunded = a.CumulativeRefunded.Add(applied)
	a.CommissionRefunded = a.CommissionRefunded.Add(commission)
	a.RefundReference = ref
	p.RefundedAmount = p.RefundedAmount.Add(applied)

	entry := newEntry(p.ID, a.ID, EntryRefund, applied, ref, now)
	entry.Commission = commission
	return applied, entry
}

// HoldForRefund reserves the allocations a provider refund will be booked
// against so they cannot be paid out while the provider call is in flight.
// With a shipment id only that allocation is held; without one every open
// allocation is. Holding again under the same reference is a no-op.
func (p *Payment) HoldForRefund(shipmentID string, amount decimal.Decimal, ref string, now time.Time) (*Payment, []LedgerEntry, error) {
	if !amount.IsPositive() || ref == "" {
		return nil, nil, ErrInvalidAmount
	}

	next := p.Clone()
	var targets []*Allocation
	if shipmentID != "" {
		a, ok := next.Allocation(shipmentID)
		if !ok {
			return nil, nil, ErrAllocationNotFound
		}
		switch a.Status {
		case AllocationReleased:
			return nil, nil, ErrAlreadyReleased
		case AllocationRefunded:
			return nil, nil, ErrAlreadyRefunded
		}
		if amount.GreaterThan(a.RemainingAmount()) {
			return nil, nil, ErrExceedsRemaining
		}
		targets = []*Allocation{a}
	} else {
		targets = next.openAllocations()
		if len(targets) == 0 {
			return nil, nil, ErrNothingRefundable
		}
		room := decimal.Zero
		for _, a := range targets {
			room = room.Add(a.RemainingAmount())
		}
		if amount.GreaterThan(room) {
			return nil, nil, ErrExceedsRemaining
		}
	}

	var entries []LedgerEntry
	for _, a := range targets {
		switch a.RefundHold {
		case ref:
			continue
		case "":
		default:
			return nil, nil, fmt.Errorf("%w: %s", ErrRefundHold, a.RefundHold)
		}
		held := a.RemainingAmount()
		if shipmentID != "" {
			held = amount
		}
		a.RefundHold = ref
		entries = append(entries, newEntry(p.ID, a.ID, EntryRefundHold, held, ref, now))
	}
	if len(entries) == 0 {
		return p, nil, nil
	}
	next.UpdatedAt = now
	return next, entries, nil
}

// ReleaseHold lifts the holds placed under ref. It returns no entries
// when nothing is held under ref.
func (p *Payment) ReleaseHold(ref string, now time.Time) (*Payment, []LedgerEntry) {
	next := p.Clone()
	entries := next.clearHolds(ref, now)
	if len(entries) == 0 {
		return p, nil
	}
	next.UpdatedAt = now
	return next, entries
}

func (p *Payment) clearHolds(ref string, now time.Time) []LedgerEntry {
	var entries []LedgerEntry
	for i := range p.Allocations {
		a := &p.Allocations[i]
		if ref == "" || a.RefundHold != ref {
			continue
		}
		a.RefundHold = ""
		entries = append(entries, newEntry(p.ID, a.ID, EntryHoldReleased, decimal.Zero, ref, now))
	}
	return entries
}

func (p *Payment) openAllocations() []*Allocation {
	var open []*Allocation
	for i := range p.Allocations {
		if p.Allocations[i].IsOpen() && p.Allocations[i].RemainingAmount().IsPositive() {
			open = append(open, &p.Allocations[i])
		}
	}
	sort.SliceStable(open, func(i, j int) bool { return open[i].Position < open[j].Position })
	return open
}

// settle derives the payment status from its allocations.
func (p *Payment) settle(now time.Time) {
	var open, released, refunded int
	for i := range p.Allocations {
		switch p.Allocations[i].Status {
		case AllocationHeld, AllocationEligible:
			open++
		case AllocationReleased:
			released++
		case AllocationRefunded:
			refunded++
		}
	}

	switch {
	case refunded == len(p.Allocations):
		p.Status = PaymentRefunded
		if p.RefundedAt == nil {
			p.RefundedAt = &now
		}
	case open == 0 && p.RefundedAmount.IsZero():
		p.Status = PaymentReleased
		p.ReleasedAt = &now
	case p.RefundedAmount.IsPositive():
		p.Status = PaymentPartiallyRefunded
	case released > 0:
		p.Status = PaymentPartiallyReleased
	default:
		p.Status = PaymentHeld
	}
	p.UpdatedAt = now
}
