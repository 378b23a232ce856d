// Package escrow holds buyer payments in trust for multi-vendor orders.
//
// Flow:
//  1. Checkout confirms payment → one EscrowPayment with one allocation per
//     shipment, commission pre-computed
//  2. Delivery confirmed → allocation marked eligible for payout
//  3. Payout → allocation released to the seller, net of commission
//  4. Return or cancellation → allocation (or whole payment) refunded,
//     fully or partially
//
// Every state change appends immutable ledger entries in the same write as
// the aggregate update.
package escrow

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrEscrowNotFound     = errors.New("escrow not found")
	ErrAllocationNotFound = errors.New("allocation not found")
	ErrDuplicateOrder     = errors.New("escrow already exists for order")
	ErrVersionConflict    = errors.New("escrow was modified concurrently")
	ErrAllocationMismatch = errors.New("allocation totals do not match payment total")
	ErrInvalidAllocation  = errors.New("invalid allocation")
	ErrInvalidAmount      = errors.New("invalid amount")
	ErrNotEligible        = errors.New("allocation is not eligible for payout")
	ErrAlreadyReleased    = errors.New("allocation already released")
	ErrAlreadyRefunded    = errors.New("allocation already refunded")
	ErrPaymentReleased    = errors.New("escrow payment already released")
	ErrStoreMismatch      = errors.New("allocation belongs to another store")
	ErrExceedsRemaining   = errors.New("amount exceeds refundable remainder")
	ErrNothingRefundable  = errors.New("no refundable allocations")
	ErrRefundHold         = errors.New("allocation is held for a refund in progress")
)

// PaymentStatus is the lifecycle state of an escrow payment.
type PaymentStatus string

const (
	PaymentHeld              PaymentStatus = "held"
	PaymentPartiallyReleased PaymentStatus = "partially_released"
	PaymentReleased          PaymentStatus = "released"
	PaymentPartiallyRefunded PaymentStatus = "partially_refunded"
	PaymentRefunded          PaymentStatus = "refunded"
)

// AllocationStatus is the lifecycle state of one shipment's slice.
type AllocationStatus string

const (
	AllocationHeld     AllocationStatus = "held"
	AllocationEligible AllocationStatus = "eligible_for_payout"
	AllocationReleased AllocationStatus = "released"
	AllocationRefunded AllocationStatus = "refunded"
)

// EntryType classifies ledger entries.
type EntryType string

const (
	EntryCreated    EntryType = "created"
	EntryAllocation EntryType = "allocation"
	EntryEligible   EntryType = "eligible"
	EntryRelease    EntryType = "release"
	EntryRefund     EntryType = "refund"
	// EntryRefundHold and EntryHoldReleased bracket a provider refund.
	// They move no money.
	EntryRefundHold   EntryType = "refund_hold"
	EntryHoldReleased EntryType = "hold_released"
)

// Payment is the escrow aggregate root. Allocations are owned by value and
// addressed by id or shipment id.
type Payment struct {
	ID                    string          `json:"id"`
	OrderID               string          `json:"orderId"`
	BuyerID               string          `json:"buyerId"`
	TotalAmount           decimal.Decimal `json:"totalAmount"`
	Currency              string          `json:"currency"`
	OriginalTransactionID string          `json:"originalTransactionId"`
	Status                PaymentStatus   `json:"status"`
	ReleasedAmount        decimal.Decimal `json:"releasedAmount"`
	RefundedAmount        decimal.Decimal `json:"refundedAmount"`
	Allocations           []Allocation    `json:"allocations"`
	Version               int64           `json:"version"`
	CreatedAt             time.Time       `json:"createdAt"`
	UpdatedAt             time.Time       `json:"updatedAt"`
	ReleasedAt            *time.Time      `json:"releasedAt,omitempty"`
	RefundedAt            *time.Time      `json:"refundedAt,omitempty"`
}

// Allocation is the per-shipment slice of a payment.
type Allocation struct {
	ID                 string           `json:"id"`
	EscrowPaymentID    string           `json:"escrowPaymentId"`
	Position           int              `json:"position"`
	StoreID            string           `json:"storeId"`
	ShipmentID         string           `json:"shipmentId"`
	Currency           string           `json:"currency"`
	SellerAmount       decimal.Decimal  `json:"sellerAmount"`
	ShippingAmount     decimal.Decimal  `json:"shippingAmount"`
	TotalAmount        decimal.Decimal  `json:"totalAmount"`
	CommissionAmount   decimal.Decimal  `json:"commissionAmount"`
	CommissionRate     decimal.Decimal  `json:"commissionRate"`
	SellerPayout       decimal.Decimal  `json:"sellerPayout"`
	Status             AllocationStatus `json:"status"`
	CumulativeRefunded decimal.Decimal  `json:"cumulativeRefunded"`
	CommissionRefunded decimal.Decimal  `json:"commissionRefunded"`
	PayoutEligibleAt   *time.Time       `json:"payoutEligibleAt,omitempty"`
	ReleasedAt         *time.Time       `json:"releasedAt,omitempty"`
	RefundedAt         *time.Time       `json:"refundedAt,omitempty"`
	PayoutReference    string           `json:"payoutReference,omitempty"`
	RefundReference    string           `json:"refundReference,omitempty"`
	RefundHold         string           `json:"refundHold,omitempty"`
	CreatedAt          time.Time        `json:"createdAt"`
}

// LedgerEntry is an immutable audit record.
type LedgerEntry struct {
	ID              string          `json:"id"`
	Sequence        int64           `json:"sequence"`
	EscrowPaymentID string          `json:"escrowPaymentId"`
	AllocationID    string          `json:"allocationId,omitempty"`
	EntryType       EntryType       `json:"entryType"`
	Amount          decimal.Decimal `json:"amount"`
	Commission      decimal.Decimal `json:"commission"` // reversed commission, refund entries only
	Reference       string          `json:"reference,omitempty"`
	CreatedAt       time.Time       `json:"createdAt"`
}

// RemainingAmount is what is still held for the shipment.
func (a *Allocation) RemainingAmount() decimal.Decimal {
	return a.TotalAmount.Sub(a.CumulativeRefunded)
}

// RemainingCommission is commission not yet reversed by refunds.
func (a *Allocation) RemainingCommission() decimal.Decimal {
	return a.CommissionAmount.Sub(a.CommissionRefunded)
}

// NetPayout is what the seller receives on release, after refunds and
// the unreversed commission.
func (a *Allocation) NetPayout() decimal.Decimal {
	net := a.RemainingAmount().Sub(a.RemainingCommission())
	if net.IsNegative() {
		return decimal.Zero
	}
	return net
}

// CanBeReleased is true only for allocations marked eligible for payout
// and not reserved by a refund in progress. A Held allocation has to go
// through MarkEligible first.
func (a *Allocation) CanBeReleased() bool {
	return a.Status == AllocationEligible && a.RefundHold == ""
}

// IsOpen reports whether the allocation still holds funds.
func (a *Allocation) IsOpen() bool {
	return a.Status == AllocationHeld || a.Status == AllocationEligible
}

// Allocation returns the allocation for a shipment.
func (p *Payment) Allocation(shipmentID string) (*Allocation, bool) {
	for i := range p.Allocations {
		if p.Allocations[i].ShipmentID == shipmentID {
			return &p.Allocations[i], true
		}
	}
	return nil, false
}

func (p *Payment) allocationByID(id string) *Allocation {
	for i := range p.Allocations {
		if p.Allocations[i].ID == id {
			return &p.Allocations[i]
		}
	}
	return nil
}

// Clone returns a deep copy; allocations are copied so callers can mutate
// the result without touching the original.
func (p *Payment) Clone() *Payment {
	cp := *p
	cp.Allocations = make([]Allocation, len(p.Allocations))
	copy(cp.Allocations, p.Allocations)
	return &cp
}

// Balance summarizes where an order's escrowed money currently sits.
type Balance struct {
	PaymentID         string          `json:"paymentId"`
	OrderID           string          `json:"orderId"`
	Currency          string          `json:"currency"`
	Status            PaymentStatus   `json:"status"`
	Total             decimal.Decimal `json:"total"`
	Held              decimal.Decimal `json:"held"`
	EligibleForPayout decimal.Decimal `json:"eligibleForPayout"`
	Released          decimal.Decimal `json:"released"`
	Refunded          decimal.Decimal `json:"refunded"`
	Commission        decimal.Decimal `json:"commission"`
	PendingPayout     decimal.Decimal `json:"pendingPayout"`
}

// BalanceOf computes the balance view of a payment.
func BalanceOf(p *Payment) *Balance {
	b := &Balance{
		PaymentID: p.ID,
		OrderID:   p.OrderID,
		Currency:  p.Currency,
		Status:    p.Status,
		Total:     p.TotalAmount,
		Released:  p.ReleasedAmount,
		Refunded:  p.RefundedAmount,
	}
	for i := range p.Allocations {
		a := &p.Allocations[i]
		switch a.Status {
		case AllocationHeld:
			b.Held = b.Held.Add(a.RemainingAmount())
		case AllocationEligible:
			b.EligibleForPayout = b.EligibleForPayout.Add(a.RemainingAmount())
		}
		if a.IsOpen() {
			b.PendingPayout = b.PendingPayout.Add(a.NetPayout())
		}
		if a.Status != AllocationRefunded {
			b.Commission = b.Commission.Add(a.RemainingCommission())
		}
	}
	return b
}
