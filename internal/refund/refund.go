// Package refund drives buyer refunds through an external payment
// provider and books the confirmed ones against the escrow ledger.
//
// State machine:
//
//	Pending ──start──▶ Processing ──provider completed──▶ Completed
//	                    │   ▲  └──provider pending──▶ (stays Processing)
//	                    ▼   │
//	                  Failed ──retry (CanRetry)
package refund

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrRefundNotFound      = errors.New("refund not found")
	ErrRefundInProgress    = errors.New("another refund for this order is in progress")
	ErrNothingToRefund     = errors.New("nothing left to refund")
	ErrInvalidAmount       = errors.New("refund amount must be positive")
	ErrExceedsRefundable   = errors.New("refund amount exceeds refundable balance")
	ErrNotStoreOwner       = errors.New("user does not own the store")
	ErrShipmentNotInStore  = errors.New("shipment does not belong to the store")
	ErrShipmentNotFound    = errors.New("shipment not found")
	ErrRefundWindowExpired = errors.New("refund window has expired")
	ErrAllocationReleased  = errors.New("shipment funds were already released to the seller")
	ErrCannotRetry         = errors.New("refund cannot be retried")
	ErrStatusConflict      = errors.New("refund was modified concurrently")
	ErrInvalidTransition   = errors.New("invalid refund status transition")
	ErrLedgerRejected      = errors.New("escrow ledger rejected the refund")
)

// Type distinguishes full from partial refunds.
type Type string

const (
	TypeFull    Type = "full"
	TypePartial Type = "partial"
)

// InitiatorType identifies who asked for a refund.
type InitiatorType string

const (
	InitiatorBuyer   InitiatorType = "buyer"
	InitiatorSeller  InitiatorType = "seller"
	InitiatorSupport InitiatorType = "support"
	InitiatorSystem  InitiatorType = "system"
)

// Valid reports whether t is a known initiator type.
func (t InitiatorType) Valid() bool {
	switch t {
	case InitiatorBuyer, InitiatorSeller, InitiatorSupport, InitiatorSystem:
		return true
	}
	return false
}

// Initiator is the party on whose behalf a refund is made.
type Initiator struct {
	ID   string        `json:"id"`
	Type InitiatorType `json:"type"`
}

// Status is the refund lifecycle state.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Refund is one request to return money to the buyer.
type Refund struct {
	ID                     string          `json:"id"`
	OrderID                string          `json:"orderId"`
	ShipmentID             string          `json:"shipmentId,omitempty"`
	BuyerID                string          `json:"buyerId"`
	StoreID                string          `json:"storeId,omitempty"`
	Type                   Type            `json:"type"`
	Amount                 decimal.Decimal `json:"amount"`
	Currency               string          `json:"currency"`
	CommissionRefundAmount decimal.Decimal `json:"commissionRefundAmount"`
	Reason                 string          `json:"reason"`
	OriginalTransactionID  string          `json:"originalTransactionId"`
	InitiatedByID          string          `json:"initiatedById"`
	InitiatorType          InitiatorType   `json:"initiatorType"`
	Status                 Status          `json:"status"`
	RefundTransactionID    string          `json:"refundTransactionId,omitempty"`
	ErrorMessage           string          `json:"errorMessage,omitempty"`
	ErrorCode              string          `json:"errorCode,omitempty"`
	RetryCount             int             `json:"retryCount"`
	IdempotencyKey         string          `json:"idempotencyKey"`
	Version                int64           `json:"version"`
	CreatedAt              time.Time       `json:"createdAt"`
	UpdatedAt              time.Time       `json:"updatedAt"`
	ProcessingStartedAt    *time.Time      `json:"processingStartedAt,omitempty"`
	CompletedAt            *time.Time      `json:"completedAt,omitempty"`
}

// CanRetry is true for a failed refund that has retries left.
func (r *Refund) CanRetry(maxRetries int) bool {
	return r.Status == StatusFailed && r.RetryCount < maxRetries
}

// IsActive reports whether the refund is still in flight.
func (r *Refund) IsActive() bool {
	return r.Status == StatusPending || r.Status == StatusProcessing
}

// Clone returns a copy safe to mutate.
func (r *Refund) Clone() *Refund {
	cp := *r
	return &cp
}

var transitions = map[Status][]Status{
	StatusPending:    {StatusProcessing, StatusFailed},
	StatusProcessing: {StatusProcessing, StatusCompleted, StatusFailed},
	StatusFailed:     {StatusProcessing},
}

// CanTransition reports whether from → to is a legal move.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
