// Package order is the escrow core's view of the order collaborator:
// order and shipment lookup, refund bookkeeping on the order and store
// ownership lookup. Catalog, cart and shipping live elsewhere.
package order

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrOrderNotFound      = errors.New("order not found")
	ErrOrderExists        = errors.New("order already exists")
	ErrStoreNotFound      = errors.New("store not found")
	ErrRefundExceedsTotal = errors.New("refund exceeds order total")
	ErrInvalidOrder       = errors.New("invalid order")
)

// Status is the refund-relevant order status.
type Status string

const (
	StatusPaid              Status = "paid"
	StatusPartiallyRefunded Status = "partially_refunded"
	StatusRefunded          Status = "refunded"
)

// Shipment is one seller's part of an order.
type Shipment struct {
	ID             string          `json:"id"`
	StoreID        string          `json:"storeId"`
	Subtotal       decimal.Decimal `json:"subtotal"`
	ShippingAmount decimal.Decimal `json:"shippingAmount"`
}

// Total is subtotal plus shipping.
func (s Shipment) Total() decimal.Decimal {
	return s.Subtotal.Add(s.ShippingAmount)
}

// Order is a paid multi-vendor order.
type Order struct {
	ID                    string          `json:"id"`
	BuyerID               string          `json:"buyerId"`
	TotalAmount           decimal.Decimal `json:"totalAmount"`
	Currency              string          `json:"currency"`
	OriginalTransactionID string          `json:"originalTransactionId"`
	Status                Status          `json:"status"`
	RefundedAmount        decimal.Decimal `json:"refundedAmount"`
	Shipments             []Shipment      `json:"shipments"`
	CreatedAt             time.Time       `json:"createdAt"`
	UpdatedAt             time.Time       `json:"updatedAt"`
}

// Shipment returns the shipment with the given id.
func (o *Order) Shipment(id string) (Shipment, bool) {
	for _, s := range o.Shipments {
		if s.ID == id {
			return s, true
		}
	}
	return Shipment{}, false
}

// Validate checks the order is internally consistent.
func (o *Order) Validate() error {
	if o.ID == "" || o.BuyerID == "" || o.Currency == "" {
		return fmt.Errorf("%w: id, buyer and currency are required", ErrInvalidOrder)
	}
	if len(o.Shipments) == 0 {
		return fmt.Errorf("%w: no shipments", ErrInvalidOrder)
	}
	seen := make(map[string]bool, len(o.Shipments))
	for _, s := range o.Shipments {
		if s.ID == "" || s.StoreID == "" {
			return fmt.Errorf("%w: shipment id and store are required", ErrInvalidOrder)
		}
		if seen[s.ID] {
			return fmt.Errorf("%w: duplicate shipment %s", ErrInvalidOrder, s.ID)
		}
		seen[s.ID] = true
		if s.Subtotal.IsNegative() || s.ShippingAmount.IsNegative() {
			return fmt.Errorf("%w: negative shipment amount", ErrInvalidOrder)
		}
	}
	if !o.TotalAmount.IsPositive() {
		return fmt.Errorf("%w: total must be positive", ErrInvalidOrder)
	}
	return nil
}

func (o *Order) clone() *Order {
	cp := *o
	cp.Shipments = make([]Shipment, len(o.Shipments))
	copy(cp.Shipments, o.Shipments)
	return &cp
}

// applyRefund books a completed refund on the order.
func (o *Order) applyRefund(amount decimal.Decimal, now time.Time) error {
	next := o.RefundedAmount.Add(amount)
	if next.GreaterThan(o.TotalAmount) {
		return ErrRefundExceedsTotal
	}
	o.RefundedAmount = next
	if next.Equal(o.TotalAmount) {
		o.Status = StatusRefunded
	} else if next.IsPositive() {
		o.Status = StatusPartiallyRefunded
	}
	o.UpdatedAt = now
	return nil
}

// Store persists orders and store ownership.
type Store interface {
	Create(ctx context.Context, o *Order) error
	Get(ctx context.Context, id string) (*Order, error)
	// RecordRefund adds amount to the order's refunded total atomically.
	// A refund id that was already recorded leaves the order unchanged.
	RecordRefund(ctx context.Context, orderID, refundID string, amount decimal.Decimal, now time.Time) (*Order, error)
	StoreOwner(ctx context.Context, storeID string) (string, error)
	SetStoreOwner(ctx context.Context, storeID, ownerUserID string) error
}

// Service exposes order lookups to the escrow and refund packages.
type Service struct {
	store Store
	now   func() time.Time
}

// NewService creates an order service.
func NewService(store Store) *Service {
	return &Service{store: store, now: time.Now}
}

// Create validates and stores an order (used by checkout and tests).
func (s *Service) Create(ctx context.Context, o *Order) error {
	if err := o.Validate(); err != nil {
		return err
	}
	now := s.now()
	if o.CreatedAt.IsZero() {
		o.CreatedAt = now
	}
	o.UpdatedAt = now
	if o.Status == "" {
		o.Status = StatusPaid
	}
	return s.store.Create(ctx, o)
}

// Get returns an order.
func (s *Service) Get(ctx context.Context, id string) (*Order, error) {
	return s.store.Get(ctx, id)
}

// ApplyRefund books a completed refund against the order. Applying the
// same refund id twice counts it once.
func (s *Service) ApplyRefund(ctx context.Context, orderID, refundID string, amount decimal.Decimal) (*Order, error) {
	if !amount.IsPositive() {
		return s.store.Get(ctx, orderID)
	}
	if refundID == "" {
		return nil, fmt.Errorf("%w: refund id is required", ErrInvalidOrder)
	}
	return s.store.RecordRefund(ctx, orderID, refundID, amount, s.now())
}

// IsStoreOwner reports whether userID owns storeID.
func (s *Service) IsStoreOwner(ctx context.Context, storeID, userID string) (bool, error) {
	owner, err := s.store.StoreOwner(ctx, storeID)
	if errors.Is(err, ErrStoreNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return owner != "" && owner == userID, nil
}

// RegisterStore records the owner of a store.
func (s *Service) RegisterStore(ctx context.Context, storeID, ownerUserID string) error {
	return s.store.SetStoreOwner(ctx, storeID, ownerUserID)
}
