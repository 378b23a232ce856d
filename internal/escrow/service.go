package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/marketplace/internal/commission"
	"github.com/mbd888/marketplace/internal/money"
	"github.com/mbd888/marketplace/internal/order"
	"github.com/mbd888/marketplace/internal/pagination"
	"github.com/mbd888/marketplace/internal/retry"
	"github.com/mbd888/marketplace/internal/traces"
	"github.com/shopspring/decimal"
)

const (
	defaultWriteAttempts = 5
	conflictBackoff      = 5 * time.Millisecond
)

// CommissionCalculator computes the platform commission for a shipment.
type CommissionCalculator interface {
	Calculate(ctx context.Context, storeID string, subtotal decimal.Decimal, currency string, at time.Time) (commission.Result, error)
}

// Notifier receives escrow lifecycle events. Implementations must not block.
type Notifier interface {
	EmitEscrowCreated(buyerID, paymentID, orderID, amount string)
	EmitAllocationReleased(storeID, paymentID, shipmentID, netPayout string)
	EmitEscrowRefunded(buyerID, paymentID, orderID, amount string)
}

// ReleaseResult is the outcome of a payout release.
type ReleaseResult struct {
	Success         bool            `json:"success"`
	AlreadyReleased bool            `json:"alreadyReleased,omitempty"`
	PaymentID       string          `json:"paymentId,omitempty"`
	ShipmentID      string          `json:"shipmentId"`
	Amount          decimal.Decimal `json:"amount"`
	Commission      decimal.Decimal `json:"commission"`
	NetPayout       decimal.Decimal `json:"netPayout"`
	PaymentStatus   PaymentStatus   `json:"paymentStatus,omitempty"`
	ErrorCode       string          `json:"errorCode,omitempty"`
	Message         string          `json:"message,omitempty"`
}

// RefundResult is the outcome of an escrow refund.
type RefundResult struct {
	Success         bool            `json:"success"`
	AlreadyRefunded bool            `json:"alreadyRefunded,omitempty"`
	PaymentID       string          `json:"paymentId,omitempty"`
	Amount          decimal.Decimal `json:"amount"`
	Commission      decimal.Decimal `json:"commission"`
	Shares          []Share         `json:"shares,omitempty"`
	PaymentStatus   PaymentStatus   `json:"paymentStatus,omitempty"`
	ErrorCode       string          `json:"errorCode,omitempty"`
	Message         string          `json:"message,omitempty"`
}

// Service coordinates the escrow aggregate with its store.
//
// There is no in-process lock: every write is a compare-and-swap on the
// payment version, and a losing writer re-runs its command against the
// fresh state.
type Service struct {
	store         Store
	calc          CommissionCalculator
	notifier      Notifier
	logger        *slog.Logger
	now           func() time.Time
	writeAttempts int
}

// NewService creates an escrow service.
func NewService(store Store, calc CommissionCalculator, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:         store,
		calc:          calc,
		logger:        logger,
		now:           func() time.Time { return time.Now().UTC() },
		writeAttempts: defaultWriteAttempts,
	}
}

// WithNotifier adds an event sink.
func (s *Service) WithNotifier(n Notifier) *Service {
	s.notifier = n
	return s
}

// WithClock overrides the time source (tests).
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// WithWriteAttempts bounds how often a conflicting write is re-evaluated.
func (s *Service) WithWriteAttempts(n int) *Service {
	if n > 0 {
		s.writeAttempts = n
	}
	return s
}

// CreateEscrowForOrder holds the order's payment in escrow, one
// allocation per shipment. It is idempotent on the order id: if an escrow
// already exists it is returned with created=false.
func (s *Service) CreateEscrowForOrder(ctx context.Context, o *order.Order) (p *Payment, created bool, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Create", traces.OrderID(o.ID))
	defer func() { traces.End(span, err) }()
	defer observeOp("create")()

	existing, err := s.store.GetByOrder(ctx, o.ID)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, ErrEscrowNotFound) {
		return nil, false, err
	}

	allocs := make([]AllocationInput, 0, len(o.Shipments))
	for _, sh := range o.Shipments {
		res, err := s.calc.Calculate(ctx, sh.StoreID, sh.Subtotal, o.Currency, o.CreatedAt)
		if err != nil {
			return nil, false, fmt.Errorf("commission for shipment %s: %w", sh.ID, err)
		}
		allocs = append(allocs, AllocationInput{
			ShipmentID:       sh.ID,
			StoreID:          sh.StoreID,
			SellerAmount:     sh.Subtotal,
			ShippingAmount:   sh.ShippingAmount,
			CommissionAmount: res.Amount,
			CommissionRate:   res.Rate,
		})
	}

	p, entries, err := NewPayment(PaymentInput{
		OrderID:               o.ID,
		BuyerID:               o.BuyerID,
		Currency:              o.Currency,
		OriginalTransactionID: o.OriginalTransactionID,
		TotalAmount:           o.TotalAmount,
	}, allocs, s.now())
	if err != nil {
		return nil, false, err
	}

	if err := s.store.Create(ctx, p, entries); err != nil {
		if errors.Is(err, ErrDuplicateOrder) {
			// Lost a concurrent create; the winner's escrow is the answer.
			existing, getErr := s.store.GetByOrder(ctx, o.ID)
			if getErr != nil {
				return nil, false, getErr
			}
			return existing, false, nil
		}
		return nil, false, err
	}

	escrowCreatedTotal.Inc()
	escrowAmountTotal.WithLabelValues("held").Add(p.TotalAmount.InexactFloat64())
	s.logger.Info("escrow created",
		"escrow_id", p.ID, "order_id", p.OrderID, "amount", money.Format(p.TotalAmount), "allocations", len(p.Allocations))
	if s.notifier != nil {
		s.notifier.EmitEscrowCreated(p.BuyerID, p.ID, p.OrderID, money.Format(p.TotalAmount))
	}
	return p, true, nil
}

// MarkEligible flags a delivered shipment for payout. It returns false
// when the shipment has no escrow allocation or is not Held.
func (s *Service) MarkEligible(ctx context.Context, shipmentID string) (changed bool, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.MarkEligible", traces.ShipmentID(shipmentID))
	defer func() { traces.End(span, err) }()
	defer observeOp("mark_eligible")()

	_, err = s.mutate(ctx, s.byShipment(shipmentID), func(p *Payment) (*Payment, []LedgerEntry, error) {
		next, entries, ok := p.MarkEligible(shipmentID, s.now())
		changed = ok
		return next, entries, nil
	})
	if errors.Is(err, ErrEscrowNotFound) {
		return false, nil
	}
	return changed, err
}

// Release pays a shipment's allocation out to the store that owns it.
// Releasing an already released allocation succeeds without effect.
func (s *Service) Release(ctx context.Context, shipmentID, storeID, payoutReference string) (res *ReleaseResult, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Release",
		traces.ShipmentID(shipmentID), traces.StoreID(storeID), traces.Reference(payoutReference))
	defer func() { traces.End(span, err) }()
	defer observeOp("release")()

	res = &ReleaseResult{ShipmentID: shipmentID}
	next, err := s.mutate(ctx, s.byShipment(shipmentID), func(p *Payment) (*Payment, []LedgerEntry, error) {
		a, ok := p.Allocation(shipmentID)
		if !ok {
			return nil, nil, ErrAllocationNotFound
		}
		if a.StoreID != storeID {
			return nil, nil, ErrStoreMismatch
		}
		if a.Status == AllocationReleased {
			res.AlreadyReleased = true
			fillRelease(res, p, a)
			return p, nil, nil
		}
		return p.Release(shipmentID, payoutReference, s.now())
	})
	if err != nil {
		if code, ok := businessCode(err); ok {
			res.ErrorCode, res.Message = code, err.Error()
			return res, nil
		}
		return nil, err
	}

	res.Success = true
	if res.AlreadyReleased {
		return res, nil
	}

	a, _ := next.Allocation(shipmentID)
	fillRelease(res, next, a)
	escrowAmountTotal.WithLabelValues("released").Add(res.Amount.InexactFloat64())
	s.logger.Info("escrow allocation released",
		"escrow_id", next.ID, "shipment_id", shipmentID, "store_id", storeID,
		"amount", money.Format(res.Amount), "net_payout", money.Format(res.NetPayout), "status", next.Status)
	if s.notifier != nil {
		s.notifier.EmitAllocationReleased(storeID, next.ID, shipmentID, money.Format(res.NetPayout))
	}
	return res, nil
}

func fillRelease(res *ReleaseResult, p *Payment, a *Allocation) {
	res.PaymentID = p.ID
	res.PaymentStatus = p.Status
	res.Amount = a.RemainingAmount()
	res.Commission = a.RemainingCommission()
	res.NetPayout = a.NetPayout()
}

// RefundShipment refunds whatever is still held for one shipment. A
// shipment without an allocation refunds nothing; a refunded one reports
// its prior refund without writing a new entry.
func (s *Service) RefundShipment(ctx context.Context, shipmentID, refundReference string) (res *RefundResult, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.RefundShipment",
		traces.ShipmentID(shipmentID), traces.Reference(refundReference))
	defer func() { traces.End(span, err) }()
	defer observeOp("refund_shipment")()

	res = &RefundResult{}
	next, err := s.mutate(ctx, s.byShipment(shipmentID), func(p *Payment) (*Payment, []LedgerEntry, error) {
		a, ok := p.Allocation(shipmentID)
		if !ok {
			return nil, nil, ErrAllocationNotFound
		}
		if a.Status == AllocationRefunded {
			res.AlreadyRefunded = true
			res.Amount = a.CumulativeRefunded
			res.Commission = a.CommissionRefunded
			return p, nil, nil
		}
		commissionBefore := a.CommissionRefunded
		next, entries, applied, err := p.RefundAllocation(shipmentID, a.RemainingAmount(), a.RemainingCommission(), refundReference, s.now())
		if err != nil {
			return nil, nil, err
		}
		na, _ := next.Allocation(shipmentID)
		res.Amount = applied
		res.Commission = na.CommissionRefunded.Sub(commissionBefore)
		return next, entries, nil
	})
	if errors.Is(err, ErrEscrowNotFound) || errors.Is(err, ErrAllocationNotFound) {
		return &RefundResult{Success: true, Amount: decimal.Zero, Commission: decimal.Zero}, nil
	}
	return s.finishRefund(res, next, err, refundReference)
}

// RefundOrder refunds every open allocation of the order's escrow.
func (s *Service) RefundOrder(ctx context.Context, orderID, refundReference string) (res *RefundResult, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.RefundOrder", traces.OrderID(orderID), traces.Reference(refundReference))
	defer func() { traces.End(span, err) }()
	defer observeOp("refund_order")()

	res = &RefundResult{}
	next, err := s.mutate(ctx, s.byOrder(orderID), func(p *Payment) (*Payment, []LedgerEntry, error) {
		if p.Status == PaymentRefunded {
			res.AlreadyRefunded = true
			res.Amount = p.RefundedAmount
			return p, nil, nil
		}
		next, entries, total, err := p.RefundFull(refundReference, s.now())
		if err != nil {
			return nil, nil, err
		}
		res.Amount = total
		res.Commission = commissionReversed(p, next)
		return next, entries, nil
	})
	return s.finishRefund(res, next, err, refundReference)
}

// HoldForRefund reserves the allocations a refund will be booked against
// until ApplyRefund or ReleaseRefundHold runs under the same reference.
// A held allocation cannot be released to its seller. A reference that
// was already booked needs no hold and reports AlreadyRefunded.
func (s *Service) HoldForRefund(ctx context.Context, orderID, shipmentID string, amount decimal.Decimal, reference string) (res *RefundResult, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.HoldForRefund",
		traces.OrderID(orderID), traces.ShipmentID(shipmentID), traces.Amount(amount.String()), traces.Reference(reference))
	defer func() { traces.End(span, err) }()
	defer observeOp("hold_refund")()

	res = &RefundResult{Amount: amount, Commission: decimal.Zero}
	load, booked := s.withBookedRefunds(orderID)
	next, err := s.mutate(ctx, load, func(p *Payment) (*Payment, []LedgerEntry, error) {
		if b, ok := booked[reference]; ok && reference != "" {
			res.AlreadyRefunded = true
			res.Amount, res.Commission = b.amount, b.commission
			return p, nil, nil
		}
		return p.HoldForRefund(shipmentID, amount, reference, s.now())
	})
	if err != nil {
		if code, ok := businessCode(err); ok {
			res.ErrorCode, res.Message = code, err.Error()
			return res, nil
		}
		return nil, err
	}

	res.Success = true
	res.PaymentID = next.ID
	res.PaymentStatus = next.Status
	s.logger.Debug("escrow held for refund", "escrow_id", next.ID, "order_id", orderID, "shipment_id", shipmentID, "reference", reference)
	return res, nil
}

// ReleaseRefundHold lifts the holds placed under reference, for a refund
// that ended without being booked. Lifting an absent hold is a no-op.
func (s *Service) ReleaseRefundHold(ctx context.Context, orderID, reference string) (err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.ReleaseRefundHold", traces.OrderID(orderID), traces.Reference(reference))
	defer func() { traces.End(span, err) }()
	defer observeOp("release_hold")()

	_, err = s.mutate(ctx, s.byOrder(orderID), func(p *Payment) (*Payment, []LedgerEntry, error) {
		next, entries := p.ReleaseHold(reference, s.now())
		return next, entries, nil
	})
	if errors.Is(err, ErrEscrowNotFound) {
		return nil
	}
	return err
}

// ApplyRefund books a provider-confirmed refund against the escrow. With
// a shipment id it refunds that allocation; without one the amount and
// commission reversal are split across open allocations. Holds placed
// under reference are lifted in the same write. Replaying a reference
// that was already booked is a no-op reporting what was booked.
func (s *Service) ApplyRefund(ctx context.Context, orderID, shipmentID string, amount, commissionRefund decimal.Decimal, reference string) (res *RefundResult, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.ApplyRefund",
		traces.OrderID(orderID), traces.ShipmentID(shipmentID), traces.Amount(amount.String()), traces.Reference(reference))
	defer func() { traces.End(span, err) }()
	defer observeOp("apply_refund")()

	res = &RefundResult{}
	load, booked := s.withBookedRefunds(orderID)
	next, err := s.mutate(ctx, load, func(p *Payment) (*Payment, []LedgerEntry, error) {
		if b, ok := booked[reference]; ok && reference != "" {
			res.AlreadyRefunded = true
			res.Amount, res.Commission, res.Shares = b.amount, b.commission, b.shares
			next, entries := p.ReleaseHold(reference, s.now())
			return next, entries, nil
		}

		var (
			next    *Payment
			entries []LedgerEntry
		)
		if shipmentID == "" {
			var (
				shares []Share
				err    error
			)
			next, entries, shares, err = p.RefundProportional(amount, commissionRefund, reference, s.now())
			if err != nil {
				return nil, nil, err
			}
			res.Shares = shares
			res.Amount = decimal.Zero
			res.Commission = decimal.Zero
			for _, sh := range shares {
				res.Amount = res.Amount.Add(sh.Amount)
				res.Commission = res.Commission.Add(sh.Commission)
			}
		} else {
			a, ok := p.Allocation(shipmentID)
			if !ok {
				return nil, nil, ErrAllocationNotFound
			}
			if amount.GreaterThan(a.RemainingAmount()) {
				return nil, nil, ErrExceedsRemaining
			}
			commissionBefore := a.CommissionRefunded
			var (
				applied decimal.Decimal
				err     error
			)
			next, entries, applied, err = p.RefundAllocation(shipmentID, amount, commissionRefund, reference, s.now())
			if err != nil {
				return nil, nil, err
			}
			na, _ := next.Allocation(shipmentID)
			res.Amount = applied
			res.Commission = na.CommissionRefunded.Sub(commissionBefore)
			res.Shares = []Share{{AllocationID: na.ID, ShipmentID: shipmentID, Amount: applied, Commission: res.Commission}}
		}
		return next, append(entries, next.clearHolds(reference, s.now())...), nil
	})
	return s.finishRefund(res, next, err, reference)
}

// bookedRefund sums the refund entries written under one reference.
type bookedRefund struct {
	amount     decimal.Decimal
	commission decimal.Decimal
	shares     []Share
}

// withBookedRefunds returns a loader that also indexes the payment's
// refund entries by reference. The map is rebuilt on every load, so a
// conflict retry sees the entries the winning writer appended.
func (s *Service) withBookedRefunds(orderID string) (loader, map[string]*bookedRefund) {
	booked := make(map[string]*bookedRefund)
	load := func(ctx context.Context) (*Payment, error) {
		p, err := s.store.GetByOrder(ctx, orderID)
		if err != nil {
			return nil, err
		}
		entries, err := s.store.Entries(ctx, p.ID)
		if err != nil {
			return nil, err
		}
		clear(booked)
		for _, e := range entries {
			if e.EntryType != EntryRefund || e.Reference == "" {
				continue
			}
			b, ok := booked[e.Reference]
			if !ok {
				b = &bookedRefund{amount: decimal.Zero, commission: decimal.Zero}
				booked[e.Reference] = b
			}
			b.amount = b.amount.Add(e.Amount)
			b.commission = b.commission.Add(e.Commission)
			share := Share{AllocationID: e.AllocationID, Amount: e.Amount, Commission: e.Commission}
			if a := p.allocationByID(e.AllocationID); a != nil {
				share.ShipmentID = a.ShipmentID
			}
			b.shares = append(b.shares, share)
		}
		return p, nil
	}
	return load, booked
}

func (s *Service) finishRefund(res *RefundResult, next *Payment, err error, reference string) (*RefundResult, error) {
	if err != nil {
		if code, ok := businessCode(err); ok {
			res.ErrorCode, res.Message = code, err.Error()
			return res, nil
		}
		return nil, err
	}

	res.Success = true
	res.PaymentID = next.ID
	res.PaymentStatus = next.Status
	if res.AlreadyRefunded {
		return res, nil
	}

	escrowAmountTotal.WithLabelValues("refunded").Add(res.Amount.InexactFloat64())
	s.logger.Info("escrow refunded",
		"escrow_id", next.ID, "order_id", next.OrderID, "amount", money.Format(res.Amount),
		"commission", money.Format(res.Commission), "reference", reference, "status", next.Status)
	if s.notifier != nil && res.Amount.IsPositive() {
		s.notifier.EmitEscrowRefunded(next.BuyerID, next.ID, next.OrderID, money.Format(res.Amount))
	}
	return res, nil
}

func commissionReversed(before, after *Payment) decimal.Decimal {
	total := decimal.Zero
	for i := range after.Allocations {
		a := &after.Allocations[i]
		if b, ok := before.Allocation(a.ShipmentID); ok {
			total = total.Add(a.CommissionRefunded.Sub(b.CommissionRefunded))
		}
	}
	return total
}

// --- Queries ---

func (s *Service) GetByOrder(ctx context.Context, orderID string) (*Payment, error) {
	return s.store.GetByOrder(ctx, orderID)
}

func (s *Service) GetByShipment(ctx context.Context, shipmentID string) (*Payment, error) {
	return s.store.GetByShipment(ctx, shipmentID)
}

// Balance reports where the order's escrowed money currently sits.
func (s *Service) Balance(ctx context.Context, orderID string) (*Balance, error) {
	p, err := s.store.GetByOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	return BalanceOf(p), nil
}

// History returns the order's ledger entries in append order.
func (s *Service) History(ctx context.Context, orderID string) ([]LedgerEntry, error) {
	p, err := s.store.GetByOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	return s.store.Entries(ctx, p.ID)
}

// ListStoreAllocations pages through a store's allocations, newest first,
// optionally filtered by status. It returns the cursor of the next page.
func (s *Service) ListStoreAllocations(ctx context.Context, storeID string, status AllocationStatus, cursor string, limit int) ([]Allocation, string, error) {
	after, err := pagination.Decode(cursor)
	if err != nil {
		return nil, "", err
	}
	if limit <= 0 || limit > pagination.MaxLimit {
		limit = pagination.DefaultLimit
	}
	items, err := s.store.ListAllocationsByStore(ctx, storeID, status, after, limit+1)
	if err != nil {
		return nil, "", err
	}
	page, next := pagination.Page(items, limit, func(a Allocation) (time.Time, string) { return a.CreatedAt, a.ID })
	return page, next, nil
}

// --- write path ---

type loader func(ctx context.Context) (*Payment, error)

func (s *Service) byShipment(shipmentID string) loader {
	return func(ctx context.Context) (*Payment, error) { return s.store.GetByShipment(ctx, shipmentID) }
}

func (s *Service) byOrder(orderID string) loader {
	return func(ctx context.Context) (*Payment, error) { return s.store.GetByOrder(ctx, orderID) }
}

// mutate loads the payment, runs cmd and applies the result with a
// version check. A command that returns no entries is a no-op and is not
// written. Command errors are final; version conflicts re-run the
// command against fresh state.
func (s *Service) mutate(ctx context.Context, load loader, cmd func(p *Payment) (*Payment, []LedgerEntry, error)) (*Payment, error) {
	var result *Payment
	err := retry.DoIf(ctx, s.writeAttempts, conflictBackoff, isConflict, func() error {
		cur, err := load(ctx)
		if err != nil {
			return retry.Permanent(err)
		}
		next, entries, err := cmd(cur)
		if err != nil {
			return retry.Permanent(err)
		}
		if len(entries) == 0 {
			result = next
			return nil
		}
		if err := s.store.Apply(ctx, next, cur.Version, entries); err != nil {
			if isConflict(err) {
				escrowConflictsTotal.Inc()
				return err
			}
			return retry.Permanent(err)
		}
		result = next
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func isConflict(err error) bool {
	return errors.Is(err, ErrVersionConflict)
}

// businessCode maps rule violations to stable result codes. Anything
// else is an infrastructure failure.
func businessCode(err error) (string, bool) {
	switch {
	case errors.Is(err, ErrEscrowNotFound):
		return "escrow_not_found", true
	case errors.Is(err, ErrAllocationNotFound):
		return "allocation_not_found", true
	case errors.Is(err, ErrStoreMismatch):
		return "store_mismatch", true
	case errors.Is(err, ErrNotEligible):
		return "not_eligible", true
	case errors.Is(err, ErrAlreadyReleased):
		return "already_released", true
	case errors.Is(err, ErrAlreadyRefunded):
		return "already_refunded", true
	case errors.Is(err, ErrPaymentReleased):
		return "payment_released", true
	case errors.Is(err, ErrExceedsRemaining):
		return "exceeds_remaining", true
	case errors.Is(err, ErrNothingRefundable):
		return "nothing_refundable", true
	case errors.Is(err, ErrInvalidAmount):
		return "invalid_amount", true
	case errors.Is(err, ErrRefundHold):
		return "refund_hold", true
	}
	return "", false
}
