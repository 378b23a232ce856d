package refund

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/marketplace/internal/escrow"
	"github.com/mbd888/marketplace/internal/idgen"
	"github.com/mbd888/marketplace/internal/money"
	"github.com/mbd888/marketplace/internal/order"
	"github.com/mbd888/marketplace/internal/traces"
	"github.com/shopspring/decimal"
)

const providerExceptionCode = "provider_exception"

// OrderService is the order collaborator.
type OrderService interface {
	Get(ctx context.Context, id string) (*order.Order, error)
	ApplyRefund(ctx context.Context, orderID, refundID string, amount decimal.Decimal) (*order.Order, error)
	IsStoreOwner(ctx context.Context, storeID, userID string) (bool, error)
}

// EscrowLedger is the part of the escrow service refunds book against.
type EscrowLedger interface {
	GetByOrder(ctx context.Context, orderID string) (*escrow.Payment, error)
	GetByShipment(ctx context.Context, shipmentID string) (*escrow.Payment, error)
	HoldForRefund(ctx context.Context, orderID, shipmentID string, amount decimal.Decimal, reference string) (*escrow.RefundResult, error)
	ReleaseRefundHold(ctx context.Context, orderID, reference string) error
	ApplyRefund(ctx context.Context, orderID, shipmentID string, amount, commissionRefund decimal.Decimal, reference string) (*escrow.RefundResult, error)
}

// Notifier receives refund outcomes. Implementations must not block.
type Notifier interface {
	EmitRefundCompleted(buyerID, refundID, orderID, amount string)
	EmitRefundFailed(initiatorID, refundID, orderID, errorCode string)
}

// Config holds refund policy.
type Config struct {
	MaxRetries         int
	ProviderTimeout    time.Duration
	SellerRefundWindow time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		MaxRetries:         3,
		ProviderTimeout:    30 * time.Second,
		SellerRefundWindow: 30 * 24 * time.Hour,
	}
}

// InitiateResult is the outcome of a refund request. Rule violations are
// reported with Success=false and a stable ErrorCode; a refund that was
// created but declined by the provider is returned with Success=false and
// the provider's code.
type InitiateResult struct {
	Success   bool    `json:"success"`
	Message   string  `json:"message,omitempty"`
	ErrorCode string  `json:"errorCode,omitempty"`
	Refund    *Refund `json:"refund,omitempty"`
}

// Balance is how much of an order can still be refunded.
type Balance struct {
	OrderID    string          `json:"orderId"`
	Currency   string          `json:"currency"`
	OrderTotal decimal.Decimal `json:"orderTotal"`
	Completed  decimal.Decimal `json:"completed"`
	InFlight   decimal.Decimal `json:"inFlight"`
	Escrowed   decimal.Decimal `json:"escrowed"`
	Refundable decimal.Decimal `json:"refundable"`
}

// ReconcileReport summarizes one ReconcileProcessing pass.
type ReconcileReport struct {
	Checked   int `json:"checked"`
	Completed int `json:"completed"`
	Pending   int `json:"pending"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
	Errors    int `json:"errors"`
}

// Service runs refunds from request to ledger booking.
//
// Flow:
//  1. Initiate* validates against the order, escrow and earlier refunds
//     and stores a Pending refund
//  2. The escrow allocations are held for the refund, and the refund is
//     moved to Processing and committed before the provider is called
//  3. Provider completed → escrow ledger and order are updated, then the
//     refund is marked Completed; if either booking fails the refund
//     stays Processing
//  4. Provider pending → the refund stays Processing until
//     ReconcileProcessing looks its status up at the provider
//  5. Provider declined or errored → the hold is lifted and the refund
//     is Failed, retryable up to MaxRetries
type Service struct {
	store    Store
	orders   OrderService
	ledger   EscrowLedger
	provider Provider
	notifier Notifier
	logger   *slog.Logger
	cfg      Config
	now      func() time.Time
}

// NewService creates a refund service. Zero config fields take defaults.
func NewService(store Store, orders OrderService, ledger EscrowLedger, provider Provider, cfg Config, logger *slog.Logger) *Service {
	def := DefaultConfig()
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.ProviderTimeout <= 0 {
		cfg.ProviderTimeout = def.ProviderTimeout
	}
	if cfg.SellerRefundWindow <= 0 {
		cfg.SellerRefundWindow = def.SellerRefundWindow
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:    store,
		orders:   orders,
		ledger:   ledger,
		provider: provider,
		logger:   logger,
		cfg:      cfg,
		now:      func() time.Time { return time.Now().UTC() },
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

// MaxRetries is the configured retry budget.
func (s *Service) MaxRetries() int { return s.cfg.MaxRetries }

// InitiateFullRefund refunds everything still refundable on the order.
// When part of the order was already released to sellers the refund is
// limited to what escrow still holds and is recorded as Partial.
func (s *Service) InitiateFullRefund(ctx context.Context, orderID, reason string, initiator Initiator) (res *InitiateResult, err error) {
	ctx, span := traces.StartSpan(ctx, "refund.InitiateFull", traces.OrderID(orderID))
	defer func() { traces.End(span, err) }()
	defer observeOp("initiate_full")()

	r, o, err := s.prepareFull(ctx, orderID, reason, initiator)
	if err != nil {
		return s.result(nil, err)
	}
	return s.start(ctx, r, o)
}

func (s *Service) prepareFull(ctx context.Context, orderID, reason string, initiator Initiator) (*Refund, *order.Order, error) {
	o, err := s.orders.Get(ctx, orderID)
	if err != nil {
		return nil, nil, err
	}
	b, p, err := s.balance(ctx, o)
	if err != nil {
		return nil, nil, err
	}
	if b.InFlight.IsPositive() {
		return nil, nil, ErrRefundInProgress
	}
	if !b.Refundable.IsPositive() {
		return nil, nil, ErrNothingToRefund
	}

	typ := TypeFull
	if b.Refundable.LessThan(b.OrderTotal.Sub(b.Completed)) {
		typ = TypePartial
	}
	r := s.newRefund(o, typ, b.Refundable, reason, initiator)
	r.CommissionRefundAmount = orderCommission(p, r.Amount)
	return r, o, nil
}

// InitiatePartialRefund refunds amount from the order, or from one
// shipment when shipmentID is set.
func (s *Service) InitiatePartialRefund(ctx context.Context, orderID, shipmentID string, amount decimal.Decimal, reason string, initiator Initiator) (res *InitiateResult, err error) {
	ctx, span := traces.StartSpan(ctx, "refund.InitiatePartial",
		traces.OrderID(orderID), traces.ShipmentID(shipmentID), traces.Amount(amount.String()))
	defer func() { traces.End(span, err) }()
	defer observeOp("initiate_partial")()

	r, o, err := s.preparePartial(ctx, orderID, shipmentID, amount, reason, initiator)
	if err != nil {
		return s.result(nil, err)
	}
	return s.start(ctx, r, o)
}

func (s *Service) preparePartial(ctx context.Context, orderID, shipmentID string, amount decimal.Decimal, reason string, initiator Initiator) (*Refund, *order.Order, error) {
	if !amount.IsPositive() || !amount.Equal(money.Round(amount)) {
		return nil, nil, ErrInvalidAmount
	}
	o, err := s.orders.Get(ctx, orderID)
	if err != nil {
		return nil, nil, err
	}
	b, p, err := s.balance(ctx, o)
	if err != nil {
		return nil, nil, err
	}
	if b.InFlight.IsPositive() {
		return nil, nil, ErrRefundInProgress
	}
	if amount.GreaterThan(b.Refundable) {
		return nil, nil, ErrExceedsRefundable
	}

	r := s.newRefund(o, TypePartial, amount, reason, initiator)
	if shipmentID == "" {
		r.CommissionRefundAmount = orderCommission(p, amount)
		return r, o, nil
	}

	a, ok := p.Allocation(shipmentID)
	if !ok {
		return nil, nil, ErrShipmentNotFound
	}
	if err := checkAllocation(a, amount); err != nil {
		return nil, nil, err
	}
	r.ShipmentID = shipmentID
	r.StoreID = a.StoreID
	r.CommissionRefundAmount = shipmentCommission(a, amount)
	return r, o, nil
}

// SellerInitiateRefund lets a store owner refund one of the store's
// shipments within the refund window. The amount is capped at what is
// left of the shipment.
func (s *Service) SellerInitiateRefund(ctx context.Context, storeID, shipmentID string, amount decimal.Decimal, reason, sellerUserID string) (res *InitiateResult, err error) {
	ctx, span := traces.StartSpan(ctx, "refund.SellerInitiate",
		traces.StoreID(storeID), traces.ShipmentID(shipmentID), traces.Amount(amount.String()))
	defer func() { traces.End(span, err) }()
	defer observeOp("initiate_seller")()

	r, o, err := s.prepareSeller(ctx, storeID, shipmentID, amount, reason, sellerUserID)
	if err != nil {
		return s.result(nil, err)
	}
	return s.start(ctx, r, o)
}

func (s *Service) prepareSeller(ctx context.Context, storeID, shipmentID string, amount decimal.Decimal, reason, sellerUserID string) (*Refund, *order.Order, error) {
	if !amount.IsPositive() || !amount.Equal(money.Round(amount)) {
		return nil, nil, ErrInvalidAmount
	}
	owner, err := s.orders.IsStoreOwner(ctx, storeID, sellerUserID)
	if err != nil {
		return nil, nil, err
	}
	if !owner {
		return nil, nil, ErrNotStoreOwner
	}

	p, err := s.ledger.GetByShipment(ctx, shipmentID)
	if errors.Is(err, escrow.ErrEscrowNotFound) {
		return nil, nil, ErrShipmentNotFound
	}
	if err != nil {
		return nil, nil, err
	}
	a, ok := p.Allocation(shipmentID)
	if !ok {
		return nil, nil, ErrShipmentNotFound
	}
	if a.StoreID != storeID {
		return nil, nil, ErrShipmentNotInStore
	}

	o, err := s.orders.Get(ctx, p.OrderID)
	if err != nil {
		return nil, nil, err
	}
	if s.now().After(o.CreatedAt.Add(s.cfg.SellerRefundWindow)) {
		return nil, nil, ErrRefundWindowExpired
	}
	if a.Status == escrow.AllocationReleased {
		return nil, nil, ErrAllocationReleased
	}
	remaining := a.RemainingAmount()
	if !a.IsOpen() || !remaining.IsPositive() {
		return nil, nil, ErrNothingToRefund
	}
	amount = money.Min(amount, remaining)

	b, _, err := s.balance(ctx, o)
	if err != nil {
		return nil, nil, err
	}
	if b.InFlight.IsPositive() {
		return nil, nil, ErrRefundInProgress
	}
	if amount.GreaterThan(b.Refundable) {
		return nil, nil, ErrExceedsRefundable
	}

	typ := TypePartial
	if amount.Equal(a.TotalAmount) && a.CumulativeRefunded.IsZero() {
		typ = TypeFull
	}
	r := s.newRefund(o, typ, amount, reason, Initiator{ID: sellerUserID, Type: InitiatorSeller})
	r.ShipmentID = shipmentID
	r.StoreID = storeID
	r.CommissionRefundAmount = shipmentCommission(a, amount)
	return r, o, nil
}

// ProcessRefundWithProvider sends r to the provider and books the
// outcome. r must be Pending, Failed (on retry) or Processing (when
// re-driven). The escrow hold and the Processing state are committed
// before the provider is called, so a crash mid-call leaves a refund
// ReconcileProcessing can pick up and allocations no release can touch.
// A re-driven refund the provider already accepted is looked up by its
// transaction id instead of being sent again.
func (s *Service) ProcessRefundWithProvider(ctx context.Context, r *Refund, o *order.Order) (_ *Refund, err error) {
	ctx, span := traces.StartSpan(ctx, "refund.Process",
		traces.RefundID(r.ID), traces.OrderID(r.OrderID), traces.Amount(r.Amount.String()))
	defer func() { traces.End(span, err) }()
	defer observeOp("process")()

	prev := r.Status
	if !CanTransition(prev, StatusProcessing) {
		return nil, fmt.Errorf("%w: %s → %s", ErrInvalidTransition, prev, StatusProcessing)
	}
	redrive := prev == StatusProcessing

	if !redrive {
		hold, err := s.ledger.HoldForRefund(ctx, r.OrderID, r.ShipmentID, r.Amount, r.ID)
		if err != nil {
			return nil, fmt.Errorf("hold escrow for refund %s: %w", r.ID, err)
		}
		if !hold.Success {
			// Escrow refused the amount; the provider is never called.
			return s.markFailed(ctx, r, prev, hold.ErrorCode, hold.Message)
		}
	}

	now := s.now()
	r.Status = StatusProcessing
	r.ProcessingStartedAt = &now
	r.UpdatedAt = now
	code, msg := r.ErrorCode, r.ErrorMessage
	r.ErrorCode, r.ErrorMessage = "", ""
	if err := s.store.Update(ctx, r, prev); err != nil {
		r.Status, r.ErrorCode, r.ErrorMessage = prev, code, msg
		// A Pending refund keeps its hold until reconciliation re-drives
		// it. Nothing re-drives a Failed one, and on a conflict another
		// caller owns the hold.
		if prev == StatusFailed && !errors.Is(err, ErrStatusConflict) {
			s.releaseHold(ctx, r)
		}
		return nil, err
	}

	var (
		result  *ProviderResult
		callErr error
	)
	if redrive && r.RefundTransactionID != "" {
		result, callErr = s.lookupProvider(ctx, r)
		if callErr != nil {
			return nil, fmt.Errorf("look up refund %s at provider: %w", r.ID, callErr)
		}
	} else {
		result, callErr = s.callProvider(ctx, r)
	}

	switch {
	case callErr != nil:
		return s.fail(ctx, r, providerExceptionCode, callErr.Error())
	case !result.IsSuccess:
		code := result.ErrorCode
		if code == "" {
			code = providerExceptionCode
		}
		return s.fail(ctx, r, code, result.ErrorMessage)
	case result.Status == ProviderPending:
		return s.pending(ctx, r, result.RefundTransactionID)
	default:
		return s.complete(ctx, r, o, result.RefundTransactionID)
	}
}

func (s *Service) callProvider(ctx context.Context, r *Refund) (*ProviderResult, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ProviderTimeout)
	defer cancel()

	req := ProviderRequest{
		RefundID:              r.ID,
		OrderID:               r.OrderID,
		OriginalTransactionID: r.OriginalTransactionID,
		Amount:                r.Amount,
		Currency:              r.Currency,
		Reason:                r.Reason,
		IdempotencyKey:        r.IdempotencyKey,
	}

	kind := "partial"
	call := s.provider.ProcessPartialRefund
	if r.Type == TypeFull && r.ShipmentID == "" {
		kind = "full"
		call = s.provider.ProcessFullRefund
	}

	start := time.Now()
	res, err := call(ctx, req)
	return res, observeCall(kind, start, res, err)
}

func (s *Service) lookupProvider(ctx context.Context, r *Refund) (*ProviderResult, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ProviderTimeout)
	defer cancel()

	start := time.Now()
	res, err := s.provider.GetRefundStatus(ctx, r.RefundTransactionID)
	return res, observeCall("status", start, res, err)
}

// observeCall records the call and turns a nil result into an error.
func observeCall(kind string, start time.Time, res *ProviderResult, err error) error {
	outcome := "error"
	switch {
	case err != nil:
	case res == nil:
		err = errors.New("provider returned no result")
	case !res.IsSuccess:
		outcome = "declined"
	default:
		outcome = string(res.Status)
	}
	providerCallDuration.WithLabelValues(kind, outcome).Observe(time.Since(start).Seconds())
	return err
}

func (s *Service) complete(ctx context.Context, r *Refund, o *order.Order, txID string) (*Refund, error) {
	if txID != "" {
		r.RefundTransactionID = txID
	}

	// Both bookings are idempotent on the refund id, so a re-drive after
	// a failure here cannot double-book.
	er, err := s.ledger.ApplyRefund(ctx, r.OrderID, r.ShipmentID, r.Amount, r.CommissionRefundAmount, r.ID)
	if err != nil {
		ledgerFailuresTotal.WithLabelValues("escrow").Inc()
		return nil, s.stall(ctx, r, fmt.Errorf("book refund %s in escrow: %w", r.ID, err))
	}
	if !er.Success {
		ledgerFailuresTotal.WithLabelValues("escrow").Inc()
		return nil, s.stall(ctx, r, fmt.Errorf("%w: refund %s: %s: %s", ErrLedgerRejected, r.ID, er.ErrorCode, er.Message))
	}
	if _, err := s.orders.ApplyRefund(ctx, r.OrderID, r.ID, r.Amount); err != nil {
		ledgerFailuresTotal.WithLabelValues("order").Inc()
		return nil, s.stall(ctx, r, fmt.Errorf("record refund %s on order: %w", r.ID, err))
	}

	now := s.now()
	r.Status = StatusCompleted
	r.CommissionRefundAmount = er.Commission
	r.CompletedAt = &now
	r.UpdatedAt = now
	if err := s.store.Update(ctx, r, StatusProcessing); err != nil {
		return nil, err
	}

	refundOutcomesTotal.WithLabelValues(string(StatusCompleted)).Inc()
	refundAmountTotal.Add(r.Amount.InexactFloat64())
	s.logger.Info("refund completed",
		"refund_id", r.ID, "order_id", r.OrderID, "shipment_id", r.ShipmentID,
		"amount", money.Format(r.Amount), "commission", money.Format(r.CommissionRefundAmount),
		"transaction_id", r.RefundTransactionID)
	if s.notifier != nil {
		buyer := r.BuyerID
		if buyer == "" && o != nil {
			buyer = o.BuyerID
		}
		s.notifier.EmitRefundCompleted(buyer, r.ID, r.OrderID, money.Format(r.Amount))
	}
	return r, nil
}

// stall leaves a provider-completed refund in Processing for
// ReconcileProcessing to finish. The transaction id is stored so the
// re-drive looks the refund up instead of sending it again.
func (s *Service) stall(ctx context.Context, r *Refund, cause error) error {
	s.logger.Error("completed refund left in processing",
		"refund_id", r.ID, "order_id", r.OrderID, "transaction_id", r.RefundTransactionID, "error", cause)
	if r.RefundTransactionID == "" {
		return cause
	}
	r.UpdatedAt = s.now()
	if err := s.store.Update(ctx, r, StatusProcessing); err != nil {
		s.logger.Error("store refund transaction id", "refund_id", r.ID, "error", err)
	}
	return cause
}

func (s *Service) pending(ctx context.Context, r *Refund, txID string) (*Refund, error) {
	if txID != "" {
		r.RefundTransactionID = txID
	}
	r.UpdatedAt = s.now()
	if err := s.store.Update(ctx, r, StatusProcessing); err != nil {
		return nil, err
	}
	refundOutcomesTotal.WithLabelValues("pending").Inc()
	s.logger.Info("refund pending at provider", "refund_id", r.ID, "order_id", r.OrderID, "transaction_id", r.RefundTransactionID)
	return r, nil
}

// fail lifts the escrow hold and marks r Failed. If the hold cannot be
// lifted r stays Processing and the error is returned.
func (s *Service) fail(ctx context.Context, r *Refund, code, message string) (*Refund, error) {
	if err := s.ledger.ReleaseRefundHold(ctx, r.OrderID, r.ID); err != nil {
		return nil, fmt.Errorf("release escrow hold for refund %s: %w", r.ID, err)
	}
	return s.markFailed(ctx, r, StatusProcessing, code, message)
}

func (s *Service) markFailed(ctx context.Context, r *Refund, prev Status, code, message string) (*Refund, error) {
	r.Status = StatusFailed
	r.ErrorCode = code
	r.ErrorMessage = message
	r.UpdatedAt = s.now()
	if err := s.store.Update(ctx, r, prev); err != nil {
		return nil, err
	}
	refundOutcomesTotal.WithLabelValues(string(StatusFailed)).Inc()
	s.logger.Warn("refund failed",
		"refund_id", r.ID, "order_id", r.OrderID, "code", code, "message", message,
		"retry_count", r.RetryCount, "can_retry", r.CanRetry(s.cfg.MaxRetries))
	if s.notifier != nil {
		s.notifier.EmitRefundFailed(r.InitiatedByID, r.ID, r.OrderID, code)
	}
	return r, nil
}

func (s *Service) releaseHold(ctx context.Context, r *Refund) {
	if err := s.ledger.ReleaseRefundHold(ctx, r.OrderID, r.ID); err != nil {
		s.logger.Error("release escrow hold", "refund_id", r.ID, "order_id", r.OrderID, "error", err)
	}
}

// Retry re-sends a failed refund with its original idempotency key.
func (s *Service) Retry(ctx context.Context, refundID string) (res *InitiateResult, err error) {
	ctx, span := traces.StartSpan(ctx, "refund.Retry", traces.RefundID(refundID))
	defer func() { traces.End(span, err) }()
	defer observeOp("retry")()

	r, err := s.store.Get(ctx, refundID)
	if err != nil {
		return s.result(nil, err)
	}
	if !r.CanRetry(s.cfg.MaxRetries) {
		return s.result(r, ErrCannotRetry)
	}
	o, err := s.orders.Get(ctx, r.OrderID)
	if err != nil {
		return s.result(r, err)
	}
	b, _, err := s.balance(ctx, o)
	if err != nil {
		return s.result(r, err)
	}
	if r.Amount.GreaterThan(b.Refundable) {
		return s.result(r, ErrExceedsRefundable)
	}

	r.RetryCount++
	return s.run(ctx, r, o)
}

// ReconcileProcessing re-drives refunds stuck in Pending or Processing
// since before now-olderThan. A refund the provider already accepted is
// looked up by transaction id; one it never answered is sent again with
// the same idempotency key.
func (s *Service) ReconcileProcessing(ctx context.Context, olderThan time.Duration, limit int) (rep *ReconcileReport, err error) {
	ctx, span := traces.StartSpan(ctx, "refund.ReconcileProcessing")
	defer func() { traces.End(span, err) }()
	defer observeOp("reconcile")()

	stale, err := s.store.ListStale(ctx, s.now().Add(-olderThan), limit)
	if err != nil {
		return nil, err
	}
	rep = &ReconcileReport{}
	for _, r := range stale {
		if ctx.Err() != nil {
			return rep, ctx.Err()
		}
		rep.Checked++
		o, err := s.orders.Get(ctx, r.OrderID)
		if err != nil {
			rep.Errors++
			s.logger.Error("reconcile: load order", "refund_id", r.ID, "order_id", r.OrderID, "error", err)
			continue
		}
		out, err := s.ProcessRefundWithProvider(ctx, r, o)
		switch {
		case errors.Is(err, ErrStatusConflict):
			rep.Skipped++
		case err != nil:
			rep.Errors++
			s.logger.Error("reconcile: re-drive refund", "refund_id", r.ID, "error", err)
		case out.Status == StatusCompleted:
			rep.Completed++
		case out.Status == StatusFailed:
			rep.Failed++
		default:
			rep.Pending++
		}
	}
	if rep.Checked > 0 {
		s.logger.Info("stale refunds reconciled",
			"checked", rep.Checked, "completed", rep.Completed, "pending", rep.Pending,
			"failed", rep.Failed, "skipped", rep.Skipped, "errors", rep.Errors)
	}
	return rep, nil
}

// --- Queries ---

func (s *Service) Get(ctx context.Context, refundID string) (*Refund, error) {
	return s.store.Get(ctx, refundID)
}

func (s *Service) ListByOrder(ctx context.Context, orderID string) ([]*Refund, error) {
	return s.store.ListByOrder(ctx, orderID)
}

// RefundableBalance reports how much of the order can still be refunded.
func (s *Service) RefundableBalance(ctx context.Context, orderID string) (*Balance, error) {
	o, err := s.orders.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	b, _, err := s.balance(ctx, o)
	return b, err
}

// --- helpers ---

func (s *Service) balance(ctx context.Context, o *order.Order) (*Balance, *escrow.Payment, error) {
	p, err := s.ledger.GetByOrder(ctx, o.ID)
	if err != nil {
		return nil, nil, err
	}
	refunds, err := s.store.ListByOrder(ctx, o.ID)
	if err != nil {
		return nil, nil, err
	}

	b := &Balance{OrderID: o.ID, Currency: o.Currency, OrderTotal: o.TotalAmount, Escrowed: escrowed(p)}
	for _, r := range refunds {
		switch {
		case r.Status == StatusCompleted:
			b.Completed = b.Completed.Add(r.Amount)
		case r.IsActive():
			b.InFlight = b.InFlight.Add(r.Amount)
		}
	}
	b.Refundable = money.Min(o.TotalAmount.Sub(b.Completed), b.Escrowed)
	if b.Refundable.IsNegative() {
		b.Refundable = decimal.Zero
	}
	return b, p, nil
}

func checkAllocation(a *escrow.Allocation, amount decimal.Decimal) error {
	switch {
	case a.Status == escrow.AllocationReleased:
		return ErrAllocationReleased
	case !a.IsOpen():
		return ErrNothingToRefund
	case amount.GreaterThan(a.RemainingAmount()):
		return ErrExceedsRefundable
	}
	return nil
}

func (s *Service) newRefund(o *order.Order, typ Type, amount decimal.Decimal, reason string, initiator Initiator) *Refund {
	now := s.now()
	id := idgen.WithPrefix("ref_")
	return &Refund{
		ID:                    id,
		OrderID:               o.ID,
		BuyerID:               o.BuyerID,
		Type:                  typ,
		Amount:                amount,
		Currency:              o.Currency,
		Reason:                reason,
		OriginalTransactionID: o.OriginalTransactionID,
		InitiatedByID:         initiator.ID,
		InitiatorType:         initiator.Type,
		Status:                StatusPending,
		IdempotencyKey:        idgen.IdempotencyKey("refund", id),
		CreatedAt:             now,
		UpdatedAt:             now,
	}
}

func (s *Service) start(ctx context.Context, r *Refund, o *order.Order) (*InitiateResult, error) {
	if err := s.store.Create(ctx, r); err != nil {
		return s.result(nil, err)
	}
	refundsCreatedTotal.WithLabelValues(string(r.Type), string(r.InitiatorType)).Inc()
	s.logger.Info("refund initiated",
		"refund_id", r.ID, "order_id", r.OrderID, "shipment_id", r.ShipmentID, "type", r.Type,
		"amount", money.Format(r.Amount), "initiator", r.InitiatedByID, "initiator_type", r.InitiatorType)
	return s.run(ctx, r, o)
}

func (s *Service) run(ctx context.Context, r *Refund, o *order.Order) (*InitiateResult, error) {
	out, err := s.ProcessRefundWithProvider(ctx, r, o)
	if err != nil {
		return s.result(r, err)
	}
	res := &InitiateResult{Success: out.Status != StatusFailed, Refund: out}
	if out.Status == StatusFailed {
		res.ErrorCode, res.Message = out.ErrorCode, out.ErrorMessage
	}
	return res, nil
}

// result turns rule violations into a failed result and passes anything
// else through as an error.
func (s *Service) result(r *Refund, err error) (*InitiateResult, error) {
	code, ok := businessCode(err)
	if !ok {
		return nil, err
	}
	return &InitiateResult{ErrorCode: code, Message: err.Error(), Refund: r}, nil
}

func businessCode(err error) (string, bool) {
	switch {
	case errors.Is(err, order.ErrOrderNotFound):
		return "order_not_found", true
	case errors.Is(err, escrow.ErrEscrowNotFound):
		return "escrow_not_found", true
	case errors.Is(err, ErrRefundNotFound):
		return "refund_not_found", true
	case errors.Is(err, ErrRefundInProgress):
		return "refund_in_progress", true
	case errors.Is(err, ErrNothingToRefund):
		return "nothing_to_refund", true
	case errors.Is(err, ErrInvalidAmount):
		return "invalid_amount", true
	case errors.Is(err, ErrExceedsRefundable):
		return "exceeds_refundable", true
	case errors.Is(err, ErrNotStoreOwner):
		return "not_store_owner", true
	case errors.Is(err, ErrShipmentNotFound):
		return "shipment_not_found", true
	case errors.Is(err, ErrShipmentNotInStore):
		return "shipment_not_in_store", true
	case errors.Is(err, ErrRefundWindowExpired):
		return "refund_window_expired", true
	case errors.Is(err, ErrAllocationReleased):
		return "allocation_released", true
	case errors.Is(err, ErrCannotRetry):
		return "cannot_retry", true
	case errors.Is(err, ErrStatusConflict):
		return "refund_conflict", true
	}
	return "", false
}
