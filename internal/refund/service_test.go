package refund

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/mbd888/marketplace/internal/commission"
	"github.com/mbd888/marketplace/internal/escrow"
	"github.com/mbd888/marketplace/internal/money"
	"github.com/mbd888/marketplace/internal/order"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func d(s string) decimal.Decimal { return money.MustParse(s) }

type providerReply struct {
	res *ProviderResult
	err error
}

// scriptedProvider answers calls from a script; the last reply repeats.
// Status lookups have their own script and complete by default. during,
// when set, runs inside every refund call.
type scriptedProvider struct {
	mu       sync.Mutex
	replies  []providerReply
	statuses []providerReply
	calls    []ProviderRequest
	kinds    []string
	lookups  []string
	during   func(req ProviderRequest)
}

func (p *scriptedProvider) next(kind string, req ProviderRequest) (*ProviderResult, error) {
	if p.during != nil {
		p.during(req)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, req)
	p.kinds = append(p.kinds, kind)
	if len(p.replies) == 0 {
		return &ProviderResult{IsSuccess: true, Status: ProviderCompleted, RefundTransactionID: "re_" + req.RefundID}, nil
	}
	r := p.replies[0]
	if len(p.replies) > 1 {
		p.replies = p.replies[1:]
	}
	return r.res, r.err
}

func (p *scriptedProvider) ProcessFullRefund(_ context.Context, req ProviderRequest) (*ProviderResult, error) {
	return p.next("full", req)
}

func (p *scriptedProvider) ProcessPartialRefund(_ context.Context, req ProviderRequest) (*ProviderResult, error) {
	return p.next("partial", req)
}

func (p *scriptedProvider) GetRefundStatus(_ context.Context, txID string) (*ProviderResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lookups = append(p.lookups, txID)
	if len(p.statuses) == 0 {
		return &ProviderResult{IsSuccess: true, Status: ProviderCompleted, RefundTransactionID: txID}, nil
	}
	r := p.statuses[0]
	if len(p.statuses) > 1 {
		p.statuses = p.statuses[1:]
	}
	return r.res, r.err
}

func (p *scriptedProvider) script(replies ...providerReply) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.replies = replies
}

func (p *scriptedProvider) scriptStatus(replies ...providerReply) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.statuses = replies
}

type recordingNotifier struct {
	mu        sync.Mutex
	completed []string
	failed    []string
}

func (n *recordingNotifier) EmitRefundCompleted(_, refundID, _, _ string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.completed = append(n.completed, refundID)
}

func (n *recordingNotifier) EmitRefundFailed(_, _, _, errorCode string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failed = append(n.failed, errorCode)
}

type fixture struct {
	svc      *Service
	store    *MemoryStore
	escrow   *escrow.Service
	orders   *order.Service
	provider *scriptedProvider
	notes    *recordingNotifier
	logger   *slog.Logger
	now      time.Time
}

func testOrder() *order.Order {
	return &order.Order{
		ID:                    "ord_1",
		BuyerID:               "buyer_1",
		TotalAmount:           d("100.00"),
		Currency:              "EUR",
		OriginalTransactionID: "pi_123",
		CreatedAt:             t0.Add(-time.Hour),
		Shipments: []order.Shipment{
			{ID: "shp_a", StoreID: "store_a", Subtotal: d("60.00")},
			{ID: "shp_b", StoreID: "store_b", Subtotal: d("40.00")},
		},
	}
}

// newFixture escrows testOrder at a 10% commission rate, with rules
// overriding the rate per store.
func newFixture(t *testing.T, rules ...commission.Rule) *fixture {
	t.Helper()
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	ruleStore := commission.NewMemoryStore()
	for _, rule := range rules {
		require.NoError(t, ruleStore.SaveRule(ctx, rule))
	}
	calc, err := commission.NewCalculator(ruleStore, d("0.10"))
	require.NoError(t, err)

	f := &fixture{now: t0, provider: &scriptedProvider{}, notes: &recordingNotifier{}, store: NewMemoryStore(), logger: logger}
	clock := f.clock

	f.orders = order.NewService(order.NewMemoryStore())
	require.NoError(t, f.orders.Create(ctx, testOrder()))
	require.NoError(t, f.orders.RegisterStore(ctx, "store_a", "seller_a"))
	require.NoError(t, f.orders.RegisterStore(ctx, "store_b", "seller_b"))

	f.escrow = escrow.NewService(escrow.NewMemoryStore(), calc, logger).WithClock(clock)
	o, err := f.orders.Get(ctx, "ord_1")
	require.NoError(t, err)
	_, _, err = f.escrow.CreateEscrowForOrder(ctx, o)
	require.NoError(t, err)

	f.rewire(f.store, f.orders, f.escrow)
	return f
}

func (f *fixture) clock() time.Time { return f.now }

// rewire rebuilds the service over the given collaborators.
func (f *fixture) rewire(store Store, orders OrderService, ledger EscrowLedger) {
	f.svc = NewService(store, orders, ledger, f.provider, Config{}, f.logger).
		WithNotifier(f.notes).
		WithClock(f.clock)
}

var buyer = Initiator{ID: "buyer_1", Type: InitiatorBuyer}

func TestService_InitiateFullRefund(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.svc.InitiateFullRefund(ctx, "ord_1", "damaged", buyer)
	require.NoError(t, err)
	require.True(t, res.Success, res.ErrorCode)

	r := res.Refund
	assert.Equal(t, StatusCompleted, r.Status)
	assert.Equal(t, TypeFull, r.Type)
	assert.True(t, r.Amount.Equal(d("100")))
	assert.True(t, r.CommissionRefundAmount.Equal(d("10")))
	assert.Equal(t, "re_"+r.ID, r.RefundTransactionID)
	assert.NotNil(t, r.CompletedAt)
	assert.Equal(t, []string{"full"}, f.provider.kinds)
	assert.Equal(t, "pi_123", f.provider.calls[0].OriginalTransactionID)
	assert.Equal(t, r.IdempotencyKey, f.provider.calls[0].IdempotencyKey)

	p, err := f.escrow.GetByOrder(ctx, "ord_1")
	require.NoError(t, err)
	assert.Equal(t, escrow.PaymentRefunded, p.Status)
	assert.True(t, p.RefundedAmount.Equal(d("100")))

	o, err := f.orders.Get(ctx, "ord_1")
	require.NoError(t, err)
	assert.Equal(t, order.StatusRefunded, o.Status)
	assert.Equal(t, []string{r.ID}, f.notes.completed)

	// Nothing is left afterwards.
	res, err = f.svc.InitiateFullRefund(ctx, "ord_1", "again", buyer)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, "nothing_to_refund", res.ErrorCode)
}

func TestService_InitiatePartialRefund_OrderLevel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.svc.InitiatePartialRefund(ctx, "ord_1", "", d("30.00"), "late", buyer)
	require.NoError(t, err)
	require.True(t, res.Success, res.ErrorCode)
	assert.Equal(t, TypePartial, res.Refund.Type)
	assert.True(t, res.Refund.CommissionRefundAmount.Equal(d("3")))
	assert.Equal(t, []string{"partial"}, f.provider.kinds)

	p, err := f.escrow.GetByOrder(ctx, "ord_1")
	require.NoError(t, err)
	a, _ := p.Allocation("shp_a")
	b, _ := p.Allocation("shp_b")
	assert.True(t, a.CumulativeRefunded.Equal(d("18")))
	assert.True(t, b.CumulativeRefunded.Equal(d("12")))
	assert.True(t, a.CommissionRefunded.Add(b.CommissionRefunded).Equal(d("3")))
	assert.Equal(t, escrow.PaymentPartiallyRefunded, p.Status)

	bal, err := f.svc.RefundableBalance(ctx, "ord_1")
	require.NoError(t, err)
	assert.True(t, bal.Completed.Equal(d("30")))
	assert.True(t, bal.Refundable.Equal(d("70")))
}

func TestService_InitiatePartialRefund_Shipment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.svc.InitiatePartialRefund(ctx, "ord_1", "shp_a", d("20.00"), "", buyer)
	require.NoError(t, err)
	require.True(t, res.Success, res.ErrorCode)
	assert.Equal(t, "shp_a", res.Refund.ShipmentID)
	assert.Equal(t, "store_a", res.Refund.StoreID)
	assert.True(t, res.Refund.CommissionRefundAmount.Equal(d("2")))

	p, err := f.escrow.GetByOrder(ctx, "ord_1")
	require.NoError(t, err)
	a, _ := p.Allocation("shp_a")
	assert.True(t, a.CumulativeRefunded.Equal(d("20")))
	assert.True(t, a.CommissionRefunded.Equal(d("2")))
	b, _ := p.Allocation("shp_b")
	assert.True(t, b.CumulativeRefunded.IsZero())
}

func TestService_InitiatePartialRefund_Rejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cases := []struct {
		name     string
		orderID  string
		shipment string
		amount   decimal.Decimal
		code     string
	}{
		{"zero amount", "ord_1", "", decimal.Zero, "invalid_amount"},
		{"sub-cent amount", "ord_1", "", decimal.RequireFromString("1.005"), "invalid_amount"},
		{"over order", "ord_1", "", d("100.01"), "exceeds_refundable"},
		{"over shipment", "ord_1", "shp_b", d("40.01"), "exceeds_refundable"},
		{"unknown shipment", "ord_1", "shp_x", d("1.00"), "shipment_not_found"},
		{"unknown order", "ord_x", "", d("1.00"), "order_not_found"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res, err := f.svc.InitiatePartialRefund(ctx, tc.orderID, tc.shipment, tc.amount, "", buyer)
			require.NoError(t, err)
			assert.False(t, res.Success)
			assert.Equal(t, tc.code, res.ErrorCode)
		})
	}
	assert.Empty(t, f.provider.calls)
}

func TestService_FullRefundAfterRelease(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.escrow.MarkEligible(ctx, "shp_b")
	require.NoError(t, err)
	rel, err := f.escrow.Release(ctx, "shp_b", "store_b", "po_1")
	require.NoError(t, err)
	require.True(t, rel.Success)

	res, err := f.svc.InitiateFullRefund(ctx, "ord_1", "", buyer)
	require.NoError(t, err)
	require.True(t, res.Success, res.ErrorCode)
	assert.Equal(t, TypePartial, res.Refund.Type)
	assert.True(t, res.Refund.Amount.Equal(d("60")))
	assert.True(t, res.Refund.CommissionRefundAmount.Equal(d("6")))
	assert.Equal(t, []string{"partial"}, f.provider.kinds)

	res, err = f.svc.InitiatePartialRefund(ctx, "ord_1", "shp_b", d("1.00"), "", buyer)
	require.NoError(t, err)
	assert.Equal(t, "exceeds_refundable", res.ErrorCode)
}

func TestService_ReleasedShipmentCannotBeRefunded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.escrow.MarkEligible(ctx, "shp_b")
	require.NoError(t, err)
	_, err = f.escrow.Release(ctx, "shp_b", "store_b", "po_1")
	require.NoError(t, err)

	res, err := f.svc.InitiatePartialRefund(ctx, "ord_1", "shp_b", d("10.00"), "", buyer)
	require.NoError(t, err)
	assert.Equal(t, "allocation_released", res.ErrorCode)
}

func TestService_PendingThenReconciled(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.provider.script(providerReply{res: &ProviderResult{IsSuccess: true, Status: ProviderPending, RefundTransactionID: "re_1"}})

	res, err := f.svc.InitiateFullRefund(ctx, "ord_1", "", buyer)
	require.NoError(t, err)
	require.True(t, res.Success)
	assert.Equal(t, StatusProcessing, res.Refund.Status)
	assert.Equal(t, "re_1", res.Refund.RefundTransactionID)

	// Escrow is not booked until the provider confirms, but nothing can
	// be paid out of it meanwhile.
	p, _ := f.escrow.GetByOrder(ctx, "ord_1")
	assert.Equal(t, escrow.PaymentHeld, p.Status)
	_, err = f.escrow.MarkEligible(ctx, "shp_b")
	require.NoError(t, err)
	rel, err := f.escrow.Release(ctx, "shp_b", "store_b", "po_1")
	require.NoError(t, err)
	assert.False(t, rel.Success)
	assert.Equal(t, "refund_hold", rel.ErrorCode)

	// A second refund waits for the first.
	other, err := f.svc.InitiatePartialRefund(ctx, "ord_1", "", d("5.00"), "", buyer)
	require.NoError(t, err)
	assert.Equal(t, "refund_in_progress", other.ErrorCode)

	// Not stale yet.
	rep, err := f.svc.ReconcileProcessing(ctx, 5*time.Minute, 10)
	require.NoError(t, err)
	assert.Equal(t, 0, rep.Checked)

	f.now = t0.Add(10 * time.Minute)
	rep, err = f.svc.ReconcileProcessing(ctx, 5*time.Minute, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Checked)
	assert.Equal(t, 1, rep.Completed)

	r, err := f.svc.Get(ctx, res.Refund.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, r.Status)

	// Settled by looking the refund up, not by sending it again.
	assert.Len(t, f.provider.calls, 1)
	assert.Equal(t, []string{"re_1"}, f.provider.lookups)

	p, _ = f.escrow.GetByOrder(ctx, "ord_1")
	assert.Equal(t, escrow.PaymentRefunded, p.Status)
	for _, a := range p.Allocations {
		assert.Empty(t, a.RefundHold, a.ShipmentID)
	}
}

func TestService_ReconcileReplayDoesNotDoubleBook(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Simulate a crash after the escrow was booked but before the refund
	// was marked Completed: book the ledger by hand, leave it Processing.
	// The provider never returned a transaction id, so the re-drive has to
	// send the refund again under the same key.
	f.provider.script(providerReply{res: &ProviderResult{IsSuccess: true, Status: ProviderPending}})
	res, err := f.svc.InitiatePartialRefund(ctx, "ord_1", "shp_a", d("10.00"), "", buyer)
	require.NoError(t, err)
	r := res.Refund
	_, err = f.escrow.ApplyRefund(ctx, "ord_1", "shp_a", r.Amount, r.CommissionRefundAmount, r.ID)
	require.NoError(t, err)

	f.provider.script(providerReply{res: &ProviderResult{IsSuccess: true, Status: ProviderCompleted, RefundTransactionID: "re_9"}})
	f.now = t0.Add(time.Hour)
	rep, err := f.svc.ReconcileProcessing(ctx, time.Minute, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Completed)
	require.Len(t, f.provider.calls, 2)
	assert.Equal(t, f.provider.calls[0].IdempotencyKey, f.provider.calls[1].IdempotencyKey)
	assert.Empty(t, f.provider.lookups)

	p, _ := f.escrow.GetByOrder(ctx, "ord_1")
	a, _ := p.Allocation("shp_a")
	assert.True(t, a.CumulativeRefunded.Equal(d("10")))

	o, _ := f.orders.Get(ctx, "ord_1")
	assert.True(t, o.RefundedAmount.Equal(d("10")))
}

func TestService_DeclinedThenRetried(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.provider.script(
		providerReply{res: &ProviderResult{IsSuccess: false, ErrorCode: "insufficient_funds", ErrorMessage: "balance too low"}},
		providerReply{res: &ProviderResult{IsSuccess: true, Status: ProviderCompleted, RefundTransactionID: "re_2"}},
	)

	res, err := f.svc.InitiatePartialRefund(ctx, "ord_1", "", d("25.00"), "", buyer)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, "insufficient_funds", res.ErrorCode)
	require.NotNil(t, res.Refund)
	assert.Equal(t, StatusFailed, res.Refund.Status)
	assert.True(t, res.Refund.CanRetry(f.svc.MaxRetries()))
	assert.Equal(t, []string{"insufficient_funds"}, f.notes.failed)

	p, _ := f.escrow.GetByOrder(ctx, "ord_1")
	assert.True(t, p.RefundedAmount.IsZero())

	res, err = f.svc.Retry(ctx, res.Refund.ID)
	require.NoError(t, err)
	require.True(t, res.Success, res.ErrorCode)
	assert.Equal(t, StatusCompleted, res.Refund.Status)
	assert.Equal(t, 1, res.Refund.RetryCount)
	assert.Empty(t, res.Refund.ErrorCode)
	assert.Equal(t, f.provider.calls[0].IdempotencyKey, f.provider.calls[1].IdempotencyKey)

	res, err = f.svc.Retry(ctx, res.Refund.ID)
	require.NoError(t, err)
	assert.Equal(t, "cannot_retry", res.ErrorCode)
}

func TestService_RetryBudget(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.provider.script(providerReply{err: errors.New("connection reset")})

	res, err := f.svc.InitiateFullRefund(ctx, "ord_1", "", buyer)
	require.NoError(t, err)
	assert.Equal(t, providerExceptionCode, res.ErrorCode)
	assert.Equal(t, "connection reset", res.Refund.ErrorMessage)
	id := res.Refund.ID

	for i := 1; i <= f.svc.MaxRetries(); i++ {
		res, err = f.svc.Retry(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, providerExceptionCode, res.ErrorCode)
		assert.Equal(t, i, res.Refund.RetryCount)
	}

	r, err := f.svc.Get(ctx, id)
	require.NoError(t, err)
	assert.False(t, r.CanRetry(f.svc.MaxRetries()))

	res, err = f.svc.Retry(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "cannot_retry", res.ErrorCode)

	res, err = f.svc.Retry(ctx, "ref_missing")
	require.NoError(t, err)
	assert.Equal(t, "refund_not_found", res.ErrorCode)
}

func TestService_DeclineWithoutCode(t *testing.T) {
	f := newFixture(t)
	f.provider.script(providerReply{res: &ProviderResult{IsSuccess: false, ErrorMessage: "nope"}})

	res, err := f.svc.InitiateFullRefund(context.Background(), "ord_1", "", buyer)
	require.NoError(t, err)
	assert.Equal(t, providerExceptionCode, res.ErrorCode)
}

func TestService_SellerInitiateRefund(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Capped at the shipment total, which makes it a full shipment refund.
	res, err := f.svc.SellerInitiateRefund(ctx, "store_a", "shp_a", d("75.00"), "out of stock", "seller_a")
	require.NoError(t, err)
	require.True(t, res.Success, res.ErrorCode)
	r := res.Refund
	assert.Equal(t, TypeFull, r.Type)
	assert.True(t, r.Amount.Equal(d("60")))
	assert.True(t, r.CommissionRefundAmount.Equal(d("6")))
	assert.Equal(t, InitiatorSeller, r.InitiatorType)
	assert.Equal(t, "seller_a", r.InitiatedByID)
	// A single-shipment refund never goes to the provider as a full refund.
	assert.Equal(t, []string{"partial"}, f.provider.kinds)

	p, _ := f.escrow.GetByOrder(ctx, "ord_1")
	a, _ := p.Allocation("shp_a")
	assert.Equal(t, escrow.AllocationRefunded, a.Status)
}

func TestService_SellerInitiateRefund_PartialAfterEarlierRefund(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.SellerInitiateRefund(ctx, "store_b", "shp_b", d("10.00"), "", "seller_b")
	require.NoError(t, err)
	res, err := f.svc.SellerInitiateRefund(ctx, "store_b", "shp_b", d("40.00"), "", "seller_b")
	require.NoError(t, err)
	require.True(t, res.Success, res.ErrorCode)
	assert.Equal(t, TypePartial, res.Refund.Type)
	assert.True(t, res.Refund.Amount.Equal(d("30")))
}

func TestService_SellerInitiateRefund_Rejections(t *testing.T) {
	ctx := context.Background()

	t.Run("not owner", func(t *testing.T) {
		f := newFixture(t)
		res, err := f.svc.SellerInitiateRefund(ctx, "store_a", "shp_a", d("5.00"), "", "mallory")
		require.NoError(t, err)
		assert.Equal(t, "not_store_owner", res.ErrorCode)
	})

	t.Run("other store's shipment", func(t *testing.T) {
		f := newFixture(t)
		res, err := f.svc.SellerInitiateRefund(ctx, "store_a", "shp_b", d("5.00"), "", "seller_a")
		require.NoError(t, err)
		assert.Equal(t, "shipment_not_in_store", res.ErrorCode)
	})

	t.Run("unknown shipment", func(t *testing.T) {
		f := newFixture(t)
		res, err := f.svc.SellerInitiateRefund(ctx, "store_a", "shp_x", d("5.00"), "", "seller_a")
		require.NoError(t, err)
		assert.Equal(t, "shipment_not_found", res.ErrorCode)
	})

	t.Run("window expired", func(t *testing.T) {
		f := newFixture(t)
		f.now = t0.Add(31 * 24 * time.Hour)
		res, err := f.svc.SellerInitiateRefund(ctx, "store_a", "shp_a", d("5.00"), "", "seller_a")
		require.NoError(t, err)
		assert.Equal(t, "refund_window_expired", res.ErrorCode)
	})

	t.Run("released", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.escrow.MarkEligible(ctx, "shp_a")
		require.NoError(t, err)
		_, err = f.escrow.Release(ctx, "shp_a", "store_a", "po_1")
		require.NoError(t, err)
		res, err := f.svc.SellerInitiateRefund(ctx, "store_a", "shp_a", d("5.00"), "", "seller_a")
		require.NoError(t, err)
		assert.Equal(t, "allocation_released", res.ErrorCode)
	})

	t.Run("invalid amount", func(t *testing.T) {
		f := newFixture(t)
		res, err := f.svc.SellerInitiateRefund(ctx, "store_a", "shp_a", decimal.Zero, "", "seller_a")
		require.NoError(t, err)
		assert.Equal(t, "invalid_amount", res.ErrorCode)
	})
}

func TestService_ProcessRejectsTerminalRefund(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.svc.InitiateFullRefund(ctx, "ord_1", "", buyer)
	require.NoError(t, err)
	o, _ := f.orders.Get(ctx, "ord_1")
	_, err = f.svc.ProcessRefundWithProvider(ctx, res.Refund, o)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestService_ListByOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.InitiatePartialRefund(ctx, "ord_1", "", d("10.00"), "", buyer)
	require.NoError(t, err)
	f.now = t0.Add(time.Minute)
	_, err = f.svc.InitiatePartialRefund(ctx, "ord_1", "", d("20.00"), "", buyer)
	require.NoError(t, err)

	list, err := f.svc.ListByOrder(ctx, "ord_1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.True(t, list[0].Amount.Equal(d("10")))
	assert.True(t, list[1].Amount.Equal(d("20")))
}
