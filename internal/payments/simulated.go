package payments

import (
	"context"
	"sync"

	"github.com/mbd888/marketplace/internal/idgen"
	"github.com/mbd888/marketplace/internal/refund"
)

// SimulatedMode selects how the simulated provider answers new refunds.
type SimulatedMode string

const (
	// SimulateCompleted completes every refund immediately.
	SimulateCompleted SimulatedMode = "completed"
	// SimulatePending accepts refunds as pending. They settle to
	// completed the first time their status is looked up.
	SimulatePending SimulatedMode = "pending"
)

// SimulatedProvider is an in-process provider for development and demos.
// Like a real processor it deduplicates on the idempotency key: replaying
// a key returns the first answer for that key, pending included.
type SimulatedProvider struct {
	mu     sync.Mutex
	mode   SimulatedMode
	seen   map[string]string                // idempotency key -> transaction id
	status map[string]refund.ProviderStatus // transaction id -> status
}

func NewSimulatedProvider(mode SimulatedMode) *SimulatedProvider {
	if mode == "" {
		mode = SimulateCompleted
	}
	return &SimulatedProvider{
		mode:   mode,
		seen:   make(map[string]string),
		status: make(map[string]refund.ProviderStatus),
	}
}

func (p *SimulatedProvider) Name() string { return "simulated" }

func (p *SimulatedProvider) ProcessFullRefund(ctx context.Context, req refund.ProviderRequest) (*refund.ProviderResult, error) {
	return p.process(ctx, req)
}

func (p *SimulatedProvider) ProcessPartialRefund(ctx context.Context, req refund.ProviderRequest) (*refund.ProviderResult, error) {
	return p.process(ctx, req)
}

func (p *SimulatedProvider) process(ctx context.Context, req refund.ProviderRequest) (*refund.ProviderResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if req.OriginalTransactionID == "" {
		return &refund.ProviderResult{ErrorCode: "missing_transaction", ErrorMessage: "order has no captured payment"}, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	txID, replay := p.seen[req.IdempotencyKey]
	if !replay {
		txID = idgen.WithPrefix("sim_re_")
		p.seen[req.IdempotencyKey] = txID
		p.status[txID] = refund.ProviderCompleted
		if p.mode == SimulatePending {
			p.status[txID] = refund.ProviderPending
		}
	}
	return &refund.ProviderResult{IsSuccess: true, Status: p.status[txID], RefundTransactionID: txID}, nil
}

// GetRefundStatus settles a pending refund and reports it completed.
func (p *SimulatedProvider) GetRefundStatus(ctx context.Context, refundTransactionID string) (*refund.ProviderResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.status[refundTransactionID]; !ok {
		return &refund.ProviderResult{
			RefundTransactionID: refundTransactionID,
			ErrorCode:           "resource_missing",
			ErrorMessage:        "no such refund: " + refundTransactionID,
		}, nil
	}
	p.status[refundTransactionID] = refund.ProviderCompleted
	return &refund.ProviderResult{IsSuccess: true, Status: refund.ProviderCompleted, RefundTransactionID: refundTransactionID}, nil
}

var _ refund.Provider = (*SimulatedProvider)(nil)
