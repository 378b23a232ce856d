package refund

import (
	"context"

	"github.com/shopspring/decimal"
)

// ProviderStatus is the state a provider reports for an accepted refund.
type ProviderStatus string

const (
	ProviderCompleted ProviderStatus = "completed"
	ProviderPending   ProviderStatus = "pending"
)

// ProviderRequest is what a provider needs to refund a captured payment.
// IdempotencyKey is stable across retries of the same refund.
type ProviderRequest struct {
	RefundID              string
	OrderID               string
	OriginalTransactionID string
	Amount                decimal.Decimal
	Currency              string
	Reason                string
	IdempotencyKey        string
}

// ProviderResult is the provider's answer. A declined refund has
// IsSuccess=false with the provider's error code; transport failures are
// returned as errors instead.
type ProviderResult struct {
	IsSuccess           bool           `json:"isSuccess"`
	Status              ProviderStatus `json:"status,omitempty"`
	RefundTransactionID string         `json:"refundTransactionId,omitempty"`
	ErrorMessage        string         `json:"errorMessage,omitempty"`
	ErrorCode           string         `json:"errorCode,omitempty"`
}

// Provider is the external refund processor.
//
// GetRefundStatus reads the current state of a refund the provider
// already accepted. It is how a pending refund is settled: re-sending
// the original request only replays the provider's first answer, and
// only while the provider still remembers the idempotency key.
type Provider interface {
	ProcessFullRefund(ctx context.Context, req ProviderRequest) (*ProviderResult, error)
	ProcessPartialRefund(ctx context.Context, req ProviderRequest) (*ProviderResult, error)
	GetRefundStatus(ctx context.Context, refundTransactionID string) (*ProviderResult, error)
}
