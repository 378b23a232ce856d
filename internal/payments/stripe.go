// Package payments adapts external payment processors to the refund
// provider contract.
package payments

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mbd888/marketplace/internal/money"
	"github.com/mbd888/marketplace/internal/refund"
	"github.com/mbd888/marketplace/internal/traces"
	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"
)

// StripeProvider refunds captured Stripe payments. Original transaction
// ids starting with "ch_" are treated as charges, anything else as a
// PaymentIntent.
type StripeProvider struct {
	api    *client.API
	logger *slog.Logger
}

// NewStripeProvider creates a provider for secretKey. backends may be nil
// for the live API; tests point it at a local server.
func NewStripeProvider(secretKey string, backends *stripe.Backends, logger *slog.Logger) *StripeProvider {
	if logger == nil {
		logger = slog.Default()
	}
	return &StripeProvider{api: client.New(secretKey, backends), logger: logger}
}

// Name identifies the provider in metrics and breaker keys.
func (p *StripeProvider) Name() string { return "stripe" }

// ProcessFullRefund refunds whatever is left on the payment.
func (p *StripeProvider) ProcessFullRefund(ctx context.Context, req refund.ProviderRequest) (*refund.ProviderResult, error) {
	return p.refund(ctx, req, false)
}

// ProcessPartialRefund refunds req.Amount.
func (p *StripeProvider) ProcessPartialRefund(ctx context.Context, req refund.ProviderRequest) (*refund.ProviderResult, error) {
	return p.refund(ctx, req, true)
}

func (p *StripeProvider) refund(ctx context.Context, req refund.ProviderRequest, withAmount bool) (_ *refund.ProviderResult, err error) {
	ctx, span := traces.StartSpan(ctx, "stripe.Refund",
		traces.Provider(p.Name()), traces.RefundID(req.RefundID), traces.OrderID(req.OrderID))
	defer func() { traces.End(span, err) }()

	if req.OriginalTransactionID == "" {
		return &refund.ProviderResult{ErrorCode: "missing_transaction", ErrorMessage: "order has no captured payment"}, nil
	}

	params := &stripe.RefundParams{Reason: stripe.String(string(stripe.RefundReasonRequestedByCustomer))}
	if strings.HasPrefix(req.OriginalTransactionID, "ch_") {
		params.Charge = stripe.String(req.OriginalTransactionID)
	} else {
		params.PaymentIntent = stripe.String(req.OriginalTransactionID)
	}
	if withAmount {
		params.Amount = stripe.Int64(money.MinorUnits(req.Amount, req.Currency))
	}
	params.Context = ctx
	params.SetIdempotencyKey(req.IdempotencyKey)
	params.AddMetadata("refund_id", req.RefundID)
	params.AddMetadata("order_id", req.OrderID)

	re, err := p.api.Refunds.New(params)
	if err != nil {
		var se *stripe.Error
		if errors.As(err, &se) && isDecline(se) {
			p.logger.Warn("stripe declined refund",
				"refund_id", req.RefundID, "code", se.Code, "type", se.Type, "status", se.HTTPStatusCode)
			code := string(se.Code)
			if code == "" {
				code = string(se.Type)
			}
			return &refund.ProviderResult{ErrorCode: code, ErrorMessage: se.Msg}, nil
		}
		return nil, fmt.Errorf("stripe refund %s: %w", req.RefundID, err)
	}

	return refundResult(re), nil
}

// GetRefundStatus fetches a refund Stripe already created.
func (p *StripeProvider) GetRefundStatus(ctx context.Context, refundTransactionID string) (_ *refund.ProviderResult, err error) {
	ctx, span := traces.StartSpan(ctx, "stripe.GetRefund",
		traces.Provider(p.Name()), traces.Reference(refundTransactionID))
	defer func() { traces.End(span, err) }()

	params := &stripe.RefundParams{}
	params.Context = ctx
	re, err := p.api.Refunds.Get(refundTransactionID, params)
	if err != nil {
		var se *stripe.Error
		if errors.As(err, &se) && isDecline(se) {
			p.logger.Warn("stripe refund lookup rejected",
				"transaction_id", refundTransactionID, "code", se.Code, "status", se.HTTPStatusCode)
			code := string(se.Code)
			if code == "" {
				code = string(se.Type)
			}
			return &refund.ProviderResult{RefundTransactionID: refundTransactionID, ErrorCode: code, ErrorMessage: se.Msg}, nil
		}
		return nil, fmt.Errorf("stripe refund lookup %s: %w", refundTransactionID, err)
	}
	return refundResult(re), nil
}

// isDecline separates Stripe rejecting the request from Stripe being
// unreachable or failing; only the latter is worth retrying as-is.
func isDecline(se *stripe.Error) bool {
	if se.HTTPStatusCode >= 500 || se.HTTPStatusCode == 429 {
		return false
	}
	return se.Type != stripe.ErrorTypeAPI
}

func refundResult(re *stripe.Refund) *refund.ProviderResult {
	switch re.Status {
	case stripe.RefundStatusSucceeded:
		return &refund.ProviderResult{IsSuccess: true, Status: refund.ProviderCompleted, RefundTransactionID: re.ID}
	case stripe.RefundStatusPending, stripe.RefundStatusRequiresAction:
		return &refund.ProviderResult{IsSuccess: true, Status: refund.ProviderPending, RefundTransactionID: re.ID}
	default:
		code := string(re.FailureReason)
		if code == "" {
			code = "refund_" + string(re.Status)
		}
		return &refund.ProviderResult{
			RefundTransactionID: re.ID,
			ErrorCode:           code,
			ErrorMessage:        fmt.Sprintf("stripe refund %s is %s", re.ID, re.Status),
		}
	}
}

var _ refund.Provider = (*StripeProvider)(nil)
