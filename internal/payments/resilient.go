package payments

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/mbd888/marketplace/internal/circuitbreaker"
	"github.com/mbd888/marketplace/internal/refund"
	"github.com/mbd888/marketplace/internal/retry"
)

// NamedProvider is a refund provider that can name itself.
type NamedProvider interface {
	refund.Provider
	Name() string
}

// ResilientConfig tunes the decorator.
type ResilientConfig struct {
	Attempts         int           // per call, transport errors only
	BaseDelay        time.Duration // first backoff
	AttemptTimeout   time.Duration // per attempt; 0 means the caller's deadline
	FailureThreshold int
	OpenDuration     time.Duration
}

func DefaultResilientConfig() ResilientConfig {
	return ResilientConfig{
		Attempts:         3,
		BaseDelay:        200 * time.Millisecond,
		AttemptTimeout:   10 * time.Second,
		FailureThreshold: 5,
		OpenDuration:     30 * time.Second,
	}
}

// Resilient wraps a provider with bounded retries and a circuit breaker.
// Declines are answers, not failures: they are returned on the first
// attempt and do not count against the breaker. Every attempt carries the
// same idempotency key, so a retry after a lost response cannot refund
// twice.
type Resilient struct {
	inner   NamedProvider
	breaker *circuitbreaker.Breaker
	cfg     ResilientConfig
	logger  *slog.Logger
}

func NewResilient(inner NamedProvider, breaker *circuitbreaker.Breaker, cfg ResilientConfig, logger *slog.Logger) *Resilient {
	def := DefaultResilientConfig()
	if cfg.Attempts <= 0 {
		cfg.Attempts = def.Attempts
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = def.BaseDelay
	}
	if breaker == nil {
		breaker = circuitbreaker.New(cfg.FailureThreshold, cfg.OpenDuration)
	}
	if logger == nil {
		logger = slog.Default()
	}
	breaker.OnTransition(func(key string, from, to circuitbreaker.State) {
		logger.Warn("payment provider circuit changed", "provider", key, "from", from.String(), "to", to.String())
	})
	return &Resilient{inner: inner, breaker: breaker, cfg: cfg, logger: logger}
}

func (r *Resilient) Name() string { return r.inner.Name() }

func (r *Resilient) ProcessFullRefund(ctx context.Context, req refund.ProviderRequest) (*refund.ProviderResult, error) {
	return r.call(ctx, req, r.inner.ProcessFullRefund)
}

func (r *Resilient) ProcessPartialRefund(ctx context.Context, req refund.ProviderRequest) (*refund.ProviderResult, error) {
	return r.call(ctx, req, r.inner.ProcessPartialRefund)
}

// GetRefundStatus shares the refund calls' retries and breaker.
func (r *Resilient) GetRefundStatus(ctx context.Context, refundTransactionID string) (*refund.ProviderResult, error) {
	req := refund.ProviderRequest{RefundID: refundTransactionID}
	return r.call(ctx, req, func(ctx context.Context, _ refund.ProviderRequest) (*refund.ProviderResult, error) {
		return r.inner.GetRefundStatus(ctx, refundTransactionID)
	})
}

type providerCall func(context.Context, refund.ProviderRequest) (*refund.ProviderResult, error)

func (r *Resilient) call(ctx context.Context, req refund.ProviderRequest, fn providerCall) (*refund.ProviderResult, error) {
	var res *refund.ProviderResult
	attempt := 0
	err := retry.DoIf(ctx, r.cfg.Attempts, r.cfg.BaseDelay, retryable, func() error {
		attempt++
		return r.breaker.Execute(r.Name(), countsAsFailure, func() error {
			actx, cancel := r.attemptContext(ctx)
			defer cancel()
			out, err := fn(actx, req)
			if err != nil {
				r.logger.Warn("payment provider call failed",
					"provider", r.Name(), "refund_id", req.RefundID, "attempt", attempt, "error", err)
				return err
			}
			res = out
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (r *Resilient) attemptContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.cfg.AttemptTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, r.cfg.AttemptTimeout)
}

func retryable(err error) bool {
	return !errors.Is(err, circuitbreaker.ErrOpen) && !errors.Is(err, context.Canceled)
}

func countsAsFailure(err error) bool {
	return !errors.Is(err, context.Canceled)
}

var _ refund.Provider = (*Resilient)(nil)
