// Package commission computes the platform fee deducted from a seller's
// proceeds for one shipment.
//
// A store may carry override rules with effective windows; otherwise the
// platform default rate applies. Calculation is read-only and
// deterministic, so it can be repeated during retries.
package commission

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mbd888/marketplace/internal/money"
	"github.com/shopspring/decimal"
)

var (
	ErrInvalidRate     = errors.New("commission rate must be between 0 and 1")
	ErrInvalidSubtotal = errors.New("subtotal must not be negative")
)

// Rule is a store-specific commission override.
type Rule struct {
	ID            string          `json:"id"`
	StoreID       string          `json:"storeId"`
	Currency      string          `json:"currency,omitempty"` // empty matches any currency
	Rate          decimal.Decimal `json:"rate"`
	EffectiveFrom time.Time       `json:"effectiveFrom"`
	EffectiveTo   *time.Time      `json:"effectiveTo,omitempty"`
}

// Applies reports whether the rule covers the currency at the given time.
func (r Rule) Applies(currency string, at time.Time) bool {
	if r.Currency != "" && !strings.EqualFold(r.Currency, currency) {
		return false
	}
	if at.Before(r.EffectiveFrom) {
		return false
	}
	if r.EffectiveTo != nil && !at.Before(*r.EffectiveTo) {
		return false
	}
	return true
}

// RuleStore looks up override rules.
type RuleStore interface {
	RulesForStore(ctx context.Context, storeID string) ([]Rule, error)
	SaveRule(ctx context.Context, rule Rule) error
}

// Result is the commission for one shipment.
type Result struct {
	Amount decimal.Decimal `json:"amount"`
	Rate   decimal.Decimal `json:"rate"`
}

// Calculator resolves the applicable rate and computes the fee.
type Calculator struct {
	rules       RuleStore
	defaultRate decimal.Decimal
}

// NewCalculator creates a calculator. rules may be nil, in which case
// every store pays the default rate.
func NewCalculator(rules RuleStore, defaultRate decimal.Decimal) (*Calculator, error) {
	if !validRate(defaultRate) {
		return nil, ErrInvalidRate
	}
	return &Calculator{rules: rules, defaultRate: defaultRate}, nil
}

// DefaultRate returns the platform rate.
func (c *Calculator) DefaultRate() decimal.Decimal {
	return c.defaultRate
}

// Calculate returns the commission for a store's subtotal evaluated at the
// given date. amount = round(subtotal * rate, 2, half-even).
func (c *Calculator) Calculate(ctx context.Context, storeID string, subtotal decimal.Decimal, currency string, at time.Time) (Result, error) {
	if subtotal.IsNegative() {
		return Result{}, ErrInvalidSubtotal
	}
	rate, err := c.rateFor(ctx, storeID, currency, at)
	if err != nil {
		return Result{}, err
	}
	return Result{
		Amount: money.Round(subtotal.Mul(rate)),
		Rate:   rate,
	}, nil
}

func (c *Calculator) rateFor(ctx context.Context, storeID, currency string, at time.Time) (decimal.Decimal, error) {
	if c.rules == nil {
		return c.defaultRate, nil
	}
	rules, err := c.rules.RulesForStore(ctx, storeID)
	if err != nil {
		return decimal.Zero, fmt.Errorf("load commission rules for %s: %w", storeID, err)
	}
	best, ok := selectRule(rules, currency, at)
	if !ok {
		return c.defaultRate, nil
	}
	if !validRate(best.Rate) {
		return decimal.Zero, fmt.Errorf("rule %s: %w", best.ID, ErrInvalidRate)
	}
	return best.Rate, nil
}

// selectRule picks the matching rule with the latest start. A rule bound
// to the currency wins a tie against a currency-agnostic one.
func selectRule(rules []Rule, currency string, at time.Time) (Rule, bool) {
	var (
		best  Rule
		found bool
	)
	for _, r := range rules {
		if !r.Applies(currency, at) {
			continue
		}
		if !found ||
			r.EffectiveFrom.After(best.EffectiveFrom) ||
			(r.EffectiveFrom.Equal(best.EffectiveFrom) && best.Currency == "" && r.Currency != "") {
			best = r
			found = true
		}
	}
	return best, found
}

func validRate(rate decimal.Decimal) bool {
	return !rate.IsNegative() && rate.LessThanOrEqual(decimal.NewFromInt(1))
}
