package refund

import (
	"github.com/mbd888/marketplace/internal/escrow"
	"github.com/mbd888/marketplace/internal/money"
	"github.com/shopspring/decimal"
)

// shipmentCommission is the platform commission returned with a refund of
// amount against one allocation: the allocation's commission scaled by
// amount/total. Refunding everything that remains returns all of the
// remaining commission.
func shipmentCommission(a *escrow.Allocation, amount decimal.Decimal) decimal.Decimal {
	remaining := a.RemainingCommission()
	if amount.GreaterThanOrEqual(a.RemainingAmount()) {
		return remaining
	}
	if !a.TotalAmount.IsPositive() {
		return decimal.Zero
	}
	c := money.Round(a.CommissionAmount.Mul(amount).Div(a.TotalAmount))
	return money.Min(c, remaining)
}

// orderCommission is the commission returned with an order-level refund:
// the commission held on refundable allocations scaled by
// amount/totalHeld, where totalHeld is the sum of their totals.
func orderCommission(p *escrow.Payment, amount decimal.Decimal) decimal.Decimal {
	var totalHeld, heldCommission, remainingAmount, remainingCommission decimal.Decimal
	for i := range p.Allocations {
		a := &p.Allocations[i]
		if !a.IsOpen() {
			continue
		}
		totalHeld = totalHeld.Add(a.TotalAmount)
		heldCommission = heldCommission.Add(a.CommissionAmount)
		remainingAmount = remainingAmount.Add(a.RemainingAmount())
		remainingCommission = remainingCommission.Add(a.RemainingCommission())
	}
	if !totalHeld.IsPositive() {
		return decimal.Zero
	}
	if amount.GreaterThanOrEqual(remainingAmount) {
		return remainingCommission
	}
	c := money.Round(heldCommission.Mul(amount).Div(totalHeld))
	return money.Min(c, remainingCommission)
}

// escrowed is what the escrow still holds across open allocations.
func escrowed(p *escrow.Payment) decimal.Decimal {
	total := decimal.Zero
	for i := range p.Allocations {
		if a := &p.Allocations[i]; a.IsOpen() {
			total = total.Add(a.RemainingAmount())
		}
	}
	return total
}
