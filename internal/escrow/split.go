package escrow

import (
	"github.com/mbd888/marketplace/internal/money"
	"github.com/shopspring/decimal"
)

// Split distributes amount over slots in their given order.
//
// Each slot first receives min(round(amount*weight/Σweights, 2), cap,
// unassigned). Minor units left over by rounding or caps are then handed
// out in reverse order, the last slot first, each up to its cap. The
// shares always add up to amount exactly; ErrExceedsRemaining is returned
// when amount is larger than the sum of the caps.
func Split(amount decimal.Decimal, weights, caps []decimal.Decimal) ([]decimal.Decimal, error) {
	if len(weights) != len(caps) {
		return nil, ErrInvalidAllocation
	}
	if amount.IsNegative() {
		return nil, ErrInvalidAmount
	}

	capacity := money.Sum(caps...)
	if amount.GreaterThan(capacity) {
		return nil, ErrExceedsRemaining
	}

	shares := make([]decimal.Decimal, len(caps))
	for i := range shares {
		shares[i] = decimal.Zero
	}
	remaining := amount

	totalWeight := money.Sum(weights...)
	if totalWeight.IsPositive() {
		for i := range shares {
			if !remaining.IsPositive() {
				break
			}
			share := money.Round(amount.Mul(weights[i]).Div(totalWeight))
			share = money.Min(share, caps[i])
			share = money.Min(share, remaining)
			if share.IsNegative() {
				share = decimal.Zero
			}
			shares[i] = share
			remaining = remaining.Sub(share)
		}
	}

	for i := len(shares) - 1; i >= 0 && remaining.IsPositive(); i-- {
		room := caps[i].Sub(shares[i])
		if !room.IsPositive() {
			continue
		}
		add := money.Min(room, remaining)
		shares[i] = shares[i].Add(add)
		remaining = remaining.Sub(add)
	}

	return shares, nil
}
