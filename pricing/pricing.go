package pricing

import (
	"fmt"
	"math"
)

// Quote describes the cost of buying from a curve at a given treasury level.
type Quote struct {
	Model             Model  `json:"model"`
	BasePrice         uint64 `json:"base_price"`
	TreasuryRemaining uint64 `json:"treasury_remaining"`
	Amount            uint64 `json:"amount"`
	UnitPrice         uint64 `json:"unit_price"` // price of the next unit sold
	TotalCost         uint64 `json:"total_cost"`
	Spend             uint64 `json:"spend,omitempty"`
	Refund            uint64 `json:"refund,omitempty"` // spend − total cost
}

// Price returns the unit price of the next unit when remaining units are
// left in the treasury.
func Price(m Model, base, remaining uint64) (uint64, error) {
	c, err := curveFor(m, base)
	if err != nil {
		return 0, err
	}
	if remaining == math.MaxUint64 {
		return 0, fmt.Errorf("%w: remaining %d", ErrOverflow, remaining)
	}
	return c.price(remaining), nil
}

// CostToBuy returns the exact cost of buying amount units, the discrete sum
// of unit prices as the treasury drains from remaining to remaining−amount+1.
func CostToBuy(m Model, base, remaining, amount uint64) (uint64, error) {
	c, err := checkArgs(m, base, remaining)
	if err != nil {
		return 0, err
	}
	if amount == 0 {
		return 0, ErrInvalidAmount
	}
	if remaining < amount {
		return 0, fmt.Errorf("%w: %d remaining, %d requested", ErrInsufficientTreasury, remaining, amount)
	}
	return sum(c, remaining, amount)
}

// AmountForSpend returns the largest amount whose cost fits within spend,
// along with that cost. The unspent remainder is spend − cost.
func AmountForSpend(m Model, base, remaining, spend uint64) (uint64, uint64, error) {
	c, err := checkArgs(m, base, remaining)
	if err != nil {
		return 0, 0, err
	}
	if spend == 0 {
		return 0, 0, ErrInvalidSpend
	}
	if remaining == 0 {
		return 0, 0, fmt.Errorf("%w: treasury exhausted", ErrInsufficientTreasury)
	}
	amount, cost := solve(c, remaining, spend)
	if amount == 0 {
		return 0, 0, fmt.Errorf("%w: spend %d, unit price %d", ErrSpendTooSmall, spend, c.price(remaining))
	}
	return amount, cost, nil
}

// QuoteAmount prices a purchase of a fixed amount.
func QuoteAmount(m Model, base, remaining, amount uint64) (*Quote, error) {
	cost, err := CostToBuy(m, base, remaining, amount)
	if err != nil {
		return nil, err
	}
	unit, err := Price(m, base, remaining)
	if err != nil {
		return nil, err
	}
	return &Quote{
		Model:             m,
		BasePrice:         base,
		TreasuryRemaining: remaining,
		Amount:            amount,
		UnitPrice:         unit,
		TotalCost:         cost,
	}, nil
}

// QuoteSpend prices a purchase bounded by a spend budget.
func QuoteSpend(m Model, base, remaining, spend uint64) (*Quote, error) {
	amount, cost, err := AmountForSpend(m, base, remaining, spend)
	if err != nil {
		return nil, err
	}
	unit, err := Price(m, base, remaining)
	if err != nil {
		return nil, err
	}
	return &Quote{
		Model:             m,
		BasePrice:         base,
		TreasuryRemaining: remaining,
		Amount:            amount,
		UnitPrice:         unit,
		TotalCost:         cost,
		Spend:             spend,
		Refund:            spend - cost,
	}, nil
}

// SqrtDecayIntegral is the closed-form approximation of the sqrt-decay cost
// sum: 2·base·(sqrt(r+1) − sqrt(r−amount+1)).
func SqrtDecayIntegral(base, remaining, amount uint64) float64 {
	if amount > remaining {
		return math.Inf(1)
	}
	r := float64(remaining)
	return 2 * float64(base) * (math.Sqrt(r+1) - math.Sqrt(r-float64(amount)+1))
}

func checkArgs(m Model, base, remaining uint64) (curve, error) {
	c, err := curveFor(m, base)
	if err != nil {
		return nil, err
	}
	if remaining == math.MaxUint64 {
		return nil, fmt.Errorf("%w: remaining %d", ErrOverflow, remaining)
	}
	return c, nil
}
