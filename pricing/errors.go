package pricing

import "errors"

var (
	// ErrUnknownModel indicates the pricing model tag is not one of the supported curves.
	ErrUnknownModel = errors.New("pricing: unknown pricing model")

	// ErrInvalidBasePrice indicates the base price is zero or exceeds MaxBasePrice.
	ErrInvalidBasePrice = errors.New("pricing: invalid base price")

	// ErrInvalidAmount indicates a zero token amount.
	ErrInvalidAmount = errors.New("pricing: amount must be positive")

	// ErrInvalidSpend indicates a zero spend budget.
	ErrInvalidSpend = errors.New("pricing: spend must be positive")

	// ErrInsufficientTreasury indicates the treasury cannot cover the requested amount.
	ErrInsufficientTreasury = errors.New("pricing: insufficient treasury")

	// ErrSpendTooSmall indicates the spend budget does not cover a single unit.
	ErrSpendTooSmall = errors.New("pricing: spend below unit price")

	// ErrOverflow indicates an intermediate cost exceeded the uint64 range.
	ErrOverflow = errors.New("pricing: arithmetic overflow")
)
