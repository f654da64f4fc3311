package payout

import "errors"

var (
	// ErrInvalidRequest indicates a payout request is missing fields or
	// below the rail's minimum.
	ErrInvalidRequest = errors.New("payout: invalid request")

	// ErrUnsupportedCurrency indicates no rail settles the currency.
	ErrUnsupportedCurrency = errors.New("payout: unsupported currency")

	// ErrInvalidDestination indicates the destination cannot be paid.
	ErrInvalidDestination = errors.New("payout: invalid destination")

	// ErrInsufficientFunds indicates the payout key cannot cover the payment.
	ErrInsufficientFunds = errors.New("payout: insufficient funds")

	// ErrPayoutFailed indicates the payment was not settled.
	ErrPayoutFailed = errors.New("payout: payment failed")
)
