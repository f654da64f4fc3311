package notary

import "errors"

var (
	// ErrNotFound indicates the transaction does not exist or carries no inscription.
	ErrNotFound = errors.New("notary: inscription not found")

	// ErrInvalidPayload indicates the inscription payload cannot be decoded.
	ErrInvalidPayload = errors.New("notary: invalid payload")

	// ErrNilParam indicates a required parameter is nil.
	ErrNilParam = errors.New("notary: required parameter is nil")

	// ErrInsufficientFunds indicates the notary key cannot cover the inscription fee.
	ErrInsufficientFunds = errors.New("notary: insufficient funds")

	// ErrBroadcastFailed indicates the settlement chain rejected the inscription.
	ErrBroadcastFailed = errors.New("notary: broadcast failed")
)
