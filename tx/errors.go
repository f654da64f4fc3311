package tx

import "errors"

var (
	// ErrNilParam indicates a required parameter is nil.
	ErrNilParam = errors.New("tx: required parameter is nil")

	// ErrInsufficientFunds indicates the inputs cannot cover outputs and fees.
	ErrInsufficientFunds = errors.New("tx: insufficient funds")

	// ErrInvalidPayload indicates a data output is empty or exceeds limits.
	ErrInvalidPayload = errors.New("tx: invalid payload")

	// ErrSigningFailed indicates transaction signing failed.
	ErrSigningFailed = errors.New("tx: signing failed")

	// ErrScriptBuild indicates script construction failed.
	ErrScriptBuild = errors.New("tx: script build failed")

	// ErrInvalidOPReturn indicates the OP_RETURN script is malformed.
	ErrInvalidOPReturn = errors.New("tx: invalid OP_RETURN format")

	// ErrInvalidParams indicates invalid parameters were provided.
	ErrInvalidParams = errors.New("tx: invalid parameters")

	// ErrNoOutputs indicates Build was called with nothing to pay.
	ErrNoOutputs = errors.New("tx: no outputs")
)
