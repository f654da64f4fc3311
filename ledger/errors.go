package ledger

import "errors"

var (
	// ErrInvalidRequest indicates a malformed request.
	ErrInvalidRequest = errors.New("ledger: invalid request")

	// ErrTokenNotFound indicates the token does not exist.
	ErrTokenNotFound = errors.New("ledger: token not found")

	// ErrTokenExists indicates a token with the same ID already exists.
	ErrTokenExists = errors.New("ledger: token already exists")

	// ErrHolderNotFound indicates the holder has never held the token.
	ErrHolderNotFound = errors.New("ledger: holder not found")

	// ErrInsufficientTreasury indicates the treasury cannot cover the requested amount.
	ErrInsufficientTreasury = errors.New("ledger: insufficient treasury")

	// ErrInsufficientBalance indicates the holder balance or stake is too small.
	ErrInsufficientBalance = errors.New("ledger: insufficient balance")

	// ErrProofAlreadyApplied indicates the payment proof already minted.
	// Acquire turns it into the prior result.
	ErrProofAlreadyApplied = errors.New("ledger: proof already applied")

	// ErrProofInvalid wraps a payment verification failure.
	ErrProofInvalid = errors.New("ledger: proof invalid")

	// ErrQuoteChanged indicates the price moved above what was paid
	// between verification and commit.
	ErrQuoteChanged = errors.New("ledger: quote changed")

	// ErrMintNotFound indicates no mint exists for the proof reference.
	ErrMintNotFound = errors.New("ledger: mint not found")

	// ErrEntryExists indicates an attempt to overwrite a ledger entry.
	ErrEntryExists = errors.New("ledger: entry already exists")

	// ErrJobNotFound indicates the outbox job does not exist.
	ErrJobNotFound = errors.New("ledger: outbox job not found")

	// ErrLeaseLost indicates a lease expired or was taken by another worker.
	ErrLeaseLost = errors.New("ledger: lease lost")

	// ErrDistributionNotFound indicates the dividend distribution does not exist.
	ErrDistributionNotFound = errors.New("ledger: distribution not found")

	// ErrClaimNotFound indicates the dividend claim does not exist.
	ErrClaimNotFound = errors.New("ledger: claim not found")

	// ErrInvalidID indicates an identifier is malformed or has the wrong prefix.
	ErrInvalidID = errors.New("ledger: invalid id")
)
