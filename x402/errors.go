package x402

import (
	"errors"
	"fmt"
)

var (
	// ErrExpired indicates the proof is outside its validity window.
	ErrExpired = errors.New("x402: payment authorization expired")

	// ErrNonceReused indicates the (network, nonce) pair was already consumed.
	ErrNonceReused = errors.New("x402: nonce already used")

	// ErrSignatureInvalid indicates the authorization signature does not match the sender.
	ErrSignatureInvalid = errors.New("x402: invalid signature")

	// ErrAmountInsufficient indicates the paid or authorized value is below the required amount.
	ErrAmountInsufficient = errors.New("x402: insufficient payment amount")

	// ErrAmountMismatch indicates an exact-scheme value that exceeds the required amount.
	ErrAmountMismatch = errors.New("x402: payment amount mismatch")

	// ErrNetworkUnsupported indicates no authenticator is registered for the network.
	ErrNetworkUnsupported = errors.New("x402: network not supported")

	// ErrLookupFailed indicates the origin chain could not be queried or has not confirmed the payment yet.
	ErrLookupFailed = errors.New("x402: chain lookup failed")

	// ErrInvalidPayload indicates a malformed or incomplete proof.
	ErrInvalidPayload = errors.New("x402: invalid payment payload")

	// ErrMissingHeaders indicates required x402 payment headers are missing.
	ErrMissingHeaders = errors.New("x402: missing payment headers")

	// ErrNonceStoreFull indicates the in-memory nonce arena is at capacity.
	ErrNonceStoreFull = errors.New("x402: nonce store full")
)

// Reason is the stable, machine-readable code of a failed verification.
type Reason string

const (
	ReasonExpired            Reason = "expired"
	ReasonNonceReused        Reason = "nonce_reused"
	ReasonSignatureInvalid   Reason = "signature_invalid"
	ReasonAmountInsufficient Reason = "amount_insufficient"
	ReasonAmountMismatch     Reason = "amount_mismatch"
	ReasonNetworkUnsupported Reason = "network_unsupported"
	ReasonLookupFailed       Reason = "lookup_failed"
	ReasonInvalidPayload     Reason = "invalid_payload"
)

// Class groups reasons by how a caller should react.
type Class int

const (
	// ClassValidation failures never succeed as submitted.
	ClassValidation Class = iota
	// ClassAuthentication failures mean the proof must not be reused.
	ClassAuthentication
	// ClassTransient failures are safe to retry with the same proof.
	ClassTransient
)

func (c Class) String() string {
	switch c {
	case ClassValidation:
		return "validation"
	case ClassAuthentication:
		return "authentication"
	case ClassTransient:
		return "transient"
	default:
		return fmt.Sprintf("class(%d)", int(c))
	}
}

var reasonSentinels = map[Reason]error{
	ReasonExpired:            ErrExpired,
	ReasonNonceReused:        ErrNonceReused,
	ReasonSignatureInvalid:   ErrSignatureInvalid,
	ReasonAmountInsufficient: ErrAmountInsufficient,
	ReasonAmountMismatch:     ErrAmountMismatch,
	ReasonNetworkUnsupported: ErrNetworkUnsupported,
	ReasonLookupFailed:       ErrLookupFailed,
	ReasonInvalidPayload:     ErrInvalidPayload,
}

// Class returns the reason's failure class.
func (r Reason) Class() Class {
	switch r {
	case ReasonLookupFailed:
		return ClassTransient
	case ReasonSignatureInvalid, ReasonAmountInsufficient, ReasonNonceReused:
		return ClassAuthentication
	default:
		return ClassValidation
	}
}

// Retryable reports whether the same proof may be submitted again.
func (r Reason) Retryable() bool {
	return r.Class() == ClassTransient
}

// VerifyError is returned by Gateway.Verify and by authenticators.
type VerifyError struct {
	Reason Reason
	Err    error
}

func (e *VerifyError) Error() string {
	if e.Err == nil {
		return "x402: " + string(e.Reason)
	}
	return e.Err.Error()
}

func (e *VerifyError) Unwrap() error { return e.Err }

// Reject builds a VerifyError wrapping the sentinel for reason.
func Reject(reason Reason, format string, args ...any) *VerifyError {
	sentinel, ok := reasonSentinels[reason]
	if !ok {
		sentinel = ErrInvalidPayload
	}
	if format == "" {
		return &VerifyError{Reason: reason, Err: sentinel}
	}
	return &VerifyError{Reason: reason, Err: fmt.Errorf("%w: %s", sentinel, fmt.Sprintf(format, args...))}
}

// ReasonOf extracts the verification reason from err.
func ReasonOf(err error) (Reason, bool) {
	var ve *VerifyError
	if errors.As(err, &ve) {
		return ve.Reason, true
	}
	return "", false
}
