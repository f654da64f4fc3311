package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/bitfsorg/path402-go/dividend"
	"github.com/bitfsorg/path402-go/ledger"
	"github.com/bitfsorg/path402-go/payout"
	"github.com/bitfsorg/path402-go/x402"
)

var (
	// ErrHolderRequired indicates a holder route was called without a
	// holder identity.
	ErrHolderRequired = errors.New("api: X-Holder-Id header required")

	// ErrBadBody indicates the request body is not valid JSON.
	ErrBadBody = errors.New("api: malformed request body")
)

// Error is the JSON error body.
type Error struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

type errorBody struct {
	Error Error `json:"error"`
}

type errorClass struct {
	target    error
	status    int
	code      string
	retryable bool
}

// errorClasses is checked in order; the first match wins.
var errorClasses = []errorClass{
	{ErrHolderRequired, http.StatusUnauthorized, "holder_required", false},
	{ErrBadBody, http.StatusBadRequest, "invalid_request", false},
	{x402.ErrMissingHeaders, http.StatusPaymentRequired, "payment_required", false},
	{x402.ErrInvalidPayload, http.StatusPaymentRequired, string(x402.ReasonInvalidPayload), false},
	{x402.ErrNonceStoreFull, http.StatusServiceUnavailable, "nonce_store_full", true},
	{ledger.ErrQuoteChanged, http.StatusConflict, "quote_changed", false},
	{ledger.ErrTokenNotFound, http.StatusNotFound, "token_not_found", false},
	{ledger.ErrHolderNotFound, http.StatusNotFound, "holder_not_found", false},
	{ledger.ErrDistributionNotFound, http.StatusNotFound, "distribution_not_found", false},
	{ledger.ErrTokenExists, http.StatusConflict, "token_exists", false},
	{ledger.ErrInsufficientTreasury, http.StatusConflict, "insufficient_treasury", false},
	{ledger.ErrInsufficientBalance, http.StatusConflict, "insufficient_balance", false},
	{ledger.ErrLeaseLost, http.StatusConflict, "lease_lost", true},
	{dividend.ErrInvalidPool, http.StatusBadRequest, "invalid_pool", false},
	{dividend.ErrNoStakers, http.StatusConflict, "no_stakers", false},
	{dividend.ErrPoolTooSmall, http.StatusConflict, "pool_too_small", false},
	{dividend.ErrNoPendingDividends, http.StatusConflict, "no_pending_dividends", false},
	{dividend.ErrBelowMinimum, http.StatusConflict, "below_minimum_payout", false},
	{dividend.ErrNoDestination, http.StatusConflict, "no_payout_destination", false},
	{payout.ErrInvalidDestination, http.StatusBadRequest, "invalid_destination", false},
	{dividend.ErrPayoutFailed, http.StatusBadGateway, "payout_failed", true},
	{ledger.ErrInvalidRequest, http.StatusBadRequest, "invalid_request", false},
	{ledger.ErrInvalidID, http.StatusBadRequest, "invalid_id", false},
	{context.DeadlineExceeded, http.StatusGatewayTimeout, "timeout", true},
}

// classify maps err to an HTTP status and a stable error body. Payment
// verification failures keep their x402 reason as the code.
func classify(err error) (int, Error) {
	if errors.Is(err, ledger.ErrProofInvalid) {
		if reason, ok := x402.ReasonOf(err); ok {
			status := http.StatusPaymentRequired
			if reason.Retryable() {
				status = http.StatusServiceUnavailable
			}
			return status, Error{Code: string(reason), Message: err.Error(), Retryable: reason.Retryable()}
		}
		return http.StatusPaymentRequired, Error{Code: string(x402.ReasonInvalidPayload), Message: err.Error()}
	}
	for _, c := range errorClasses {
		if errors.Is(err, c.target) {
			return c.status, Error{Code: c.code, Message: err.Error(), Retryable: c.retryable}
		}
	}
	return http.StatusInternalServerError, Error{Code: "internal", Message: "internal error", Retryable: true}
}
