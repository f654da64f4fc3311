// Package payout settles dividend payments over external rails.
//
// A Rail pays one Request and reports a Receipt; the Router picks the rail
// for a request's currency. BSVRail pays base58 addresses and paymail
// handles from a dedicated payout key.
package payout

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// CurrencyBSV is settled in satoshis.
const CurrencyBSV = "BSV"

// Request is a single payment. ID identifies the payment across retries.
type Request struct {
	ID          string `json:"id"`
	Destination string `json:"destination"`
	Amount      uint64 `json:"amount"`
	Currency    string `json:"currency"`
	Memo        string `json:"memo,omitempty"`
}

// Validate checks the request and fills in a missing ID.
func (r *Request) Validate() error {
	r.Destination = strings.TrimSpace(r.Destination)
	r.Currency = strings.ToUpper(strings.TrimSpace(r.Currency))
	if r.Destination == "" {
		return fmt.Errorf("%w: destination is required", ErrInvalidRequest)
	}
	if r.Amount == 0 {
		return fmt.Errorf("%w: amount must be positive", ErrInvalidRequest)
	}
	if r.Currency == "" {
		return fmt.Errorf("%w: currency is required", ErrInvalidRequest)
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	return nil
}

// Receipt is the settlement record of a paid request.
type Receipt struct {
	RequestID   string    `json:"request_id"`
	Ref         string    `json:"ref"` // txid or rail reference
	Destination string    `json:"destination"`
	Amount      uint64    `json:"amount"`
	Currency    string    `json:"currency"`
	Fee         uint64    `json:"fee"`
	PaidAt      time.Time `json:"paid_at"`
}

// Rail pays requests in one or more currencies.
type Rail interface {
	Pay(ctx context.Context, req Request) (*Receipt, error)
}

// Router dispatches requests to the rail registered for their currency.
type Router struct {
	mu    sync.RWMutex
	rails map[string]Rail
}

var _ Rail = (*Router)(nil)

// NewRouter creates an empty Router.
func NewRouter() *Router {
	return &Router{rails: make(map[string]Rail)}
}

// Register routes currency to rail, replacing any previous rail.
func (r *Router) Register(currency string, rail Rail) *Router {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rails[strings.ToUpper(currency)] = rail
	return r
}

// Currencies lists the registered currencies.
func (r *Router) Currencies() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.rails))
	for c := range r.rails {
		out = append(out, c)
	}
	return out
}

// Pay routes req by currency.
func (r *Router) Pay(ctx context.Context, req Request) (*Receipt, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	rail, ok := r.rails[req.Currency]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedCurrency, req.Currency)
	}
	return rail.Pay(ctx, req)
}

// MockRail records requests and pays them with PayFn, or succeeds when
// PayFn is nil.
type MockRail struct {
	PayFn func(ctx context.Context, req Request) (*Receipt, error)

	mu       sync.Mutex
	requests []Request
}

var _ Rail = (*MockRail)(nil)

// Pay implements Rail.
func (m *MockRail) Pay(ctx context.Context, req Request) (*Receipt, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.requests = append(m.requests, req)
	m.mu.Unlock()

	if m.PayFn != nil {
		return m.PayFn(ctx, req)
	}
	return &Receipt{
		RequestID:   req.ID,
		Ref:         "mock-" + req.ID,
		Destination: req.Destination,
		Amount:      req.Amount,
		Currency:    req.Currency,
		PaidAt:      time.Now().UTC(),
	}, nil
}

// Requests returns a copy of every request seen.
func (m *MockRail) Requests() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Request, len(m.requests))
	copy(out, m.requests)
	return out
}
