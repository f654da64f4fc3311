package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"

	"go.uber.org/zap"

	"github.com/bitfsorg/path402-go/metrics"
	"github.com/bitfsorg/path402-go/pricing"
	"github.com/bitfsorg/path402-go/x402"
)

const (
	// DefaultInFlightWait bounds how long Acquire waits for a concurrent
	// mint of the same proof.
	DefaultInFlightWait = 2 * time.Second

	// MaxHolderIDLen bounds holder identity handles.
	MaxHolderIDLen = 256
)

// Verifier authenticates payment proofs and consumes their nonces.
// *x402.Gateway implements it.
type Verifier interface {
	Verify(ctx context.Context, p *x402.Proof, req x402.Requirement) (*x402.Result, error)
	Release(ctx context.Context, ref string) error
}

var _ Verifier = (*x402.Gateway)(nil)

// Ledger applies verified payments, metering and staking to a Store.
type Ledger struct {
	store    Store
	verifier Verifier
	logger   *zap.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
	wait     time.Duration
	poll     time.Duration
	onMint   func()
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithLogger sets the logger. The default discards.
func WithLogger(l *zap.Logger) Option {
	return func(lg *Ledger) { lg.logger = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(lg *Ledger) { lg.metrics = m }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(lg *Ledger) { lg.now = now }
}

// WithInFlightWait sets how long a replayed proof waits for the mint of
// the request that holds its nonce.
func WithInFlightWait(d time.Duration) Option {
	return func(lg *Ledger) { lg.wait = d }
}

// WithMintHook registers fn to run after every applied mint, typically
// OutboxWorker.Wake.
func WithMintHook(fn func()) Option {
	return func(lg *Ledger) { lg.onMint = fn }
}

// New returns a Ledger over store. verifier may be nil for a ledger that
// only meters and stakes.
func New(store Store, verifier Verifier, opts ...Option) *Ledger {
	l := &Ledger{
		store:    store,
		verifier: verifier,
		logger:   zap.NewNop(),
		now:      time.Now,
		wait:     DefaultInFlightWait,
		poll:     25 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Store returns the underlying store.
func (l *Ledger) Store() Store { return l.store }

// ---------------------------------------------------------------------------
// Tokens
// ---------------------------------------------------------------------------

// TokenSpec describes a token to create.
type TokenSpec struct {
	Name        string                  `json:"name"`
	Symbol      string                  `json:"symbol,omitempty"`
	Model       pricing.Model           `json:"model"`
	BasePrice   uint64                  `json:"base_price"`
	TotalSupply uint64                  `json:"total_supply"`
	Issuer      string                  `json:"issuer"`
	PayTo       map[x402.Network]string `json:"pay_to"`
	Assets      map[x402.Network]string `json:"assets,omitempty"`
}

func (s *TokenSpec) validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return fmt.Errorf("%w: token name required", ErrInvalidRequest)
	}
	if s.TotalSupply == 0 {
		return fmt.Errorf("%w: total supply must be positive", ErrInvalidRequest)
	}
	if _, err := pricing.Price(s.Model, s.BasePrice, s.TotalSupply); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	if len(s.PayTo) == 0 {
		return fmt.Errorf("%w: at least one pay-to address required", ErrInvalidRequest)
	}
	for n, addr := range s.PayTo {
		if n.Family() == x402.FamilyUnknown {
			return fmt.Errorf("%w: unsupported network %q", ErrInvalidRequest, n)
		}
		if strings.TrimSpace(addr) == "" {
			return fmt.Errorf("%w: empty pay-to address for %s", ErrInvalidRequest, n)
		}
	}
	return nil
}

// CreateToken creates a token whose whole supply starts in the treasury.
func (l *Ledger) CreateToken(ctx context.Context, spec TokenSpec) (*Token, error) {
	if err := spec.validate(); err != nil {
		return nil, err
	}
	tok := &Token{
		ID:                NewID(PrefixToken),
		Name:              strings.TrimSpace(spec.Name),
		Symbol:            strings.ToUpper(strings.TrimSpace(spec.Symbol)),
		Model:             spec.Model,
		BasePrice:         spec.BasePrice,
		TotalSupply:       spec.TotalSupply,
		TreasuryRemaining: spec.TotalSupply,
		Issuer:            spec.Issuer,
		PayTo:             spec.PayTo,
		Assets:            spec.Assets,
		CreatedAt:         l.now().UTC(),
	}
	if err := l.store.Update(ctx, func(tx Tx) error {
		return tx.InsertToken(tok)
	}); err != nil {
		return nil, err
	}
	l.logger.Info("token created",
		zap.String("token", tok.ID),
		zap.String("model", tok.Model.String()),
		zap.Uint64("supply", tok.TotalSupply))
	return tok, nil
}

// GetToken returns a token by ID.
func (l *Ledger) GetToken(ctx context.Context, id string) (*Token, error) {
	var tok *Token
	err := l.store.View(ctx, func(tx Tx) error {
		var err error
		tok, err = tx.Token(id)
		return err
	})
	return tok, err
}

// ListTokens returns every token ordered by ID.
func (l *Ledger) ListTokens(ctx context.Context) ([]*Token, error) {
	var toks []*Token
	err := l.store.View(ctx, func(tx Tx) error {
		var err error
		toks, err = tx.Tokens()
		return err
	})
	return toks, err
}

// Quote prices amount units, or the most units spend buys when amount is
// zero. It has no side effects.
func (l *Ledger) Quote(ctx context.Context, tokenID string, amount, spend uint64) (*pricing.Quote, error) {
	if (amount == 0) == (spend == 0) {
		return nil, fmt.Errorf("%w: exactly one of amount and spend", ErrInvalidRequest)
	}
	tok, err := l.GetToken(ctx, tokenID)
	if err != nil {
		return nil, err
	}
	return quote(tok, amount, spend)
}

func quote(tok *Token, amount, spend uint64) (*pricing.Quote, error) {
	var (
		q   *pricing.Quote
		err error
	)
	if amount > 0 {
		q, err = pricing.QuoteAmount(tok.Model, tok.BasePrice, tok.TreasuryRemaining, amount)
	} else {
		q, err = pricing.QuoteSpend(tok.Model, tok.BasePrice, tok.TreasuryRemaining, spend)
	}
	switch {
	case err == nil:
		return q, nil
	case errors.Is(err, pricing.ErrInsufficientTreasury):
		return nil, fmt.Errorf("%w: %w", ErrInsufficientTreasury, err)
	default:
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
}

// ---------------------------------------------------------------------------
// Holders
// ---------------------------------------------------------------------------

// CheckHolderID validates an identity handle.
func CheckHolderID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: holder id required", ErrInvalidRequest)
	}
	if len(id) > MaxHolderIDLen {
		return fmt.Errorf("%w: holder id longer than %d bytes", ErrInvalidRequest, MaxHolderIDLen)
	}
	for _, r := range id {
		if unicode.IsControl(r) {
			return fmt.Errorf("%w: holder id contains control characters", ErrInvalidRequest)
		}
	}
	return nil
}

// GetHolder returns a holder's position. A holder who never acquired the
// token gets ErrHolderNotFound.
func (l *Ledger) GetHolder(ctx context.Context, tokenID, holderID string) (*Holder, error) {
	var h *Holder
	err := l.store.View(ctx, func(tx Tx) error {
		if _, err := tx.Token(tokenID); err != nil {
			return err
		}
		var err error
		h, err = tx.Holder(tokenID, holderID)
		return err
	})
	return h, err
}

// Portfolio returns a holder's positions across all tokens.
func (l *Ledger) Portfolio(ctx context.Context, holderID string) ([]*Holder, error) {
	var hs []*Holder
	err := l.store.View(ctx, func(tx Tx) error {
		var err error
		hs, err = tx.HolderPositions(holderID)
		return err
	})
	return hs, err
}

// History returns a holder's most recent entries, oldest first.
func (l *Ledger) History(ctx context.Context, tokenID, holderID string, limit int) ([]*Entry, error) {
	var es []*Entry
	err := l.store.View(ctx, func(tx Tx) error {
		all, err := tx.Entries(tokenID, holderID, 0)
		if err != nil {
			return err
		}
		if limit > 0 && len(all) > limit {
			all = all[len(all)-limit:]
		}
		es = all
		return nil
	})
	return es, err
}

// SetPayoutDestination records where a holder's dividends go: a paymail
// handle or a BSV address.
func (l *Ledger) SetPayoutDestination(ctx context.Context, tokenID, holderID, dest string) (*Holder, error) {
	dest = strings.TrimSpace(dest)
	if dest == "" {
		return nil, fmt.Errorf("%w: payout destination required", ErrInvalidRequest)
	}
	var h *Holder
	err := l.store.Update(ctx, func(tx Tx) error {
		var err error
		if h, err = tx.Holder(tokenID, holderID); err != nil {
			return err
		}
		h.PayoutDestination = dest
		h.UpdatedAt = l.now().UTC()
		return tx.PutHolder(h)
	})
	return h, err
}

// Stake moves amount of a holder's balance into the dividend snapshot.
func (l *Ledger) Stake(ctx context.Context, tokenID, holderID string, amount uint64) (*Holder, error) {
	return l.restake(ctx, tokenID, holderID, amount, EntryStake)
}

// Unstake releases amount of a holder's stake.
func (l *Ledger) Unstake(ctx context.Context, tokenID, holderID string, amount uint64) (*Holder, error) {
	return l.restake(ctx, tokenID, holderID, amount, EntryUnstake)
}

func (l *Ledger) restake(ctx context.Context, tokenID, holderID string, amount uint64, kind EntryKind) (*Holder, error) {
	if amount == 0 {
		return nil, fmt.Errorf("%w: amount must be positive", ErrInvalidRequest)
	}
	var h *Holder
	err := l.store.Update(ctx, func(tx Tx) error {
		var err error
		if h, err = tx.Holder(tokenID, holderID); err != nil {
			return err
		}
		switch kind {
		case EntryStake:
			if h.Balance-h.Staked < amount {
				return fmt.Errorf("%w: %d unstaked, %d requested", ErrInsufficientBalance, h.Balance-h.Staked, amount)
			}
			h.Staked += amount
		case EntryUnstake:
			if h.Staked < amount {
				return fmt.Errorf("%w: %d staked, %d requested", ErrInsufficientBalance, h.Staked, amount)
			}
			h.Staked -= amount
		}
		now := l.now().UTC()
		h.UpdatedAt = now
		if err := tx.PutHolder(h); err != nil {
			return err
		}
		return tx.InsertEntry(&Entry{
			ID:        NewID(PrefixEntry),
			TokenID:   tokenID,
			HolderID:  holderID,
			Kind:      kind,
			Amount:    amount,
			CreatedAt: now,
		})
	})
	if err != nil {
		return nil, err
	}
	l.logger.Debug("stake changed",
		zap.String("token", tokenID),
		zap.String("holder", holderID),
		zap.String("kind", string(kind)),
		zap.Uint64("staked", h.Staked))
	return h, nil
}
