// Package dividend splits revenue pools across token stakers and settles
// the resulting claims over a payout rail.
//
// Distribute snapshots the stakers of a token and writes one claim per
// staker at an integer per-unit rate; the rounding residual stays with the
// issuer. Claims are settled either per claim by ProcessDistribution or in
// one batch per holder by Claim. Every settlement leases its claims first
// and calls the rail outside any store transaction.
package dividend

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/bitfsorg/path402-go/ledger"
	"github.com/bitfsorg/path402-go/metrics"
	"github.com/bitfsorg/path402-go/payout"
)

// Engine defaults.
const (
	DefaultPoolShareBps = 7500
	DefaultMinPayout    = 546
	DefaultLease        = 5 * time.Minute
	DefaultCallTimeout  = 30 * time.Second
	DefaultMaxAttempts  = 5
	DefaultBackoffBase  = time.Minute
	DefaultBackoffMax   = 6 * time.Hour
)

// Engine distributes and settles dividends.
type Engine struct {
	store        ledger.Store
	rail         payout.Rail
	currency     string
	logger       *zap.Logger
	metrics      *metrics.Metrics
	now          func() time.Time
	poolShareBps uint64
	minPayout    uint64
	lease        time.Duration
	callTimeout  time.Duration
	maxAttempts  int
	backoffBase  time.Duration
	backoffMax   time.Duration
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithMetrics records payouts and distributions.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithClock overrides the engine clock.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithCurrency sets the payout currency.
func WithCurrency(c string) Option {
	return func(e *Engine) { e.currency = c }
}

// WithPoolShare sets the share of swept revenue, in basis points, that
// DistributeRevenue pays into the pool.
func WithPoolShare(bps uint64) Option {
	return func(e *Engine) {
		if bps > 10_000 {
			bps = 10_000
		}
		e.poolShareBps = bps
	}
}

// WithMinPayout sets the smallest amount a single payout may carry.
func WithMinPayout(n uint64) Option {
	return func(e *Engine) { e.minPayout = n }
}

// WithLease sets how long settlement owns leased claims.
func WithLease(d time.Duration) Option {
	return func(e *Engine) { e.lease = d }
}

// WithCallTimeout bounds each payout rail call.
func WithCallTimeout(d time.Duration) Option {
	return func(e *Engine) { e.callTimeout = d }
}

// WithMaxAttempts sets how many times ProcessDistribution pays a claim
// before leaving it to the holder.
func WithMaxAttempts(n int) Option {
	return func(e *Engine) { e.maxAttempts = n }
}

// WithBackoff sets the retry delay bounds for failed claims.
func WithBackoff(base, max time.Duration) Option {
	return func(e *Engine) {
		e.backoffBase = base
		e.backoffMax = max
	}
}

// New creates an Engine over store paying through rail.
func New(store ledger.Store, rail payout.Rail, opts ...Option) *Engine {
	e := &Engine{
		store:        store,
		rail:         rail,
		currency:     payout.CurrencyBSV,
		logger:       zap.NewNop(),
		now:          time.Now,
		poolShareBps: DefaultPoolShareBps,
		minPayout:    DefaultMinPayout,
		lease:        DefaultLease,
		callTimeout:  DefaultCallTimeout,
		maxAttempts:  DefaultMaxAttempts,
		backoffBase:  DefaultBackoffBase,
		backoffMax:   DefaultBackoffMax,
	}
	for _, opt := range opts {
		opt(e)
	}
	// A lease must outlive the rail call it guards.
	if e.lease < 2*e.callTimeout {
		e.lease = 2 * e.callTimeout
	}
	return e
}

// Distribute splits pool across the current stakers of tokenID.
func (e *Engine) Distribute(ctx context.Context, tokenID string, pool uint64) (*ledger.Distribution, error) {
	if pool == 0 {
		return nil, fmt.Errorf("%w: pool must be positive", ErrInvalidPool)
	}
	var d *ledger.Distribution
	err := e.store.Update(ctx, func(tx ledger.Tx) error {
		if _, err := tx.Token(tokenID); err != nil {
			return err
		}
		var err error
		d, err = e.distribute(tx, tokenID, pool)
		return err
	})
	if err != nil {
		return nil, err
	}
	e.logCreated(d)
	return d, nil
}

// DistributeRevenue sweeps the token's unswept mint revenue and
// distributes the pool share of it. The rest of the sweep stays with the
// issuer.
func (e *Engine) DistributeRevenue(ctx context.Context, tokenID string) (*ledger.Distribution, error) {
	var d *ledger.Distribution
	err := e.store.Update(ctx, func(tx ledger.Tx) error {
		tok, err := tx.Token(tokenID)
		if err != nil {
			return err
		}
		unswept := tok.UnsweptRevenue()
		pool := unswept / 10_000 * e.poolShareBps
		pool += unswept % 10_000 * e.poolShareBps / 10_000
		if pool == 0 {
			return fmt.Errorf("%w: %d unswept revenue", ErrPoolTooSmall, unswept)
		}
		if d, err = e.distribute(tx, tokenID, pool); err != nil {
			return err
		}
		tok.RevenueSwept += unswept
		return tx.PutToken(tok)
	})
	if err != nil {
		return nil, err
	}
	e.logCreated(d)
	return d, nil
}

// DistributeAll runs DistributeRevenue for every token, skipping tokens
// with nothing to distribute. It returns the distributions created.
func (e *Engine) DistributeAll(ctx context.Context) ([]*ledger.Distribution, error) {
	var ids []string
	err := e.store.View(ctx, func(tx ledger.Tx) error {
		tokens, err := tx.Tokens()
		if err != nil {
			return err
		}
		ids = ids[:0]
		for _, t := range tokens {
			if t.UnsweptRevenue() > 0 {
				ids = append(ids, t.ID)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	var out []*ledger.Distribution
	for _, id := range ids {
		d, err := e.DistributeRevenue(ctx, id)
		switch {
		case err == nil:
			out = append(out, d)
		case isSkippable(err):
			e.logger.Debug("nothing to distribute", zap.String("token", id), zap.Error(err))
		default:
			return out, err
		}
	}
	return out, nil
}

// distribute writes a distribution and its claims inside tx.
func (e *Engine) distribute(tx ledger.Tx, tokenID string, pool uint64) (*ledger.Distribution, error) {
	holders, err := tx.Holders(tokenID)
	if err != nil {
		return nil, err
	}
	var (
		stakers []*ledger.Holder
		total   uint64
	)
	for _, h := range holders {
		if h.Staked > 0 {
			stakers = append(stakers, h)
			total += h.Staked
		}
	}
	if total == 0 {
		return nil, fmt.Errorf("%w: token %s", ErrNoStakers, tokenID)
	}
	rate := pool / total
	if rate == 0 {
		return nil, fmt.Errorf("%w: pool %d, staked %d", ErrPoolTooSmall, pool, total)
	}

	now := e.now().UTC()
	d := &ledger.Distribution{
		ID:          ledger.NewID(ledger.PrefixDistribution),
		TokenID:     tokenID,
		Pool:        pool,
		TotalStaked: total,
		Rate:        rate,
		Distributed: rate * total,
		Retained:    pool - rate*total,
		Claims:      len(stakers),
		Status:      ledger.DistributionPending,
		CreatedAt:   now,
	}
	if err := tx.InsertDistribution(d); err != nil {
		return nil, err
	}
	for _, h := range stakers {
		c := &ledger.Claim{
			ID:             ledger.NewID(ledger.PrefixClaim),
			DistributionID: d.ID,
			TokenID:        tokenID,
			HolderID:       h.HolderID,
			Stake:          h.Staked,
			Owed:           h.Staked * rate,
			Status:         ledger.ClaimPending,
			NextAttemptAt:  now,
			CreatedAt:      now,
		}
		if err := tx.InsertClaim(c); err != nil {
			return nil, err
		}
	}
	return d, nil
}

func (e *Engine) logCreated(d *ledger.Distribution) {
	e.logger.Info("distribution created",
		zap.String("distribution", d.ID),
		zap.String("token", d.TokenID),
		zap.Uint64("pool", d.Pool),
		zap.Uint64("rate", d.Rate),
		zap.Int("claims", d.Claims),
		zap.Uint64("retained", d.Retained))
}

// Distributions lists the distributions of tokenID, or of every token
// when tokenID is empty.
func (e *Engine) Distributions(ctx context.Context, tokenID string) ([]*ledger.Distribution, error) {
	var out []*ledger.Distribution
	err := e.store.View(ctx, func(tx ledger.Tx) error {
		var err error
		out, err = tx.Distributions(tokenID)
		return err
	})
	return out, err
}

// Claims lists the claims of a distribution.
func (e *Engine) Claims(ctx context.Context, distributionID string) ([]*ledger.Claim, error) {
	var out []*ledger.Claim
	err := e.store.View(ctx, func(tx ledger.Tx) error {
		if _, err := tx.Distribution(distributionID); err != nil {
			return err
		}
		var err error
		out, err = tx.Claims(distributionID)
		return err
	})
	return out, err
}
