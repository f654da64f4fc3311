package x402

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultNonceGrace keeps a nonce reserved for this long past validBefore.
const DefaultNonceGrace = 10 * time.Minute

// Authenticator checks a proof against its origin chain family.
// Failures are returned as *VerifyError.
type Authenticator interface {
	Authenticate(ctx context.Context, p *Proof, req Requirement) (*Payment, error)
}

// Observer receives one call per verification; outcome is "valid" or a Reason.
type Observer interface {
	ObserveVerification(network, outcome string, elapsed time.Duration)
}

// Gateway verifies payment proofs and consumes their nonces.
type Gateway struct {
	mu     sync.RWMutex
	auths  map[Network]Authenticator
	nonces NonceStore

	now                  func() time.Time
	grace                time.Duration
	releaseOnAuthFailure bool
	logger               *zap.Logger
	observer             Observer
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithAuthenticator registers a for network n.
func WithAuthenticator(n Network, a Authenticator) Option {
	return func(g *Gateway) { g.auths[n] = a }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(g *Gateway) { g.now = now }
}

// WithNonceGrace sets how long past validBefore a nonce stays reserved.
func WithNonceGrace(d time.Duration) Option {
	return func(g *Gateway) { g.grace = d }
}

// WithReleaseOnAuthFailure frees the nonce when the signature or amount
// check fails, so a forged proof cannot burn a genuine payer's nonce.
func WithReleaseOnAuthFailure() Option {
	return func(g *Gateway) { g.releaseOnAuthFailure = true }
}

// WithLogger sets the gateway logger.
func WithLogger(l *zap.Logger) Option {
	return func(g *Gateway) { g.logger = l }
}

// WithObserver installs a verification observer.
func WithObserver(o Observer) Option {
	return func(g *Gateway) { g.observer = o }
}

// NewGateway creates a Gateway backed by nonces. A nil store uses a
// MemNonceStore.
func NewGateway(nonces NonceStore, opts ...Option) *Gateway {
	if nonces == nil {
		nonces = NewMemNonceStore(0)
	}
	g := &Gateway{
		auths:  make(map[Network]Authenticator),
		nonces: nonces,
		now:    time.Now,
		grace:  DefaultNonceGrace,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Register adds or replaces the authenticator for n.
func (g *Gateway) Register(n Network, a Authenticator) {
	g.mu.Lock()
	g.auths[n] = a
	g.mu.Unlock()
}

// Networks returns the networks with a registered authenticator, sorted.
func (g *Gateway) Networks() []Network {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]Network, 0, len(g.auths))
	for n := range g.auths {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (g *Gateway) authenticator(n Network) (Authenticator, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	a, ok := g.auths[n]
	return a, ok
}

// Verify authenticates p against req and consumes its nonce. On failure
// the error is a *VerifyError. Transient failures never leave the nonce
// consumed.
func (g *Gateway) Verify(ctx context.Context, p *Proof, req Requirement) (*Result, error) {
	start := g.now()
	res, err := g.verify(ctx, p, req)

	outcome := "valid"
	if err != nil {
		if reason, ok := ReasonOf(err); ok {
			outcome = string(reason)
		} else {
			outcome = "error"
		}
	}
	network := ""
	if p != nil {
		network = string(p.Network)
	}
	if g.observer != nil {
		g.observer.ObserveVerification(network, outcome, g.now().Sub(start))
	}
	if err != nil {
		g.logger.Info("payment rejected",
			zap.String("network", network),
			zap.String("reason", outcome),
			zap.Error(err))
		return nil, err
	}
	g.logger.Debug("payment verified",
		zap.String("ref", res.Ref),
		zap.String("sender", res.Sender),
		zap.Uint64("amount", res.Amount))
	return res, nil
}

func (g *Gateway) verify(ctx context.Context, p *Proof, req Requirement) (*Result, error) {
	if p == nil {
		return nil, Reject(ReasonInvalidPayload, "nil proof")
	}
	if req.Amount == 0 || req.Recipient == "" {
		return nil, Reject(ReasonInvalidPayload, "requirement needs recipient and amount")
	}

	// 1. schema and window
	auth, ok := g.authenticator(p.Network)
	if !ok {
		return nil, Reject(ReasonNetworkUnsupported, "%q", p.Network)
	}
	now := g.now()
	if verr := p.validate(now); verr != nil {
		return nil, verr
	}
	if p.Signed() && !sameAddress(p.Network, p.Recipient, req.Recipient) {
		return nil, Reject(ReasonInvalidPayload, "recipient %s, expected %s", p.Recipient, req.Recipient)
	}
	if p.Asset != "" && req.Asset != "" && !strings.EqualFold(p.Asset, req.Asset) {
		return nil, Reject(ReasonInvalidPayload, "asset %s, expected %s", p.Asset, req.Asset)
	}
	if p.Signed() {
		// Signed values are known up front; reject before reserving.
		if verr := settle(p.Scheme, p.Value, req.Amount); verr != nil {
			return nil, verr
		}
	}

	// 2. replay
	ref := p.Ref()
	if err := g.nonces.Reserve(ctx, ref, p.Expiry(g.grace)); err != nil {
		if errors.Is(err, ErrNonceReused) {
			return nil, Reject(ReasonNonceReused, "%s", ref)
		}
		return nil, Reject(ReasonLookupFailed, "nonce store: %v", err)
	}

	// 3. authenticity
	pay, err := auth.Authenticate(ctx, p, req)
	if err == nil {
		// 4. scheme
		if verr := settle(p.Scheme, pay.Value, req.Amount); verr != nil {
			err = verr
		}
	}
	if err != nil {
		verr, ok := err.(*VerifyError)
		if !ok {
			verr = Reject(ReasonLookupFailed, "%v", err)
		}
		if g.shouldRelease(verr.Reason) {
			if rerr := g.nonces.Release(context.WithoutCancel(ctx), ref); rerr != nil {
				g.logger.Warn("nonce release failed", zap.String("ref", ref), zap.Error(rerr))
			}
		}
		return nil, verr
	}

	amount := pay.Value
	if p.Scheme == SchemeUpTo {
		amount = req.Amount
	}
	return &Result{
		Network:       p.Network,
		Scheme:        p.Scheme,
		Ref:           ref,
		Nonce:         p.NonceKey(),
		TxID:          pay.TxID,
		Sender:        pay.Sender,
		Recipient:     pay.Recipient,
		Asset:         firstNonEmpty(p.Asset, req.Asset),
		Value:         pay.Value,
		Amount:        amount,
		Confirmations: pay.Confirmations,
		VerifiedAt:    now,
	}, nil
}

func (g *Gateway) shouldRelease(r Reason) bool {
	switch r.Class() {
	case ClassTransient, ClassValidation:
		return true
	default:
		return g.releaseOnAuthFailure
	}
}

// Release frees the nonce of a verified proof whose payment was not
// applied, so the payer can resubmit it.
func (g *Gateway) Release(ctx context.Context, ref string) error {
	return g.nonces.Release(ctx, ref)
}

// settle applies the scheme rule to an authorized or transferred value.
func settle(s Scheme, value, required uint64) *VerifyError {
	if value < required {
		return Reject(ReasonAmountInsufficient, "value %d, required %d", value, required)
	}
	if s == SchemeExact && value != required {
		return Reject(ReasonAmountMismatch, "exact value %d, required %d", value, required)
	}
	return nil
}

func sameAddress(n Network, a, b string) bool {
	if n.Family() == FamilyEVM {
		return strings.EqualFold(a, b)
	}
	return a == b
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
