package payout

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	ec "github.com/bsv-blockchain/go-sdk/primitives/ec"
	"go.uber.org/zap"

	"github.com/bitfsorg/path402-go/network"
	"github.com/bitfsorg/path402-go/paymail"
	"github.com/bitfsorg/path402-go/tx"
)

// MemoTag prefixes the data output that carries the request ID.
const MemoTag = "path402.payout"

// Destinations resolves paymail handles and accepts P2P transactions.
type Destinations interface {
	PaymentDestination(ctx context.Context, h paymail.Handle, satoshis uint64) (*paymail.Destination, error)
	Submit(ctx context.Context, d *paymail.Destination, rawHex, note string) (string, error)
}

var _ Destinations = (*paymail.Client)(nil)

// BSVRail pays satoshis from a single payout key.
type BSVRail struct {
	chain   network.BlockchainService
	funder  *tx.Funder
	paymail Destinations
	feeRate uint64
	logger  *zap.Logger
	now     func() time.Time

	mu   sync.Mutex
	paid map[string]*Receipt
}

var _ Rail = (*BSVRail)(nil)

// BSVOption configures a BSVRail.
type BSVOption func(*BSVRail)

// WithPaymail enables paymail destinations.
func WithPaymail(d Destinations) BSVOption {
	return func(r *BSVRail) { r.paymail = d }
}

// WithFeeRate sets the fee rate in sat/KB.
func WithFeeRate(rate uint64) BSVOption {
	return func(r *BSVRail) { r.feeRate = rate }
}

// WithLogger sets the rail logger.
func WithLogger(l *zap.Logger) BSVOption {
	return func(r *BSVRail) { r.logger = l }
}

// WithClock overrides the receipt clock.
func WithClock(now func() time.Time) BSVOption {
	return func(r *BSVRail) { r.now = now }
}

// NewBSVRail creates a rail funded by key's P2PKH outputs.
func NewBSVRail(chain network.BlockchainService, key *ec.PrivateKey, mainnet bool, opts ...BSVOption) (*BSVRail, error) {
	if chain == nil || key == nil {
		return nil, fmt.Errorf("%w: chain and key are required", ErrInvalidRequest)
	}
	r := &BSVRail{
		chain:   chain,
		feeRate: tx.DefaultFeeRate,
		logger:  zap.NewNop(),
		now:     time.Now,
		paid:    make(map[string]*Receipt),
	}
	for _, opt := range opts {
		opt(r)
	}
	f, err := tx.NewFunder(chain, key, mainnet, tx.WithFeeRate(r.feeRate), tx.WithFunderLogger(r.logger))
	if err != nil {
		return nil, fmt.Errorf("payout: %w", err)
	}
	r.funder = f
	return r, nil
}

// Address returns the payout funding address.
func (r *BSVRail) Address() string {
	return r.funder.Address()
}

// Pay sends req.Amount satoshis to a base58 address or paymail handle.
// A request ID already paid by this rail returns the earlier receipt.
func (r *BSVRail) Pay(ctx context.Context, req Request) (*Receipt, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if req.Currency != CurrencyBSV {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedCurrency, req.Currency)
	}
	if req.Amount < tx.DustLimit {
		return nil, fmt.Errorf("%w: %d sat is below the dust limit", ErrInvalidRequest, req.Amount)
	}

	r.mu.Lock()
	prior, ok := r.paid[req.ID]
	r.mu.Unlock()
	if ok {
		return prior, nil
	}

	b := tx.NewBuilder()
	dest, err := r.addDestination(ctx, b, req)
	if err != nil {
		return nil, err
	}
	if _, err := b.AddDataOutput([]byte(MemoTag), []byte(req.ID)); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}

	built, txid, err := r.funder.Settle(ctx, b, func(ctx context.Context, built *tx.Built) (string, error) {
		txid, err := r.chain.BroadcastTx(ctx, built.Hex)
		if err != nil {
			return "", fmt.Errorf("%w: %w", ErrPayoutFailed, err)
		}
		return txid, nil
	})
	switch {
	case errors.Is(err, tx.ErrInsufficientFunds):
		return nil, fmt.Errorf("%w: %w", ErrInsufficientFunds, err)
	case err != nil:
		return nil, err
	}

	if dest != nil && dest.ReceiveURL != "" {
		// Already broadcast; the receiver learns of it from the chain if
		// the notification fails.
		if _, err := r.paymail.Submit(ctx, dest, built.Hex, req.Memo); err != nil {
			r.logger.Warn("p2p submit failed",
				zap.String("handle", dest.Handle.String()),
				zap.String("txid", txid),
				zap.Error(err))
		}
	}

	rc := &Receipt{
		RequestID:   req.ID,
		Ref:         txid,
		Destination: req.Destination,
		Amount:      req.Amount,
		Currency:    CurrencyBSV,
		Fee:         built.Fee,
		PaidAt:      r.now().UTC(),
	}
	r.mu.Lock()
	r.paid[req.ID] = rc
	r.mu.Unlock()

	r.logger.Info("payout sent",
		zap.String("request_id", req.ID),
		zap.String("destination", req.Destination),
		zap.Uint64("amount", req.Amount),
		zap.String("txid", txid))
	return rc, nil
}

// addDestination adds the payment outputs for req and returns the paymail
// destination when one was resolved.
func (r *BSVRail) addDestination(ctx context.Context, b *tx.Builder, req Request) (*paymail.Destination, error) {
	h, err := paymail.ParseHandle(req.Destination)
	if err != nil {
		if _, err := b.AddPaymentToAddress(req.Destination, req.Amount); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidDestination, err)
		}
		return nil, nil
	}
	if r.paymail == nil {
		return nil, fmt.Errorf("%w: paymail destinations are disabled", ErrInvalidDestination)
	}

	d, err := r.paymail.PaymentDestination(ctx, h, req.Amount)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidDestination, err)
	}
	for _, o := range d.Outputs {
		lock, err := o.LockingScript()
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidDestination, err)
		}
		if _, err := b.AddPaymentScript(lock, o.Satoshis); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidDestination, err)
		}
	}
	return d, nil
}
