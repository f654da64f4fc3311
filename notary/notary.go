package notary

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	ec "github.com/bsv-blockchain/go-sdk/primitives/ec"
	"github.com/bsv-blockchain/go-sdk/transaction"
	"go.uber.org/zap"

	"github.com/bitfsorg/path402-go/network"
	"github.com/bitfsorg/path402-go/tx"
)

// Notary commits receipts funded and signed by a single notary key.
type Notary struct {
	chain   network.BlockchainService
	funder  *tx.Funder
	feeRate uint64
	logger  *zap.Logger
}

// Option configures a Notary.
type Option func(*Notary)

// WithFeeRate sets the fee rate in sat/KB.
func WithFeeRate(rate uint64) Option {
	return func(n *Notary) { n.feeRate = rate }
}

// WithLogger sets the notary logger.
func WithLogger(l *zap.Logger) Option {
	return func(n *Notary) { n.logger = l }
}

// New creates a Notary paying fees from key's P2PKH address.
func New(chain network.BlockchainService, key *ec.PrivateKey, mainnet bool, opts ...Option) (*Notary, error) {
	if chain == nil || key == nil {
		return nil, fmt.Errorf("%w: chain and key are required", ErrNilParam)
	}
	n := &Notary{
		chain:   chain,
		feeRate: tx.DefaultFeeRate,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(n)
	}
	f, err := tx.NewFunder(chain, key, mainnet, tx.WithFeeRate(n.feeRate), tx.WithFunderLogger(n.logger))
	if err != nil {
		return nil, fmt.Errorf("notary: %w", err)
	}
	n.funder = f
	return n, nil
}

// Address returns the funding address of the notary key.
func (n *Notary) Address() string {
	return n.funder.Address()
}

// Commit inscribes r on chain and returns the inscription.
func (n *Notary) Commit(ctx context.Context, r Receipt) (*Inscription, error) {
	rec := r.Record()
	payload, err := rec.Encode()
	if err != nil {
		return nil, err
	}

	b := tx.NewBuilder()
	vout, err := b.AddDataOutput([]byte(ProtocolTag), []byte(ContentType), payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}
	built, txid, err := n.funder.Settle(ctx, b, func(ctx context.Context, built *tx.Built) (string, error) {
		txid, err := n.chain.BroadcastTx(ctx, built.Hex)
		if err != nil {
			return "", fmt.Errorf("%w: %w", ErrBroadcastFailed, err)
		}
		return txid, nil
	})
	if errors.Is(err, tx.ErrInsufficientFunds) {
		return nil, fmt.Errorf("%w: %w", ErrInsufficientFunds, err)
	}
	if err != nil {
		return nil, err
	}

	n.logger.Info("receipt inscribed",
		zap.String("txid", txid),
		zap.String("origin_ref", rec.OriginRef),
		zap.Uint64("fee", built.Fee))
	return &Inscription{TxID: txid, Vout: vout, Record: rec}, nil
}

// Resolve fetches txid and decodes its inscription.
func (n *Notary) Resolve(ctx context.Context, txid string) (*Inscription, error) {
	raw, err := n.chain.GetRawTx(ctx, txid)
	if err != nil {
		if errors.Is(err, network.ErrTxNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, txid)
		}
		return nil, fmt.Errorf("notary: get tx %s: %w", txid, err)
	}
	return ParseInscription(raw)
}

// ParseInscription decodes the first inscription output of a raw
// transaction.
func ParseInscription(raw []byte) (*Inscription, error) {
	sdkTx, err := transaction.NewTransactionFromBytes(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: decode tx: %w", ErrInvalidPayload, err)
	}
	for i, out := range sdkTx.Outputs {
		if out.LockingScript == nil {
			continue
		}
		pushes, err := tx.ParseOPReturnScript([]byte(*out.LockingScript))
		if err != nil || len(pushes) < 3 || !bytes.Equal(pushes[0], []byte(ProtocolTag)) {
			continue
		}
		if string(pushes[1]) != ContentType {
			return nil, fmt.Errorf("%w: content type %q", ErrInvalidPayload, pushes[1])
		}
		rec, err := DecodeRecord(pushes[2])
		if err != nil {
			return nil, err
		}
		return &Inscription{TxID: sdkTx.TxID().String(), Vout: uint32(i), Record: rec}, nil
	}
	return nil, fmt.Errorf("%w: no %s output", ErrNotFound, ProtocolTag)
}
