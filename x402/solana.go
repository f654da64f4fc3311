package x402

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
)

// SolanaTransfer is a confirmed Solana transaction reduced to the balance
// changes a payment check needs.
type SolanaTransfer struct {
	Slot     uint64
	Failed   bool
	FeePayer string
	// Lamports maps account address to its lamport delta.
	Lamports map[string]int64
	// Tokens maps mint, then owner, to the owner's token delta.
	Tokens map[string]map[string]int64
}

// SolanaLedger looks up a transaction by signature. It returns
// (nil, nil) when the transaction is unknown or not yet confirmed.
type SolanaLedger interface {
	LookupTransfer(ctx context.Context, sig solana.Signature) (*SolanaTransfer, error)
}

// SolanaRPCReader adapts a solana-go RPC client to SolanaLedger.
type SolanaRPCReader struct {
	client *rpc.Client
}

var _ SolanaLedger = (*SolanaRPCReader)(nil)

// NewSolanaRPCReader creates a reader on endpoint.
func NewSolanaRPCReader(endpoint string) *SolanaRPCReader {
	return &SolanaRPCReader{client: rpc.New(endpoint)}
}

// LookupTransfer implements SolanaLedger.
func (r *SolanaRPCReader) LookupTransfer(ctx context.Context, sig solana.Signature) (*SolanaTransfer, error) {
	maxVersion := uint64(0)
	res, err := r.client.GetTransaction(ctx, sig, &rpc.GetTransactionOpts{
		Encoding:                       solana.EncodingBase64,
		Commitment:                     rpc.CommitmentConfirmed,
		MaxSupportedTransactionVersion: &maxVersion,
	})
	if err != nil {
		if errors.Is(err, rpc.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if res == nil || res.Meta == nil || res.Transaction == nil {
		return nil, nil
	}
	txn, err := res.Transaction.GetTransaction()
	if err != nil {
		return nil, fmt.Errorf("decode transaction: %w", err)
	}

	keys := txn.Message.AccountKeys
	out := &SolanaTransfer{
		Slot:     res.Slot,
		Failed:   res.Meta.Err != nil,
		Lamports: make(map[string]int64, len(keys)),
		Tokens:   make(map[string]map[string]int64),
	}
	if len(keys) > 0 {
		out.FeePayer = keys[0].String()
	}
	for i, key := range keys {
		if i < len(res.Meta.PreBalances) && i < len(res.Meta.PostBalances) {
			out.Lamports[key.String()] = int64(res.Meta.PostBalances[i]) - int64(res.Meta.PreBalances[i])
		}
	}
	for _, tb := range res.Meta.PreTokenBalances {
		out.addToken(tb, -1)
	}
	for _, tb := range res.Meta.PostTokenBalances {
		out.addToken(tb, 1)
	}
	return out, nil
}

func (t *SolanaTransfer) addToken(tb rpc.TokenBalance, sign int64) {
	if tb.Owner == nil || tb.UiTokenAmount == nil {
		return
	}
	amount, err := strconv.ParseInt(tb.UiTokenAmount.Amount, 10, 64)
	if err != nil {
		return
	}
	mint := tb.Mint.String()
	if t.Tokens[mint] == nil {
		t.Tokens[mint] = make(map[string]int64)
	}
	t.Tokens[mint][tb.Owner.String()] += sign * amount
}

// SolanaAuthenticator verifies ed25519-signed authorizations and, when a
// ledger is configured, confirmed SOL or SPL token transfers.
type SolanaAuthenticator struct {
	ledger SolanaLedger
}

var _ Authenticator = (*SolanaAuthenticator)(nil)

// NewSolanaAuthenticator creates a Solana authenticator. ledger may be nil
// when only signed authorizations are accepted.
func NewSolanaAuthenticator(ledger SolanaLedger) *SolanaAuthenticator {
	return &SolanaAuthenticator{ledger: ledger}
}

// Authenticate implements Authenticator.
func (a *SolanaAuthenticator) Authenticate(ctx context.Context, p *Proof, req Requirement) (*Payment, error) {
	if p.Signed() {
		return a.authenticateSigned(p)
	}
	return a.authenticateOnChain(ctx, p, req)
}

func (a *SolanaAuthenticator) authenticateSigned(p *Proof) (*Payment, error) {
	sender, err := solana.PublicKeyFromBase58(p.Sender)
	if err != nil {
		return nil, Reject(ReasonInvalidPayload, "from: %v", err)
	}
	if _, err := solana.PublicKeyFromBase58(p.Recipient); err != nil {
		return nil, Reject(ReasonInvalidPayload, "to: %v", err)
	}
	sig, err := solana.SignatureFromBase58(p.Signature)
	if err != nil {
		return nil, Reject(ReasonSignatureInvalid, "signature: %v", err)
	}
	if !sig.Verify(sender, p.AuthorizationMessage()) {
		return nil, Reject(ReasonSignatureInvalid, "signature does not verify for %s", p.Sender)
	}
	return &Payment{
		Sender:    p.Sender,
		Recipient: p.Recipient,
		Value:     p.Value,
		TxID:      p.TxID,
	}, nil
}

func (a *SolanaAuthenticator) authenticateOnChain(ctx context.Context, p *Proof, req Requirement) (*Payment, error) {
	if a.ledger == nil {
		return nil, Reject(ReasonNetworkUnsupported, "solana on-chain proofs are not enabled")
	}
	sig, err := solana.SignatureFromBase58(p.TxID)
	if err != nil {
		return nil, Reject(ReasonInvalidPayload, "txid: %v", err)
	}
	transfer, err := a.ledger.LookupTransfer(ctx, sig)
	if err != nil {
		return nil, Reject(ReasonLookupFailed, "transaction %s: %v", p.TxID, err)
	}
	if transfer == nil {
		return nil, Reject(ReasonLookupFailed, "transaction %s not confirmed", p.TxID)
	}
	if transfer.Failed {
		return nil, Reject(ReasonAmountInsufficient, "transaction %s failed", p.TxID)
	}

	var delta int64
	if p.Asset == "" || strings.EqualFold(p.Asset, AssetNative) || strings.EqualFold(p.Asset, "SOL") {
		delta = transfer.Lamports[req.Recipient]
	} else {
		delta = transfer.Tokens[p.Asset][req.Recipient]
	}
	if delta <= 0 {
		return nil, Reject(ReasonAmountInsufficient, "no transfer to %s", req.Recipient)
	}
	return &Payment{
		Sender:        transfer.FeePayer,
		Recipient:     req.Recipient,
		Value:         uint64(delta),
		TxID:          p.TxID,
		Confirmations: 1,
	}, nil
}
