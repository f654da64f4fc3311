package x402

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	ec "github.com/bsv-blockchain/go-sdk/primitives/ec"
	"github.com/bsv-blockchain/go-sdk/script"
	"github.com/bsv-blockchain/go-sdk/transaction"

	"github.com/bitfsorg/path402-go/network"
)

// BSVAuthenticator verifies BSV proofs: signed authorizations over the
// canonical authorization message, and on-chain P2PKH payments looked up
// through a BlockchainService.
type BSVAuthenticator struct {
	chain            network.BlockchainService
	minConfirmations uint64
}

var _ Authenticator = (*BSVAuthenticator)(nil)

// NewBSVAuthenticator creates a BSV authenticator. chain may be nil when
// only signed authorizations are accepted.
func NewBSVAuthenticator(chain network.BlockchainService) *BSVAuthenticator {
	return &BSVAuthenticator{
		chain:            chain,
		minConfirmations: NetworkBSV.MinConfirmations(),
	}
}

// WithMinConfirmations overrides the required depth. Zero accepts
// mempool transactions.
func (a *BSVAuthenticator) WithMinConfirmations(n uint64) *BSVAuthenticator {
	a.minConfirmations = n
	return a
}

// Authenticate implements Authenticator.
func (a *BSVAuthenticator) Authenticate(ctx context.Context, p *Proof, req Requirement) (*Payment, error) {
	if p.Signed() {
		return a.authenticateSigned(p)
	}
	return a.authenticateOnChain(ctx, p, req)
}

func (a *BSVAuthenticator) authenticateSigned(p *Proof) (*Payment, error) {
	pubBytes, err := hex.DecodeString(p.PublicKey)
	if err != nil || len(pubBytes) == 0 {
		return nil, Reject(ReasonInvalidPayload, "public_key must be hex")
	}
	pub, err := ec.PublicKeyFromBytes(pubBytes)
	if err != nil {
		return nil, Reject(ReasonInvalidPayload, "public key: %v", err)
	}
	sigBytes, err := hex.DecodeString(p.Signature)
	if err != nil {
		return nil, Reject(ReasonInvalidPayload, "signature must be hex")
	}
	sig, err := ec.ParseDERSignature(sigBytes)
	if err != nil {
		return nil, Reject(ReasonSignatureInvalid, "malformed DER signature: %v", err)
	}

	sender, err := script.NewAddressFromString(p.Sender)
	if err != nil {
		return nil, Reject(ReasonInvalidPayload, "sender address: %v", err)
	}
	signer, err := script.NewAddressFromPublicKey(pub, true)
	if err != nil {
		return nil, Reject(ReasonInvalidPayload, "signer address: %v", err)
	}
	if !bytes.Equal(signer.PublicKeyHash, sender.PublicKeyHash) {
		return nil, Reject(ReasonSignatureInvalid, "public key does not belong to %s", p.Sender)
	}

	hash := sha256.Sum256(p.AuthorizationMessage())
	if !sig.Verify(hash[:], pub) {
		return nil, Reject(ReasonSignatureInvalid, "signature does not verify")
	}
	return &Payment{
		Sender:    p.Sender,
		Recipient: p.Recipient,
		Value:     p.Value,
		TxID:      strings.ToLower(p.TxID),
	}, nil
}

func (a *BSVAuthenticator) authenticateOnChain(ctx context.Context, p *Proof, req Requirement) (*Payment, error) {
	if a.chain == nil {
		return nil, Reject(ReasonNetworkUnsupported, "bsv on-chain proofs are not enabled")
	}
	txid := strings.ToLower(p.TxID)
	if len(txid) != 64 {
		return nil, Reject(ReasonInvalidPayload, "txid must be 64 hex chars")
	}

	raw, err := a.chain.GetRawTx(ctx, txid)
	if err != nil {
		return nil, Reject(ReasonLookupFailed, "get tx %s: %v", txid, err)
	}
	sdkTx, err := transaction.NewTransactionFromBytes(raw)
	if err != nil {
		return nil, Reject(ReasonInvalidPayload, "decode tx: %v", err)
	}
	if got := sdkTx.TxID().String(); got != txid {
		return nil, Reject(ReasonSignatureInvalid, "oracle returned tx %s for %s", got, txid)
	}

	paid, err := PaidToAddress(sdkTx, req.Recipient)
	if err != nil {
		return nil, Reject(ReasonInvalidPayload, "%v", err)
	}
	if paid == 0 {
		return nil, Reject(ReasonAmountInsufficient, "no output pays %s", req.Recipient)
	}

	depth, err := a.depth(ctx, txid)
	if err != nil {
		return nil, Reject(ReasonLookupFailed, "tx status %s: %v", txid, err)
	}
	if depth < a.minConfirmations {
		return nil, Reject(ReasonLookupFailed, "confirmations %d/%d", depth, a.minConfirmations)
	}

	return &Payment{
		Sender:        InputSender(sdkTx),
		Recipient:     req.Recipient,
		Value:         paid,
		TxID:          txid,
		Confirmations: depth,
	}, nil
}

func (a *BSVAuthenticator) depth(ctx context.Context, txid string) (uint64, error) {
	if a.minConfirmations == 0 {
		return 0, nil
	}
	status, err := a.chain.GetTxStatus(ctx, txid)
	if err != nil {
		if errors.Is(err, network.ErrTxNotFound) {
			return 0, nil
		}
		return 0, err
	}
	tip, err := a.chain.GetBestBlockHeight(ctx)
	if err != nil {
		return 0, err
	}
	return status.Depth(tip), nil
}

// PaidToAddress sums the P2PKH outputs of tx paying addr.
func PaidToAddress(sdkTx *transaction.Transaction, addr string) (uint64, error) {
	expected, err := script.NewAddressFromString(addr)
	if err != nil {
		return 0, fmt.Errorf("recipient address: %w", err)
	}
	var total uint64
	for _, output := range sdkTx.Outputs {
		if output.LockingScript == nil || !output.LockingScript.IsP2PKH() {
			continue
		}
		pkh, err := output.LockingScript.PublicKeyHash()
		if err != nil {
			continue
		}
		if bytes.Equal(pkh, expected.PublicKeyHash) {
			total += output.Satoshis
		}
	}
	return total, nil
}

// InputSender returns the mainnet address of the public key revealed by the
// first input's P2PKH unlocking script, or "" when it has none.
func InputSender(sdkTx *transaction.Transaction) string {
	if len(sdkTx.Inputs) == 0 || sdkTx.Inputs[0].UnlockingScript == nil {
		return ""
	}
	chunks, err := sdkTx.Inputs[0].UnlockingScript.Chunks()
	if err != nil || len(chunks) != 2 {
		return ""
	}
	pub, err := ec.PublicKeyFromBytes(chunks[1].Data)
	if err != nil {
		return ""
	}
	addr, err := script.NewAddressFromPublicKey(pub, true)
	if err != nil {
		return ""
	}
	return addr.AddressString
}
