package x402

import (
	"context"
	"encoding/hex"
	"math/big"
	"strings"

	ethcrypto "github.com/luxfi/crypto"
	ethcommon "github.com/luxfi/geth/common"
	"github.com/luxfi/geth/core/types"
	gethcrypto "github.com/luxfi/crypto"
	"github.com/luxfi/geth/ethclient"
)

// EVMDomain is the EIP-712 domain of an EIP-3009 token contract.
type EVMDomain struct {
	Name              string
	Version           string
	ChainID           uint64
	VerifyingContract ethcommon.Address
}

// DefaultEVMDomains are the USDC deployments accepted by default.
var DefaultEVMDomains = map[Network]EVMDomain{
	NetworkEthereum: {
		Name: "USD Coin", Version: "2", ChainID: 1,
		VerifyingContract: ethcommon.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"),
	},
	NetworkBase: {
		Name: "USD Coin", Version: "2", ChainID: 8453,
		VerifyingContract: ethcommon.HexToAddress("0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913"),
	},
	NetworkBaseSepolia: {
		Name: "USDC", Version: "2", ChainID: 84532,
		VerifyingContract: ethcommon.HexToAddress("0x036CbD53842c5426634e7929541eC2318f3dCF7e"),
	},
}

// AssetNative selects the chain's native coin instead of the domain token.
const AssetNative = "native"

var (
	eip712DomainType = ethcrypto.Keccak256([]byte(
		"EIP712Domain(string name,string version,uint256 chainId,address verifyingContract)"))
	transferWithAuthorizationType = ethcrypto.Keccak256([]byte(
		"TransferWithAuthorization(address from,address to,uint256 value,uint256 validAfter,uint256 validBefore,bytes32 nonce)"))
	erc20TransferTopic = ethcommon.BytesToHash(ethcrypto.Keccak256([]byte("Transfer(address,address,uint256)")))
)

// EVMReader is the subset of ethclient.Client used for on-chain proofs.
type EVMReader interface {
	TransactionByHash(ctx context.Context, hash ethcommon.Hash) (*types.Transaction, bool, error)
	TransactionReceipt(ctx context.Context, hash ethcommon.Hash) (*types.Receipt, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

var _ EVMReader = (*ethclient.Client)(nil)

// DialEVM connects an EVMReader to a JSON-RPC endpoint.
func DialEVM(ctx context.Context, rpcURL string) (*ethclient.Client, error) {
	return ethclient.DialContext(ctx, rpcURL)
}

// EVMAuthenticator verifies EIP-3009 transfer authorizations and, when a
// reader is configured, on-chain native or ERC-20 transfers.
type EVMAuthenticator struct {
	network          Network
	domain           EVMDomain
	reader           EVMReader
	minConfirmations uint64
}

var _ Authenticator = (*EVMAuthenticator)(nil)

// NewEVMAuthenticator creates an authenticator for network n. reader may be
// nil when only signed authorizations are accepted.
func NewEVMAuthenticator(n Network, domain EVMDomain, reader EVMReader) *EVMAuthenticator {
	return &EVMAuthenticator{
		network:          n,
		domain:           domain,
		reader:           reader,
		minConfirmations: n.MinConfirmations(),
	}
}

// Authenticate implements Authenticator.
func (a *EVMAuthenticator) Authenticate(ctx context.Context, p *Proof, req Requirement) (*Payment, error) {
	if p.Signed() {
		return a.authenticateSigned(p)
	}
	return a.authenticateOnChain(ctx, p, req)
}

// TransferAuthorizationDigest returns the EIP-712 digest a payer signs for
// transferWithAuthorization.
func TransferAuthorizationDigest(d EVMDomain, from, to ethcommon.Address, value uint64, validAfter, validBefore int64, nonce [32]byte) []byte {
	domainSeparator := ethcrypto.Keccak256(
		eip712DomainType,
		ethcrypto.Keccak256([]byte(d.Name)),
		ethcrypto.Keccak256([]byte(d.Version)),
		word(new(big.Int).SetUint64(d.ChainID)),
		ethcommon.LeftPadBytes(d.VerifyingContract.Bytes(), 32),
	)
	structHash := ethcrypto.Keccak256(
		transferWithAuthorizationType,
		ethcommon.LeftPadBytes(from.Bytes(), 32),
		ethcommon.LeftPadBytes(to.Bytes(), 32),
		word(new(big.Int).SetUint64(value)),
		word(big.NewInt(validAfter)),
		word(big.NewInt(validBefore)),
		nonce[:],
	)
	return ethcrypto.Keccak256([]byte{0x19, 0x01}, domainSeparator, structHash)
}

func word(v *big.Int) []byte {
	return v.FillBytes(make([]byte, 32))
}

func decodeHex(s string) ([]byte, error) {
	return hex.DecodeString(strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X"))
}

// ParseEVMNonce decodes a 0x-prefixed 32-byte nonce.
func ParseEVMNonce(s string) ([32]byte, bool) {
	var out [32]byte
	b, err := decodeHex(s)
	if err != nil || len(b) != 32 {
		return out, false
	}
	copy(out[:], b)
	return out, true
}

func (a *EVMAuthenticator) authenticateSigned(p *Proof) (*Payment, error) {
	if !ethcommon.IsHexAddress(p.Sender) || !ethcommon.IsHexAddress(p.Recipient) {
		return nil, Reject(ReasonInvalidPayload, "from and to must be hex addresses")
	}
	if p.Asset != "" && ethcommon.IsHexAddress(p.Asset) &&
		ethcommon.HexToAddress(p.Asset) != a.domain.VerifyingContract {
		return nil, Reject(ReasonInvalidPayload, "asset %s is not %s", p.Asset, a.domain.VerifyingContract.Hex())
	}
	nonce, ok := ParseEVMNonce(p.Nonce)
	if !ok {
		return nil, Reject(ReasonInvalidPayload, "nonce must be 32 bytes hex")
	}
	sig, err := decodeHex(p.Signature)
	if err != nil || len(sig) != 65 {
		return nil, Reject(ReasonSignatureInvalid, "signature must be 65 bytes hex")
	}
	sig = append([]byte{}, sig...)
	if sig[64] >= 27 {
		sig[64] -= 27
	}
	if sig[64] > 1 {
		return nil, Reject(ReasonSignatureInvalid, "bad recovery id %d", sig[64])
	}

	from := ethcommon.HexToAddress(p.Sender)
	to := ethcommon.HexToAddress(p.Recipient)
	digest := TransferAuthorizationDigest(a.domain, from, to, p.Value, p.ValidAfter, p.ValidBefore, nonce)
	pub, err := gethcrypto.SigToPub(digest, sig)
	if err != nil {
		return nil, Reject(ReasonSignatureInvalid, "recover signer: %v", err)
	}
	if signer := ethcommon.PubkeyToAddress(*pub); signer != from {
		return nil, Reject(ReasonSignatureInvalid, "signer %s is not %s", signer.Hex(), from.Hex())
	}
	return &Payment{
		Sender:    from.Hex(),
		Recipient: to.Hex(),
		Value:     p.Value,
		TxID:      strings.ToLower(p.TxID),
	}, nil
}

func (a *EVMAuthenticator) authenticateOnChain(ctx context.Context, p *Proof, req Requirement) (*Payment, error) {
	if a.reader == nil {
		return nil, Reject(ReasonNetworkUnsupported, "%s on-chain proofs are not enabled", a.network)
	}
	if !ethcommon.IsHexAddress(req.Recipient) {
		return nil, Reject(ReasonInvalidPayload, "recipient %q is not an address", req.Recipient)
	}
	raw, err := decodeHex(p.TxID)
	if err != nil || len(raw) != 32 {
		return nil, Reject(ReasonInvalidPayload, "txid must be 32 bytes hex")
	}
	hash := ethcommon.BytesToHash(raw)
	recipient := ethcommon.HexToAddress(req.Recipient)

	txn, pending, err := a.reader.TransactionByHash(ctx, hash)
	if err != nil {
		return nil, Reject(ReasonLookupFailed, "transaction %s: %v", hash.Hex(), err)
	}
	if pending {
		return nil, Reject(ReasonLookupFailed, "transaction %s is pending", hash.Hex())
	}
	receipt, err := a.reader.TransactionReceipt(ctx, hash)
	if err != nil {
		return nil, Reject(ReasonLookupFailed, "receipt %s: %v", hash.Hex(), err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return nil, Reject(ReasonAmountInsufficient, "transaction %s reverted", hash.Hex())
	}
	tip, err := a.reader.BlockNumber(ctx)
	if err != nil {
		return nil, Reject(ReasonLookupFailed, "block number: %v", err)
	}
	var depth uint64
	if receipt.BlockNumber != nil && tip >= receipt.BlockNumber.Uint64() {
		depth = tip - receipt.BlockNumber.Uint64() + 1
	}
	if depth < a.minConfirmations {
		return nil, Reject(ReasonLookupFailed, "confirmations %d/%d", depth, a.minConfirmations)
	}

	var (
		paid   *big.Int
		sender string
	)
	if strings.EqualFold(p.Asset, AssetNative) {
		if txn.To() == nil || *txn.To() != recipient {
			return nil, Reject(ReasonAmountInsufficient, "transaction does not pay %s", recipient.Hex())
		}
		paid = txn.Value()
		if from, err := types.Sender(types.LatestSignerForChainID(txn.ChainId()), txn); err == nil {
			sender = from.Hex()
		}
	} else {
		token := a.domain.VerifyingContract
		if ethcommon.IsHexAddress(p.Asset) {
			token = ethcommon.HexToAddress(p.Asset)
		}
		paid, sender = erc20Paid(receipt, token, recipient)
	}
	if paid == nil || paid.Sign() == 0 {
		return nil, Reject(ReasonAmountInsufficient, "no transfer to %s", recipient.Hex())
	}
	if !paid.IsUint64() {
		return nil, Reject(ReasonAmountMismatch, "transfer of %s overflows", paid)
	}
	return &Payment{
		Sender:        sender,
		Recipient:     recipient.Hex(),
		Value:         paid.Uint64(),
		TxID:          strings.ToLower(hash.Hex()),
		Confirmations: depth,
	}, nil
}

// erc20Paid sums Transfer events of token to recipient in receipt.
func erc20Paid(receipt *types.Receipt, token, recipient ethcommon.Address) (*big.Int, string) {
	total := new(big.Int)
	sender := ""
	to := ethcommon.BytesToHash(recipient.Bytes())
	for _, lg := range receipt.Logs {
		if lg == nil || lg.Address != token || len(lg.Topics) != 3 {
			continue
		}
		if lg.Topics[0] != erc20TransferTopic || lg.Topics[2] != to {
			continue
		}
		total.Add(total, new(big.Int).SetBytes(lg.Data))
		if sender == "" {
			sender = ethcommon.BytesToAddress(lg.Topics[1].Bytes()).Hex()
		}
	}
	return total, sender
}
