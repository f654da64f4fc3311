// Package x402 verifies HTTP 402 payment proofs from several origin chains
// before the ledger applies them.
//
// A proof is either a signed authorization (the payer signs the transfer
// terms off-chain) or an on-chain reference (the payer already broadcast
// a transfer and supplies its transaction id). Every proof carries a nonce
// that is consumed at most once per network.
package x402

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Network names an origin chain.
type Network string

const (
	NetworkBSV         Network = "bsv"
	NetworkEthereum    Network = "ethereum"
	NetworkBase        Network = "base"
	NetworkBaseSepolia Network = "base-sepolia"
	NetworkSolana      Network = "solana"
)

// Family is the chain family that decides how a proof is authenticated.
type Family int

const (
	FamilyUnknown Family = iota
	FamilyUTXO
	FamilyEVM
	FamilySolana
)

func (f Family) String() string {
	switch f {
	case FamilyUTXO:
		return "utxo"
	case FamilyEVM:
		return "evm"
	case FamilySolana:
		return "solana"
	default:
		return "unknown"
	}
}

// Family returns the chain family of n.
func (n Network) Family() Family {
	switch n {
	case NetworkBSV:
		return FamilyUTXO
	case NetworkEthereum, NetworkBase, NetworkBaseSepolia:
		return FamilyEVM
	case NetworkSolana:
		return FamilySolana
	default:
		return FamilyUnknown
	}
}

// MinConfirmations is the depth an on-chain payment must reach on n.
func (n Network) MinConfirmations() uint64 {
	if n.Family() == FamilyEVM {
		return 3
	}
	return 1
}

// Networks lists every known network.
func Networks() []Network {
	return []Network{NetworkBSV, NetworkEthereum, NetworkBase, NetworkBaseSepolia, NetworkSolana}
}

// Scheme controls how much of an authorized value may be settled.
type Scheme string

const (
	// SchemeExact settles the authorized value in full.
	SchemeExact Scheme = "exact"
	// SchemeUpTo settles any amount up to the authorized value.
	SchemeUpTo Scheme = "upto"
)

// Proof is a claimed payment as submitted in the X-PAYMENT header.
type Proof struct {
	Network     Network `json:"network"`
	Scheme      Scheme  `json:"scheme"`
	Sender      string  `json:"from,omitempty"`
	Recipient   string  `json:"to,omitempty"`
	Value       uint64  `json:"value,omitempty"`
	Asset       string  `json:"asset,omitempty"`
	ValidAfter  int64   `json:"valid_after,omitempty"`
	ValidBefore int64   `json:"valid_before,omitempty"`
	Nonce       string  `json:"nonce,omitempty"`
	TxID        string  `json:"txid,omitempty"`
	Signature   string  `json:"signature,omitempty"`
	PublicKey   string  `json:"public_key,omitempty"`
}

// Signed reports whether p is an off-chain signed authorization.
func (p *Proof) Signed() bool {
	return p.Signature != ""
}

// NonceKey returns the replay key within the proof's network. Signed
// authorizations are keyed by their nonce. On-chain proofs are always keyed
// by transaction id, and any nonce they carry is ignored: one transaction
// pays once.
func (p *Proof) NonceKey() string {
	if p.Signed() {
		return normalizeKey(p.Network, p.Nonce)
	}
	return normalizeKey(p.Network, p.TxID)
}

func normalizeKey(n Network, key string) string {
	key = strings.TrimSpace(key)
	switch n.Family() {
	case FamilySolana:
		// base58 is case-sensitive.
		return key
	case FamilyEVM:
		key = strings.ToLower(key)
		if key != "" && !strings.HasPrefix(key, "0x") {
			key = "0x" + key
		}
		return key
	default:
		return strings.ToLower(key)
	}
}

// Ref returns the global replay reference "network:nonce".
func (p *Proof) Ref() string {
	return Ref(p.Network, p.NonceKey())
}

// Ref joins a network and a nonce key.
func Ref(n Network, nonce string) string {
	return string(n) + ":" + nonce
}

// Expiry returns when the proof's nonce may be forgotten, or the zero
// time when it never expires.
func (p *Proof) Expiry(grace time.Duration) time.Time {
	if p.ValidBefore == 0 {
		return time.Time{}
	}
	return time.Unix(p.ValidBefore, 0).Add(grace)
}

// validate checks shape only; authenticity is left to the Authenticator.
func (p *Proof) validate(now time.Time) *VerifyError {
	switch p.Scheme {
	case SchemeExact, SchemeUpTo:
	default:
		return Reject(ReasonInvalidPayload, "unknown scheme %q", p.Scheme)
	}
	if p.NonceKey() == "" {
		return Reject(ReasonInvalidPayload, "nonce or txid required")
	}
	if p.Signed() {
		if p.Sender == "" || p.Recipient == "" {
			return Reject(ReasonInvalidPayload, "signed authorization requires from and to")
		}
		if p.Value == 0 {
			return Reject(ReasonInvalidPayload, "signed authorization requires a value")
		}
		if p.Nonce == "" {
			return Reject(ReasonInvalidPayload, "signed authorization requires a nonce")
		}
		if p.ValidBefore == 0 {
			return Reject(ReasonInvalidPayload, "signed authorization requires valid_before")
		}
	} else if p.TxID == "" {
		return Reject(ReasonInvalidPayload, "on-chain proof requires txid")
	}
	if p.ValidBefore != 0 && p.ValidAfter >= p.ValidBefore {
		return Reject(ReasonInvalidPayload, "empty validity window [%d, %d]", p.ValidAfter, p.ValidBefore)
	}

	ts := now.Unix()
	if p.ValidAfter != 0 && ts < p.ValidAfter {
		return Reject(ReasonExpired, "not valid until %d", p.ValidAfter)
	}
	if p.ValidBefore != 0 && ts > p.ValidBefore {
		return Reject(ReasonExpired, "valid before %d, now %d", p.ValidBefore, ts)
	}
	return nil
}

// AuthorizationMessage is the canonical byte string signed by BSV and
// Solana authorizations.
func (p *Proof) AuthorizationMessage() []byte {
	fields := []string{
		"x402",
		string(p.Network),
		string(p.Scheme),
		p.Sender,
		p.Recipient,
		strconv.FormatUint(p.Value, 10),
		p.Asset,
		strconv.FormatInt(p.ValidAfter, 10),
		strconv.FormatInt(p.ValidBefore, 10),
		p.Nonce,
	}
	return []byte(strings.Join(fields, "|"))
}

// Requirement is what the resource server needs to be paid.
type Requirement struct {
	Network   Network `json:"network"`
	Scheme    Scheme  `json:"scheme,omitempty"`
	Recipient string  `json:"pay_to"`
	Amount    uint64  `json:"max_amount_required"`
	Asset     string  `json:"asset,omitempty"`
	Resource  string  `json:"resource,omitempty"`
}

// Payment is what an Authenticator established about a proof.
type Payment struct {
	Sender        string
	Recipient     string
	Value         uint64 // authorized or observed on chain
	TxID          string
	Confirmations uint64
}

// Result is a successful verification.
type Result struct {
	Network       Network   `json:"network"`
	Scheme        Scheme    `json:"scheme"`
	Ref           string    `json:"ref"`
	Nonce         string    `json:"nonce"`
	TxID          string    `json:"txid,omitempty"`
	Sender        string    `json:"from"`
	Recipient     string    `json:"to"`
	Asset         string    `json:"asset,omitempty"`
	Value         uint64    `json:"value"`  // authorized or transferred
	Amount        uint64    `json:"amount"` // settled against the requirement
	Confirmations uint64    `json:"confirmations,omitempty"`
	VerifiedAt    time.Time `json:"verified_at"`
}

func (r *Result) String() string {
	return fmt.Sprintf("%s %d from %s", r.Ref, r.Amount, r.Sender)
}
