package wallet

import (
	"fmt"

	bip32 "github.com/bsv-blockchain/go-sdk/compat/bip32"
	ec "github.com/bsv-blockchain/go-sdk/primitives/ec"
	"github.com/bsv-blockchain/go-sdk/script"
	chaincfg "github.com/bsv-blockchain/go-sdk/transaction/chaincfg"
)

const (
	// PurposeBIP44 and CoinTypePath402 root every operator key at
	// m/44'/402'.
	PurposeBIP44    = 44
	CoinTypePath402 = 402

	// Hardened is the BIP32 hardened offset.
	Hardened = 0x80000000
)

// Role selects the BIP44 account a key belongs to.
type Role uint32

const (
	// RolePayee receives acquisition payments on BSV.
	RolePayee Role = iota
	// RoleNotary funds and signs notarization inscriptions.
	RoleNotary
	// RolePayout funds dividend payouts.
	RolePayout
)

var roleNames = map[Role]string{
	RolePayee:  "payee",
	RoleNotary: "notary",
	RolePayout: "payout",
}

func (r Role) String() string {
	if name, ok := roleNames[r]; ok {
		return name
	}
	return fmt.Sprintf("role(%d)", uint32(r))
}

// Roles lists every operator role in account order.
func Roles() []Role {
	return []Role{RolePayee, RoleNotary, RolePayout}
}

// Keyring derives the operator's role keys from a BIP39 seed.
type Keyring struct {
	master  *bip32.ExtendedKey
	network string
}

// KeyPair holds a derived key pair and its P2PKH address.
type KeyPair struct {
	PrivateKey *ec.PrivateKey `json:"-"`
	PublicKey  *ec.PublicKey  `json:"public_key"`
	Address    string         `json:"address"`
	Path       string         `json:"path"`
}

// PubKeyHash returns the 20-byte HASH160 of the compressed public key.
func (kp *KeyPair) PubKeyHash() []byte {
	addr, err := script.NewAddressFromPublicKey(kp.PublicKey, true)
	if err != nil {
		return nil
	}
	return addr.PublicKeyHash
}

// NewKeyring creates a Keyring for network ("mainnet", "testnet" or "regtest").
func NewKeyring(seed []byte, network string) (*Keyring, error) {
	if len(seed) == 0 {
		return nil, ErrInvalidSeed
	}
	var params *chaincfg.Params
	switch network {
	case "mainnet":
		params = &chaincfg.MainNet
	case "testnet", "regtest":
		params = &chaincfg.TestNet
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidNetwork, network)
	}

	master, err := bip32.NewMaster(seed, params)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDerivationFailed, err)
	}
	return &Keyring{master: master, network: network}, nil
}

// Network returns the network name the keyring was created for.
func (k *Keyring) Network() string {
	return k.network
}

// Mainnet reports whether addresses use the mainnet version byte.
func (k *Keyring) Mainnet() bool {
	return k.network == "mainnet"
}

// Derive returns the key at m/44'/402'/role'/0/index.
func (k *Keyring) Derive(role Role, index uint32) (*KeyPair, error) {
	if _, ok := roleNames[role]; !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownRole, uint32(role))
	}
	if index >= Hardened {
		return nil, fmt.Errorf("%w: index %d is hardened", ErrDerivationFailed, index)
	}

	path := []uint32{
		PurposeBIP44 + Hardened,
		CoinTypePath402 + Hardened,
		uint32(role) + Hardened,
		0,
		index,
	}
	current := k.master
	for depth, child := range path {
		next, err := current.Child(child)
		if err != nil {
			return nil, fmt.Errorf("%w: depth %d: %w", ErrDerivationFailed, depth, err)
		}
		current = next
	}

	priv, err := current.ECPrivKey()
	if err != nil {
		return nil, fmt.Errorf("%w: failed to extract EC private key: %w", ErrDerivationFailed, err)
	}
	pub := priv.PubKey()
	addr, err := script.NewAddressFromPublicKey(pub, k.Mainnet())
	if err != nil {
		return nil, fmt.Errorf("%w: address: %w", ErrDerivationFailed, err)
	}
	return &KeyPair{
		PrivateKey: priv,
		PublicKey:  pub,
		Address:    addr.AddressString,
		Path:       fmt.Sprintf("m/44'/%d'/%d'/0/%d", CoinTypePath402, uint32(role), index),
	}, nil
}

// RoleKey is Derive(role, 0).
func (k *Keyring) RoleKey(role Role) (*KeyPair, error) {
	return k.Derive(role, 0)
}
