package tx

import (
	"encoding/hex"
	"fmt"
	"sort"

	"github.com/bsv-blockchain/go-sdk/chainhash"
	ec "github.com/bsv-blockchain/go-sdk/primitives/ec"

	"github.com/bitfsorg/path402-go/network"
)

// UTXO is a spendable output together with the key that unlocks it.
type UTXO struct {
	TxID         []byte         `json:"txid"`          // 32 bytes, internal byte order
	Vout         uint32         `json:"vout"`
	Amount       uint64         `json:"amount"`        // satoshis
	ScriptPubKey []byte         `json:"script_pubkey"` // locking script bytes
	PrivateKey   *ec.PrivateKey `json:"-"`
}

// FromNetworkUTXO converts a node-reported output into a spendable UTXO
// signed by key. The node reports txids in display (reversed) order.
func FromNetworkUTXO(u *network.UTXO, key *ec.PrivateKey) (*UTXO, error) {
	if u == nil {
		return nil, fmt.Errorf("%w: utxo", ErrNilParam)
	}
	hash, err := chainhash.NewHashFromHex(u.TxID)
	if err != nil {
		return nil, fmt.Errorf("%w: txid %q: %w", ErrInvalidParams, u.TxID, err)
	}
	scriptBytes, err := hex.DecodeString(u.ScriptPubKey)
	if err != nil {
		return nil, fmt.Errorf("%w: script %q: %w", ErrInvalidParams, u.ScriptPubKey, err)
	}
	return &UTXO{
		TxID:         hash.CloneBytes(),
		Vout:         u.Vout,
		Amount:       u.Amount,
		ScriptPubKey: scriptBytes,
		PrivateKey:   key,
	}, nil
}

// SelectUTXOs picks outputs largest-first until their total reaches target.
// The input slice is not modified.
func SelectUTXOs(utxos []*UTXO, target uint64) ([]*UTXO, uint64, error) {
	sorted := make([]*UTXO, 0, len(utxos))
	for _, u := range utxos {
		if u != nil && u.Amount > 0 {
			sorted = append(sorted, u)
		}
	}
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Amount > sorted[j].Amount })

	var total uint64
	for i, u := range sorted {
		total += u.Amount
		if total >= target {
			return sorted[:i+1], total, nil
		}
	}
	return nil, total, fmt.Errorf("%w: need %d sat, have %d sat", ErrInsufficientFunds, target, total)
}
