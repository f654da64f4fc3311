// Package network talks to a BSV node. It is the chain oracle used to look
// up payment transactions and the broadcaster used to settle notarization
// and payout transactions.
package network

import "context"

// BlockchainService is the node surface the engine depends on.
type BlockchainService interface {
	// ListUnspent returns all unspent transaction outputs for the given address.
	ListUnspent(ctx context.Context, address string) ([]*UTXO, error)

	// GetUTXO returns a specific unspent transaction output by txid and output index.
	GetUTXO(ctx context.Context, txid string, vout uint32) (*UTXO, error)

	// BroadcastTx submits a raw transaction hex to the network and returns the txid.
	BroadcastTx(ctx context.Context, rawTxHex string) (string, error)

	// GetRawTx returns the raw transaction bytes for the given txid.
	GetRawTx(ctx context.Context, txid string) ([]byte, error)

	// GetTxStatus returns the confirmation status of a transaction.
	GetTxStatus(ctx context.Context, txid string) (*TxStatus, error)

	// GetBestBlockHeight returns the height of the current chain tip.
	GetBestBlockHeight(ctx context.Context) (uint64, error)

	// ImportAddress registers a watch-only address with the node wallet so
	// that ListUnspent can see its outputs. Importing twice is a no-op.
	ImportAddress(ctx context.Context, address string) error
}

// UTXO represents an unspent transaction output.
type UTXO struct {
	TxID          string `json:"txid"`
	Vout          uint32 `json:"vout"`
	Amount        uint64 `json:"amount"`
	ScriptPubKey  string `json:"script_pubkey"`
	Address       string `json:"address"`
	Confirmations int64  `json:"confirmations"`
}

// TxStatus represents the confirmation status of a transaction.
type TxStatus struct {
	Confirmed     bool   `json:"confirmed"`
	Confirmations int64  `json:"confirmations"`
	BlockHash     string `json:"block_hash"`
	BlockHeight   uint64 `json:"block_height"`
}

// Depth returns the number of blocks that bury a transaction given the
// current tip height. Unconfirmed transactions have depth 0.
func (s *TxStatus) Depth(tip uint64) uint64 {
	if s == nil || !s.Confirmed {
		return 0
	}
	if s.BlockHeight > 0 && tip >= s.BlockHeight {
		return tip - s.BlockHeight + 1
	}
	if s.Confirmations > 0 {
		return uint64(s.Confirmations)
	}
	return 0
}
