package tx

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	ec "github.com/bsv-blockchain/go-sdk/primitives/ec"
	"github.com/bsv-blockchain/go-sdk/script"
	"go.uber.org/zap"

	"github.com/bitfsorg/path402-go/network"
)

// BroadcastFunc publishes a built transaction and returns its txid.
type BroadcastFunc func(ctx context.Context, built *Built) (string, error)

// Funder funds and signs transactions from the P2PKH outputs of one key.
type Funder struct {
	chain   network.BlockchainService
	key     *ec.PrivateKey
	address string
	pkh     []byte
	feeRate uint64
	logger  *zap.Logger

	// mu serializes coin selection; spent holds outpoints consumed by
	// broadcasts the node may not have indexed yet.
	mu    sync.Mutex
	spent map[string]struct{}
}

// FunderOption configures a Funder.
type FunderOption func(*Funder)

// WithFeeRate sets the fee rate in sat/KB.
func WithFeeRate(rate uint64) FunderOption {
	return func(f *Funder) {
		if rate > 0 {
			f.feeRate = rate
		}
	}
}

// WithFunderLogger sets the funder logger.
func WithFunderLogger(l *zap.Logger) FunderOption {
	return func(f *Funder) { f.logger = l }
}

// NewFunder creates a Funder spending from key's P2PKH address.
func NewFunder(chain network.BlockchainService, key *ec.PrivateKey, mainnet bool, opts ...FunderOption) (*Funder, error) {
	if chain == nil || key == nil {
		return nil, fmt.Errorf("%w: chain and key are required", ErrNilParam)
	}
	addr, err := script.NewAddressFromPublicKey(key.PubKey(), mainnet)
	if err != nil {
		return nil, fmt.Errorf("%w: address: %w", ErrScriptBuild, err)
	}
	f := &Funder{
		chain:   chain,
		key:     key,
		address: addr.AddressString,
		pkh:     addr.PublicKeyHash,
		feeRate: DefaultFeeRate,
		logger:  zap.NewNop(),
		spent:   make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

// Address returns the funding address.
func (f *Funder) Address() string {
	return f.address
}

// Settle funds b from the key's unspent outputs, builds it with change
// back to the key and hands it to broadcast. Outputs spent by a successful
// broadcast are not selected again.
func (f *Funder) Settle(ctx context.Context, b *Builder, broadcast BroadcastFunc) (*Built, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	utxos, err := f.chain.ListUnspent(ctx, f.address)
	if err != nil {
		return nil, "", fmt.Errorf("tx: list unspent %s: %w", f.address, err)
	}

	b.SetFeeRate(f.feeRate).SetChange(f.pkh)
	used, err := f.fund(b, utxos)
	if err != nil {
		return nil, "", err
	}
	built, err := b.Build()
	if err != nil {
		return nil, "", err
	}
	txid, err := broadcast(ctx, built)
	if err != nil {
		return nil, "", err
	}
	if txid == "" {
		txid = built.TxID
	}
	for _, u := range used {
		f.spent[outpoint(u.TxID, u.Vout)] = struct{}{}
	}
	return built, txid, nil
}

// fund adds the largest spendable UTXOs until the builder is covered.
func (f *Funder) fund(b *Builder, utxos []*network.UTXO) ([]*network.UTXO, error) {
	candidates := make([]*network.UTXO, 0, len(utxos))
	for _, u := range utxos {
		if u != nil {
			candidates = append(candidates, u)
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].Amount > candidates[j].Amount })

	live := make(map[string]struct{}, len(candidates))
	var (
		used  []*network.UTXO
		total uint64
	)
	for _, u := range candidates {
		op := outpoint(u.TxID, u.Vout)
		live[op] = struct{}{}
		if _, ok := f.spent[op]; ok || u.Amount == 0 || total >= b.Required() {
			continue
		}
		in, err := FromNetworkUTXO(u, f.key)
		if err != nil {
			f.logger.Warn("skipping unusable utxo", zap.String("outpoint", op), zap.Error(err))
			continue
		}
		b.AddInput(in)
		used = append(used, u)
		total += u.Amount
	}
	// Forget spent outpoints the node no longer reports.
	for op := range f.spent {
		if _, ok := live[op]; !ok {
			delete(f.spent, op)
		}
	}
	if total < b.Required() {
		return nil, fmt.Errorf("%w: need %d sat, have %d sat at %s",
			ErrInsufficientFunds, b.Required(), total, f.address)
	}
	return used, nil
}

func outpoint(txid string, vout uint32) string {
	return fmt.Sprintf("%s:%d", strings.ToLower(txid), vout)
}
