package notary

import (
	"bytes"
	"context"
	"encoding/hex"
	"sync"
	"testing"

	ec "github.com/bsv-blockchain/go-sdk/primitives/ec"
	"github.com/bsv-blockchain/go-sdk/transaction"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bitfsorg/path402-go/network"
	"github.com/bitfsorg/path402-go/tx"
)

// memChain stores broadcast transactions and serves a fixed UTXO set.
type memChain struct {
	mu    sync.Mutex
	utxos []*network.UTXO
	txs   map[string][]byte
}

func newMemChain() *memChain {
	return &memChain{txs: make(map[string][]byte)}
}

func (c *memChain) service() *network.MockBlockchainService {
	return &network.MockBlockchainService{
		ListUnspentFn: func(context.Context, string) ([]*network.UTXO, error) {
			c.mu.Lock()
			defer c.mu.Unlock()
			out := make([]*network.UTXO, len(c.utxos))
			copy(out, c.utxos)
			return out, nil
		},
		BroadcastTxFn: func(_ context.Context, rawHex string) (string, error) {
			raw, err := hex.DecodeString(rawHex)
			if err != nil {
				return "", err
			}
			parsed, err := transaction.NewTransactionFromBytes(raw)
			if err != nil {
				return "", err
			}
			c.mu.Lock()
			defer c.mu.Unlock()
			txid := parsed.TxID().String()
			c.txs[txid] = raw
			return txid, nil
		},
		GetRawTxFn: func(_ context.Context, txid string) ([]byte, error) {
			c.mu.Lock()
			defer c.mu.Unlock()
			raw, ok := c.txs[txid]
			if !ok {
				return nil, network.ErrTxNotFound
			}
			return raw, nil
		},
	}
}

func (c *memChain) fund(t *testing.T, key *ec.PrivateKey, amounts ...uint64) {
	t.Helper()
	lock, err := tx.BuildP2PKHScript(key.PubKey())
	require.NoError(t, err)
	for i, amt := range amounts {
		c.utxos = append(c.utxos, &network.UTXO{
			TxID:         hex.EncodeToString(bytes.Repeat([]byte{byte(i + 1)}, 32)),
			Vout:         uint32(i),
			Amount:       amt,
			ScriptPubKey: hex.EncodeToString(lock),
		})
	}
}

func testReceipt() Receipt {
	return Receipt{
		OriginNetwork: "base",
		OriginRef:     "base:0x0101",
		Parties:       []string{"0xPayer", "0xPayee"},
		Amount:        1_000_000,
		Asset:         "USDC",
		Signature:     []byte{0xde, 0xad, 0xbe, 0xef},
		TokenID:       "tok_01h455vb4pex5vsknk084sn02q",
		Units:         42,
		Timestamp:     1_700_000_000,
	}
}

func newTestNotary(t *testing.T, amounts ...uint64) (*Notary, *memChain) {
	t.Helper()
	key, err := ec.NewPrivateKey()
	require.NoError(t, err)
	chain := newMemChain()
	chain.fund(t, key, amounts...)
	n, err := New(chain.service(), key, true)
	require.NoError(t, err)
	return n, chain
}

func TestCommitResolveRoundTrip(t *testing.T) {
	n, _ := newTestNotary(t, 10_000)
	r := testReceipt()

	ins, err := n.Commit(context.Background(), r)
	require.NoError(t, err)
	require.Len(t, ins.TxID, 64)
	assert.Equal(t, uint32(0), ins.Vout)

	got, err := n.Resolve(context.Background(), ins.TxID)
	require.NoError(t, err)
	assert.Equal(t, ins.TxID, got.TxID)
	assert.Equal(t, r.Record(), got.Record)
	assert.Len(t, got.Record.SignatureDigest, 32)
	assert.Equal(t, []string{"0xPayer", "0xPayee"}, got.Record.Parties)
}

func TestCommit_DoesNotReuseSpentOutputs(t *testing.T) {
	n, chain := newTestNotary(t, 5_000, 4_000)

	first, err := n.Commit(context.Background(), testReceipt())
	require.NoError(t, err)

	r := testReceipt()
	r.OriginRef = "base:0x0202"
	second, err := n.Commit(context.Background(), r)
	require.NoError(t, err)

	spends := func(txid string) string {
		parsed, err := transaction.NewTransactionFromBytes(chain.txs[txid])
		require.NoError(t, err)
		return parsed.Inputs[0].SourceTXID.String()
	}
	assert.NotEqual(t, spends(first.TxID), spends(second.TxID))

	r.OriginRef = "base:0x0303"
	_, err = n.Commit(context.Background(), r)
	assert.ErrorIs(t, err, ErrInsufficientFunds)
}

func TestCommit_Errors(t *testing.T) {
	n, _ := newTestNotary(t)
	_, err := n.Commit(context.Background(), testReceipt())
	assert.ErrorIs(t, err, ErrInsufficientFunds)

	r := testReceipt()
	r.OriginRef = ""
	_, err = n.Commit(context.Background(), r)
	assert.ErrorIs(t, err, ErrInvalidPayload)

	_, err = New(nil, nil, true)
	assert.ErrorIs(t, err, ErrNilParam)
}

func TestCommit_BroadcastRejected(t *testing.T) {
	key, err := ec.NewPrivateKey()
	require.NoError(t, err)
	chain := newMemChain()
	chain.fund(t, key, 10_000)
	svc := chain.service()
	svc.BroadcastTxFn = func(context.Context, string) (string, error) {
		return "", network.ErrBroadcastRejected
	}
	n, err := New(svc, key, false)
	require.NoError(t, err)

	_, err = n.Commit(context.Background(), testReceipt())
	assert.ErrorIs(t, err, ErrBroadcastFailed)
	assert.ErrorIs(t, err, network.ErrBroadcastRejected)
}

func TestResolve_NotFound(t *testing.T) {
	n, chain := newTestNotary(t, 10_000)
	_, err := n.Resolve(context.Background(), "00"+hex.EncodeToString(make([]byte, 31)))
	assert.ErrorIs(t, err, ErrNotFound)

	// a plain payment carries no inscription
	key, err := ec.NewPrivateKey()
	require.NoError(t, err)
	lock, err := tx.BuildP2PKHScript(key.PubKey())
	require.NoError(t, err)
	b := tx.NewBuilder().AddInput(&tx.UTXO{
		TxID: bytes.Repeat([]byte{9}, 32), Amount: 5_000, ScriptPubKey: lock, PrivateKey: key,
	})
	_, err = b.AddPaymentScript(lock, 4_800)
	require.NoError(t, err)
	built, err := b.Build()
	require.NoError(t, err)
	chain.txs[built.TxID] = built.RawTx

	_, err = n.Resolve(context.Background(), built.TxID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRecordCodec(t *testing.T) {
	r := testReceipt()
	rec := r.Record()
	data, err := rec.Encode()
	require.NoError(t, err)

	got, err := DecodeRecord(data)
	require.NoError(t, err)
	assert.Equal(t, rec, got)

	t.Run("unknown tags are skipped", func(t *testing.T) {
		extended := appendStringField(append([]byte{}, data...), 0x7F, "future field")
		got, err := DecodeRecord(extended)
		require.NoError(t, err)
		assert.Equal(t, rec, got)
	})

	t.Run("truncated", func(t *testing.T) {
		_, err := DecodeRecord(data[:len(data)-3])
		assert.ErrorIs(t, err, ErrInvalidPayload)
	})

	t.Run("missing version", func(t *testing.T) {
		_, err := DecodeRecord(appendStringField(nil, tagOriginRef, "x"))
		assert.ErrorIs(t, err, ErrInvalidPayload)
	})

	t.Run("bad amount width", func(t *testing.T) {
		bad := appendUint32Field(nil, tagVersion, 1)
		bad = appendUint32Field(bad, tagAmount, 5)
		_, err := DecodeRecord(bad)
		assert.ErrorIs(t, err, ErrInvalidPayload)
	})

	t.Run("minimal record", func(t *testing.T) {
		minimal := &Record{Version: 1, OriginNetwork: "bsv", OriginRef: "bsv:ab"}
		data, err := minimal.Encode()
		require.NoError(t, err)
		got, err := DecodeRecord(data)
		require.NoError(t, err)
		assert.Equal(t, minimal, got)
	})

	_, err = (*Record)(nil).Encode()
	assert.ErrorIs(t, err, ErrNilParam)
}

func TestReceiptRecordWithoutSignature(t *testing.T) {
	r := testReceipt()
	r.Signature = nil
	assert.Nil(t, r.Record().SignatureDigest)
}
