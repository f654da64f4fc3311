package payout

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"sync"
	"testing"
	"time"

	ec "github.com/bsv-blockchain/go-sdk/primitives/ec"
	"github.com/bsv-blockchain/go-sdk/transaction"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bitfsorg/path402-go/network"
	"github.com/bitfsorg/path402-go/paymail"
	"github.com/bitfsorg/path402-go/tx"
)

// memChain serves a fixed UTXO set and records broadcasts.
type memChain struct {
	mu        sync.Mutex
	utxos     []*network.UTXO
	broadcast []*transaction.Transaction
	reject    error
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
			if c.reject != nil {
				return "", c.reject
			}
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
			c.broadcast = append(c.broadcast, parsed)
			return parsed.TxID().String(), nil
		},
	}
}

func (c *memChain) last(t *testing.T) *transaction.Transaction {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	require.NotEmpty(t, c.broadcast)
	return c.broadcast[len(c.broadcast)-1]
}

// fakeDestinations resolves every handle to outputs.
type fakeDestinations struct {
	outputs   []paymail.Output
	receive   string
	err       error
	submitted []string
}

func (f *fakeDestinations) PaymentDestination(_ context.Context, h paymail.Handle, _ uint64) (*paymail.Destination, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &paymail.Destination{Handle: h, Outputs: f.outputs, Reference: "ref", ReceiveURL: f.receive}, nil
}

func (f *fakeDestinations) Submit(_ context.Context, _ *paymail.Destination, rawHex, _ string) (string, error) {
	f.submitted = append(f.submitted, rawHex)
	return "", nil
}

func newTestRail(t *testing.T, amounts []uint64, opts ...BSVOption) (*BSVRail, *memChain) {
	t.Helper()
	key, err := ec.NewPrivateKey()
	require.NoError(t, err)
	lock, err := tx.BuildP2PKHScript(key.PubKey())
	require.NoError(t, err)

	chain := &memChain{}
	for i, amt := range amounts {
		chain.utxos = append(chain.utxos, &network.UTXO{
			TxID:         hex.EncodeToString(bytes.Repeat([]byte{byte(i + 1)}, 32)),
			Vout:         uint32(i),
			Amount:       amt,
			ScriptPubKey: hex.EncodeToString(lock),
		})
	}
	rail, err := NewBSVRail(chain.service(), key, true, opts...)
	require.NoError(t, err)
	return rail, chain
}

func testAddress(t *testing.T) (string, []byte) {
	t.Helper()
	key, err := ec.NewPrivateKey()
	require.NoError(t, err)
	addr, err := tx.AddressForKey(key.PubKey(), true)
	require.NoError(t, err)
	lock, err := tx.BuildP2PKHScript(key.PubKey())
	require.NoError(t, err)
	return addr, lock
}

// ---------------------------------------------------------------------------
// BSVRail
// ---------------------------------------------------------------------------

func TestBSVRail_PayAddress(t *testing.T) {
	paidAt := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	rail, chain := newTestRail(t, []uint64{100_000}, WithClock(func() time.Time { return paidAt }))
	addr, lock := testAddress(t)

	rc, err := rail.Pay(context.Background(), Request{ID: "claim-1", Destination: addr, Amount: 30_000, Currency: "bsv"})
	require.NoError(t, err)
	assert.Equal(t, "claim-1", rc.RequestID)
	assert.Equal(t, uint64(30_000), rc.Amount)
	assert.Equal(t, CurrencyBSV, rc.Currency)
	assert.Equal(t, paidAt, rc.PaidAt)
	assert.Positive(t, rc.Fee)

	sent := chain.last(t)
	assert.Equal(t, sent.TxID().String(), rc.Ref)
	require.GreaterOrEqual(t, len(sent.Outputs), 2)
	assert.Equal(t, uint64(30_000), sent.Outputs[0].Satoshis)
	assert.Equal(t, lock, []byte(*sent.Outputs[0].LockingScript))

	pushes, err := tx.ParseOPReturnScript([]byte(*sent.Outputs[1].LockingScript))
	require.NoError(t, err)
	assert.Equal(t, [][]byte{[]byte(MemoTag), []byte("claim-1")}, pushes)
}

func TestBSVRail_SameRequestPaysOnce(t *testing.T) {
	rail, chain := newTestRail(t, []uint64{100_000})
	addr, _ := testAddress(t)
	req := Request{ID: "claim-1", Destination: addr, Amount: 10_000, Currency: CurrencyBSV}

	first, err := rail.Pay(context.Background(), req)
	require.NoError(t, err)
	second, err := rail.Pay(context.Background(), req)
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.Len(t, chain.broadcast, 1)
}

func TestBSVRail_PayPaymail(t *testing.T) {
	_, lockA := testAddress(t)
	_, lockB := testAddress(t)
	dests := &fakeDestinations{
		outputs: []paymail.Output{
			{Script: hex.EncodeToString(lockA), Satoshis: 6_000},
			{Script: hex.EncodeToString(lockB), Satoshis: 4_000},
		},
		receive: "https://example.com/receive",
	}
	rail, chain := newTestRail(t, []uint64{50_000}, WithPaymail(dests))

	rc, err := rail.Pay(context.Background(), Request{Destination: "alice@example.com", Amount: 10_000, Currency: CurrencyBSV})
	require.NoError(t, err)
	assert.NotEmpty(t, rc.RequestID)

	sent := chain.last(t)
	assert.Equal(t, uint64(6_000), sent.Outputs[0].Satoshis)
	assert.Equal(t, uint64(4_000), sent.Outputs[1].Satoshis)
	assert.Equal(t, []string{sent.Hex()}, dests.submitted)
}

func TestBSVRail_Errors(t *testing.T) {
	addr, _ := testAddress(t)
	ctx := context.Background()

	tests := []struct {
		name    string
		amounts []uint64
		opts    []BSVOption
		req     Request
		reject  error
		wantErr error
	}{
		{"missing destination", []uint64{50_000}, nil,
			Request{Amount: 1_000, Currency: CurrencyBSV}, nil, ErrInvalidRequest},
		{"below dust", []uint64{50_000}, nil,
			Request{Destination: addr, Amount: 100, Currency: CurrencyBSV}, nil, ErrInvalidRequest},
		{"other currency", []uint64{50_000}, nil,
			Request{Destination: addr, Amount: 1_000, Currency: "USD"}, nil, ErrUnsupportedCurrency},
		{"bad address", []uint64{50_000}, nil,
			Request{Destination: "not-an-address", Amount: 1_000, Currency: CurrencyBSV}, nil, ErrInvalidDestination},
		{"paymail disabled", []uint64{50_000}, nil,
			Request{Destination: "alice@example.com", Amount: 1_000, Currency: CurrencyBSV}, nil, ErrInvalidDestination},
		{"paymail unresolvable", []uint64{50_000}, []BSVOption{WithPaymail(&fakeDestinations{err: paymail.ErrCapabilityMissing})},
			Request{Destination: "alice@example.com", Amount: 1_000, Currency: CurrencyBSV}, nil, ErrInvalidDestination},
		{"insufficient funds", []uint64{2_000}, nil,
			Request{Destination: addr, Amount: 5_000, Currency: CurrencyBSV}, nil, ErrInsufficientFunds},
		{"broadcast rejected", []uint64{50_000}, nil,
			Request{Destination: addr, Amount: 1_000, Currency: CurrencyBSV}, network.ErrBroadcastRejected, ErrPayoutFailed},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rail, chain := newTestRail(t, tc.amounts, tc.opts...)
			chain.reject = tc.reject
			_, err := rail.Pay(ctx, tc.req)
			assert.ErrorIs(t, err, tc.wantErr)
		})
	}
}

// ---------------------------------------------------------------------------
// Router and MockRail
// ---------------------------------------------------------------------------

func TestRouter(t *testing.T) {
	bsv := &MockRail{}
	usd := &MockRail{PayFn: func(context.Context, Request) (*Receipt, error) {
		return nil, errors.New("bank closed")
	}}
	r := NewRouter().Register("bsv", bsv).Register("USD", usd)
	assert.ElementsMatch(t, []string{"BSV", "USD"}, r.Currencies())

	rc, err := r.Pay(context.Background(), Request{ID: "a", Destination: "x", Amount: 5, Currency: "BSV"})
	require.NoError(t, err)
	assert.Equal(t, "mock-a", rc.Ref)
	require.Len(t, bsv.Requests(), 1)
	assert.Equal(t, "BSV", bsv.Requests()[0].Currency)

	_, err = r.Pay(context.Background(), Request{Destination: "x", Amount: 5, Currency: "usd"})
	assert.EqualError(t, err, "bank closed")

	_, err = r.Pay(context.Background(), Request{Destination: "x", Amount: 5, Currency: "EUR"})
	assert.ErrorIs(t, err, ErrUnsupportedCurrency)

	_, err = r.Pay(context.Background(), Request{Destination: "x", Currency: "BSV"})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestRequestValidate(t *testing.T) {
	req := Request{Destination: "  alice@example.com ", Amount: 1, Currency: " bsv "}
	require.NoError(t, req.Validate())
	assert.Equal(t, "alice@example.com", req.Destination)
	assert.Equal(t, "BSV", req.Currency)
	assert.Len(t, req.ID, 36)

	req = Request{Destination: "x", Amount: 1}
	assert.ErrorIs(t, req.Validate(), ErrInvalidRequest)
}
