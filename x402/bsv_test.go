package x402

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"testing"

	ec "github.com/bsv-blockchain/go-sdk/primitives/ec"
	"github.com/bsv-blockchain/go-sdk/script"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bitfsorg/path402-go/network"
	"github.com/bitfsorg/path402-go/tx"
)

func testKey(t *testing.T) (*ec.PrivateKey, string) {
	t.Helper()
	priv, err := ec.NewPrivateKey()
	require.NoError(t, err)
	addr, err := script.NewAddressFromPublicKey(priv.PubKey(), true)
	require.NoError(t, err)
	return priv, addr.AddressString
}

func signBSV(t *testing.T, priv *ec.PrivateKey, p *Proof) {
	t.Helper()
	p.PublicKey = hex.EncodeToString(priv.PubKey().Compressed())
	hash := sha256.Sum256(p.AuthorizationMessage())
	sig, err := priv.Sign(hash[:])
	require.NoError(t, err)
	p.Signature = hex.EncodeToString(sig.Serialize())
}

func TestBSVAuthenticator_Signed(t *testing.T) {
	payer, payerAddr := testKey(t)
	_, payee := testKey(t)

	newProof := func() *Proof {
		return &Proof{
			Network: NetworkBSV, Scheme: SchemeExact,
			Sender: payerAddr, Recipient: payee, Value: 2500,
			ValidBefore: testNow.Unix() + 60, Nonce: "abc",
		}
	}
	auth := NewBSVAuthenticator(nil)
	req := Requirement{Recipient: payee, Amount: 2500}

	p := newProof()
	signBSV(t, payer, p)
	pay, err := auth.Authenticate(context.Background(), p, req)
	require.NoError(t, err)
	assert.Equal(t, payerAddr, pay.Sender)
	assert.Equal(t, uint64(2500), pay.Value)

	t.Run("tampered value", func(t *testing.T) {
		p := newProof()
		signBSV(t, payer, p)
		p.Value = 1
		_, err := auth.Authenticate(context.Background(), p, req)
		requireReason(t, err, ReasonSignatureInvalid)
	})

	t.Run("key of another sender", func(t *testing.T) {
		other, _ := testKey(t)
		p := newProof()
		signBSV(t, other, p)
		_, err := auth.Authenticate(context.Background(), p, req)
		requireReason(t, err, ReasonSignatureInvalid)
	})

	t.Run("garbage signature", func(t *testing.T) {
		p := newProof()
		signBSV(t, payer, p)
		p.Signature = "3006020101020101"
		_, err := auth.Authenticate(context.Background(), p, req)
		requireReason(t, err, ReasonSignatureInvalid)
	})

	t.Run("non-hex public key", func(t *testing.T) {
		p := newProof()
		signBSV(t, payer, p)
		p.PublicKey = "zz"
		_, err := auth.Authenticate(context.Background(), p, req)
		requireReason(t, err, ReasonInvalidPayload)
	})
}

// paymentTx builds a signed transaction paying amount from payer to payee.
func paymentTx(t *testing.T, payer *ec.PrivateKey, payee string, amount uint64) *tx.Built {
	t.Helper()
	lock, err := tx.BuildP2PKHScript(payer.PubKey())
	require.NoError(t, err)
	addr, err := script.NewAddressFromPublicKey(payer.PubKey(), true)
	require.NoError(t, err)

	b := tx.NewBuilder().AddInput(&tx.UTXO{
		TxID:         bytes.Repeat([]byte{0x07}, tx.TxIDLen),
		Amount:       amount + 10_000,
		ScriptPubKey: lock,
		PrivateKey:   payer,
	})
	_, err = b.AddPaymentToAddress(payee, amount)
	require.NoError(t, err)
	b.SetChange(addr.PublicKeyHash)
	built, err := b.Build()
	require.NoError(t, err)
	return built
}

func chainWith(built *tx.Built, height, tip uint64) *network.MockBlockchainService {
	return &network.MockBlockchainService{
		GetRawTxFn: func(_ context.Context, txid string) ([]byte, error) {
			if txid != built.TxID {
				return nil, network.ErrTxNotFound
			}
			return built.RawTx, nil
		},
		GetTxStatusFn: func(_ context.Context, _ string) (*network.TxStatus, error) {
			if height == 0 {
				return &network.TxStatus{}, nil
			}
			return &network.TxStatus{Confirmed: true, BlockHeight: height}, nil
		},
		GetBestBlockHeightFn: func(context.Context) (uint64, error) { return tip, nil },
	}
}

func TestBSVAuthenticator_OnChain(t *testing.T) {
	payer, payerAddr := testKey(t)
	_, payee := testKey(t)
	built := paymentTx(t, payer, payee, 4000)
	req := Requirement{Recipient: payee, Amount: 4000}
	p := &Proof{Network: NetworkBSV, Scheme: SchemeExact, TxID: built.TxID}

	pay, err := NewBSVAuthenticator(chainWith(built, 100, 101)).Authenticate(context.Background(), p, req)
	require.NoError(t, err)
	assert.Equal(t, uint64(4000), pay.Value)
	assert.Equal(t, payerAddr, pay.Sender)
	assert.Equal(t, uint64(2), pay.Confirmations)
	assert.Equal(t, built.TxID, pay.TxID)
}

func TestBSVAuthenticator_OnChainFailures(t *testing.T) {
	payer, _ := testKey(t)
	_, payee := testKey(t)
	_, stranger := testKey(t)
	built := paymentTx(t, payer, payee, 4000)

	tests := []struct {
		name  string
		chain *network.MockBlockchainService
		txid  string
		to    string
		want  Reason
	}{
		{"unconfirmed", chainWith(built, 0, 101), built.TxID, payee, ReasonLookupFailed},
		{"unknown tx", chainWith(built, 100, 101), hex.EncodeToString(bytes.Repeat([]byte{1}, 32)), payee, ReasonLookupFailed},
		{"short txid", chainWith(built, 100, 101), "abcd", payee, ReasonInvalidPayload},
		{"pays someone else", chainWith(built, 100, 101), built.TxID, stranger, ReasonAmountInsufficient},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &Proof{Network: NetworkBSV, Scheme: SchemeExact, TxID: tt.txid}
			_, err := NewBSVAuthenticator(tt.chain).Authenticate(context.Background(), p, Requirement{Recipient: tt.to, Amount: 4000})
			requireReason(t, err, tt.want)
		})
	}

	t.Run("mempool accepted with zero confirmations", func(t *testing.T) {
		auth := NewBSVAuthenticator(chainWith(built, 0, 101)).WithMinConfirmations(0)
		p := &Proof{Network: NetworkBSV, Scheme: SchemeExact, TxID: built.TxID}
		_, err := auth.Authenticate(context.Background(), p, Requirement{Recipient: payee, Amount: 4000})
		require.NoError(t, err)
	})

	t.Run("no chain configured", func(t *testing.T) {
		p := &Proof{Network: NetworkBSV, Scheme: SchemeExact, TxID: built.TxID}
		_, err := NewBSVAuthenticator(nil).Authenticate(context.Background(), p, Requirement{Recipient: payee, Amount: 4000})
		requireReason(t, err, ReasonNetworkUnsupported)
	})
}

func TestGateway_BSVOnChainEndToEnd(t *testing.T) {
	payer, _ := testKey(t)
	_, payee := testKey(t)
	built := paymentTx(t, payer, payee, 4000)

	g := NewGateway(nil, WithAuthenticator(NetworkBSV, NewBSVAuthenticator(chainWith(built, 100, 100))))
	p := &Proof{Network: NetworkBSV, Scheme: SchemeExact, TxID: built.TxID}
	req := Requirement{Recipient: payee, Amount: 4000}

	res, err := g.Verify(context.Background(), p, req)
	require.NoError(t, err)
	assert.Equal(t, "bsv:"+built.TxID, res.Ref)

	_, err = g.Verify(context.Background(), p, req)
	requireReason(t, err, ReasonNonceReused)

	// A fresh nonce does not make the same transaction a new payment.
	for _, nonce := range []string{"a", "b"} {
		again := &Proof{Network: NetworkBSV, Scheme: SchemeExact, TxID: built.TxID, Nonce: nonce}
		assert.Equal(t, res.Ref, again.Ref())
		_, err = g.Verify(context.Background(), again, req)
		requireReason(t, err, ReasonNonceReused)
	}
	_, err = g.Verify(context.Background(),
		&Proof{Network: NetworkBSV, Scheme: SchemeExact, TxID: strings.ToUpper(built.TxID)}, req)
	requireReason(t, err, ReasonNonceReused)
}
