package x402

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Unix(1_700_000_000, 0)

// stubAuth returns a fixed payment or error and counts calls.
type stubAuth struct {
	calls atomic.Int32
	pay   *Payment
	err   error
}

func (s *stubAuth) Authenticate(_ context.Context, p *Proof, _ Requirement) (*Payment, error) {
	s.calls.Add(1)
	if s.err != nil {
		return nil, s.err
	}
	if s.pay != nil {
		return s.pay, nil
	}
	return &Payment{Sender: p.Sender, Recipient: p.Recipient, Value: p.Value, TxID: p.TxID}, nil
}

type recordingObserver struct {
	mu       sync.Mutex
	outcomes []string
}

func (o *recordingObserver) ObserveVerification(_, outcome string, _ time.Duration) {
	o.mu.Lock()
	o.outcomes = append(o.outcomes, outcome)
	o.mu.Unlock()
}

func newTestGateway(auth Authenticator, opts ...Option) (*Gateway, *MemNonceStore) {
	store := NewMemNonceStore(0)
	store.now = func() time.Time { return testNow }
	opts = append([]Option{
		WithAuthenticator(NetworkBSV, auth),
		WithAuthenticator(NetworkBase, auth),
		WithClock(func() time.Time { return testNow }),
	}, opts...)
	return NewGateway(store, opts...), store
}

func signedProof() *Proof {
	return &Proof{
		Network:     NetworkBSV,
		Scheme:      SchemeExact,
		Sender:      "1SenderAddr",
		Recipient:   "1PayTo",
		Value:       1000,
		ValidAfter:  testNow.Unix() - 60,
		ValidBefore: testNow.Unix() + 600,
		Nonce:       "n-1",
		Signature:   "sig",
	}
}

var testReq = Requirement{Network: NetworkBSV, Recipient: "1PayTo", Amount: 1000}

func requireReason(t *testing.T, err error, want Reason) {
	t.Helper()
	require.Error(t, err)
	got, ok := ReasonOf(err)
	require.True(t, ok, "not a VerifyError: %v", err)
	assert.Equal(t, want, got, err.Error())
}

func TestVerify_Valid(t *testing.T) {
	obs := &recordingObserver{}
	g, _ := newTestGateway(&stubAuth{}, WithObserver(obs))

	res, err := g.Verify(context.Background(), signedProof(), testReq)
	require.NoError(t, err)
	assert.Equal(t, "bsv:n-1", res.Ref)
	assert.Equal(t, uint64(1000), res.Amount)
	assert.Equal(t, "1SenderAddr", res.Sender)
	assert.Equal(t, testNow, res.VerifiedAt)
	assert.Equal(t, []string{"valid"}, obs.outcomes)
}

func TestVerify_ReplayReturnsNonceReused(t *testing.T) {
	auth := &stubAuth{}
	g, _ := newTestGateway(auth)

	_, err := g.Verify(context.Background(), signedProof(), testReq)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err = g.Verify(context.Background(), signedProof(), testReq)
		requireReason(t, err, ReasonNonceReused)
		assert.ErrorIs(t, err, ErrNonceReused)
	}
	assert.Equal(t, int32(1), auth.calls.Load(), "replays must not reach the chain")
}

func TestVerify_ConcurrentReplayVerifiesOnce(t *testing.T) {
	g, _ := newTestGateway(&stubAuth{})

	var wg sync.WaitGroup
	var valid atomic.Int32
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := g.Verify(context.Background(), signedProof(), testReq); err == nil {
				valid.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), valid.Load())
}

func TestVerify_Rejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(p *Proof)
		req    *Requirement
		want   Reason
	}{
		{"unknown network", func(p *Proof) { p.Network = "dogecoin" }, nil, ReasonNetworkUnsupported},
		{"registered family missing", func(p *Proof) { p.Network = NetworkSolana }, nil, ReasonNetworkUnsupported},
		{"unknown scheme", func(p *Proof) { p.Scheme = "stream" }, nil, ReasonInvalidPayload},
		{"no nonce", func(p *Proof) { p.Nonce = "" }, nil, ReasonInvalidPayload},
		{"signed without window", func(p *Proof) { p.ValidBefore = 0 }, nil, ReasonInvalidPayload},
		{"empty window", func(p *Proof) { p.ValidAfter = p.ValidBefore }, nil, ReasonInvalidPayload},
		{"not yet valid", func(p *Proof) { p.ValidAfter = testNow.Unix() + 10 }, nil, ReasonExpired},
		{"expired", func(p *Proof) { p.ValidBefore = testNow.Unix() - 1; p.ValidAfter = 0 }, nil, ReasonExpired},
		{"wrong recipient", func(p *Proof) { p.Recipient = "1Other" }, nil, ReasonInvalidPayload},
		{"wrong asset", func(p *Proof) { p.Asset = "USDC" }, &Requirement{Recipient: "1PayTo", Amount: 1000, Asset: "BSV"}, ReasonInvalidPayload},
		{"exact underpaid", func(p *Proof) { p.Value = 999 }, nil, ReasonAmountInsufficient},
		{"exact overpaid", func(p *Proof) { p.Value = 1001 }, nil, ReasonAmountMismatch},
		{"upto below required", func(p *Proof) { p.Scheme = SchemeUpTo; p.Value = 10 }, nil, ReasonAmountInsufficient},
		{"on-chain without txid", func(p *Proof) { p.Signature = "" }, nil, ReasonInvalidPayload},
		{"zero requirement", func(p *Proof) {}, &Requirement{Recipient: "1PayTo"}, ReasonInvalidPayload},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, store := newTestGateway(&stubAuth{})
			p := signedProof()
			tt.mutate(p)
			req := testReq
			if tt.req != nil {
				req = *tt.req
			}
			_, err := g.Verify(context.Background(), p, req)
			requireReason(t, err, tt.want)
			assert.Zero(t, store.Len(), "validation failures must not consume the nonce")
		})
	}
}

func TestVerify_NilProof(t *testing.T) {
	g, _ := newTestGateway(&stubAuth{})
	_, err := g.Verify(context.Background(), nil, testReq)
	requireReason(t, err, ReasonInvalidPayload)
}

func TestVerify_UpToSettlesRequiredAmount(t *testing.T) {
	g, _ := newTestGateway(&stubAuth{})
	p := signedProof()
	p.Scheme = SchemeUpTo
	p.Value = 5000

	res, err := g.Verify(context.Background(), p, testReq)
	require.NoError(t, err)
	assert.Equal(t, uint64(5000), res.Value)
	assert.Equal(t, uint64(1000), res.Amount)
}

func TestVerify_LookupFailureReleasesNonce(t *testing.T) {
	auth := &stubAuth{err: Reject(ReasonLookupFailed, "timeout")}
	g, store := newTestGateway(auth)

	_, err := g.Verify(context.Background(), signedProof(), testReq)
	requireReason(t, err, ReasonLookupFailed)
	assert.True(t, ReasonLookupFailed.Retryable())
	assert.Zero(t, store.Len())

	auth.err = nil
	_, err = g.Verify(context.Background(), signedProof(), testReq)
	require.NoError(t, err)
}

func TestVerify_PlainErrorIsTransient(t *testing.T) {
	g, store := newTestGateway(&stubAuth{err: errors.New("connection reset")})
	_, err := g.Verify(context.Background(), signedProof(), testReq)
	requireReason(t, err, ReasonLookupFailed)
	assert.Zero(t, store.Len())
}

func TestVerify_SignatureFailureKeepsNonce(t *testing.T) {
	g, store := newTestGateway(&stubAuth{err: Reject(ReasonSignatureInvalid, "")})
	_, err := g.Verify(context.Background(), signedProof(), testReq)
	requireReason(t, err, ReasonSignatureInvalid)
	assert.Equal(t, 1, store.Len())

	g2, store2 := newTestGateway(&stubAuth{err: Reject(ReasonSignatureInvalid, "")}, WithReleaseOnAuthFailure())
	_, err = g2.Verify(context.Background(), signedProof(), testReq)
	requireReason(t, err, ReasonSignatureInvalid)
	assert.Zero(t, store2.Len())
}

func TestVerify_OnChainAmountChecked(t *testing.T) {
	auth := &stubAuth{pay: &Payment{Sender: "1Payer", Recipient: "1PayTo", Value: 1500, TxID: "ab"}}
	g, store := newTestGateway(auth)

	p := &Proof{Network: NetworkBSV, Scheme: SchemeExact, TxID: "AB"}
	_, err := g.Verify(context.Background(), p, testReq)
	requireReason(t, err, ReasonAmountMismatch)
	assert.Zero(t, store.Len(), "a genuine payment that does not match is released")

	p.Scheme = SchemeUpTo
	res, err := g.Verify(context.Background(), p, testReq)
	require.NoError(t, err)
	assert.Equal(t, "bsv:ab", res.Ref)
	assert.Equal(t, uint64(1500), res.Value)
	assert.Equal(t, uint64(1000), res.Amount)
}

func TestGateway_Release(t *testing.T) {
	g, _ := newTestGateway(&stubAuth{})
	res, err := g.Verify(context.Background(), signedProof(), testReq)
	require.NoError(t, err)

	require.NoError(t, g.Release(context.Background(), res.Ref))
	_, err = g.Verify(context.Background(), signedProof(), testReq)
	require.NoError(t, err)
}

func TestGateway_Networks(t *testing.T) {
	g, _ := newTestGateway(&stubAuth{})
	assert.Equal(t, []Network{NetworkBase, NetworkBSV}, g.Networks())

	g.Register(NetworkSolana, &stubAuth{})
	assert.Len(t, g.Networks(), 3)
}

func TestReasonClasses(t *testing.T) {
	tests := []struct {
		reason    Reason
		class     Class
		retryable bool
	}{
		{ReasonExpired, ClassValidation, false},
		{ReasonInvalidPayload, ClassValidation, false},
		{ReasonNetworkUnsupported, ClassValidation, false},
		{ReasonAmountMismatch, ClassValidation, false},
		{ReasonSignatureInvalid, ClassAuthentication, false},
		{ReasonAmountInsufficient, ClassAuthentication, false},
		{ReasonNonceReused, ClassAuthentication, false},
		{ReasonLookupFailed, ClassTransient, true},
	}
	for _, tt := range tests {
		t.Run(string(tt.reason), func(t *testing.T) {
			assert.Equal(t, tt.class, tt.reason.Class())
			assert.Equal(t, tt.retryable, tt.reason.Retryable())
			assert.ErrorIs(t, Reject(tt.reason, "detail"), reasonSentinels[tt.reason])
		})
	}
}

func TestNetworkFamily(t *testing.T) {
	assert.Equal(t, FamilyUTXO, NetworkBSV.Family())
	assert.Equal(t, FamilyEVM, NetworkBaseSepolia.Family())
	assert.Equal(t, FamilySolana, NetworkSolana.Family())
	assert.Equal(t, FamilyUnknown, Network("ton").Family())
	assert.Equal(t, uint64(3), NetworkEthereum.MinConfirmations())
	assert.Equal(t, uint64(1), NetworkBSV.MinConfirmations())
}

func TestProofNonceKey(t *testing.T) {
	p := &Proof{Network: NetworkEthereum, TxID: "0xABCDEF"}
	assert.Equal(t, "ethereum:0xabcdef", p.Ref())

	p = &Proof{Network: NetworkSolana, TxID: "5VfYmGC"}
	assert.Equal(t, "solana:5VfYmGC", p.Ref())

	p = &Proof{Network: NetworkBase, TxID: "ABCDEF"}
	assert.Equal(t, "base:0xabcdef", p.Ref())

	// On-chain proofs are keyed by txid whatever nonce they carry.
	p = &Proof{Network: NetworkBSV, Nonce: "n", TxID: "T"}
	assert.Equal(t, "bsv:t", p.Ref())

	p = &Proof{Network: NetworkBSV, Nonce: "N", TxID: "t", Signature: "sig"}
	assert.Equal(t, "bsv:n", p.Ref())
}
