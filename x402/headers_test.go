package x402

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProofHeaderRoundTrip(t *testing.T) {
	p := signedProof()
	p.Asset = "BSV"
	header, err := EncodeProof(p)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req.Header.Set(HeaderPayment, header)
	got, err := ProofFromRequest(req)
	require.NoError(t, err)
	assert.Equal(t, p, got)
}

func TestDecodeProof_Errors(t *testing.T) {
	_, err := DecodeProof("")
	assert.ErrorIs(t, err, ErrMissingHeaders)

	_, err = DecodeProof("!!!")
	assert.ErrorIs(t, err, ErrInvalidPayload)

	_, err = DecodeProof("bm90IGpzb24=") // "not json"
	assert.ErrorIs(t, err, ErrInvalidPayload)

	_, err = EncodeProof(nil)
	assert.ErrorIs(t, err, ErrInvalidPayload)
}

func TestPaymentResponseHeader(t *testing.T) {
	rec := httptest.NewRecorder()
	require.NoError(t, SetPaymentResponse(rec, &PaymentResponse{
		Success: true, Network: NetworkBase, Ref: "base:0x01", Payer: "0xabc",
	}))
	got, err := ParsePaymentResponse(rec.Result())
	require.NoError(t, err)
	assert.True(t, got.Success)
	assert.Equal(t, "base:0x01", got.Ref)

	_, err = ParsePaymentResponse(httptest.NewRecorder().Result())
	assert.ErrorIs(t, err, ErrMissingHeaders)
}

func TestWritePaymentRequired(t *testing.T) {
	rec := httptest.NewRecorder()
	WritePaymentRequired(rec, "payment required",
		Requirement{Network: NetworkBSV, Scheme: SchemeExact, Recipient: "1PayTo", Amount: 11},
		Requirement{Network: NetworkBase, Scheme: SchemeExact, Recipient: "0xabc", Amount: 11, Asset: "USDC"})

	assert.Equal(t, http.StatusPaymentRequired, rec.Code)
	var body PaymentRequired
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, Version, body.Version)
	require.Len(t, body.Accepts, 2)
	assert.Equal(t, uint64(11), body.Accepts[0].Amount)
	assert.Equal(t, "USDC", body.Accepts[1].Asset)
}
