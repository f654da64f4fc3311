package x402

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
)

// x402 HTTP header names.
const (
	HeaderPayment         = "X-PAYMENT"
	HeaderPaymentResponse = "X-PAYMENT-RESPONSE"
)

// Version is the x402 protocol version written in 402 responses.
const Version = 1

// PaymentRequired is the body of a 402 response.
type PaymentRequired struct {
	Version int           `json:"x402Version"`
	Error   string        `json:"error,omitempty"`
	Accepts []Requirement `json:"accepts"`
}

// PaymentResponse is carried base64-encoded in X-PAYMENT-RESPONSE.
type PaymentResponse struct {
	Success bool    `json:"success"`
	Network Network `json:"network"`
	Ref     string  `json:"ref"`
	TxID    string  `json:"transaction,omitempty"`
	Payer   string  `json:"payer,omitempty"`
	Reason  Reason  `json:"errorReason,omitempty"`
}

// EncodeProof serializes p for the X-PAYMENT header.
func EncodeProof(p *Proof) (string, error) {
	if p == nil {
		return "", fmt.Errorf("%w: nil proof", ErrInvalidPayload)
	}
	data, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// DecodeProof parses an X-PAYMENT header value.
func DecodeProof(header string) (*Proof, error) {
	if header == "" {
		return nil, fmt.Errorf("%w: %s header missing", ErrMissingHeaders, HeaderPayment)
	}
	data, err := base64.StdEncoding.DecodeString(header)
	if err != nil {
		return nil, fmt.Errorf("%w: base64: %w", ErrInvalidPayload, err)
	}
	var p Proof
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("%w: json: %w", ErrInvalidPayload, err)
	}
	return &p, nil
}

// ProofFromRequest reads the X-PAYMENT header of r.
func ProofFromRequest(r *http.Request) (*Proof, error) {
	return DecodeProof(r.Header.Get(HeaderPayment))
}

// SetPaymentResponse writes the X-PAYMENT-RESPONSE header.
func SetPaymentResponse(w http.ResponseWriter, resp *PaymentResponse) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	w.Header().Set(HeaderPaymentResponse, base64.StdEncoding.EncodeToString(data))
	return nil
}

// ParsePaymentResponse decodes the X-PAYMENT-RESPONSE header of resp.
func ParsePaymentResponse(resp *http.Response) (*PaymentResponse, error) {
	header := resp.Header.Get(HeaderPaymentResponse)
	if header == "" {
		return nil, fmt.Errorf("%w: %s header missing", ErrMissingHeaders, HeaderPaymentResponse)
	}
	data, err := base64.StdEncoding.DecodeString(header)
	if err != nil {
		return nil, fmt.Errorf("%w: base64: %w", ErrInvalidPayload, err)
	}
	var out PaymentResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("%w: json: %w", ErrInvalidPayload, err)
	}
	return &out, nil
}

// WritePaymentRequired writes a 402 response listing the accepted
// requirements.
func WritePaymentRequired(w http.ResponseWriter, reason string, accepts ...Requirement) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusPaymentRequired)
	_ = json.NewEncoder(w).Encode(PaymentRequired{
		Version: Version,
		Error:   reason,
		Accepts: accepts,
	})
}
