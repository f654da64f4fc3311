package api

import (
	"fmt"
	"net/http"
	"sort"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/bitfsorg/path402-go/ledger"
	"github.com/bitfsorg/path402-go/x402"
)

// ---------------------------------------------------------------------------
// Tokens
// ---------------------------------------------------------------------------

func (s *Server) listTokens(w http.ResponseWriter, r *http.Request) {
	toks, err := s.ledger.ListTokens(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if toks == nil {
		toks = []*ledger.Token{}
	}
	writeJSON(w, http.StatusOK, toks)
}

func (s *Server) createToken(w http.ResponseWriter, r *http.Request) {
	var spec ledger.TokenSpec
	if err := decode(r, &spec); err != nil {
		s.fail(w, r, err)
		return
	}
	tok, err := s.ledger.CreateToken(r.Context(), spec)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, tok)
}

func (s *Server) getToken(w http.ResponseWriter, r *http.Request) {
	tok, err := s.ledger.GetToken(r.Context(), chi.URLParam(r, "tokenID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tok)
}

// quote prices ?amount= units, or what ?spend= buys.
func (s *Server) quote(w http.ResponseWriter, r *http.Request) {
	amount, err := queryUint(r, "amount")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	spend, err := queryUint(r, "spend")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	q, err := s.ledger.Quote(r.Context(), chi.URLParam(r, "tokenID"), amount, spend)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

func (s *Server) listHolders(w http.ResponseWriter, r *http.Request) {
	tokenID := chi.URLParam(r, "tokenID")
	var out []*ledger.Holder
	err := s.ledger.Store().View(r.Context(), func(tx ledger.Tx) error {
		if _, err := tx.Token(tokenID); err != nil {
			return err
		}
		var err error
		out, err = tx.Holders(tokenID)
		return err
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if out == nil {
		out = []*ledger.Holder{}
	}
	writeJSON(w, http.StatusOK, out)
}

// ---------------------------------------------------------------------------
// Acquisition
// ---------------------------------------------------------------------------

type acquireBody struct {
	Amount   uint64 `json:"amount,omitempty"`
	Spend    uint64 `json:"spend,omitempty"`
	Resource string `json:"resource,omitempty"`
}

// acquire mints against the X-PAYMENT proof, or answers 402 with the
// payment requirements when there is none.
func (s *Server) acquire(w http.ResponseWriter, r *http.Request) {
	var body acquireBody
	if err := decode(r, &body); err != nil {
		s.fail(w, r, err)
		return
	}
	req := ledger.AcquireRequest{
		TokenID:  chi.URLParam(r, "tokenID"),
		HolderID: holderFrom(r.Context()),
		Amount:   body.Amount,
		Spend:    body.Spend,
		Resource: body.Resource,
	}
	if req.Resource == "" {
		req.Resource = r.URL.Path
	}

	if r.Header.Get(x402.HeaderPayment) == "" {
		s.paymentRequired(w, r, req, "X-PAYMENT header is required")
		return
	}
	proof, err := x402.ProofFromRequest(r)
	if err != nil {
		s.paymentRequired(w, r, req, err.Error())
		return
	}
	req.Proof = proof

	m, err := s.ledger.Acquire(r.Context(), req)
	if err != nil {
		status, body := classify(err)
		if status == http.StatusPaymentRequired {
			_ = x402.SetPaymentResponse(w, &x402.PaymentResponse{
				Network: proof.Network,
				Ref:     proof.Ref(),
				Reason:  x402.Reason(body.Code),
			})
			s.paymentRequired(w, r, req, body.Message)
			return
		}
		s.fail(w, r, err)
		return
	}

	if err := x402.SetPaymentResponse(w, &x402.PaymentResponse{
		Success: true,
		Network: m.Network,
		Ref:     m.Ref,
		TxID:    m.TxID,
		Payer:   m.Sender,
	}); err != nil {
		s.logger.Warn("payment response header", zap.String("ref", m.Ref), zap.Error(err))
	}
	status := http.StatusCreated
	if m.Replayed {
		status = http.StatusOK
	}
	writeJSON(w, status, m)
}

// paymentRequired writes 402 with a requirement for every network the
// token accepts.
func (s *Server) paymentRequired(w http.ResponseWriter, r *http.Request, req ledger.AcquireRequest, reason string) {
	tok, err := s.ledger.GetToken(r.Context(), req.TokenID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	networks := make([]x402.Network, 0, len(tok.PayTo))
	for n := range tok.PayTo {
		networks = append(networks, n)
	}
	sort.Slice(networks, func(i, j int) bool { return networks[i] < networks[j] })

	accepts := make([]x402.Requirement, 0, len(networks))
	for _, n := range networks {
		need, _, err := s.ledger.Requirement(r.Context(), req, n, "")
		if err != nil {
			s.fail(w, r, err)
			return
		}
		accepts = append(accepts, *need)
	}
	x402.WritePaymentRequired(w, reason, accepts...)
}

// ---------------------------------------------------------------------------
// Metering
// ---------------------------------------------------------------------------

type consumeBody struct {
	Resource string            `json:"resource"`
	Units    uint64            `json:"units"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// consume answers 200 when the debit applied and 402 when the balance
// does not cover it.
func (s *Server) consume(w http.ResponseWriter, r *http.Request) {
	var body consumeBody
	if err := decode(r, &body); err != nil {
		s.fail(w, r, err)
		return
	}
	res, err := s.ledger.Consume(r.Context(), ledger.ConsumeRequest{
		TokenID:  chi.URLParam(r, "tokenID"),
		HolderID: holderFrom(r.Context()),
		Resource: body.Resource,
		Units:    body.Units,
		Metadata: body.Metadata,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	status := http.StatusOK
	if !res.Allowed {
		status = http.StatusPaymentRequired
	}
	writeJSON(w, status, res)
}

func (s *Server) checkAccess(w http.ResponseWriter, r *http.Request) {
	units, err := queryUint(r, "units")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	res, err := s.ledger.CheckAccess(r.Context(), chi.URLParam(r, "tokenID"), holderFrom(r.Context()), units)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// ---------------------------------------------------------------------------
// Holder positions
// ---------------------------------------------------------------------------

func (s *Server) position(w http.ResponseWriter, r *http.Request) {
	h, err := s.ledger.GetHolder(r.Context(), chi.URLParam(r, "tokenID"), holderFrom(r.Context()))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h)
}

func (s *Server) history(w http.ResponseWriter, r *http.Request) {
	limit, err := queryUint(r, "limit")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	entries, err := s.ledger.History(r.Context(), chi.URLParam(r, "tokenID"), holderFrom(r.Context()), int(min(limit, 10_000)))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if entries == nil {
		entries = []*ledger.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) portfolio(w http.ResponseWriter, r *http.Request) {
	positions, err := s.ledger.Portfolio(r.Context(), holderFrom(r.Context()))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if positions == nil {
		positions = []*ledger.Holder{}
	}
	writeJSON(w, http.StatusOK, positions)
}

type amountBody struct {
	Amount uint64 `json:"amount"`
}

func (s *Server) stake(w http.ResponseWriter, r *http.Request) {
	var body amountBody
	if err := decode(r, &body); err != nil {
		s.fail(w, r, err)
		return
	}
	h, err := s.ledger.Stake(r.Context(), chi.URLParam(r, "tokenID"), holderFrom(r.Context()), body.Amount)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h)
}

func (s *Server) unstake(w http.ResponseWriter, r *http.Request) {
	var body amountBody
	if err := decode(r, &body); err != nil {
		s.fail(w, r, err)
		return
	}
	h, err := s.ledger.Unstake(r.Context(), chi.URLParam(r, "tokenID"), holderFrom(r.Context()), body.Amount)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h)
}

type destinationBody struct {
	Destination string `json:"destination"`
}

func (s *Server) setPayoutDestination(w http.ResponseWriter, r *http.Request) {
	var body destinationBody
	if err := decode(r, &body); err != nil {
		s.fail(w, r, err)
		return
	}
	h, err := s.ledger.SetPayoutDestination(r.Context(), chi.URLParam(r, "tokenID"), holderFrom(r.Context()), body.Destination)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h)
}

// queryUint parses an optional unsigned query parameter.
func queryUint(r *http.Request, name string) (uint64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s must be a non-negative integer", ledger.ErrInvalidRequest, name)
	}
	return n, nil
}
