package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/bitfsorg/path402-go/ledger"
)

func (s *Server) listDistributions(w http.ResponseWriter, r *http.Request) {
	tokenID := chi.URLParam(r, "tokenID")
	if _, err := s.ledger.GetToken(r.Context(), tokenID); err != nil {
		s.fail(w, r, err)
		return
	}
	out, err := s.dividends.Distributions(r.Context(), tokenID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if out == nil {
		out = []*ledger.Distribution{}
	}
	writeJSON(w, http.StatusOK, out)
}

type distributeBody struct {
	// Pool is the amount to split. Zero distributes the pool share of
	// the token's unswept revenue.
	Pool uint64 `json:"pool,omitempty"`
}

func (s *Server) distribute(w http.ResponseWriter, r *http.Request) {
	var body distributeBody
	if err := decode(r, &body); err != nil {
		s.fail(w, r, err)
		return
	}
	tokenID := chi.URLParam(r, "tokenID")
	var (
		d   *ledger.Distribution
		err error
	)
	if body.Pool == 0 {
		d, err = s.dividends.DistributeRevenue(r.Context(), tokenID)
	} else {
		d, err = s.dividends.Distribute(r.Context(), tokenID, body.Pool)
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, d)
}

func (s *Server) listClaims(w http.ResponseWriter, r *http.Request) {
	claims, err := s.dividends.Claims(r.Context(), chi.URLParam(r, "distributionID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if claims == nil {
		claims = []*ledger.Claim{}
	}
	writeJSON(w, http.StatusOK, claims)
}

func (s *Server) processDistribution(w http.ResponseWriter, r *http.Request) {
	rep, err := s.dividends.ProcessDistribution(r.Context(), chi.URLParam(r, "distributionID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

type pendingResponse struct {
	HolderID string          `json:"holder_id"`
	Total    uint64          `json:"total"`
	Claims   []*ledger.Claim `json:"claims"`
}

func (s *Server) pendingDividends(w http.ResponseWriter, r *http.Request) {
	holderID := holderFrom(r.Context())
	claims, total, err := s.dividends.Pending(r.Context(), holderID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if claims == nil {
		claims = []*ledger.Claim{}
	}
	writeJSON(w, http.StatusOK, pendingResponse{HolderID: holderID, Total: total, Claims: claims})
}

func (s *Server) claimDividends(w http.ResponseWriter, r *http.Request) {
	var body destinationBody
	if err := decode(r, &body); err != nil {
		s.fail(w, r, err)
		return
	}
	res, err := s.dividends.Claim(r.Context(), holderFrom(r.Context()), body.Destination)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
