package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/bitfsorg/path402-go/pricing"
	"github.com/bitfsorg/path402-go/x402"
)

// AcquireRequest buys tokens with a payment proof. Exactly one of Amount
// and Spend is set.
type AcquireRequest struct {
	TokenID  string      `json:"token_id"`
	HolderID string      `json:"holder_id"`
	Amount   uint64      `json:"amount,omitempty"`
	Spend    uint64      `json:"spend,omitempty"`
	Resource string      `json:"resource,omitempty"`
	Proof    *x402.Proof `json:"proof"`
}

func (r *AcquireRequest) validate() error {
	if r.TokenID == "" {
		return fmt.Errorf("%w: token id required", ErrInvalidRequest)
	}
	if err := CheckHolderID(r.HolderID); err != nil {
		return err
	}
	if (r.Amount == 0) == (r.Spend == 0) {
		return fmt.Errorf("%w: exactly one of amount and spend", ErrInvalidRequest)
	}
	if r.Proof == nil {
		return fmt.Errorf("%w: payment proof required", ErrInvalidRequest)
	}
	return nil
}

// Requirement returns what a holder must pay for req at the current
// treasury level.
func (l *Ledger) Requirement(ctx context.Context, req AcquireRequest, n x402.Network, scheme x402.Scheme) (*x402.Requirement, *pricing.Quote, error) {
	tok, err := l.GetToken(ctx, req.TokenID)
	if err != nil {
		return nil, nil, err
	}
	return requirement(tok, req, n, scheme)
}

func requirement(tok *Token, req AcquireRequest, n x402.Network, scheme x402.Scheme) (*x402.Requirement, *pricing.Quote, error) {
	payTo, ok := tok.PayTo[n]
	if !ok {
		verr := x402.Reject(x402.ReasonNetworkUnsupported, "token %s does not accept %s", tok.ID, n)
		return nil, nil, fmt.Errorf("%w: %w", ErrProofInvalid, verr)
	}
	q, err := quote(tok, req.Amount, req.Spend)
	if err != nil {
		return nil, nil, err
	}
	amount := q.TotalCost
	if req.Spend > 0 {
		amount = req.Spend
	}
	if scheme == "" {
		scheme = x402.SchemeExact
	}
	return &x402.Requirement{
		Network:   n,
		Scheme:    scheme,
		Recipient: payTo,
		Amount:    amount,
		Asset:     tok.Assets[n],
		Resource:  req.Resource,
	}, q, nil
}

// Acquire mints tokens against a verified payment. A proof that already
// minted returns the prior result with Replayed set.
func (l *Ledger) Acquire(ctx context.Context, req AcquireRequest) (*MintResult, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	if l.verifier == nil {
		return nil, fmt.Errorf("%w: ledger has no payment verifier", ErrInvalidRequest)
	}
	ref := req.Proof.Ref()

	if prior, err := l.priorMint(ctx, ref); err != nil || prior != nil {
		return prior, err
	}

	tok, err := l.GetToken(ctx, req.TokenID)
	if err != nil {
		return nil, err
	}
	need, _, err := requirement(tok, req, req.Proof.Network, req.Proof.Scheme)
	if err != nil {
		l.metrics.Mint(req.TokenID, "rejected", 0)
		return nil, err
	}

	res, err := l.verifier.Verify(ctx, req.Proof, *need)
	if err != nil {
		if reason, ok := x402.ReasonOf(err); ok && reason == x402.ReasonNonceReused {
			if prior := l.awaitMint(ctx, ref); prior != nil {
				return prior, nil
			}
		}
		l.metrics.Mint(req.TokenID, "proof_invalid", 0)
		return nil, fmt.Errorf("%w: %w", ErrProofInvalid, err)
	}

	paid := res.Amount
	if !req.Proof.Signed() && res.Value > paid {
		// On-chain transfers move the full value; the excess is refunded.
		paid = res.Value
	}
	m, err := l.applyMint(ctx, req, res, paid)
	if err != nil {
		if errors.Is(err, ErrProofAlreadyApplied) {
			if prior, perr := l.priorMint(ctx, ref); perr == nil && prior != nil {
				return prior, nil
			}
		}
		if rerr := l.verifier.Release(context.WithoutCancel(ctx), ref); rerr != nil {
			l.logger.Warn("nonce release failed", zap.String("ref", ref), zap.Error(rerr))
		}
		l.metrics.Mint(req.TokenID, "failed", 0)
		l.logger.Info("mint aborted", zap.String("ref", ref), zap.Error(err))
		return nil, err
	}

	l.metrics.Mint(m.TokenID, "minted", m.Amount)
	l.logger.Info("tokens minted",
		zap.String("token", m.TokenID),
		zap.String("holder", m.HolderID),
		zap.String("ref", m.Ref),
		zap.Uint64("amount", m.Amount),
		zap.Uint64("cost", m.Cost),
		zap.Uint64("refund", m.Refund))
	if l.onMint != nil {
		l.onMint()
	}
	return m, nil
}

// priorMint returns the applied mint for ref, or nil when there is none.
func (l *Ledger) priorMint(ctx context.Context, ref string) (*MintResult, error) {
	var m *MintResult
	err := l.store.View(ctx, func(tx Tx) error {
		var err error
		m, err = tx.Mint(ref)
		return err
	})
	if errors.Is(err, ErrMintNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	m.Replayed = true
	l.metrics.Mint(m.TokenID, "replayed", 0)
	return m, nil
}

// awaitMint polls for the mint of a proof whose nonce is held by another
// request, up to the in-flight wait.
func (l *Ledger) awaitMint(ctx context.Context, ref string) *MintResult {
	if l.wait <= 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, l.wait)
	defer cancel()
	ticker := time.NewTicker(l.poll)
	defer ticker.Stop()
	for {
		if m, err := l.priorMint(ctx, ref); err == nil && m != nil {
			return m
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// applyMint is the single transaction of an acquisition. The quote is
// recomputed against the locked treasury; the pre-verification quote only
// set the requirement.
func (l *Ledger) applyMint(ctx context.Context, req AcquireRequest, res *x402.Result, paid uint64) (*MintResult, error) {
	var out *MintResult
	err := l.store.Update(ctx, func(tx Tx) error {
		tok, err := tx.Token(req.TokenID)
		if err != nil {
			return err
		}
		if _, err := tx.Mint(res.Ref); err == nil {
			return fmt.Errorf("%w: %s", ErrProofAlreadyApplied, res.Ref)
		} else if !errors.Is(err, ErrMintNotFound) {
			return err
		}

		var q *pricing.Quote
		if req.Amount > 0 {
			if q, err = quote(tok, req.Amount, 0); err != nil {
				return err
			}
			if q.TotalCost > paid {
				return fmt.Errorf("%w: cost %d, paid %d", ErrQuoteChanged, q.TotalCost, paid)
			}
		} else {
			if q, err = quote(tok, 0, paid); err != nil {
				if errors.Is(err, ErrInsufficientTreasury) {
					return err
				}
				return fmt.Errorf("%w: %w", ErrQuoteChanged, err)
			}
		}

		now := l.now().UTC()
		refund := paid - q.TotalCost
		tok.TreasuryRemaining -= q.Amount
		tok.Revenue += q.TotalCost
		if err := tx.PutToken(tok); err != nil {
			return err
		}

		h, err := tx.Holder(tok.ID, req.HolderID)
		if errors.Is(err, ErrHolderNotFound) {
			h = &Holder{TokenID: tok.ID, HolderID: req.HolderID}
		} else if err != nil {
			return err
		}
		h.Balance += q.Amount
		h.Purchased += q.Amount
		if h.PayoutDestination == "" && res.Network.Family() == x402.FamilyUTXO {
			h.PayoutDestination = res.Sender
		}
		h.UpdatedAt = now
		if err := tx.PutHolder(h); err != nil {
			return err
		}

		mint := &Entry{
			ID:        NewID(PrefixEntry),
			TokenID:   tok.ID,
			HolderID:  h.HolderID,
			Kind:      EntryMint,
			Amount:    q.Amount,
			Ref:       res.Ref,
			Resource:  req.Resource,
			Metadata:  map[string]string{"network": string(res.Network), "sender": res.Sender},
			CreatedAt: now,
		}
		if res.TxID != "" {
			mint.Metadata["txid"] = res.TxID
		}
		if err := tx.InsertEntry(mint); err != nil {
			return err
		}

		out = &MintResult{
			Ref:       res.Ref,
			TokenID:   tok.ID,
			HolderID:  h.HolderID,
			EntryID:   mint.ID,
			Network:   res.Network,
			Sender:    res.Sender,
			TxID:      res.TxID,
			Amount:    q.Amount,
			Cost:      q.TotalCost,
			Paid:      paid,
			Refund:    refund,
			UnitPrice: q.UnitPrice,
			Balance:   h.Balance,
			Treasury:  tok.TreasuryRemaining,
			AppliedAt: now,
		}
		if refund > 0 {
			e := &Entry{
				ID:        NewID(PrefixEntry),
				TokenID:   tok.ID,
				HolderID:  h.HolderID,
				Kind:      EntryRefund,
				Amount:    refund,
				Ref:       res.Ref,
				Metadata:  map[string]string{"network": string(res.Network), "owed_to": res.Sender},
				CreatedAt: now,
			}
			if err := tx.InsertEntry(e); err != nil {
				return err
			}
			out.RefundID = e.ID
		}

		job := &OutboxJob{
			ID:            NewID(PrefixJob),
			Ref:           res.Ref,
			TokenID:       tok.ID,
			Network:       string(res.Network),
			Parties:       []string{res.Sender, res.Recipient},
			Amount:        paid,
			Asset:         res.Asset,
			Signature:     proofSignature(req.Proof),
			Units:         q.Amount,
			Status:        JobPending,
			NextAttemptAt: now,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if err := tx.InsertJob(job); err != nil {
			return err
		}
		out.JobID = job.ID
		return tx.InsertMint(out)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// proofSignature is the payer's authorization bytes, or the transaction id
// for on-chain proofs.
func proofSignature(p *x402.Proof) []byte {
	if p.Signature != "" {
		return []byte(p.Signature)
	}
	return []byte(p.TxID)
}
