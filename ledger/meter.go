package ledger

import (
	"context"
	"errors"
	"fmt"
	"maps"

	"go.uber.org/zap"
)

// DenyInsufficientBalance is the ConsumeResult reason for a denied debit.
const DenyInsufficientBalance = "insufficient_balance"

// ConsumeRequest debits units of a token for access to a resource.
type ConsumeRequest struct {
	TokenID  string            `json:"token_id"`
	HolderID string            `json:"holder_id"`
	Resource string            `json:"resource"`
	Units    uint64            `json:"units"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// ConsumeResult is the metering decision. A denied request leaves the
// ledger untouched and reports the current balance.
type ConsumeResult struct {
	Allowed   bool   `json:"allowed"`
	Remaining uint64 `json:"remaining"`
	EntryID   string `json:"entry_id,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// Consume debits req.Units from the holder's balance if it covers them.
// When the debit leaves the balance below the stake, the stake shrinks to
// the balance.
func (l *Ledger) Consume(ctx context.Context, req ConsumeRequest) (*ConsumeResult, error) {
	if req.TokenID == "" {
		return nil, fmt.Errorf("%w: token id required", ErrInvalidRequest)
	}
	if err := CheckHolderID(req.HolderID); err != nil {
		return nil, err
	}
	if req.Units == 0 {
		return nil, fmt.Errorf("%w: units must be positive", ErrInvalidRequest)
	}

	var res ConsumeResult
	err := l.store.Update(ctx, func(tx Tx) error {
		res = ConsumeResult{}
		if _, err := tx.Token(req.TokenID); err != nil {
			return err
		}
		h, err := tx.Holder(req.TokenID, req.HolderID)
		if errors.Is(err, ErrHolderNotFound) {
			res.Reason = DenyInsufficientBalance
			return nil
		} else if err != nil {
			return err
		}
		if h.Balance < req.Units {
			res.Remaining = h.Balance
			res.Reason = DenyInsufficientBalance
			return nil
		}

		now := l.now().UTC()
		h.Balance -= req.Units
		h.Consumed += req.Units
		if h.Staked > h.Balance {
			h.Staked = h.Balance
		}
		h.UpdatedAt = now
		if err := tx.PutHolder(h); err != nil {
			return err
		}
		e := &Entry{
			ID:        NewID(PrefixEntry),
			TokenID:   req.TokenID,
			HolderID:  req.HolderID,
			Kind:      EntryConsume,
			Amount:    req.Units,
			Resource:  req.Resource,
			Metadata:  maps.Clone(req.Metadata),
			CreatedAt: now,
		}
		if err := tx.InsertEntry(e); err != nil {
			return err
		}
		res.Allowed = true
		res.Remaining = h.Balance
		res.EntryID = e.ID
		return nil
	})
	if err != nil {
		return nil, err
	}

	l.metrics.Consume(res.Allowed)
	l.logger.Debug("consume",
		zap.String("token", req.TokenID),
		zap.String("holder", req.HolderID),
		zap.String("resource", req.Resource),
		zap.Uint64("units", req.Units),
		zap.Bool("allowed", res.Allowed),
		zap.Uint64("remaining", res.Remaining))
	return &res, nil
}

// AccessResult is a read-only balance check.
type AccessResult struct {
	Allowed bool   `json:"allowed"`
	Balance uint64 `json:"balance"`
	Staked  uint64 `json:"staked"`
}

// CheckAccess reports whether the holder could consume units now, without
// changing anything.
func (l *Ledger) CheckAccess(ctx context.Context, tokenID, holderID string, units uint64) (*AccessResult, error) {
	if units == 0 {
		units = 1
	}
	var res AccessResult
	err := l.store.View(ctx, func(tx Tx) error {
		if _, err := tx.Token(tokenID); err != nil {
			return err
		}
		h, err := tx.Holder(tokenID, holderID)
		if errors.Is(err, ErrHolderNotFound) {
			return nil
		} else if err != nil {
			return err
		}
		res = AccessResult{Allowed: h.Balance >= units, Balance: h.Balance, Staked: h.Staked}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &res, nil
}
