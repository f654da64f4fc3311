package dividend

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/bitfsorg/path402-go/ledger"
	"github.com/bitfsorg/path402-go/payout"
)

// Report summarizes one ProcessDistribution pass.
type Report struct {
	DistributionID string                    `json:"distribution_id"`
	Status         ledger.DistributionStatus `json:"status"`
	Paid           int                       `json:"paid"`
	Failed         int                       `json:"failed"`
	Deferred       int                       `json:"deferred"` // left for the holder to claim
	PaidAmount     uint64                    `json:"paid_amount"`
}

// ClaimResult is the outcome of a holder-initiated claim.
type ClaimResult struct {
	HolderID    string    `json:"holder_id"`
	Amount      uint64    `json:"amount"`
	Destination string    `json:"destination"`
	Claims      int       `json:"claims"`
	PayoutRef   string    `json:"payout_ref"`
	PaidAt      time.Time `json:"paid_at"`
}

// leased is a claim owned by one settlement pass.
type leased struct {
	claim       *ledger.Claim
	destination string
}

// ProcessDistribution pays each due claim of a distribution on its own.
// A failed payout marks only that claim failed and schedules a retry after
// backoff; after MaxAttempts the claim is left for Claim. Claims below the
// minimum payout or without a destination are deferred.
func (e *Engine) ProcessDistribution(ctx context.Context, id string) (*Report, error) {
	leaseID := uuid.NewString()
	batch, deferred, err := e.leaseDistribution(ctx, id, leaseID)
	if err != nil {
		return nil, err
	}

	rep := &Report{DistributionID: id, Deferred: deferred}
	for _, l := range batch {
		c := l.claim
		if ctx.Err() != nil {
			// Unpaid leases lapse on their own.
			break
		}
		rc, perr := e.pay(ctx, payout.Request{
			ID:          c.ID,
			Destination: l.destination,
			Amount:      c.Owed,
			Memo:        "dividend " + c.DistributionID,
		})
		e.metrics.Payout("distribution", perr == nil, c.Owed)
		if perr != nil {
			if err := e.failClaim(ctx, c.ID, leaseID, perr); err != nil {
				e.logger.Warn("claim update failed", zap.String("claim", c.ID), zap.Error(err))
			}
			rep.Failed++
			continue
		}
		if err := e.settle(ctx, []*ledger.Claim{c}, l.destination, rc); err != nil {
			e.logger.Error("paid claim not recorded",
				zap.String("claim", c.ID),
				zap.String("payout_ref", rc.Ref),
				zap.Error(err))
			continue
		}
		rep.Paid++
		rep.PaidAmount += c.Owed
	}

	status, err := e.finish(ctx, id)
	if err != nil {
		return nil, err
	}
	rep.Status = status
	e.logger.Info("distribution processed",
		zap.String("distribution", id),
		zap.String("status", string(status)),
		zap.Int("paid", rep.Paid),
		zap.Int("failed", rep.Failed),
		zap.Int("deferred", rep.Deferred))
	return rep, nil
}

// leaseDistribution marks the distribution processing and leases its due
// claims. It returns the leased claims and the number deferred.
func (e *Engine) leaseDistribution(ctx context.Context, id, leaseID string) ([]leased, int, error) {
	var (
		batch    []leased
		deferred int
	)
	err := e.store.Update(ctx, func(tx ledger.Tx) error {
		batch, deferred = batch[:0], 0
		d, err := tx.Distribution(id)
		if err != nil {
			return err
		}
		claims, err := tx.Claims(id)
		if err != nil {
			return err
		}
		now := e.now()
		for _, c := range claims {
			if !c.Owing() || c.Leased(now) {
				continue
			}
			if c.Status == ledger.ClaimFailed && (c.Attempts >= e.maxAttempts || c.NextAttemptAt.After(now)) {
				continue
			}
			dest, err := destinationFor(tx, c)
			if err != nil {
				return err
			}
			if dest == "" || c.Owed < e.minPayout {
				deferred++
				continue
			}
			c.LeaseID = leaseID
			c.LeaseExpires = now.Add(e.lease)
			if err := tx.PutClaim(c); err != nil {
				return err
			}
			batch = append(batch, leased{claim: c, destination: dest})
		}
		if d.Status == ledger.DistributionPending || len(batch) > 0 {
			d.Status = ledger.DistributionProcessing
			return tx.PutDistribution(d)
		}
		return nil
	})
	return batch, deferred, err
}

// finish sets the terminal status once no claim is leased. A distribution
// with any claim still owed, failed or deferred, completes with failures so
// ProcessPending revisits it.
func (e *Engine) finish(ctx context.Context, id string) (ledger.DistributionStatus, error) {
	var (
		status  ledger.DistributionStatus
		changed bool
	)
	err := e.store.Update(context.WithoutCancel(ctx), func(tx ledger.Tx) error {
		changed = false
		d, err := tx.Distribution(id)
		if err != nil {
			return err
		}
		claims, err := tx.Claims(id)
		if err != nil {
			return err
		}
		now := e.now()
		next := ledger.DistributionCompleted
		for _, c := range claims {
			if c.Owing() && c.Leased(now) {
				next = ledger.DistributionProcessing
				break
			}
			if c.Owing() {
				next = ledger.DistributionCompletedWithFailures
			}
		}
		status = next
		if d.Status == next {
			return nil
		}
		d.Status = next
		if next != ledger.DistributionProcessing {
			d.CompletedAt = now.UTC()
		}
		changed = true
		return tx.PutDistribution(d)
	})
	if err == nil && changed && status != ledger.DistributionProcessing {
		e.metrics.Distribution(string(status))
	}
	return status, err
}

// Claim pays every owed claim of holderID, across all distributions, in
// one payout. dest overrides the registered payout destination. The
// claims are marked paid only when the rail confirms; a failed payout
// leaves them as they were.
func (e *Engine) Claim(ctx context.Context, holderID, dest string) (*ClaimResult, error) {
	if err := ledger.CheckHolderID(holderID); err != nil {
		return nil, err
	}
	leaseID := uuid.NewString()
	claims, dest, total, err := e.leaseHolder(ctx, holderID, dest, leaseID)
	if err != nil {
		return nil, err
	}

	rc, perr := e.pay(ctx, payout.Request{
		ID:          leaseID,
		Destination: dest,
		Amount:      total,
		Memo:        "dividend claim",
	})
	e.metrics.Payout("claim", perr == nil, total)
	if perr != nil {
		if err := e.release(ctx, claims, leaseID); err != nil {
			e.logger.Warn("claim leases not released", zap.String("holder", holderID), zap.Error(err))
		}
		return nil, fmt.Errorf("%w: %w", ErrPayoutFailed, perr)
	}
	if err := e.settle(ctx, claims, dest, rc); err != nil {
		e.logger.Error("paid claims not recorded",
			zap.String("holder", holderID),
			zap.String("payout_ref", rc.Ref),
			zap.Error(err))
		return nil, err
	}
	e.reconcile(ctx, claims)

	e.logger.Info("dividends claimed",
		zap.String("holder", holderID),
		zap.Uint64("amount", total),
		zap.Int("claims", len(claims)),
		zap.String("payout_ref", rc.Ref))
	return &ClaimResult{
		HolderID:    holderID,
		Amount:      total,
		Destination: dest,
		Claims:      len(claims),
		PayoutRef:   rc.Ref,
		PaidAt:      rc.PaidAt,
	}, nil
}

// reconcile re-derives the status of the completed distributions whose
// claims were just paid by the holder.
func (e *Engine) reconcile(ctx context.Context, claims []*ledger.Claim) {
	seen := make(map[string]struct{}, len(claims))
	for _, c := range claims {
		id := c.DistributionID
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		var status ledger.DistributionStatus
		err := e.store.View(ctx, func(tx ledger.Tx) error {
			d, err := tx.Distribution(id)
			if err != nil {
				return err
			}
			status = d.Status
			return nil
		})
		if err == nil && status == ledger.DistributionCompletedWithFailures {
			_, err = e.finish(ctx, id)
		}
		if err != nil {
			e.logger.Warn("distribution status not updated", zap.String("distribution", id), zap.Error(err))
		}
	}
}

// Pending returns the owed claims of holderID and their total.
func (e *Engine) Pending(ctx context.Context, holderID string) ([]*ledger.Claim, uint64, error) {
	var (
		out   []*ledger.Claim
		total uint64
	)
	err := e.store.View(ctx, func(tx ledger.Tx) error {
		out, total = out[:0], 0
		claims, err := tx.HolderClaims(holderID)
		if err != nil {
			return err
		}
		for _, c := range claims {
			if c.Owing() {
				out = append(out, c)
				total += c.Owed
			}
		}
		return nil
	})
	return out, total, err
}

func (e *Engine) leaseHolder(ctx context.Context, holderID, dest, leaseID string) ([]*ledger.Claim, string, uint64, error) {
	var (
		claims []*ledger.Claim
		total  uint64
		chosen string
	)
	err := e.store.Update(ctx, func(tx ledger.Tx) error {
		claims, total, chosen = claims[:0], 0, dest
		all, err := tx.HolderClaims(holderID)
		if err != nil {
			return err
		}
		now := e.now()
		dests := make(map[string]struct{})
		for _, c := range all {
			if !c.Owing() || c.Leased(now) {
				continue
			}
			claims = append(claims, c)
			total += c.Owed
			d, err := destinationFor(tx, c)
			if err != nil {
				return err
			}
			if d != "" {
				dests[d] = struct{}{}
			}
		}
		if len(claims) == 0 {
			return fmt.Errorf("%w: holder %s", ErrNoPendingDividends, holderID)
		}
		if total < e.minPayout {
			return fmt.Errorf("%w: %d owed, minimum %d", ErrBelowMinimum, total, e.minPayout)
		}
		if chosen == "" {
			switch len(dests) {
			case 0:
				return fmt.Errorf("%w: holder %s", ErrNoDestination, holderID)
			case 1:
				for d := range dests {
					chosen = d
				}
			default:
				return fmt.Errorf("%w: holder %s has %d payout destinations, choose one",
					ledger.ErrInvalidRequest, holderID, len(dests))
			}
		}
		for _, c := range claims {
			c.LeaseID = leaseID
			c.LeaseExpires = now.Add(e.lease)
			if err := tx.PutClaim(c); err != nil {
				return err
			}
		}
		return nil
	})
	return claims, chosen, total, err
}

// pay calls the rail with the per-call timeout. A call that times out
// without a receipt is a failure.
func (e *Engine) pay(ctx context.Context, req payout.Request) (*payout.Receipt, error) {
	req.Currency = e.currency
	callCtx, cancel := context.WithTimeout(ctx, e.callTimeout)
	defer cancel()
	rc, err := e.rail.Pay(callCtx, req)
	if err != nil {
		return nil, err
	}
	if rc == nil {
		return nil, fmt.Errorf("%w: rail returned no receipt", ErrPayoutFailed)
	}
	return rc, nil
}

// settle marks claims paid by receipt rc and credits the holders. Claims
// someone else already settled are logged and skipped.
func (e *Engine) settle(ctx context.Context, claims []*ledger.Claim, dest string, rc *payout.Receipt) error {
	return e.store.Update(context.WithoutCancel(ctx), func(tx ledger.Tx) error {
		now := e.now().UTC()
		for _, lc := range claims {
			c, err := tx.Claim(lc.ID)
			if err != nil {
				return err
			}
			if !c.Owing() {
				e.logger.Error("claim paid twice",
					zap.String("claim", c.ID),
					zap.String("first_ref", c.PayoutRef),
					zap.String("second_ref", rc.Ref))
				continue
			}
			c.Status = ledger.ClaimPaid
			c.PayoutRef = rc.Ref
			c.PaidAt = now
			c.Attempts++
			c.LastError = ""
			c.LeaseID = ""
			c.LeaseExpires = time.Time{}
			if err := tx.PutClaim(c); err != nil {
				return err
			}

			h, err := tx.Holder(c.TokenID, c.HolderID)
			if err != nil {
				return err
			}
			h.DividendsPaid += c.Owed
			h.UpdatedAt = now
			if err := tx.PutHolder(h); err != nil {
				return err
			}
			err = tx.InsertEntry(&ledger.Entry{
				ID:       ledger.NewID(ledger.PrefixEntry),
				TokenID:  c.TokenID,
				HolderID: c.HolderID,
				Kind:     ledger.EntryDividendClaim,
				Amount:   c.Owed,
				Ref:      c.ID,
				Metadata: map[string]string{
					"distribution": c.DistributionID,
					"destination":  dest,
					"payout_ref":   rc.Ref,
				},
				CreatedAt: now,
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// failClaim records a failed payout and schedules the next attempt.
func (e *Engine) failClaim(ctx context.Context, id, leaseID string, cause error) error {
	return e.store.Update(context.WithoutCancel(ctx), func(tx ledger.Tx) error {
		c, err := tx.Claim(id)
		if err != nil {
			return err
		}
		if c.LeaseID != leaseID || !c.Owing() {
			return fmt.Errorf("%w: claim %s", ledger.ErrLeaseLost, id)
		}
		now := e.now()
		c.Status = ledger.ClaimFailed
		c.Attempts++
		c.LastError = cause.Error()
		c.NextAttemptAt = now.Add(ledger.Backoff(c.Attempts, e.backoffBase, e.backoffMax))
		c.LeaseID = ""
		c.LeaseExpires = time.Time{}
		return tx.PutClaim(c)
	})
}

// release drops leaseID from claims without changing anything else.
func (e *Engine) release(ctx context.Context, claims []*ledger.Claim, leaseID string) error {
	return e.store.Update(context.WithoutCancel(ctx), func(tx ledger.Tx) error {
		for _, lc := range claims {
			c, err := tx.Claim(lc.ID)
			if err != nil {
				return err
			}
			if c.LeaseID != leaseID {
				continue
			}
			c.LeaseID = ""
			c.LeaseExpires = time.Time{}
			if err := tx.PutClaim(c); err != nil {
				return err
			}
		}
		return nil
	})
}

// destinationFor returns the payout destination registered on the claim's
// holder position.
func destinationFor(tx ledger.Tx, c *ledger.Claim) (string, error) {
	h, err := tx.Holder(c.TokenID, c.HolderID)
	if errors.Is(err, ledger.ErrHolderNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return h.PayoutDestination, nil
}

// ProcessPending processes every distribution that is not completed. It
// returns the number of claims paid.
func (e *Engine) ProcessPending(ctx context.Context) (int, error) {
	var ids []string
	err := e.store.View(ctx, func(tx ledger.Tx) error {
		ids = ids[:0]
		all, err := tx.Distributions("")
		if err != nil {
			return err
		}
		for _, d := range all {
			if d.Status != ledger.DistributionCompleted {
				ids = append(ids, d.ID)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	var paid int
	for _, id := range ids {
		if ctx.Err() != nil {
			return paid, ctx.Err()
		}
		rep, err := e.ProcessDistribution(ctx, id)
		if err != nil {
			return paid, err
		}
		paid += rep.Paid
	}
	return paid, nil
}

func isSkippable(err error) bool {
	return errors.Is(err, ErrNoStakers) || errors.Is(err, ErrPoolTooSmall)
}
