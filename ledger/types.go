// Package ledger is the token ledger: treasury, holder balances, append-only
// entries, payment-verified minting, metering and the notarization outbox.
//
// All state changes go through a Store transaction. A mint either applies in
// full, with its entries and outbox job, or not at all.
package ledger

import (
	"time"

	"github.com/bitfsorg/path402-go/pricing"
	"github.com/bitfsorg/path402-go/x402"
)

// Token is a priced, fixed-supply token.
type Token struct {
	ID                string                  `json:"id"`
	Name              string                  `json:"name"`
	Symbol            string                  `json:"symbol,omitempty"`
	Model             pricing.Model           `json:"model"`
	BasePrice         uint64                  `json:"base_price"`
	TotalSupply       uint64                  `json:"total_supply"`
	TreasuryRemaining uint64                  `json:"treasury_remaining"`
	Issuer            string                  `json:"issuer"`
	PayTo             map[x402.Network]string `json:"pay_to"`
	Assets            map[x402.Network]string `json:"assets,omitempty"`
	Revenue           uint64                  `json:"revenue"`       // cost of all mints
	RevenueSwept      uint64                  `json:"revenue_swept"` // moved into dividend pools
	CreatedAt         time.Time               `json:"created_at"`
}

// Sold returns the number of units minted out of the treasury.
func (t *Token) Sold() uint64 {
	return t.TotalSupply - t.TreasuryRemaining
}

// UnsweptRevenue returns revenue not yet moved into a dividend pool.
func (t *Token) UnsweptRevenue() uint64 {
	return t.Revenue - t.RevenueSwept
}

// Holder is one holder's position in one token. Staked never exceeds
// Balance.
type Holder struct {
	TokenID           string    `json:"token_id"`
	HolderID          string    `json:"holder_id"`
	Balance           uint64    `json:"balance"`
	Staked            uint64    `json:"staked"`
	Purchased         uint64    `json:"purchased"`
	Consumed          uint64    `json:"consumed"`
	DividendsPaid     uint64    `json:"dividends_paid"`
	PayoutDestination string    `json:"payout_destination,omitempty"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// EntryKind classifies a ledger entry.
type EntryKind string

const (
	EntryMint          EntryKind = "mint"
	EntryConsume       EntryKind = "consume"
	EntryRefund        EntryKind = "refund"
	EntryDividendClaim EntryKind = "dividend_claim"
	EntryStake         EntryKind = "stake"
	EntryUnstake       EntryKind = "unstake"
)

// Entry is a write-once ledger record.
type Entry struct {
	ID        string            `json:"id"`
	TokenID   string            `json:"token_id"`
	HolderID  string            `json:"holder_id"`
	Kind      EntryKind         `json:"kind"`
	Amount    uint64            `json:"amount"`
	Ref       string            `json:"ref,omitempty"` // proof ref, claim or distribution id
	Resource  string            `json:"resource,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// MintResult records one applied payment. It is unique per proof ref.
type MintResult struct {
	Ref       string       `json:"ref"`
	TokenID   string       `json:"token_id"`
	HolderID  string       `json:"holder_id"`
	EntryID   string       `json:"entry_id"`
	RefundID  string       `json:"refund_entry_id,omitempty"`
	JobID     string       `json:"notarization_job_id"`
	Network   x402.Network `json:"network"`
	Sender    string       `json:"sender"`
	TxID      string       `json:"txid,omitempty"`
	Amount    uint64       `json:"amount"`
	Cost      uint64       `json:"cost"`
	Paid      uint64       `json:"paid"`
	Refund    uint64       `json:"refund,omitempty"`
	UnitPrice uint64       `json:"unit_price"`
	Balance   uint64       `json:"balance"`
	Treasury  uint64       `json:"treasury_remaining"`
	Replayed  bool         `json:"replayed,omitempty"`
	AppliedAt time.Time    `json:"applied_at"`
}

// JobStatus is the state of an outbox job.
type JobStatus string

const (
	JobPending JobStatus = "pending"
	JobDone    JobStatus = "done"
	JobDead    JobStatus = "dead"
)

// OutboxJob asks for a mint to be notarized on chain.
type OutboxJob struct {
	ID              string    `json:"id"`
	Ref             string    `json:"ref"`
	TokenID         string    `json:"token_id"`
	Network         string    `json:"network"`
	Parties         []string  `json:"parties"`
	Amount          uint64    `json:"amount"` // paid
	Asset           string    `json:"asset,omitempty"`
	Signature       []byte    `json:"-"`
	Units           uint64    `json:"units"`
	Status          JobStatus `json:"status"`
	Attempts        int       `json:"attempts"`
	NextAttemptAt   time.Time `json:"next_attempt_at"`
	LeaseID         string    `json:"-"`
	LeaseExpires    time.Time `json:"-"`
	LastError       string    `json:"last_error,omitempty"`
	InscriptionTxID string    `json:"inscription_txid,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Leased reports whether the job carries a live lease at now.
func (j *OutboxJob) Leased(now time.Time) bool {
	return j.LeaseID != "" && now.Before(j.LeaseExpires)
}

// DistributionStatus is the state of a dividend distribution.
type DistributionStatus string

const (
	DistributionPending               DistributionStatus = "pending"
	DistributionProcessing            DistributionStatus = "processing"
	DistributionCompleted             DistributionStatus = "completed"
	DistributionCompletedWithFailures DistributionStatus = "completed_with_failures"
)

// Distribution is a dividend pool split across a staker snapshot.
type Distribution struct {
	ID          string             `json:"id"`
	TokenID     string             `json:"token_id"`
	Pool        uint64             `json:"pool"`
	TotalStaked uint64             `json:"total_staked"`
	Rate        uint64             `json:"rate"` // per staked unit
	Distributed uint64             `json:"distributed"`
	Retained    uint64             `json:"retained"` // residual kept by the issuer
	Claims      int                `json:"claims"`
	Status      DistributionStatus `json:"status"`
	CreatedAt   time.Time          `json:"created_at"`
	CompletedAt time.Time          `json:"completed_at,omitempty"`
}

// ClaimStatus is the state of a dividend claim.
type ClaimStatus string

const (
	ClaimPending ClaimStatus = "pending"
	ClaimPaid    ClaimStatus = "paid"
	ClaimFailed  ClaimStatus = "failed"
)

// Claim is one staker's share of a distribution.
type Claim struct {
	ID             string      `json:"id"`
	DistributionID string      `json:"distribution_id"`
	TokenID        string      `json:"token_id"`
	HolderID       string      `json:"holder_id"`
	Stake          uint64      `json:"stake"`
	Owed           uint64      `json:"owed"`
	Status         ClaimStatus `json:"status"`
	Attempts       int         `json:"attempts"`
	NextAttemptAt  time.Time   `json:"next_attempt_at"`
	LeaseID        string      `json:"-"`
	LeaseExpires   time.Time   `json:"-"`
	PayoutRef      string      `json:"payout_ref,omitempty"`
	LastError      string      `json:"last_error,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
	PaidAt         time.Time   `json:"paid_at,omitempty"`
}

// Owing reports whether the claim still has to be paid.
func (c *Claim) Owing() bool {
	return c.Status == ClaimPending || c.Status == ClaimFailed
}

// Leased reports whether the claim carries a live lease at now.
func (c *Claim) Leased(now time.Time) bool {
	return c.LeaseID != "" && now.Before(c.LeaseExpires)
}
