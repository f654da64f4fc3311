package ledger

import (
	"context"

	"github.com/bitfsorg/path402-go/x402"
)

// Tx is the view of the ledger inside one store transaction. Getters
// return typed not-found errors. Writes in a read-only transaction fail.
type Tx interface {
	Token(id string) (*Token, error)
	Tokens() ([]*Token, error)
	InsertToken(t *Token) error // ErrTokenExists
	PutToken(t *Token) error

	Holder(tokenID, holderID string) (*Holder, error)
	// Holders lists every holder of tokenID ordered by holder id.
	Holders(tokenID string) ([]*Holder, error)
	// HolderPositions lists the positions of holderID across tokens.
	HolderPositions(holderID string) ([]*Holder, error)
	PutHolder(h *Holder) error

	Mint(ref string) (*MintResult, error)
	InsertMint(m *MintResult) error // ErrProofAlreadyApplied

	InsertEntry(e *Entry) error // ErrEntryExists
	// Entries lists a holder's entries oldest first. limit <= 0 means all.
	Entries(tokenID, holderID string, limit int) ([]*Entry, error)

	Job(id string) (*OutboxJob, error)
	InsertJob(j *OutboxJob) error
	PutJob(j *OutboxJob) error
	Jobs(status JobStatus, limit int) ([]*OutboxJob, error)

	Distribution(id string) (*Distribution, error)
	InsertDistribution(d *Distribution) error
	PutDistribution(d *Distribution) error
	Distributions(tokenID string) ([]*Distribution, error)

	Claim(id string) (*Claim, error)
	InsertClaim(c *Claim) error
	PutClaim(c *Claim) error
	// Claims lists the claims of a distribution ordered by id.
	Claims(distributionID string) ([]*Claim, error)
	// HolderClaims lists every claim of holderID ordered by id.
	HolderClaims(holderID string) ([]*Claim, error)
}

// Store persists the ledger. Update runs fn in a serializable read-write
// transaction and commits when fn returns nil; it may run fn more than
// once on serialization conflicts, so fn must not have side effects
// outside tx. View runs fn read-only.
//
// A Store also keeps payment nonces, so a verified proof and its mint
// share one durable backend.
type Store interface {
	x402.NonceStore
	Update(ctx context.Context, fn func(Tx) error) error
	View(ctx context.Context, fn func(Tx) error) error
	Close() error
}
