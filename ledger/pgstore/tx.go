package pgstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/bitfsorg/path402-go/ledger"
)

type pgTx struct {
	ctx context.Context
	tx  *sqlx.Tx
}

var _ ledger.Tx = (*pgTx)(nil)

func (t *pgTx) get(v interface{}, notFound error, query string, args ...interface{}) error {
	var data []byte
	err := t.tx.GetContext(t.ctx, &data, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return notFound
	}
	if err != nil {
		return fmt.Errorf("pgstore: query: %w", err)
	}
	if err := decodeGob(data, v); err != nil {
		return fmt.Errorf("pgstore: decode: %w", err)
	}
	return nil
}

// insert runs an "on conflict do nothing" insert and reports whether a
// row was written.
func (t *pgTx) insert(query string, args ...interface{}) (bool, error) {
	res, err := t.tx.ExecContext(t.ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("pgstore: insert: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("pgstore: rows affected: %w", err)
	}
	return n == 1, nil
}

func (t *pgTx) exec(query string, args ...interface{}) error {
	if _, err := t.tx.ExecContext(t.ctx, query, args...); err != nil {
		return fmt.Errorf("pgstore: exec: %w", err)
	}
	return nil
}

func list[T any](t *pgTx, limit int, query string, args ...interface{}) ([]*T, error) {
	if limit > 0 {
		query += fmt.Sprintf(" limit %d", limit)
	}
	var rows [][]byte
	if err := t.tx.SelectContext(t.ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("pgstore: query: %w", err)
	}
	out := make([]*T, 0, len(rows))
	for _, data := range rows {
		item := new(T)
		if err := decodeGob(data, item); err != nil {
			return nil, fmt.Errorf("pgstore: decode: %w", err)
		}
		out = append(out, item)
	}
	return out, nil
}

// tokens

func (t *pgTx) Token(id string) (*ledger.Token, error) {
	var tok ledger.Token
	err := t.get(&tok, fmt.Errorf("%w: %s", ledger.ErrTokenNotFound, id),
		`select data from tokens where id = $1`, id)
	if err != nil {
		return nil, err
	}
	return &tok, nil
}

func (t *pgTx) Tokens() ([]*ledger.Token, error) {
	return list[ledger.Token](t, 0, `select data from tokens order by id`)
}

func (t *pgTx) InsertToken(tok *ledger.Token) error {
	data, err := encodeGob(tok)
	if err != nil {
		return err
	}
	ok, err := t.insert(`insert into tokens (id, data, created_at) values ($1, $2, $3) on conflict do nothing`,
		tok.ID, data, tok.CreatedAt)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ledger.ErrTokenExists, tok.ID)
	}
	return nil
}

func (t *pgTx) PutToken(tok *ledger.Token) error {
	data, err := encodeGob(tok)
	if err != nil {
		return err
	}
	return t.exec(`
	insert into tokens (id, data, created_at) values ($1, $2, $3)
	on conflict (id) do update set data = excluded.data`, tok.ID, data, tok.CreatedAt)
}

// holders

func (t *pgTx) Holder(tokenID, holderID string) (*ledger.Holder, error) {
	var h ledger.Holder
	err := t.get(&h, fmt.Errorf("%w: %s in %s", ledger.ErrHolderNotFound, holderID, tokenID),
		`select data from holders where token_id = $1 and holder_id = $2`, tokenID, holderID)
	if err != nil {
		return nil, err
	}
	return &h, nil
}

func (t *pgTx) Holders(tokenID string) ([]*ledger.Holder, error) {
	return list[ledger.Holder](t, 0,
		`select data from holders where token_id = $1 order by holder_id`, tokenID)
}

func (t *pgTx) HolderPositions(holderID string) ([]*ledger.Holder, error) {
	return list[ledger.Holder](t, 0,
		`select data from holders where holder_id = $1 order by token_id`, holderID)
}

func (t *pgTx) PutHolder(h *ledger.Holder) error {
	data, err := encodeGob(h)
	if err != nil {
		return err
	}
	return t.exec(`
	insert into holders (token_id, holder_id, balance, staked, data) values ($1, $2, $3, $4, $5)
	on conflict (token_id, holder_id) do update
		set balance = excluded.balance, staked = excluded.staked, data = excluded.data`,
		h.TokenID, h.HolderID, h.Balance, h.Staked, data)
}

// mints

func (t *pgTx) Mint(ref string) (*ledger.MintResult, error) {
	var m ledger.MintResult
	err := t.get(&m, fmt.Errorf("%w: %s", ledger.ErrMintNotFound, ref),
		`select data from mints where ref = $1`, ref)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (t *pgTx) InsertMint(m *ledger.MintResult) error {
	data, err := encodeGob(m)
	if err != nil {
		return err
	}
	ok, err := t.insert(`insert into mints (ref, token_id, data) values ($1, $2, $3) on conflict do nothing`,
		m.Ref, m.TokenID, data)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ledger.ErrProofAlreadyApplied, m.Ref)
	}
	return nil
}

// entries

func (t *pgTx) InsertEntry(e *ledger.Entry) error {
	data, err := encodeGob(e)
	if err != nil {
		return err
	}
	ok, err := t.insert(`
	insert into entries (id, token_id, holder_id, kind, ref, data, created_at)
	values ($1, $2, $3, $4, $5, $6, $7) on conflict do nothing`,
		e.ID, e.TokenID, e.HolderID, string(e.Kind), e.Ref, data, e.CreatedAt)
	if err != nil {
		return err
	}
	if !ok {
		if e.Kind == ledger.EntryMint {
			return fmt.Errorf("%w: %s", ledger.ErrProofAlreadyApplied, e.Ref)
		}
		return fmt.Errorf("%w: %s", ledger.ErrEntryExists, e.ID)
	}
	return nil
}

func (t *pgTx) Entries(tokenID, holderID string, limit int) ([]*ledger.Entry, error) {
	return list[ledger.Entry](t, limit,
		`select data from entries where token_id = $1 and holder_id = $2 order by id`, tokenID, holderID)
}

// outbox jobs

func (t *pgTx) Job(id string) (*ledger.OutboxJob, error) {
	var j ledger.OutboxJob
	err := t.get(&j, fmt.Errorf("%w: %s", ledger.ErrJobNotFound, id),
		`select data from outbox_jobs where id = $1`, id)
	if err != nil {
		return nil, err
	}
	return &j, nil
}

func (t *pgTx) InsertJob(j *ledger.OutboxJob) error {
	data, err := encodeGob(j)
	if err != nil {
		return err
	}
	ok, err := t.insert(`insert into outbox_jobs (id, status, data) values ($1, $2, $3) on conflict do nothing`,
		j.ID, string(j.Status), data)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("pgstore: job %s already exists", j.ID)
	}
	return nil
}

func (t *pgTx) PutJob(j *ledger.OutboxJob) error {
	data, err := encodeGob(j)
	if err != nil {
		return err
	}
	return t.exec(`
	insert into outbox_jobs (id, status, data) values ($1, $2, $3)
	on conflict (id) do update set status = excluded.status, data = excluded.data`,
		j.ID, string(j.Status), data)
}

func (t *pgTx) Jobs(status ledger.JobStatus, limit int) ([]*ledger.OutboxJob, error) {
	return list[ledger.OutboxJob](t, limit,
		`select data from outbox_jobs where status = $1 order by id`, string(status))
}

// distributions

func (t *pgTx) Distribution(id string) (*ledger.Distribution, error) {
	var d ledger.Distribution
	err := t.get(&d, fmt.Errorf("%w: %s", ledger.ErrDistributionNotFound, id),
		`select data from distributions where id = $1`, id)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (t *pgTx) InsertDistribution(d *ledger.Distribution) error {
	data, err := encodeGob(d)
	if err != nil {
		return err
	}
	ok, err := t.insert(`insert into distributions (id, token_id, data) values ($1, $2, $3) on conflict do nothing`,
		d.ID, d.TokenID, data)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("pgstore: distribution %s already exists", d.ID)
	}
	return nil
}

func (t *pgTx) PutDistribution(d *ledger.Distribution) error {
	data, err := encodeGob(d)
	if err != nil {
		return err
	}
	return t.exec(`
	insert into distributions (id, token_id, data) values ($1, $2, $3)
	on conflict (id) do update set data = excluded.data`, d.ID, d.TokenID, data)
}

func (t *pgTx) Distributions(tokenID string) ([]*ledger.Distribution, error) {
	if tokenID == "" {
		return list[ledger.Distribution](t, 0, `select data from distributions order by id`)
	}
	return list[ledger.Distribution](t, 0,
		`select data from distributions where token_id = $1 order by id`, tokenID)
}

// claims

func (t *pgTx) Claim(id string) (*ledger.Claim, error) {
	var c ledger.Claim
	err := t.get(&c, fmt.Errorf("%w: %s", ledger.ErrClaimNotFound, id),
		`select data from claims where id = $1`, id)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (t *pgTx) InsertClaim(c *ledger.Claim) error {
	data, err := encodeGob(c)
	if err != nil {
		return err
	}
	ok, err := t.insert(`
	insert into claims (id, distribution_id, holder_id, data) values ($1, $2, $3, $4)
	on conflict do nothing`, c.ID, c.DistributionID, c.HolderID, data)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("pgstore: claim %s already exists", c.ID)
	}
	return nil
}

func (t *pgTx) PutClaim(c *ledger.Claim) error {
	data, err := encodeGob(c)
	if err != nil {
		return err
	}
	return t.exec(`
	insert into claims (id, distribution_id, holder_id, data) values ($1, $2, $3, $4)
	on conflict (id) do update set data = excluded.data`, c.ID, c.DistributionID, c.HolderID, data)
}

func (t *pgTx) Claims(distributionID string) ([]*ledger.Claim, error) {
	return list[ledger.Claim](t, 0,
		`select data from claims where distribution_id = $1 order by id`, distributionID)
}

func (t *pgTx) HolderClaims(holderID string) ([]*ledger.Claim, error) {
	return list[ledger.Claim](t, 0,
		`select data from claims where holder_id = $1 order by id`, holderID)
}
