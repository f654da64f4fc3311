// Package pgstore is the PostgreSQL ledger.Store for multi-node
// deployments. Every Update runs at SERIALIZABLE isolation and is retried
// on serialization failures.
package pgstore

import (
	"bytes"
	"context"
	"database/sql"
	"embed"
	"encoding/gob"
	"errors"
	"fmt"
	"time"

	"github.com/behrang/sqlbatch"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	migrate "github.com/rubenv/sql-migrate"
	"go.uber.org/zap"

	"github.com/bitfsorg/path402-go/ledger"
	"github.com/bitfsorg/path402-go/x402"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// DefaultMaxRetries bounds serialization-failure retries per transaction.
const DefaultMaxRetries = 16

// Store is a PostgreSQL-backed ledger.Store.
type Store struct {
	db         *sqlx.DB
	logger     *zap.Logger
	now        func() time.Time
	maxRetries int
}

// Compile-time interface checks.
var (
	_ ledger.Store    = (*Store)(nil)
	_ x402.NonceStore = (*Store)(nil)
)

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithMaxRetries sets how many times a conflicting transaction is retried.
func WithMaxRetries(n int) Option {
	return func(s *Store) { s.maxRetries = n }
}

// Open connects to dsn and applies pending migrations.
func Open(ctx context.Context, dsn string, opts ...Option) (*Store, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("pgstore: connect: %w", err)
	}
	s := &Store{db: db, logger: zap.NewNop(), now: time.Now, maxRetries: DefaultMaxRetries}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	source := &migrate.EmbedFileSystemMigrationSource{FileSystem: migrationFS, Root: "migrations"}
	n, err := migrate.Exec(s.db.DB, "postgres", source, migrate.Up)
	if err != nil {
		return fmt.Errorf("pgstore: apply migrations: %w", err)
	}
	if n > 0 {
		s.logger.Info("ledger migrations applied", zap.Int("count", n))
	}
	return nil
}

// Close closes the connection pool.
func (s *Store) Close() error { return s.db.Close() }

// retryable reports serialization failures and deadlocks.
func retryable(err error) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	return pqErr.Code == "40001" || pqErr.Code == "40P01"
}

// Update runs fn in a SERIALIZABLE transaction, retrying it from scratch
// when Postgres reports a serialization failure.
func (s *Store) Update(ctx context.Context, fn func(ledger.Tx) error) error {
	return s.run(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable}, fn)
}

// View runs fn in a read-only snapshot.
func (s *Store) View(ctx context.Context, fn func(ledger.Tx) error) error {
	return s.run(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true}, fn)
}

func (s *Store) run(ctx context.Context, opts *sql.TxOptions, fn func(ledger.Tx) error) error {
	for attempt := 1; ; attempt++ {
		err := s.try(ctx, opts, fn)
		if err == nil || !retryable(err) || attempt >= s.maxRetries {
			return err
		}
		s.logger.Debug("retrying serializable transaction", zap.Int("attempt", attempt), zap.Error(err))
	}
}

func (s *Store) try(ctx context.Context, opts *sql.TxOptions, fn func(ledger.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, opts)
	if err != nil {
		return fmt.Errorf("pgstore: begin: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&pgTx{ctx: ctx, tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("pgstore: commit: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// x402.NonceStore
// ---------------------------------------------------------------------------

const (
	sqlNonceReserve = `
	with reserved as (
		insert into x402_nonces as n (ref, expires_at)
			values ($1, $2)
		on conflict (ref) do
			update set expires_at = excluded.expires_at
			where n.expires_at is not null and n.expires_at <= $3
		returning ref
	)
	select count(*) from reserved
`

	sqlNonceRelease = `
	with released as (
		delete from x402_nonces where ref = $1 returning ref
	)
	select count(*) from released
`

	sqlNoncePrune = `
	with pruned as (
		delete from x402_nonces where expires_at is not null and expires_at <= $1 returning ref
	)
	select count(*) from pruned
`
)

func readCount(scan func(...interface{}) error) (interface{}, error) {
	var n int64
	err := scan(&n)
	return n, err
}

// batch runs commands in one transaction, retrying serialization failures.
func (s *Store) batch(ctx context.Context, commands []sqlbatch.Command) ([]interface{}, error) {
	for attempt := 1; ; attempt++ {
		results, err := s.tryBatch(ctx, commands)
		if err != nil && retryable(err) && attempt < s.maxRetries {
			s.logger.Debug("retrying nonce batch", zap.Error(err))
			continue
		}
		return results, err
	}
}

func (s *Store) tryBatch(ctx context.Context, commands []sqlbatch.Command) ([]interface{}, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	results, err := sqlbatch.Batch(tx, commands)
	if err != nil {
		return nil, err
	}
	return results, tx.Commit()
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

// Reserve records ref until expires. A zero expiry never lapses.
func (s *Store) Reserve(ctx context.Context, ref string, expires time.Time) error {
	results, err := s.batch(ctx, []sqlbatch.Command{
		{
			Query:   sqlNonceReserve,
			Args:    []interface{}{ref, nullTime(expires), s.now()},
			ReadOne: readCount,
		},
	})
	if err != nil {
		return fmt.Errorf("pgstore: reserve nonce: %w", err)
	}
	if n, _ := results[0].(int64); n == 0 {
		return fmt.Errorf("%w: %s", x402.ErrNonceReused, ref)
	}
	return nil
}

// Release forgets ref.
func (s *Store) Release(ctx context.Context, ref string) error {
	_, err := s.batch(ctx, []sqlbatch.Command{
		{
			Query:   sqlNonceRelease,
			Args:    []interface{}{ref},
			ReadOne: readCount,
		},
	})
	if err != nil {
		return fmt.Errorf("pgstore: release nonce: %w", err)
	}
	return nil
}

// PruneNonces deletes lapsed nonces and returns how many were removed.
func (s *Store) PruneNonces(ctx context.Context) (int, error) {
	results, err := s.batch(ctx, []sqlbatch.Command{
		{
			Query:   sqlNoncePrune,
			Args:    []interface{}{s.now()},
			ReadOne: readCount,
		},
	})
	if err != nil {
		return 0, fmt.Errorf("pgstore: prune nonces: %w", err)
	}
	n, _ := results[0].(int64)
	return int(n), nil
}

// encodeGob serializes a value using gob encoding.
func encodeGob(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// decodeGob deserializes gob-encoded data into a value.
func decodeGob(data []byte, v interface{}) error {
	return gob.NewDecoder(bytes.NewReader(data)).Decode(v)
}
