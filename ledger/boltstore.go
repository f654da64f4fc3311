package ledger

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/gob"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"

	"github.com/bitfsorg/path402-go/x402"
)

var (
	bucketTokens         = []byte("tokens")
	bucketHolders        = []byte("holders")
	bucketHolderIndex    = []byte("holder_index")
	bucketMints          = []byte("mints")
	bucketEntries        = []byte("entries")
	bucketJobs           = []byte("jobs")
	bucketJobsPending    = []byte("jobs_pending")
	bucketDistributions  = []byte("distributions")
	bucketClaims         = []byte("claims")
	bucketClaimsByDist   = []byte("claims_by_dist")
	bucketClaimsByHolder = []byte("claims_by_holder")
	bucketNonces         = []byte("nonces")
)

var allBuckets = [][]byte{
	bucketTokens, bucketHolders, bucketHolderIndex, bucketMints, bucketEntries,
	bucketJobs, bucketJobsPending, bucketDistributions, bucketClaims,
	bucketClaimsByDist, bucketClaimsByHolder, bucketNonces,
}

// BoltStore is the embedded single-node Store.
type BoltStore struct {
	db  *bbolt.DB
	now func() time.Time
}

// Compile-time interface checks.
var (
	_ Store           = (*BoltStore)(nil)
	_ x402.NonceStore = (*BoltStore)(nil)
	_ Tx              = (*boltTx)(nil)
)

// OpenBoltStore opens or creates the bbolt database at dbPath.
// The parent directory is created if it does not exist.
func OpenBoltStore(dbPath string) (*BoltStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0700); err != nil {
		return nil, fmt.Errorf("ledger: create directory: %w", err)
	}
	db, err := bbolt.Open(dbPath, 0600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("ledger: open bolt db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("boltstore: create bucket %q: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ledger: create buckets: %w", err)
	}

	return &BoltStore{db: db, now: time.Now}, nil
}

// Close closes the underlying database.
func (s *BoltStore) Close() error { return s.db.Close() }

// Update runs fn in a read-write transaction. bbolt serializes writers,
// so fn runs exactly once.
func (s *BoltStore) Update(ctx context.Context, fn func(Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return fn(&boltTx{tx: tx})
	})
}

// View runs fn in a read-only transaction.
func (s *BoltStore) View(ctx context.Context, fn func(Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.View(func(tx *bbolt.Tx) error {
		return fn(&boltTx{tx: tx})
	})
}

// ---------------------------------------------------------------------------
// x402.NonceStore
// ---------------------------------------------------------------------------

// Reserve records ref until expires. A zero expiry never lapses.
func (s *BoltStore) Reserve(ctx context.Context, ref string, expires time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	now := s.now()
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketNonces)
		if v := b.Get([]byte(ref)); v != nil && !nonceLapsed(v, now) {
			return fmt.Errorf("%w: %s", x402.ErrNonceReused, ref)
		}
		return b.Put([]byte(ref), expiryValue(expires))
	})
}

// Release forgets ref.
func (s *BoltStore) Release(ctx context.Context, ref string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketNonces).Delete([]byte(ref))
	})
}

// PruneNonces deletes lapsed nonces and returns how many were removed.
func (s *BoltStore) PruneNonces(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	now := s.now()
	var n int
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketNonces)
		var stale [][]byte
		err := b.ForEach(func(k, v []byte) error {
			if nonceLapsed(v, now) {
				stale = append(stale, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		n = len(stale)
		return nil
	})
	return n, err
}

func expiryValue(t time.Time) []byte {
	v := make([]byte, 8)
	if !t.IsZero() {
		binary.BigEndian.PutUint64(v, uint64(t.UnixNano()))
	}
	return v
}

func nonceLapsed(v []byte, now time.Time) bool {
	if len(v) != 8 {
		return false
	}
	at := binary.BigEndian.Uint64(v)
	return at != 0 && now.UnixNano() >= int64(at)
}

// ---------------------------------------------------------------------------
// encoding helpers
// ---------------------------------------------------------------------------

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

// compositeKey joins key parts with a NUL separator so that prefix scans
// over the leading parts are exact.
func compositeKey(parts ...string) []byte {
	var buf bytes.Buffer
	for i, p := range parts {
		if i > 0 {
			buf.WriteByte(0)
		}
		buf.WriteString(p)
	}
	return buf.Bytes()
}

func prefixKey(parts ...string) []byte {
	return append(compositeKey(parts...), 0)
}

// ---------------------------------------------------------------------------
// boltTx implements Tx.
// ---------------------------------------------------------------------------

type boltTx struct {
	tx *bbolt.Tx
}

func (t *boltTx) get(bucket, key []byte, v interface{}, notFound error) error {
	data := t.tx.Bucket(bucket).Get(key)
	if data == nil {
		return notFound
	}
	if err := decodeGob(data, v); err != nil {
		return fmt.Errorf("boltstore: decode %s: %w", bucket, err)
	}
	return nil
}

func (t *boltTx) put(bucket, key []byte, v interface{}) error {
	data, err := encodeGob(v)
	if err != nil {
		return fmt.Errorf("boltstore: encode %s: %w", bucket, err)
	}
	if err := t.tx.Bucket(bucket).Put(key, data); err != nil {
		return fmt.Errorf("boltstore: put %s: %w", bucket, err)
	}
	return nil
}

func (t *boltTx) exists(bucket, key []byte) bool {
	return t.tx.Bucket(bucket).Get(key) != nil
}

// seek positions c at the first key with prefix.
func seek(c *bbolt.Cursor, prefix []byte) ([]byte, []byte) {
	if len(prefix) == 0 {
		return c.First()
	}
	return c.Seek(prefix)
}

// scan decodes every value under prefix, in key order.
func scan[T any](t *boltTx, bucket, prefix []byte, limit int) ([]*T, error) {
	var out []*T
	c := t.tx.Bucket(bucket).Cursor()
	for k, v := seek(c, prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
		item := new(T)
		if err := decodeGob(v, item); err != nil {
			return nil, fmt.Errorf("boltstore: decode %s: %w", bucket, err)
		}
		out = append(out, item)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// indexed resolves the ids stored as the last key part of an index bucket.
func indexed[T any](t *boltTx, index, bucket, prefix []byte, notFound error) ([]*T, error) {
	var out []*T
	c := t.tx.Bucket(index).Cursor()
	for k, _ := seek(c, prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
		id := k[len(prefix):]
		item := new(T)
		if err := t.get(bucket, id, item, notFound); err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, nil
}

// tokens

func (t *boltTx) Token(id string) (*Token, error) {
	var tok Token
	if err := t.get(bucketTokens, []byte(id), &tok, fmt.Errorf("%w: %s", ErrTokenNotFound, id)); err != nil {
		return nil, err
	}
	return &tok, nil
}

func (t *boltTx) Tokens() ([]*Token, error) {
	return scan[Token](t, bucketTokens, nil, 0)
}

func (t *boltTx) InsertToken(tok *Token) error {
	if t.exists(bucketTokens, []byte(tok.ID)) {
		return fmt.Errorf("%w: %s", ErrTokenExists, tok.ID)
	}
	return t.PutToken(tok)
}

func (t *boltTx) PutToken(tok *Token) error {
	return t.put(bucketTokens, []byte(tok.ID), tok)
}

// holders

func (t *boltTx) Holder(tokenID, holderID string) (*Holder, error) {
	var h Holder
	notFound := fmt.Errorf("%w: %s in %s", ErrHolderNotFound, holderID, tokenID)
	if err := t.get(bucketHolders, compositeKey(tokenID, holderID), &h, notFound); err != nil {
		return nil, err
	}
	return &h, nil
}

func (t *boltTx) Holders(tokenID string) ([]*Holder, error) {
	return scan[Holder](t, bucketHolders, prefixKey(tokenID), 0)
}

func (t *boltTx) HolderPositions(holderID string) ([]*Holder, error) {
	var out []*Holder
	prefix := prefixKey(holderID)
	c := t.tx.Bucket(bucketHolderIndex).Cursor()
	for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
		h, err := t.Holder(string(k[len(prefix):]), holderID)
		if err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, nil
}

func (t *boltTx) PutHolder(h *Holder) error {
	if err := t.put(bucketHolders, compositeKey(h.TokenID, h.HolderID), h); err != nil {
		return err
	}
	return t.tx.Bucket(bucketHolderIndex).Put(compositeKey(h.HolderID, h.TokenID), nil)
}

// mints

func (t *boltTx) Mint(ref string) (*MintResult, error) {
	var m MintResult
	if err := t.get(bucketMints, []byte(ref), &m, fmt.Errorf("%w: %s", ErrMintNotFound, ref)); err != nil {
		return nil, err
	}
	return &m, nil
}

func (t *boltTx) InsertMint(m *MintResult) error {
	if t.exists(bucketMints, []byte(m.Ref)) {
		return fmt.Errorf("%w: %s", ErrProofAlreadyApplied, m.Ref)
	}
	return t.put(bucketMints, []byte(m.Ref), m)
}

// entries

func (t *boltTx) InsertEntry(e *Entry) error {
	key := compositeKey(e.TokenID, e.HolderID, e.ID)
	if t.exists(bucketEntries, key) {
		return fmt.Errorf("%w: %s", ErrEntryExists, e.ID)
	}
	return t.put(bucketEntries, key, e)
}

func (t *boltTx) Entries(tokenID, holderID string, limit int) ([]*Entry, error) {
	return scan[Entry](t, bucketEntries, prefixKey(tokenID, holderID), limit)
}

// outbox jobs

func (t *boltTx) Job(id string) (*OutboxJob, error) {
	var j OutboxJob
	if err := t.get(bucketJobs, []byte(id), &j, fmt.Errorf("%w: %s", ErrJobNotFound, id)); err != nil {
		return nil, err
	}
	return &j, nil
}

func (t *boltTx) InsertJob(j *OutboxJob) error {
	if t.exists(bucketJobs, []byte(j.ID)) {
		return fmt.Errorf("boltstore: job %s already exists", j.ID)
	}
	return t.PutJob(j)
}

func (t *boltTx) PutJob(j *OutboxJob) error {
	if err := t.put(bucketJobs, []byte(j.ID), j); err != nil {
		return err
	}
	pending := t.tx.Bucket(bucketJobsPending)
	if j.Status == JobPending {
		return pending.Put([]byte(j.ID), nil)
	}
	return pending.Delete([]byte(j.ID))
}

func (t *boltTx) Jobs(status JobStatus, limit int) ([]*OutboxJob, error) {
	if status == JobPending {
		jobs, err := indexed[OutboxJob](t, bucketJobsPending, bucketJobs, nil, ErrJobNotFound)
		if err != nil {
			return nil, err
		}
		if limit > 0 && len(jobs) > limit {
			jobs = jobs[:limit]
		}
		return jobs, nil
	}
	all, err := scan[OutboxJob](t, bucketJobs, nil, 0)
	if err != nil {
		return nil, err
	}
	var out []*OutboxJob
	for _, j := range all {
		if j.Status != status {
			continue
		}
		out = append(out, j)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// distributions

func (t *boltTx) Distribution(id string) (*Distribution, error) {
	var d Distribution
	if err := t.get(bucketDistributions, []byte(id), &d, fmt.Errorf("%w: %s", ErrDistributionNotFound, id)); err != nil {
		return nil, err
	}
	return &d, nil
}

func (t *boltTx) InsertDistribution(d *Distribution) error {
	if t.exists(bucketDistributions, []byte(d.ID)) {
		return fmt.Errorf("boltstore: distribution %s already exists", d.ID)
	}
	return t.PutDistribution(d)
}

func (t *boltTx) PutDistribution(d *Distribution) error {
	return t.put(bucketDistributions, []byte(d.ID), d)
}

func (t *boltTx) Distributions(tokenID string) ([]*Distribution, error) {
	all, err := scan[Distribution](t, bucketDistributions, nil, 0)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, d := range all {
		if tokenID == "" || d.TokenID == tokenID {
			out = append(out, d)
		}
	}
	return out, nil
}

// claims

func (t *boltTx) Claim(id string) (*Claim, error) {
	var c Claim
	if err := t.get(bucketClaims, []byte(id), &c, fmt.Errorf("%w: %s", ErrClaimNotFound, id)); err != nil {
		return nil, err
	}
	return &c, nil
}

func (t *boltTx) InsertClaim(c *Claim) error {
	if t.exists(bucketClaims, []byte(c.ID)) {
		return fmt.Errorf("boltstore: claim %s already exists", c.ID)
	}
	if err := t.PutClaim(c); err != nil {
		return err
	}
	if err := t.tx.Bucket(bucketClaimsByDist).Put(compositeKey(c.DistributionID, c.ID), nil); err != nil {
		return err
	}
	return t.tx.Bucket(bucketClaimsByHolder).Put(compositeKey(c.HolderID, c.ID), nil)
}

func (t *boltTx) PutClaim(c *Claim) error {
	return t.put(bucketClaims, []byte(c.ID), c)
}

func (t *boltTx) Claims(distributionID string) ([]*Claim, error) {
	return indexed[Claim](t, bucketClaimsByDist, bucketClaims, prefixKey(distributionID), ErrClaimNotFound)
}

func (t *boltTx) HolderClaims(holderID string) ([]*Claim, error) {
	return indexed[Claim](t, bucketClaimsByHolder, bucketClaims, prefixKey(holderID), ErrClaimNotFound)
}

// isNotFound reports whether err is one of the typed not-found errors.
func isNotFound(err error) bool {
	return errors.Is(err, ErrTokenNotFound) || errors.Is(err, ErrHolderNotFound) ||
		errors.Is(err, ErrMintNotFound) || errors.Is(err, ErrJobNotFound) ||
		errors.Is(err, ErrDistributionNotFound) || errors.Is(err, ErrClaimNotFound)
}
