package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bitfsorg/path402-go/notary"
	"github.com/bitfsorg/path402-go/pricing"
)

type fakeNotary struct {
	mu       sync.Mutex
	err      error
	receipts []notary.Receipt
}

func (n *fakeNotary) Commit(_ context.Context, r notary.Receipt) (*notary.Inscription, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.receipts = append(n.receipts, r)
	if n.err != nil {
		return nil, n.err
	}
	return &notary.Inscription{TxID: fmt.Sprintf("%064x", len(n.receipts)), Record: r.Record()}, nil
}

func (n *fakeNotary) Commits() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.receipts)
}

func loadJob(t *testing.T, s Store, id string) *OutboxJob {
	t.Helper()
	var j *OutboxJob
	require.NoError(t, s.View(context.Background(), func(tx Tx) error {
		var err error
		j, err = tx.Job(id)
		return err
	}))
	return j
}

func TestBackoff(t *testing.T) {
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, time.Second},
		{2, 2 * time.Second},
		{4, 8 * time.Second},
		{7, time.Minute},
		{500, time.Minute},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, Backoff(tc.attempt, time.Second, time.Minute), "attempt %d", tc.attempt)
	}
}

func TestOutbox_NotarizesMint(t *testing.T) {
	l, store := newTestLedger(t, &payAuth{})
	ctx := context.Background()
	tok := createTestToken(t, l, pricing.Flat, 10, 100)
	m := fund(t, l, tok.ID, "alice", 2, 1)

	n := &fakeNotary{}
	w := NewOutboxWorker(store, n)
	done, err := w.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, done)

	job := loadJob(t, store, m.JobID)
	assert.Equal(t, JobDone, job.Status)
	assert.Equal(t, fmt.Sprintf("%064x", 1), job.InscriptionTxID)
	assert.Empty(t, job.LeaseID)

	require.Len(t, n.receipts, 1)
	r := n.receipts[0]
	assert.Equal(t, "bsv", r.OriginNetwork)
	assert.Equal(t, m.Ref, r.OriginRef)
	assert.Equal(t, tok.ID, r.TokenID)
	assert.Equal(t, uint64(2), r.Units)
	assert.Equal(t, uint64(20), r.Amount)

	// Nothing left to do.
	done, err = w.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, done)
	assert.Equal(t, 1, n.Commits())
}

func TestOutbox_RetriesWithBackoffThenDeadLetters(t *testing.T) {
	l, store := newTestLedger(t, &payAuth{})
	ctx := context.Background()
	tok := createTestToken(t, l, pricing.Flat, 10, 100)
	m := fund(t, l, tok.ID, "alice", 1, 1)

	now := time.Now()
	n := &fakeNotary{err: errors.New("broadcast rejected")}
	w := NewOutboxWorker(store, n,
		WithOutboxClock(func() time.Time { return now }),
		WithBackoff(time.Second, time.Minute),
		WithMaxAttempts(3))

	_, err := w.RunOnce(ctx)
	require.NoError(t, err)
	job := loadJob(t, store, m.JobID)
	assert.Equal(t, JobPending, job.Status)
	assert.Equal(t, 1, job.Attempts)
	assert.Equal(t, "broadcast rejected", job.LastError)
	assert.True(t, job.NextAttemptAt.Equal(now.Add(time.Second)))

	// Not due yet.
	_, err = w.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n.Commits())

	now = now.Add(time.Second)
	_, err = w.RunOnce(ctx)
	require.NoError(t, err)
	job = loadJob(t, store, m.JobID)
	assert.Equal(t, 2, job.Attempts)
	assert.True(t, job.NextAttemptAt.Equal(now.Add(2*time.Second)))

	now = now.Add(2 * time.Second)
	_, err = w.RunOnce(ctx)
	require.NoError(t, err)
	job = loadJob(t, store, m.JobID)
	assert.Equal(t, JobDead, job.Status)
	assert.Equal(t, 3, job.Attempts)

	now = now.Add(time.Hour)
	_, err = w.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n.Commits(), "dead jobs are not retried")

	// Requeue after fixing the notary.
	n.mu.Lock()
	n.err = nil
	n.mu.Unlock()
	require.NoError(t, w.RequeueDead(ctx, m.JobID))
	done, err := w.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, done)
	assert.Equal(t, JobDone, loadJob(t, store, m.JobID).Status)

	assert.ErrorIs(t, w.RequeueDead(ctx, m.JobID), ErrInvalidRequest)
}

func TestOutbox_InvalidPayloadDeadLettersImmediately(t *testing.T) {
	l, store := newTestLedger(t, &payAuth{})
	tok := createTestToken(t, l, pricing.Flat, 10, 100)
	m := fund(t, l, tok.ID, "alice", 1, 1)

	n := &fakeNotary{err: fmt.Errorf("%w: origin ref required", notary.ErrInvalidPayload)}
	w := NewOutboxWorker(store, n)
	_, err := w.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, JobDead, loadJob(t, store, m.JobID).Status)
}

func TestOutbox_LeaseExcludesOtherWorkers(t *testing.T) {
	l, store := newTestLedger(t, &payAuth{})
	ctx := context.Background()
	tok := createTestToken(t, l, pricing.Flat, 10, 100)
	m := fund(t, l, tok.ID, "alice", 1, 1)

	a := NewOutboxWorker(store, &fakeNotary{})
	leased, err := a.leaseDue(ctx, "lease-a")
	require.NoError(t, err)
	require.Len(t, leased, 1)

	b := NewOutboxWorker(store, &fakeNotary{})
	other, err := b.leaseDue(ctx, "lease-b")
	require.NoError(t, err)
	assert.Empty(t, other)

	// A stale lease holder cannot complete the job.
	require.NoError(t, store.Update(ctx, func(tx Tx) error {
		j, err := tx.Job(m.JobID)
		if err != nil {
			return err
		}
		j.LeaseID = "lease-c"
		return tx.PutJob(j)
	}))
	err = a.complete(ctx, m.JobID, "lease-a", "txid")
	assert.ErrorIs(t, err, ErrLeaseLost)
}

func TestOutbox_RunStopsOnCancel(t *testing.T) {
	l, store := newTestLedger(t, &payAuth{})
	tok := createTestToken(t, l, pricing.Flat, 10, 100)

	n := &fakeNotary{}
	w := NewOutboxWorker(store, n, WithOutboxInterval(time.Hour))
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- w.Run(ctx) }()

	fund(t, l, tok.ID, "alice", 1, 1)
	w.Wake()
	require.Eventually(t, func() bool { return n.Commits() == 1 }, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-errc:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
