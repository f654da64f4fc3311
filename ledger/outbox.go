package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/bitfsorg/path402-go/metrics"
	"github.com/bitfsorg/path402-go/notary"
)

// Outbox defaults.
const (
	DefaultOutboxInterval = 10 * time.Second
	DefaultOutboxBatch    = 16
	DefaultOutboxLease    = time.Minute
	DefaultMaxAttempts    = 8
	DefaultBackoffBase    = 5 * time.Second
	DefaultBackoffMax     = time.Hour
)

// Notarizer commits receipts on chain. *notary.Notary implements it.
type Notarizer interface {
	Commit(ctx context.Context, r notary.Receipt) (*notary.Inscription, error)
}

var _ Notarizer = (*notary.Notary)(nil)

// Backoff returns the delay before retry number attempt (1-based):
// base doubled per attempt, capped at max.
func Backoff(attempt int, base, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max || d <= 0 {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

// OutboxWorker notarizes applied mints. Jobs are leased so that concurrent
// workers never commit the same receipt twice while a lease is live.
type OutboxWorker struct {
	store       Store
	notary      Notarizer
	logger      *zap.Logger
	metrics     *metrics.Metrics
	now         func() time.Time
	interval    time.Duration
	batch       int
	lease       time.Duration
	maxAttempts int
	backoffBase time.Duration
	backoffMax  time.Duration
	callTimeout time.Duration
	wake        chan struct{}
}

// OutboxOption configures an OutboxWorker.
type OutboxOption func(*OutboxWorker)

// WithOutboxLogger sets the logger.
func WithOutboxLogger(l *zap.Logger) OutboxOption {
	return func(w *OutboxWorker) { w.logger = l }
}

// WithOutboxMetrics sets the metrics sink.
func WithOutboxMetrics(m *metrics.Metrics) OutboxOption {
	return func(w *OutboxWorker) { w.metrics = m }
}

// WithOutboxClock overrides time.Now.
func WithOutboxClock(now func() time.Time) OutboxOption {
	return func(w *OutboxWorker) { w.now = now }
}

// WithOutboxInterval sets the polling interval of Run.
func WithOutboxInterval(d time.Duration) OutboxOption {
	return func(w *OutboxWorker) { w.interval = d }
}

// WithMaxAttempts sets how many failed commits dead-letter a job.
func WithMaxAttempts(n int) OutboxOption {
	return func(w *OutboxWorker) { w.maxAttempts = n }
}

// WithBackoff sets the retry delay bounds.
func WithBackoff(base, max time.Duration) OutboxOption {
	return func(w *OutboxWorker) { w.backoffBase, w.backoffMax = base, max }
}

// WithCommitTimeout bounds each notary call.
func WithCommitTimeout(d time.Duration) OutboxOption {
	return func(w *OutboxWorker) { w.callTimeout = d }
}

// NewOutboxWorker returns a worker draining store's outbox into n.
func NewOutboxWorker(store Store, n Notarizer, opts ...OutboxOption) *OutboxWorker {
	w := &OutboxWorker{
		store:       store,
		notary:      n,
		logger:      zap.NewNop(),
		now:         time.Now,
		interval:    DefaultOutboxInterval,
		batch:       DefaultOutboxBatch,
		lease:       DefaultOutboxLease,
		maxAttempts: DefaultMaxAttempts,
		backoffBase: DefaultBackoffBase,
		backoffMax:  DefaultBackoffMax,
		callTimeout: 30 * time.Second,
		wake:        make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Wake makes a running worker poll now. It never blocks.
func (w *OutboxWorker) Wake() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Run drains the outbox every interval, or sooner when woken, until ctx
// is done.
func (w *OutboxWorker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		if _, err := w.RunOnce(ctx); err != nil && ctx.Err() == nil {
			w.logger.Warn("outbox pass failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-w.wake:
		}
	}
}

// RunOnce leases due jobs and commits each. It returns the number of jobs
// notarized.
func (w *OutboxWorker) RunOnce(ctx context.Context) (int, error) {
	leaseID := uuid.NewString()
	jobs, err := w.leaseDue(ctx, leaseID)
	if err != nil {
		return 0, err
	}

	var done int
	for _, job := range jobs {
		if ctx.Err() != nil {
			break
		}
		callCtx, cancel := context.WithTimeout(ctx, w.callTimeout)
		ins, cerr := w.notary.Commit(callCtx, receiptFor(job))
		cancel()

		if cerr == nil {
			err = w.complete(ctx, job.ID, leaseID, ins.TxID)
		} else {
			err = w.fail(ctx, job.ID, leaseID, cerr)
		}
		if err != nil {
			w.logger.Warn("outbox job update failed", zap.String("job", job.ID), zap.Error(err))
			continue
		}
		if cerr == nil {
			done++
		}
	}
	return done, nil
}

func receiptFor(j *OutboxJob) notary.Receipt {
	return notary.Receipt{
		OriginNetwork: j.Network,
		OriginRef:     j.Ref,
		Parties:       j.Parties,
		Amount:        j.Amount,
		Asset:         j.Asset,
		Signature:     j.Signature,
		TokenID:       j.TokenID,
		Units:         j.Units,
		Timestamp:     j.CreatedAt.Unix(),
	}
}

func (w *OutboxWorker) leaseDue(ctx context.Context, leaseID string) ([]*OutboxJob, error) {
	var leased []*OutboxJob
	err := w.store.Update(ctx, func(tx Tx) error {
		leased = leased[:0]
		pending, err := tx.Jobs(JobPending, 0)
		if err != nil {
			return err
		}
		now := w.now()
		for _, j := range pending {
			if len(leased) == w.batch {
				break
			}
			if j.NextAttemptAt.After(now) || j.Leased(now) {
				continue
			}
			j.LeaseID = leaseID
			j.LeaseExpires = now.Add(w.lease)
			if err := tx.PutJob(j); err != nil {
				return err
			}
			leased = append(leased, j)
		}
		return nil
	})
	return leased, err
}

// withLease loads a job and checks the lease is still ours.
func withLease(tx Tx, id, leaseID string) (*OutboxJob, error) {
	j, err := tx.Job(id)
	if err != nil {
		return nil, err
	}
	if j.LeaseID != leaseID || j.Status != JobPending {
		return nil, fmt.Errorf("%w: job %s", ErrLeaseLost, id)
	}
	return j, nil
}

func (w *OutboxWorker) complete(ctx context.Context, id, leaseID, txid string) error {
	err := w.store.Update(context.WithoutCancel(ctx), func(tx Tx) error {
		j, err := withLease(tx, id, leaseID)
		if err != nil {
			return err
		}
		j.Status = JobDone
		j.InscriptionTxID = txid
		j.Attempts++
		j.LeaseID = ""
		j.LeaseExpires = time.Time{}
		j.LastError = ""
		j.UpdatedAt = w.now().UTC()
		return tx.PutJob(j)
	})
	if err != nil {
		// Already on chain. The lease lapses and the receipt may be
		// inscribed a second time.
		return err
	}
	w.metrics.OutboxJob("done")
	w.logger.Info("mint notarized", zap.String("job", id), zap.String("txid", txid))
	return nil
}

func (w *OutboxWorker) fail(ctx context.Context, id, leaseID string, cause error) error {
	var dead bool
	err := w.store.Update(context.WithoutCancel(ctx), func(tx Tx) error {
		j, err := withLease(tx, id, leaseID)
		if err != nil {
			return err
		}
		now := w.now()
		j.Attempts++
		j.LastError = cause.Error()
		j.LeaseID = ""
		j.LeaseExpires = time.Time{}
		j.UpdatedAt = now.UTC()
		dead = j.Attempts >= w.maxAttempts || errors.Is(cause, notary.ErrInvalidPayload)
		if dead {
			j.Status = JobDead
		} else {
			j.NextAttemptAt = now.Add(Backoff(j.Attempts, w.backoffBase, w.backoffMax))
		}
		return tx.PutJob(j)
	})
	if err != nil {
		return err
	}
	if dead {
		w.metrics.OutboxJob("dead")
		w.logger.Error("notarization dead-lettered", zap.String("job", id), zap.Error(cause))
	} else {
		w.metrics.OutboxJob("retry")
		w.logger.Warn("notarization failed", zap.String("job", id), zap.Error(cause))
	}
	return nil
}

// RequeueDead moves a dead-lettered job back to pending.
func (w *OutboxWorker) RequeueDead(ctx context.Context, id string) error {
	return w.store.Update(ctx, func(tx Tx) error {
		j, err := tx.Job(id)
		if err != nil {
			return err
		}
		if j.Status != JobDead {
			return fmt.Errorf("%w: job %s is %s", ErrInvalidRequest, id, j.Status)
		}
		j.Status = JobPending
		j.Attempts = 0
		j.NextAttemptAt = w.now()
		j.UpdatedAt = w.now().UTC()
		return tx.PutJob(j)
	})
}
