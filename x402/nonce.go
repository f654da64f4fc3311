package x402

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"time"
)

// NonceStore records consumed (network, nonce) references.
type NonceStore interface {
	// Reserve atomically claims ref. It returns ErrNonceReused when ref is
	// already held. A zero expires keeps the reservation forever.
	Reserve(ctx context.Context, ref string, expires time.Time) error

	// Release frees a reservation. Releasing an unknown ref is not an error.
	Release(ctx context.Context, ref string) error
}

// DefaultNonceCapacity bounds a MemNonceStore created with capacity 0.
const DefaultNonceCapacity = 1 << 20

// MemNonceStore is a bounded in-memory NonceStore. Entries with an expiry
// are evicted once it passes; permanent entries are kept until released.
type MemNonceStore struct {
	mu       sync.Mutex
	capacity int
	now      func() time.Time
	entries  map[string]time.Time
	expiries expiryHeap
}

var _ NonceStore = (*MemNonceStore)(nil)

// NewMemNonceStore creates a store holding at most capacity references.
func NewMemNonceStore(capacity int) *MemNonceStore {
	if capacity <= 0 {
		capacity = DefaultNonceCapacity
	}
	return &MemNonceStore{
		capacity: capacity,
		now:      time.Now,
		entries:  make(map[string]time.Time),
	}
}

// Reserve implements NonceStore.
func (s *MemNonceStore) Reserve(_ context.Context, ref string, expires time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if exp, ok := s.entries[ref]; ok {
		if exp.IsZero() || exp.After(now) {
			return fmt.Errorf("%w: %s", ErrNonceReused, ref)
		}
		delete(s.entries, ref)
	}
	if len(s.entries) >= s.capacity {
		s.evict(now)
		if len(s.entries) >= s.capacity {
			return fmt.Errorf("%w: %d entries", ErrNonceStoreFull, len(s.entries))
		}
	}
	s.entries[ref] = expires
	if !expires.IsZero() {
		heap.Push(&s.expiries, expiryItem{ref: ref, at: expires})
	}
	return nil
}

// Release implements NonceStore.
func (s *MemNonceStore) Release(_ context.Context, ref string) error {
	s.mu.Lock()
	delete(s.entries, ref)
	s.mu.Unlock()
	return nil
}

// Len returns the number of live reservations.
func (s *MemNonceStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evict(s.now())
	return len(s.entries)
}

// evict drops every entry whose expiry has passed. Heap items whose entry
// was released or re-reserved are skipped.
func (s *MemNonceStore) evict(now time.Time) {
	for s.expiries.Len() > 0 && !s.expiries[0].at.After(now) {
		item := heap.Pop(&s.expiries).(expiryItem)
		if exp, ok := s.entries[item.ref]; ok && exp.Equal(item.at) {
			delete(s.entries, item.ref)
		}
	}
}

type expiryItem struct {
	ref string
	at  time.Time
}

type expiryHeap []expiryItem

func (h expiryHeap) Len() int           { return len(h) }
func (h expiryHeap) Less(i, j int) bool { return h[i].at.Before(h[j].at) }
func (h expiryHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *expiryHeap) Push(x any)        { *h = append(*h, x.(expiryItem)) }
func (h *expiryHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
