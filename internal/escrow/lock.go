package escrow

import (
	"context"
	"sort"
	"sync"
	"time"
)

// State is a lock's lifecycle state. Every state but Open is terminal.
type State string

const (
	Open     State = "open"
	Claimed  State = "claimed"
	Refunded State = "refunded"
	Expired  State = "expired"
)

// RefundReason says why a refund was requested.
type RefundReason string

const (
	// RefundTimeout is the holder reclaiming a TimeLock after its deadline.
	RefundTimeout RefundReason = "timeout"
	// RefundCancel is a node or operator cancelling before completion.
	RefundCancel RefundReason = "cancel"
)

// Lock is one conditional payment commitment. Amounts never change after
// creation.
type Lock struct {
	ID           string
	Issuer       string
	AmountMsat   int64
	Condition    Condition
	Deadline     time.Time
	State        State
	CreatedAt    time.Time
	SettledAt    time.Time
	RefundReason RefundReason
}

// deadline returns the instant after which the lock can no longer be
// claimed. Zero means never.
func (l Lock) deadline() time.Time {
	if tl, ok := l.Condition.(TimeLock); ok {
		return tl.Deadline
	}
	return l.Deadline
}

// Store persists locks. Update must only be called with the lock's
// per-ID mutex held by the ledger.
type Store interface {
	Insert(ctx context.Context, l Lock) error
	Get(ctx context.Context, id string) (Lock, error)
	Update(ctx context.Context, l Lock) error
	List(ctx context.Context, state State) ([]Lock, error)
}

// MemoryStore keeps locks in process memory.
type MemoryStore struct {
	mu    sync.RWMutex
	locks map[string]Lock
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{locks: make(map[string]Lock)}
}

func (s *MemoryStore) Insert(_ context.Context, l Lock) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.locks[l.ID] = l
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (Lock, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.locks[id]
	if !ok {
		return Lock{}, ErrLockNotFound
	}
	return l, nil
}

func (s *MemoryStore) Update(_ context.Context, l Lock) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.locks[l.ID]; !ok {
		return ErrLockNotFound
	}
	s.locks[l.ID] = l
	return nil
}

// List returns locks in state, or all locks when state is empty, oldest first.
func (s *MemoryStore) List(_ context.Context, state State) ([]Lock, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Lock
	for _, l := range s.locks {
		if state == "" || l.State == state {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}
