package credential

import (
	"context"
	"sync"
)

// NonceStore persists the per-issuer nonce high-water mark.
type NonceStore interface {
	// Advance atomically raises the mark to nonce. It returns
	// ErrReplayDetected when nonce is not strictly greater than the mark.
	Advance(ctx context.Context, issuer string, nonce uint64) error
	// HighWater returns the current mark and whether one exists.
	HighWater(ctx context.Context, issuer string) (uint64, bool, error)
}

// MemoryNonceStore keeps marks in process memory.
type MemoryNonceStore struct {
	mu    sync.Mutex
	marks map[string]uint64
}

func NewMemoryNonceStore() *MemoryNonceStore {
	return &MemoryNonceStore{marks: make(map[string]uint64)}
}

func (s *MemoryNonceStore) Advance(_ context.Context, issuer string, nonce uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if last, ok := s.marks[issuer]; ok && nonce <= last {
		return ErrReplayDetected
	}
	s.marks[issuer] = nonce
	return nil
}

func (s *MemoryNonceStore) HighWater(_ context.Context, issuer string) (uint64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.marks[issuer]
	return v, ok, nil
}
