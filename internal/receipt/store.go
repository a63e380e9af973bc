package receipt

import (
	"context"
	"fmt"
	"sync"
)

// Store persists receipts and sealed batches. Append must reject an ID
// that already exists with ErrDuplicateReceiptID.
type Store interface {
	Append(ctx context.Context, r *Receipt) error
	Last(ctx context.Context) (*Receipt, error)
	// Range returns receipts with from <= id <= to in id order.
	// to == 0 means through the tail.
	Range(ctx context.Context, from, to uint64) ([]*Receipt, error)
	Query(ctx context.Context, q Query) ([]*Receipt, error)
	SaveBatch(ctx context.Context, b *Batch) error
	LastBatch(ctx context.Context) (*Batch, error)
	Batches(ctx context.Context, limit int) ([]*Batch, error)
}

// MemoryStore keeps receipts in process memory.
type MemoryStore struct {
	mu       sync.RWMutex
	receipts []*Receipt
	byID     map[uint64]int
	batches  []*Batch
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byID: make(map[uint64]int)}
}

func (m *MemoryStore) Append(_ context.Context, r *Receipt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byID[r.ID]; ok {
		return fmt.Errorf("%w: %d", ErrDuplicateReceiptID, r.ID)
	}
	cp := *r
	m.byID[r.ID] = len(m.receipts)
	m.receipts = append(m.receipts, &cp)
	return nil
}

func (m *MemoryStore) Last(_ context.Context) (*Receipt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.receipts) == 0 {
		return nil, nil
	}
	cp := *m.receipts[len(m.receipts)-1]
	return &cp, nil
}

func (m *MemoryStore) Range(_ context.Context, from, to uint64) ([]*Receipt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Receipt
	for _, r := range m.receipts {
		if r.ID < from || (to != 0 && r.ID > to) {
			continue
		}
		cp := *r
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MemoryStore) Query(_ context.Context, q Query) ([]*Receipt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Receipt
	for _, r := range m.receipts {
		if !q.Match(r) {
			continue
		}
		cp := *r
		out = append(out, &cp)
		if q.Limit > 0 && len(out) >= q.Limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryStore) SaveBatch(_ context.Context, b *Batch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *b
	m.batches = append(m.batches, &cp)
	return nil
}

func (m *MemoryStore) LastBatch(_ context.Context) (*Batch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.batches) == 0 {
		return nil, nil
	}
	cp := *m.batches[len(m.batches)-1]
	return &cp, nil
}

func (m *MemoryStore) Batches(_ context.Context, limit int) ([]*Batch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	start := 0
	if limit > 0 && len(m.batches) > limit {
		start = len(m.batches) - limit
	}
	out := make([]*Batch, 0, len(m.batches)-start)
	for _, b := range m.batches[start:] {
		cp := *b
		out = append(out, &cp)
	}
	return out, nil
}

var _ Store = (*MemoryStore)(nil)
