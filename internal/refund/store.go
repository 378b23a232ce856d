package refund

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Store persists refunds.
//
// Create fails with ErrRefundInProgress when the order already has a
// Pending or Processing refund. Update is a compare-and-swap on
// (status, version): it fails with ErrStatusConflict unless the stored
// refund still has expected status and r.Version, and on success bumps
// r.Version. Moving a refund back to Processing is subject to the same
// one-active-refund-per-order rule as Create.
//
// ListStale returns the refunds that stopped short of a final state
// before the given time: Pending ones by creation time and Processing ones
// by when processing started, oldest first.
type Store interface {
	Create(ctx context.Context, r *Refund) error
	Get(ctx context.Context, id string) (*Refund, error)
	ListByOrder(ctx context.Context, orderID string) ([]*Refund, error)
	Update(ctx context.Context, r *Refund, expected Status) error
	ListStale(ctx context.Context, before time.Time, limit int) ([]*Refund, error)
}

// MemoryStore is an in-memory refund store for development and tests.
type MemoryStore struct {
	refunds map[string]*Refund
	mu      sync.RWMutex
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{refunds: make(map[string]*Refund)}
}

func (m *MemoryStore) Create(_ context.Context, r *Refund) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if r.IsActive() && m.activeLocked(r.OrderID, r.ID) {
		return ErrRefundInProgress
	}
	r.Version = 1
	m.refunds[r.ID] = r.Clone()
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Refund, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.refunds[id]
	if !ok {
		return nil, ErrRefundNotFound
	}
	return r.Clone(), nil
}

func (m *MemoryStore) ListByOrder(_ context.Context, orderID string) ([]*Refund, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Refund
	for _, r := range m.refunds {
		if r.OrderID == orderID {
			out = append(out, r.Clone())
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

func (m *MemoryStore) Update(_ context.Context, r *Refund, expected Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.refunds[r.ID]
	if !ok {
		return ErrRefundNotFound
	}
	if cur.Status != expected || cur.Version != r.Version {
		return ErrStatusConflict
	}
	if r.IsActive() && !cur.IsActive() && m.activeLocked(r.OrderID, r.ID) {
		return ErrRefundInProgress
	}
	r.Version++
	m.refunds[r.ID] = r.Clone()
	return nil
}

func (m *MemoryStore) ListStale(_ context.Context, before time.Time, limit int) ([]*Refund, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Refund
	for _, r := range m.refunds {
		if since, ok := staleSince(r); ok && since.Before(before) {
			out = append(out, r.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, _ := staleSince(out[i])
		b, _ := staleSince(out[j])
		return a.Before(b)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func staleSince(r *Refund) (time.Time, bool) {
	switch {
	case r.Status == StatusPending:
		return r.CreatedAt, true
	case r.Status == StatusProcessing && r.ProcessingStartedAt != nil:
		return *r.ProcessingStartedAt, true
	}
	return time.Time{}, false
}

func (m *MemoryStore) activeLocked(orderID, exceptID string) bool {
	for id, r := range m.refunds {
		if id != exceptID && r.OrderID == orderID && r.IsActive() {
			return true
		}
	}
	return false
}

var _ Store = (*MemoryStore)(nil)
