package escrow

import (
	"context"
	"sort"
	"sync"

	"github.com/mbd888/marketplace/internal/pagination"
)

// MemoryStore is an in-memory escrow store for development and tests.
// It enforces the same version compare-and-swap as the Postgres store.
type MemoryStore struct {
	payments   map[string]*Payment
	byOrder    map[string]string
	byShipment map[string]string
	entries    map[string][]LedgerEntry
	seq        int64
	mu         sync.RWMutex
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		payments:   make(map[string]*Payment),
		byOrder:    make(map[string]string),
		byShipment: make(map[string]string),
		entries:    make(map[string][]LedgerEntry),
	}
}

func (m *MemoryStore) Create(_ context.Context, p *Payment, entries []LedgerEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.byOrder[p.OrderID]; exists {
		return ErrDuplicateOrder
	}
	for _, a := range p.Allocations {
		if _, exists := m.byShipment[a.ShipmentID]; exists {
			return ErrInvalidAllocation
		}
	}

	m.payments[p.ID] = p.Clone()
	m.byOrder[p.OrderID] = p.ID
	for _, a := range p.Allocations {
		m.byShipment[a.ShipmentID] = p.ID
	}
	m.appendLocked(p.ID, entries)
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getLocked(id)
}

func (m *MemoryStore) GetByOrder(_ context.Context, orderID string) (*Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byOrder[orderID]
	if !ok {
		return nil, ErrEscrowNotFound
	}
	return m.getLocked(id)
}

func (m *MemoryStore) GetByShipment(_ context.Context, shipmentID string) (*Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byShipment[shipmentID]
	if !ok {
		return nil, ErrEscrowNotFound
	}
	return m.getLocked(id)
}

func (m *MemoryStore) getLocked(id string) (*Payment, error) {
	p, ok := m.payments[id]
	if !ok {
		return nil, ErrEscrowNotFound
	}
	return p.Clone(), nil
}

func (m *MemoryStore) Apply(_ context.Context, p *Payment, expectedVersion int64, entries []LedgerEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.payments[p.ID]
	if !ok {
		return ErrEscrowNotFound
	}
	if cur.Version != expectedVersion {
		return ErrVersionConflict
	}

	p.Version = expectedVersion + 1
	m.payments[p.ID] = p.Clone()
	m.appendLocked(p.ID, entries)
	return nil
}

func (m *MemoryStore) appendLocked(paymentID string, entries []LedgerEntry) {
	for _, e := range entries {
		m.seq++
		e.Sequence = m.seq
		m.entries[paymentID] = append(m.entries[paymentID], e)
	}
}

func (m *MemoryStore) Entries(_ context.Context, paymentID string) ([]LedgerEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]LedgerEntry, len(m.entries[paymentID]))
	copy(out, m.entries[paymentID])
	return out, nil
}

func (m *MemoryStore) ListAllocationsByStore(_ context.Context, storeID string, status AllocationStatus, after *pagination.Cursor, limit int) ([]Allocation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var all []Allocation
	for _, p := range m.payments {
		for _, a := range p.Allocations {
			if a.StoreID != storeID || (status != "" && a.Status != status) {
				continue
			}
			all = append(all, a)
		}
	}

	// Newest first, id as tie breaker, matching the Postgres ordering.
	sort.Slice(all, func(i, j int) bool {
		if !all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].CreatedAt.After(all[j].CreatedAt)
		}
		return all[i].ID > all[j].ID
	})

	var out []Allocation
	for _, a := range all {
		if !after.Before(a.CreatedAt, a.ID) {
			continue
		}
		out = append(out, a)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryStore) ListPaymentIDs(_ context.Context, afterID string, limit int) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.payments))
	for id := range m.payments {
		if id > afterID {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	if len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

var _ Store = (*MemoryStore)(nil)
