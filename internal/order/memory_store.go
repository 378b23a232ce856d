package order

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// MemoryStore is an in-memory order store for development and tests.
type MemoryStore struct {
	orders  map[string]*Order
	owners  map[string]string
	refunds map[string]string // refund id -> order id
	mu      sync.RWMutex
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		orders:  make(map[string]*Order),
		owners:  make(map[string]string),
		refunds: make(map[string]string),
	}
}

func (m *MemoryStore) Create(_ context.Context, o *Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.orders[o.ID]; ok {
		return ErrOrderExists
	}
	m.orders[o.ID] = o.clone()
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, ErrOrderNotFound
	}
	return o.clone(), nil
}

func (m *MemoryStore) RecordRefund(_ context.Context, orderID, refundID string, amount decimal.Decimal, now time.Time) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok {
		return nil, ErrOrderNotFound
	}
	if _, seen := m.refunds[refundID]; seen {
		return o.clone(), nil
	}
	next := o.clone()
	if err := next.applyRefund(amount, now); err != nil {
		return nil, err
	}
	m.orders[orderID] = next
	m.refunds[refundID] = orderID
	return next.clone(), nil
}

func (m *MemoryStore) StoreOwner(_ context.Context, storeID string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	owner, ok := m.owners[storeID]
	if !ok {
		return "", ErrStoreNotFound
	}
	return owner, nil
}

func (m *MemoryStore) SetStoreOwner(_ context.Context, storeID, ownerUserID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.owners[storeID] = ownerUserID
	return nil
}

var _ Store = (*MemoryStore)(nil)
