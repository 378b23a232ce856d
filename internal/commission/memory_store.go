package commission

import (
	"context"
	"sync"

	"github.com/mbd888/marketplace/internal/idgen"
)

// MemoryStore keeps commission rules in memory for development and tests.
type MemoryStore struct {
	rules map[string][]Rule
	mu    sync.RWMutex
}

// NewMemoryStore creates an empty rule store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rules: make(map[string][]Rule)}
}

func (m *MemoryStore) RulesForStore(_ context.Context, storeID string) ([]Rule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Rule, len(m.rules[storeID]))
	copy(out, m.rules[storeID])
	return out, nil
}

func (m *MemoryStore) SaveRule(_ context.Context, rule Rule) error {
	if !validRate(rule.Rate) {
		return ErrInvalidRate
	}
	if rule.ID == "" {
		rule.ID = idgen.WithPrefix("cr_")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules[rule.StoreID] = append(m.rules[rule.StoreID], rule)
	return nil
}

var _ RuleStore = (*MemoryStore)(nil)
