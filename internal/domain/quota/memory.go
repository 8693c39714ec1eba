package quota

import (
	"context"
	"sync"

	"github.com/GriffinCanCode/simlab/backend/internal/shared/types"
)

// MemoryStore is a Store kept in process memory.
type MemoryStore struct {
	mu     sync.RWMutex
	values map[types.Identity]int64
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: make(map[types.Identity]int64)}
}

func (m *MemoryStore) Load(_ context.Context, identity types.Identity) (int64, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[identity]
	return v, ok, nil
}

func (m *MemoryStore) Save(_ context.Context, identity types.Identity, consumed int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.values[identity]; !ok || consumed > cur {
		m.values[identity] = consumed
	}
	return nil
}
