package memory

import (
	"slices"
	"sync"
)

// lockManager hands out one mutex per key. Callers that need several keys
// take them through lock, which always acquires in sorted order.
type lockManager struct {
	mu    sync.RWMutex
	locks map[string]*sync.Mutex
}

func newLockManager() *lockManager {
	return &lockManager{locks: make(map[string]*sync.Mutex)}
}

func (m *lockManager) get(key string) *sync.Mutex {
	m.mu.RLock()
	if lock, ok := m.locks[key]; ok {
		m.mu.RUnlock()
		return lock
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	if lock, ok := m.locks[key]; ok {
		return lock
	}
	lock := &sync.Mutex{}
	m.locks[key] = lock
	return lock
}

func (m *lockManager) lock(keys ...string) (unlock func()) {
	sorted := slices.Clone(keys)
	slices.Sort(sorted)
	sorted = slices.Compact(sorted)

	held := make([]*sync.Mutex, 0, len(sorted))
	for _, key := range sorted {
		lock := m.get(key)
		lock.Lock()
		held = append(held, lock)
	}
	return func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i].Unlock()
		}
	}
}

func stockLockKey(tenantID string, productID string) string {
	return "stock|" + tenantID + "|" + productID
}

func idemLockKey(scope string, tenantID string, key string) string {
	return "idem|" + scope + "|" + tenantID + "|" + key
}

func orderLockKey(orderID string) string {
	return "order|" + orderID
}
