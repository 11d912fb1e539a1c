package view

import (
	"sort"
	"sync"

	"fieldsync/internal/domain"
)

type confirmedStock struct {
	quantity int
	version  int64
}

type tentativeDelta struct {
	productID string
	delta     int
}

// StockView keeps server-confirmed quantities apart from local deltas that
// are still waiting for the server.
type StockView struct {
	mu        sync.RWMutex
	confirmed map[string]confirmedStock
	tentative map[string][]tentativeDelta
}

func NewStockView() *StockView {
	return &StockView{
		confirmed: make(map[string]confirmedStock),
		tentative: make(map[string][]tentativeDelta),
	}
}

// Seed loads a full stock listing. Records older than what the view already
// holds are skipped.
func (v *StockView) Seed(records []domain.StockRecord) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, record := range records {
		v.mergeLocked(record.ProductID, record.Quantity, record.Version)
	}
}

// Merge applies a broadcast update and reports whether it was newer than
// the confirmed state.
func (v *StockView) Merge(update domain.StockUpdatedPayload) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.mergeLocked(update.ProductID, update.NewQuantity, update.Version)
}

func (v *StockView) mergeLocked(productID string, quantity int, version int64) bool {
	current, ok := v.confirmed[productID]
	if ok && version <= current.version {
		return false
	}
	v.confirmed[productID] = confirmedStock{quantity: quantity, version: version}
	return true
}

// Apply records a tentative change keyed by the operation's idempotency key.
func (v *StockView) Apply(key string, productID string, delta int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.tentative[key] = append(v.tentative[key], tentativeDelta{productID: productID, delta: delta})
}

// Confirm drops the tentative deltas for key; the server's own update
// carries the effect from here on.
func (v *StockView) Confirm(key string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.tentative, key)
}

// Reject rolls back the tentative deltas for key.
func (v *StockView) Reject(key string) {
	v.Confirm(key)
}

// Quantity is the confirmed quantity plus every outstanding tentative delta.
func (v *StockView) Quantity(productID string) int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	quantity := v.confirmed[productID].quantity
	for _, deltas := range v.tentative {
		for _, d := range deltas {
			if d.productID == productID {
				quantity += d.delta
			}
		}
	}
	return quantity
}

func (v *StockView) Confirmed(productID string) (quantity int, version int64, ok bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	current, ok := v.confirmed[productID]
	return current.quantity, current.version, ok
}

func (v *StockView) Tentative() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.tentative)
}

func (v *StockView) Products() []string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	ids := make([]string, 0, len(v.confirmed))
	for id := range v.confirmed {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
