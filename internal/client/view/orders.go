package view

import (
	"sort"
	"sync"

	"fieldsync/internal/domain"
)

// OrderView holds orders the server has announced plus orders created
// locally that have not been confirmed yet.
type OrderView struct {
	mu        sync.RWMutex
	confirmed map[string]domain.Order
	tentative map[string]domain.CreateOrderRequest
}

func NewOrderView() *OrderView {
	return &OrderView{
		confirmed: make(map[string]domain.Order),
		tentative: make(map[string]domain.CreateOrderRequest),
	}
}

func (v *OrderView) AddTentative(key string, req domain.CreateOrderRequest) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.tentative[key] = req
}

func (v *OrderView) Confirm(key string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.tentative, key)
}

func (v *OrderView) Reject(key string) {
	v.Confirm(key)
}

// MergeCreated records an order:created event. A status that arrived
// earlier than the create is kept.
func (v *OrderView) MergeCreated(order domain.Order) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if order.IdempotencyKey != "" {
		delete(v.tentative, order.IdempotencyKey)
	}
	if existing, ok := v.confirmed[order.ID]; ok && existing.Status != "" && existing.Status != domain.OrderPending {
		order.Status = existing.Status
	}
	v.confirmed[order.ID] = order
}

// MergeStatus applies a status event if the lifecycle allows it from the
// current status. Stale and repeated events are ignored.
func (v *OrderView) MergeStatus(update domain.OrderStatusPayload) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	existing, ok := v.confirmed[update.OrderID]
	if !ok {
		v.confirmed[update.OrderID] = domain.Order{ID: update.OrderID, Status: update.Status}
		return true
	}
	current := existing.Status
	if current == "" {
		current = domain.OrderPending
	}
	if !current.CanTransitionTo(update.Status) {
		return false
	}
	existing.Status = update.Status
	v.confirmed[update.OrderID] = existing
	return true
}

func (v *OrderView) Get(orderID string) (domain.Order, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	order, ok := v.confirmed[orderID]
	return order, ok
}

// Orders lists confirmed orders by id.
func (v *OrderView) Orders() []domain.Order {
	v.mu.RLock()
	defer v.mu.RUnlock()
	orders := make([]domain.Order, 0, len(v.confirmed))
	for _, order := range v.confirmed {
		orders = append(orders, order)
	}
	sort.Slice(orders, func(i, j int) bool { return orders[i].ID < orders[j].ID })
	return orders
}

func (v *OrderView) Pending() []domain.CreateOrderRequest {
	v.mu.RLock()
	defer v.mu.RUnlock()
	keys := make([]string, 0, len(v.tentative))
	for key := range v.tentative {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	pending := make([]domain.CreateOrderRequest, 0, len(keys))
	for _, key := range keys {
		pending = append(pending, v.tentative[key])
	}
	return pending
}
