package view

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"fieldsync/internal/client/queue"
	"fieldsync/internal/domain"
)

const (
	ordersTarget = "/api/v1/orders"
	stockPrefix  = "/api/v1/stock/"
)

// Failure is an operation the server will never apply. The UI shows these
// as needing attention.
type Failure struct {
	Operation queue.Operation
	Reason    string
	At        time.Time
}

// View is the device's local picture of stock and orders. It takes tentative
// entries from outgoing writes, confirmed state from broadcast events and
// terminal outcomes from the sync engine.
type View struct {
	Stock  *StockView
	Orders *OrderView

	mu       sync.Mutex
	failures []Failure
	now      func() time.Time
}

func New() *View {
	return &View{
		Stock:  NewStockView(),
		Orders: NewOrderView(),
		now:    time.Now,
	}
}

// Track records the optimistic effect of a write that has not been
// confirmed. Targets the view does not model are ignored.
func (v *View) Track(method queue.Method, target string, payload []byte, key string) error {
	if method != queue.MethodCreate {
		return nil
	}

	if target == ordersTarget {
		var req domain.CreateOrderRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return fmt.Errorf("decode order payload: %w", err)
		}
		v.Orders.AddTentative(key, req)
		for _, line := range req.Items {
			v.Stock.Apply(key, line.ProductID, -line.Quantity)
		}
		return nil
	}

	productID, action, ok := stockAction(target)
	if !ok {
		return nil
	}
	switch action {
	case "add":
		var req domain.AddStockRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return fmt.Errorf("decode stock payload: %w", err)
		}
		v.Stock.Apply(key, productID, req.Quantity)
	case "adjust":
		var req domain.AdjustStockRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return fmt.Errorf("decode stock payload: %w", err)
		}
		v.Stock.Apply(key, productID, req.Delta)
	}
	return nil
}

// Handle merges a broadcast event. Unknown event types are ignored.
func (v *View) Handle(event domain.Event) error {
	switch event.Type {
	case domain.EventStockUpdated:
		var payload domain.StockUpdatedPayload
		if err := json.Unmarshal(event.Payload, &payload); err != nil {
			return fmt.Errorf("decode %s: %w", event.Type, err)
		}
		v.Stock.Merge(payload)
	case domain.EventOrderCreated:
		var order domain.Order
		if err := json.Unmarshal(event.Payload, &order); err != nil {
			return fmt.Errorf("decode %s: %w", event.Type, err)
		}
		v.Orders.MergeCreated(order)
	case domain.EventOrderStatusUpdated:
		var payload domain.OrderStatusPayload
		if err := json.Unmarshal(event.Payload, &payload); err != nil {
			return fmt.Errorf("decode %s: %w", event.Type, err)
		}
		v.Orders.MergeStatus(payload)
	}
	return nil
}

func (v *View) OnReplayed(op queue.Operation) {
	v.Stock.Confirm(op.IdempotencyKey)
	v.Orders.Confirm(op.IdempotencyKey)
}

func (v *View) OnRejected(op queue.Operation, err error) {
	reason := "rejected"
	if err != nil {
		reason = err.Error()
	}
	v.drop(op, reason)
}

func (v *View) OnAbandoned(op queue.Operation, reason string) {
	v.drop(op, reason)
}

func (v *View) drop(op queue.Operation, reason string) {
	v.Stock.Reject(op.IdempotencyKey)
	v.Orders.Reject(op.IdempotencyKey)

	v.mu.Lock()
	defer v.mu.Unlock()
	v.failures = append(v.failures, Failure{Operation: op, Reason: reason, At: v.now().UTC()})
}

func (v *View) Failures() []Failure {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]Failure(nil), v.failures...)
}

// stockAction splits /api/v1/stock/{productId}/{action}.
func stockAction(target string) (productID string, action string, ok bool) {
	rest, found := strings.CutPrefix(target, stockPrefix)
	if !found {
		return "", "", false
	}
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[0] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}
