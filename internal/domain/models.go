package domain

import (
	"encoding/json"
	"math"
	"time"
)

type Actor struct {
	Username string   `json:"username"`
	Role     string   `json:"role"`
	TenantID string   `json:"tenant_id"`
	Areas    []string `json:"areas,omitempty"`
}

type Product struct {
	ID         string `json:"id" db:"id"`
	TenantID   string `json:"tenant_id" db:"tenant_id"`
	Name       string `json:"name" db:"name"`
	PriceCents int64  `json:"price_cents" db:"price_cents"`
	Active     bool   `json:"active" db:"active"`
}

type MovementType string

const (
	MovementAdd    MovementType = "add"
	MovementDeduct MovementType = "deduct"
)

func (t MovementType) Valid() bool {
	return t == MovementAdd || t == MovementDeduct
}

// MaxQuantity bounds stock levels and movement sizes to the INTEGER columns
// that hold them.
const MaxQuantity = math.MaxInt32

// NextQuantity applies a movement to current. ok is false when the result
// would be negative or above MaxQuantity, or the movement itself is malformed.
func NextQuantity(current int, movementType MovementType, qty int) (next int, ok bool) {
	if qty < 1 || qty > MaxQuantity {
		return current, false
	}
	switch movementType {
	case MovementAdd:
		if current > MaxQuantity-qty {
			return current, false
		}
		return current + qty, true
	case MovementDeduct:
		if current-qty < 0 {
			return current, false
		}
		return current - qty, true
	default:
		return current, false
	}
}

type StockRecord struct {
	ID        string    `json:"id" db:"id"`
	ProductID string    `json:"product_id" db:"product_id"`
	TenantID  string    `json:"tenant_id" db:"tenant_id"`
	Quantity  int       `json:"quantity" db:"quantity"`
	Version   int64     `json:"version" db:"version"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

type StockMovement struct {
	ID             string       `json:"id" db:"id"`
	StockID        string       `json:"stock_id" db:"stock_id"`
	ProductID      string       `json:"product_id" db:"product_id"`
	TenantID       string       `json:"tenant_id" db:"tenant_id"`
	Type           MovementType `json:"type" db:"movement_type"`
	Quantity       int          `json:"quantity" db:"quantity"`
	QuantityBefore int          `json:"quantity_before" db:"quantity_before"`
	QuantityAfter  int          `json:"quantity_after" db:"quantity_after"`
	Reason         string       `json:"reason" db:"reason"`
	PerformedBy    string       `json:"performed_by" db:"performed_by"`
	ReferenceType  string       `json:"reference_type,omitempty" db:"reference_type"`
	ReferenceID    string       `json:"reference_id,omitempty" db:"reference_id"`
	IdempotencyKey string       `json:"idempotency_key,omitempty" db:"idempotency_key"`
	CreatedAt      time.Time    `json:"created_at" db:"created_at"`
}

type MovementRequest struct {
	TenantID       string       `json:"-"`
	ProductID      string       `json:"product_id"`
	Type           MovementType `json:"type"`
	Quantity       int          `json:"quantity"`
	Reason         string       `json:"reason"`
	PerformedBy    string       `json:"-"`
	IdempotencyKey string       `json:"-"`
	ReferenceType  string       `json:"-"`
	ReferenceID    string       `json:"-"`
}

type MovementResult struct {
	Stock     StockRecord   `json:"stock"`
	Movement  StockMovement `json:"movement"`
	Duplicate bool          `json:"duplicate"`
}

type AddStockRequest struct {
	Quantity int    `json:"quantity"`
	Reason   string `json:"reason"`
}

// AdjustStockRequest carries a signed delta; negative deltas deduct.
type AdjustStockRequest struct {
	Delta  int    `json:"delta"`
	Reason string `json:"reason"`
}

type MovementFilter struct {
	TenantID  string
	ProductID string
	Limit     int
}

type BalanceReport struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
	Added     int    `json:"added"`
	Deducted  int    `json:"deducted"`
	Balanced  bool   `json:"balanced"`
}

type OrderStatus string

const (
	OrderPending   OrderStatus = "pending"
	OrderConfirmed OrderStatus = "confirmed"
	OrderDelivered OrderStatus = "delivered"
	OrderCancelled OrderStatus = "cancelled"
)

func (s OrderStatus) Valid() bool {
	switch s {
	case OrderPending, OrderConfirmed, OrderDelivered, OrderCancelled:
		return true
	}
	return false
}

// CanTransitionTo reports whether the lifecycle allows moving from s to next.
func (s OrderStatus) CanTransitionTo(next OrderStatus) bool {
	switch s {
	case OrderPending:
		return next == OrderConfirmed || next == OrderCancelled
	case OrderConfirmed:
		return next == OrderDelivered || next == OrderCancelled
	}
	return false
}

type Order struct {
	ID             string      `json:"id" db:"id"`
	ShopID         string      `json:"shop_id" db:"shop_id"`
	TenantID       string      `json:"tenant_id" db:"tenant_id"`
	AreaID         string      `json:"area_id,omitempty" db:"area_id"`
	CreatedBy      string      `json:"created_by" db:"created_by"`
	Status         OrderStatus `json:"status" db:"status"`
	IdempotencyKey string      `json:"idempotency_key,omitempty" db:"idempotency_key"`
	CancelReason   string      `json:"cancel_reason,omitempty" db:"cancel_reason"`
	Items          []OrderItem `json:"items" db:"-"`
	CreatedAt      time.Time   `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at" db:"updated_at"`
}

func (o Order) TotalCents() int64 {
	total := int64(0)
	for _, item := range o.Items {
		total += item.PriceCents
	}
	return total
}

type OrderItem struct {
	OrderID   string `json:"order_id" db:"order_id"`
	ProductID string `json:"product_id" db:"product_id"`
	Quantity  int    `json:"quantity" db:"quantity"`
	// PriceCents is the line total snapshot: unit price times quantity.
	PriceCents int64 `json:"price_cents" db:"price_cents"`
}

type OrderLine struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
}

type CreateOrderRequest struct {
	ShopID         string      `json:"shop_id"`
	AreaID         string      `json:"area_id,omitempty"`
	Items          []OrderLine `json:"items"`
	TenantID       string      `json:"-"`
	CreatedBy      string      `json:"-"`
	IdempotencyKey string      `json:"-"`
}

type CancelOrderRequest struct {
	Reason string `json:"reason"`
}

type UpdateOrderStatusRequest struct {
	Status OrderStatus `json:"status"`
}

type OrderFilter struct {
	TenantID string
	Status   OrderStatus
	ShopID   string
	AreaID   string
	Limit    int
}

// OrderResult carries the stock records touched by the order so callers can
// broadcast the new quantities.
type OrderResult struct {
	Order     Order         `json:"order"`
	Stocks    []StockRecord `json:"stocks,omitempty"`
	Duplicate bool          `json:"duplicate"`
}

const (
	EventStockUpdated       = "stock:updated"
	EventOrderCreated       = "order:created"
	EventOrderStatusUpdated = "order:status-updated"
	EventStaffCreated       = "staff:created"
	EventStaffUpdated       = "staff:updated"
	EventStaffDeleted       = "staff:deleted"
	EventStaffStatusUpdated = "staff:status-updated"
	EventShopCreated        = "shop:created"
	EventShopUpdated        = "shop:updated"
	EventShopDeleted        = "shop:deleted"
)

var knownEvents = map[string]bool{
	EventStockUpdated:       true,
	EventOrderCreated:       true,
	EventOrderStatusUpdated: true,
	EventStaffCreated:       true,
	EventStaffUpdated:       true,
	EventStaffDeleted:       true,
	EventStaffStatusUpdated: true,
	EventShopCreated:        true,
	EventShopUpdated:        true,
	EventShopDeleted:        true,
}

func IsKnownEvent(eventType string) bool {
	return knownEvents[eventType]
}

type Event struct {
	Type    string          `json:"type"`
	Channel string          `json:"channel"`
	Payload json.RawMessage `json:"payload"`
	At      time.Time       `json:"at"`
}

type StockUpdatedPayload struct {
	ProductID   string       `json:"product_id"`
	NewQuantity int          `json:"new_quantity"`
	Action      MovementType `json:"action"`
	Version     int64        `json:"version"`
}

type OrderStatusPayload struct {
	OrderID string      `json:"order_id"`
	Status  OrderStatus `json:"status"`
}

type PublishRequest struct {
	Channel string          `json:"channel"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}
