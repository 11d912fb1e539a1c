package store

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"fieldsync/internal/domain"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrInvalidInput      = errors.New("invalid input")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrUnknownProduct    = errors.New("unknown or inactive product")
)

// Repository is the persistence contract for the ledger and the order
// engine. Every method that changes a quantity does so through a movement
// committed in the same atomic unit as the quantity change.
type Repository interface {
	GetProducts(ctx context.Context, tenantID string, productIDs []string) (map[string]domain.Product, error)

	ApplyMovement(ctx context.Context, req domain.MovementRequest) (domain.MovementResult, error)
	GetStock(ctx context.Context, tenantID string, productID string) (*domain.StockRecord, error)
	ListStock(ctx context.Context, tenantID string) ([]domain.StockRecord, error)
	ListMovements(ctx context.Context, filter domain.MovementFilter) ([]domain.StockMovement, error)

	CreateOrder(ctx context.Context, req domain.CreateOrderRequest, at time.Time) (domain.OrderResult, error)
	CancelOrder(ctx context.Context, tenantID string, orderID string, reason string, performedBy string, at time.Time) (domain.OrderResult, error)
	UpdateOrderStatus(ctx context.Context, tenantID string, orderID string, status domain.OrderStatus, at time.Time) (domain.OrderResult, error)
	GetOrder(ctx context.Context, tenantID string, orderID string) (*domain.Order, error)
	ListOrders(ctx context.Context, filter domain.OrderFilter) ([]domain.Order, error)
}

// MergeLines folds duplicate product lines and returns them sorted by
// product id, which is also the lock order used by the stores.
func MergeLines(lines []domain.OrderLine) ([]domain.OrderLine, error) {
	if len(lines) == 0 {
		return nil, ErrInvalidInput
	}
	byProduct := make(map[string]int, len(lines))
	for _, line := range lines {
		if line.ProductID == "" || line.Quantity < 1 || line.Quantity > domain.MaxQuantity {
			return nil, ErrInvalidInput
		}
		if byProduct[line.ProductID] > domain.MaxQuantity-line.Quantity {
			return nil, ErrInvalidInput
		}
		byProduct[line.ProductID] += line.Quantity
	}
	merged := make([]domain.OrderLine, 0, len(byProduct))
	for productID, qty := range byProduct {
		merged = append(merged, domain.OrderLine{ProductID: productID, Quantity: qty})
	}
	slices.SortFunc(merged, func(a, b domain.OrderLine) int {
		return strings.Compare(a.ProductID, b.ProductID)
	})
	return merged, nil
}

// RefusedMovement is the error for a movement NextQuantity would not apply:
// a deduct runs out of stock, an add runs past domain.MaxQuantity.
func RefusedMovement(movementType domain.MovementType) error {
	if movementType == domain.MovementAdd {
		return fmt.Errorf("%w: quantity above %d", ErrInvalidInput, domain.MaxQuantity)
	}
	return ErrInsufficientStock
}

// CancelMovementReason is the reason recorded on compensating movements.
func CancelMovementReason(reason string) string {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return "order cancelled"
	}
	return "order cancelled: " + reason
}
