package service

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"

	"fieldsync/internal/domain"
	"fieldsync/internal/realtime"
	"fieldsync/internal/store"
)

const defaultOrderLimit = 50

// CreateOrder deducts every line in one atomic unit. A repeated idempotency
// key returns the existing order and deducts nothing.
func (s *Service) CreateOrder(ctx context.Context, req domain.CreateOrderRequest) (domain.OrderResult, error) {
	if req.TenantID == "" {
		req.TenantID = s.tenantFor(ctx)
	}
	if req.CreatedBy == "" {
		req.CreatedBy = s.actorName(ctx)
	}
	req.ShopID = strings.TrimSpace(req.ShopID)
	req.AreaID = strings.TrimSpace(req.AreaID)
	if req.ShopID == "" {
		return domain.OrderResult{}, store.ErrInvalidInput
	}
	if _, err := store.MergeLines(req.Items); err != nil {
		return domain.OrderResult{}, err
	}

	result, err := s.repo.CreateOrder(ctx, req, s.now())
	if err != nil {
		if errors.Is(err, store.ErrInsufficientStock) {
			s.metrics.InsufficientStock()
		}
		s.log.Info("order rejected",
			zap.String("tenant_id", req.TenantID),
			zap.String("shop_id", req.ShopID),
			zap.Error(err),
		)
		return domain.OrderResult{}, err
	}
	if result.Duplicate {
		return result, nil
	}

	s.metrics.OrderTransition(string(domain.OrderPending))
	for range result.Stocks {
		s.metrics.MovementApplied(string(domain.MovementDeduct))
	}
	s.log.Info("order created",
		zap.String("order_id", result.Order.ID),
		zap.String("tenant_id", result.Order.TenantID),
		zap.Int("lines", len(result.Order.Items)),
		zap.Int64("total_cents", result.Order.TotalCents()),
	)

	channel := realtime.TenantChannel(result.Order.TenantID)
	s.publish(ctx, channel, domain.EventOrderCreated, result.Order)
	for _, record := range result.Stocks {
		s.publishStock(ctx, record, domain.MovementDeduct, channel)
	}
	return result, nil
}

// CancelOrder restocks every item in the same atomic unit as the status
// change. Cancelling twice returns the cancelled order as a duplicate.
func (s *Service) CancelOrder(ctx context.Context, orderID string, reason string) (domain.OrderResult, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return domain.OrderResult{}, store.ErrInvalidInput
	}

	result, err := s.repo.CancelOrder(ctx, s.tenantFor(ctx), orderID, strings.TrimSpace(reason), s.actorName(ctx), s.now())
	if err != nil {
		return domain.OrderResult{}, err
	}
	if result.Duplicate {
		return result, nil
	}

	s.metrics.OrderTransition(string(domain.OrderCancelled))
	for range result.Stocks {
		s.metrics.MovementApplied(string(domain.MovementAdd))
	}
	s.log.Info("order cancelled", zap.String("order_id", orderID), zap.String("reason", result.Order.CancelReason))

	s.publishStatus(ctx, result.Order)
	for _, record := range result.Stocks {
		s.publishStock(ctx, record, domain.MovementAdd, realtime.TenantChannel(result.Order.TenantID))
	}
	return result, nil
}

// UpdateOrderStatus moves an order forward one step. Cancellation is routed
// through CancelOrder so the restock happens.
func (s *Service) UpdateOrderStatus(ctx context.Context, orderID string, status domain.OrderStatus) (domain.OrderResult, error) {
	if !status.Valid() {
		return domain.OrderResult{}, store.ErrInvalidInput
	}
	if status == domain.OrderCancelled {
		return s.CancelOrder(ctx, orderID, "")
	}
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return domain.OrderResult{}, store.ErrInvalidInput
	}

	result, err := s.repo.UpdateOrderStatus(ctx, s.tenantFor(ctx), orderID, status, s.now())
	if err != nil {
		return domain.OrderResult{}, err
	}
	if result.Duplicate {
		return result, nil
	}

	s.metrics.OrderTransition(string(status))
	s.log.Info("order status updated", zap.String("order_id", orderID), zap.String("status", string(status)))
	s.publishStatus(ctx, result.Order)
	return result, nil
}

func (s *Service) GetOrder(ctx context.Context, orderID string) (domain.Order, error) {
	order, err := s.repo.GetOrder(ctx, s.tenantFor(ctx), strings.TrimSpace(orderID))
	if err != nil {
		return domain.Order{}, err
	}
	return *order, nil
}

func (s *Service) ListOrders(ctx context.Context, filter domain.OrderFilter) ([]domain.Order, error) {
	filter.TenantID = s.tenantFor(ctx)
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, store.ErrInvalidInput
	}
	if filter.Limit < 1 {
		filter.Limit = defaultOrderLimit
	}
	return s.repo.ListOrders(ctx, filter)
}

// publishStatus announces a status change to the order's tenant. Area
// channels only carry shop list changes.
func (s *Service) publishStatus(ctx context.Context, order domain.Order) {
	payload := domain.OrderStatusPayload{OrderID: order.ID, Status: order.Status}
	s.publish(ctx, realtime.TenantChannel(order.TenantID), domain.EventOrderStatusUpdated, payload)
}
