package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"fieldsync/internal/domain"
	"fieldsync/internal/realtime"
	"fieldsync/internal/store"
)

const defaultMovementLimit = 100

// ApplyMovement is the single write path for quantities. The tenant and actor
// come from the request context when the caller leaves them empty.
func (s *Service) ApplyMovement(ctx context.Context, req domain.MovementRequest) (domain.MovementResult, error) {
	if req.TenantID == "" {
		req.TenantID = s.tenantFor(ctx)
	}
	if req.PerformedBy == "" {
		req.PerformedBy = s.actorName(ctx)
	}
	req.ProductID = strings.TrimSpace(req.ProductID)
	req.Reason = strings.TrimSpace(req.Reason)
	if req.ProductID == "" || !req.Type.Valid() || req.Quantity < 1 || req.Quantity > domain.MaxQuantity {
		return domain.MovementResult{}, store.ErrInvalidInput
	}

	if err := s.requireProduct(ctx, req.TenantID, req.ProductID); err != nil {
		return domain.MovementResult{}, err
	}

	result, err := s.repo.ApplyMovement(ctx, req)
	if err != nil {
		if errors.Is(err, store.ErrInsufficientStock) {
			s.metrics.InsufficientStock()
			s.log.Info("movement rejected",
				zap.String("tenant_id", req.TenantID),
				zap.String("product_id", req.ProductID),
				zap.Int("quantity", req.Quantity),
			)
		}
		return domain.MovementResult{}, err
	}
	if result.Duplicate {
		return result, nil
	}

	s.metrics.MovementApplied(string(req.Type))
	s.log.Debug("movement applied",
		zap.String("tenant_id", req.TenantID),
		zap.String("product_id", req.ProductID),
		zap.String("type", string(req.Type)),
		zap.Int("quantity_after", result.Movement.QuantityAfter),
	)
	s.publishStock(ctx, result.Stock, req.Type, realtime.TenantChannel(req.TenantID))
	return result, nil
}

func (s *Service) AddStock(ctx context.Context, productID string, req domain.AddStockRequest, idempotencyKey string) (domain.MovementResult, error) {
	if req.Quantity < 1 || req.Quantity > domain.MaxQuantity {
		return domain.MovementResult{}, fmt.Errorf("%w: quantity must be between 1 and %d", store.ErrInvalidInput, domain.MaxQuantity)
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = "manual add"
	}
	return s.ApplyMovement(ctx, domain.MovementRequest{
		ProductID:      productID,
		Type:           domain.MovementAdd,
		Quantity:       req.Quantity,
		Reason:         reason,
		IdempotencyKey: idempotencyKey,
	})
}

// AdjustStock turns a signed delta into an add or a deduct movement.
func (s *Service) AdjustStock(ctx context.Context, productID string, req domain.AdjustStockRequest, idempotencyKey string) (domain.MovementResult, error) {
	if req.Delta == 0 || req.Delta > domain.MaxQuantity || req.Delta < -domain.MaxQuantity {
		return domain.MovementResult{}, fmt.Errorf("%w: delta must be non-zero and within %d", store.ErrInvalidInput, domain.MaxQuantity)
	}
	movementType := domain.MovementAdd
	qty := req.Delta
	if req.Delta < 0 {
		movementType = domain.MovementDeduct
		qty = -req.Delta
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = "adjustment"
	}
	return s.ApplyMovement(ctx, domain.MovementRequest{
		ProductID:      productID,
		Type:           movementType,
		Quantity:       qty,
		Reason:         reason,
		IdempotencyKey: idempotencyKey,
	})
}

// Stock returns the current record. A known product without a record reads as
// zero at version 0.
func (s *Service) Stock(ctx context.Context, productID string) (domain.StockRecord, error) {
	tenantID := s.tenantFor(ctx)
	productID = strings.TrimSpace(productID)
	if productID == "" {
		return domain.StockRecord{}, store.ErrInvalidInput
	}

	if cached, ok, err := s.cache.Get(ctx, tenantID, productID); err != nil {
		s.log.Warn("stock cache read failed", zap.String("product_id", productID), zap.Error(err))
	} else if ok {
		return *cached, nil
	}

	record, err := s.repo.GetStock(ctx, tenantID, productID)
	if errors.Is(err, store.ErrNotFound) {
		if err := s.requireProduct(ctx, tenantID, productID); err != nil {
			return domain.StockRecord{}, store.ErrNotFound
		}
		return domain.StockRecord{TenantID: tenantID, ProductID: productID}, nil
	}
	if err != nil {
		return domain.StockRecord{}, err
	}

	if err := s.cache.Set(ctx, *record, s.cacheTTL); err != nil {
		s.log.Warn("stock cache write failed", zap.String("product_id", productID), zap.Error(err))
	}
	return *record, nil
}

func (s *Service) ListStock(ctx context.Context) ([]domain.StockRecord, error) {
	return s.repo.ListStock(ctx, s.tenantFor(ctx))
}

func (s *Service) Movements(ctx context.Context, productID string, limit int) ([]domain.StockMovement, error) {
	if limit < 1 {
		limit = defaultMovementLimit
	}
	return s.repo.ListMovements(ctx, domain.MovementFilter{
		TenantID:  s.tenantFor(ctx),
		ProductID: strings.TrimSpace(productID),
		Limit:     limit,
	})
}

// VerifyBalance recomputes the product's quantity from its full movement
// history and compares it with the stored record.
func (s *Service) VerifyBalance(ctx context.Context, productID string) (domain.BalanceReport, error) {
	tenantID := s.tenantFor(ctx)
	productID = strings.TrimSpace(productID)
	if productID == "" {
		return domain.BalanceReport{}, store.ErrInvalidInput
	}

	quantity := 0
	record, err := s.repo.GetStock(ctx, tenantID, productID)
	switch {
	case err == nil:
		quantity = record.Quantity
	case errors.Is(err, store.ErrNotFound):
	default:
		return domain.BalanceReport{}, err
	}

	movements, err := s.repo.ListMovements(ctx, domain.MovementFilter{TenantID: tenantID, ProductID: productID})
	if err != nil {
		return domain.BalanceReport{}, err
	}

	report := domain.BalanceReport{ProductID: productID, Quantity: quantity}
	for _, movement := range movements {
		switch movement.Type {
		case domain.MovementAdd:
			report.Added += movement.Quantity
		case domain.MovementDeduct:
			report.Deducted += movement.Quantity
		}
	}
	report.Balanced = report.Added-report.Deducted == report.Quantity
	if !report.Balanced {
		s.log.Error("stock ledger out of balance",
			zap.String("tenant_id", tenantID),
			zap.String("product_id", productID),
			zap.Int("quantity", report.Quantity),
			zap.Int("added", report.Added),
			zap.Int("deducted", report.Deducted),
		)
	}
	return report, nil
}

func (s *Service) requireProduct(ctx context.Context, tenantID string, productID string) error {
	products, err := s.repo.GetProducts(ctx, tenantID, []string{productID})
	if err != nil {
		return err
	}
	product, ok := products[productID]
	if !ok || !product.Active {
		return store.ErrUnknownProduct
	}
	return nil
}
