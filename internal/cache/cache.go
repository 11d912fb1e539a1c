package cache

import (
	"context"
	"time"

	"fieldsync/internal/domain"
)

// StockCache holds recent stock snapshots for read endpoints. Writers
// invalidate after every committed movement; entries also expire on their own.
type StockCache interface {
	Get(ctx context.Context, tenantID string, productID string) (*domain.StockRecord, bool, error)
	Set(ctx context.Context, record domain.StockRecord, ttl time.Duration) error
	Delete(ctx context.Context, tenantID string, productID string) error
}

type NoopStockCache struct{}

func (NoopStockCache) Get(_ context.Context, _ string, _ string) (*domain.StockRecord, bool, error) {
	return nil, false, nil
}

func (NoopStockCache) Set(_ context.Context, _ domain.StockRecord, _ time.Duration) error {
	return nil
}

func (NoopStockCache) Delete(_ context.Context, _ string, _ string) error {
	return nil
}

func stockKey(tenantID string, productID string) string {
	return "fieldsync:stock:" + tenantID + ":" + productID
}
