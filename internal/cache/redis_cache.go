package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	redis "github.com/redis/go-redis/v9"

	"fieldsync/internal/domain"
)

type RedisStockCache struct {
	client *redis.Client
}

func NewRedisStockCache(client *redis.Client) *RedisStockCache {
	return &RedisStockCache{client: client}
}

func (c *RedisStockCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisStockCache) Get(ctx context.Context, tenantID string, productID string) (*domain.StockRecord, bool, error) {
	val, err := c.client.Get(ctx, stockKey(tenantID, productID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var record domain.StockRecord
	if err := json.Unmarshal([]byte(val), &record); err != nil {
		return nil, false, err
	}
	return &record, true, nil
}

func (c *RedisStockCache) Set(ctx context.Context, record domain.StockRecord, ttl time.Duration) error {
	payload, err := json.Marshal(record)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, stockKey(record.TenantID, record.ProductID), payload, ttl).Err()
}

func (c *RedisStockCache) Delete(ctx context.Context, tenantID string, productID string) error {
	return c.client.Del(ctx, stockKey(tenantID, productID)).Err()
}
