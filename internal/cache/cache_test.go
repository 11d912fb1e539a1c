package cache

import (
	"context"
	"os"
	"testing"
	"time"

	redis "github.com/redis/go-redis/v9"

	"fieldsync/internal/domain"
)

func TestNoopStockCacheAlwaysMisses(t *testing.T) {
	var c StockCache = NoopStockCache{}
	if err := c.Set(context.Background(), domain.StockRecord{TenantID: "t1", ProductID: "p1", Quantity: 3}, time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}
	record, ok, err := c.Get(context.Background(), "t1", "p1")
	if err != nil || ok || record != nil {
		t.Fatalf("expected miss, got %+v ok=%t err=%v", record, ok, err)
	}
}

func TestStockKeyIsTenantScoped(t *testing.T) {
	if stockKey("t1", "p1") == stockKey("t2", "p1") {
		t.Fatalf("expected keys to differ per tenant")
	}
}

func TestRedisStockCacheRoundTrip(t *testing.T) {
	addr := os.Getenv("FIELDSYNC_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("set FIELDSYNC_TEST_REDIS_ADDR to run redis cache test")
	}

	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()
	c := NewRedisStockCache(client)
	ctx := context.Background()
	if err := c.Ping(ctx); err != nil {
		t.Fatalf("ping: %v", err)
	}

	tenant := "tenant-cache-" + time.Now().Format("150405.000000")
	if err := c.Set(ctx, domain.StockRecord{TenantID: tenant, ProductID: "p1", Quantity: 7, Version: 3}, time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}
	record, ok, err := c.Get(ctx, tenant, "p1")
	if err != nil || !ok {
		t.Fatalf("expected hit, ok=%t err=%v", ok, err)
	}
	if record.Quantity != 7 || record.Version != 3 {
		t.Fatalf("unexpected record %+v", record)
	}
	if err := c.Delete(ctx, tenant, "p1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok, _ := c.Get(ctx, tenant, "p1"); ok {
		t.Fatalf("expected miss after delete")
	}
}
