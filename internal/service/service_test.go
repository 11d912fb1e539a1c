package service

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"fieldsync/internal/domain"
	"fieldsync/internal/metrics"
	"fieldsync/internal/realtime"
	"fieldsync/internal/store"
	"fieldsync/internal/store/memory"
)

func newTestService(t *testing.T) (*Service, *realtime.Hub) {
	t.Helper()
	hub := realtime.NewHub(64, nil, nil)
	svc := New(memory.NewSeeded(), hub, Options{DefaultTenant: memory.DefaultTenant, Metrics: metrics.New()})
	return svc, hub
}

func agentContext() context.Context {
	return WithActor(context.Background(), domain.Actor{
		Username: "agent-budi",
		Role:     "sales",
		TenantID: memory.DefaultTenant,
		Areas:    []string{"area-north"},
	})
}

func nextEvent(t *testing.T, sub *realtime.Subscription) domain.Event {
	t.Helper()
	select {
	case event := <-sub.Events():
		return event
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for event")
		return domain.Event{}
	}
}

func TestAddStockPublishesUpdate(t *testing.T) {
	svc, hub := newTestService(t)
	sub, _ := hub.Subscribe(realtime.TenantChannel(memory.DefaultTenant))
	ctx := agentContext()

	result, err := svc.AddStock(ctx, "prod-gula-1kg", domain.AddStockRequest{Quantity: 12, Reason: "delivery"}, "")
	if err != nil {
		t.Fatalf("add stock: %v", err)
	}
	if result.Stock.Quantity != 12 || result.Movement.PerformedBy != "agent-budi" {
		t.Fatalf("unexpected result %+v", result)
	}

	event := nextEvent(t, sub)
	if event.Type != domain.EventStockUpdated {
		t.Fatalf("expected stock:updated, got %s", event.Type)
	}
	var payload domain.StockUpdatedPayload
	if err := json.Unmarshal(event.Payload, &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload.ProductID != "prod-gula-1kg" || payload.NewQuantity != 12 || payload.Action != domain.MovementAdd {
		t.Fatalf("unexpected payload %+v", payload)
	}
}

func TestAdjustStockRejectsNegativeResult(t *testing.T) {
	svc, hub := newTestService(t)
	sub, _ := hub.Subscribe(realtime.TenantChannel(memory.DefaultTenant))
	ctx := agentContext()

	_, err := svc.AdjustStock(ctx, "prod-gula-1kg", domain.AdjustStockRequest{Delta: -1}, "")
	if !errors.Is(err, store.ErrInsufficientStock) {
		t.Fatalf("expected ErrInsufficientStock, got %v", err)
	}
	select {
	case event := <-sub.Events():
		t.Fatalf("expected no broadcast for rejected movement, got %+v", event)
	default:
	}

	if _, err := svc.AdjustStock(ctx, "prod-gula-1kg", domain.AdjustStockRequest{Delta: 0}, ""); !errors.Is(err, store.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for zero delta, got %v", err)
	}

	result, err := svc.AdjustStock(ctx, "prod-susu-uht", domain.AdjustStockRequest{Delta: -10, Reason: "damaged"}, "")
	if err != nil {
		t.Fatalf("adjust: %v", err)
	}
	if result.Movement.Type != domain.MovementDeduct || result.Stock.Quantity != 50 {
		t.Fatalf("unexpected adjust result %+v", result)
	}
}

func TestQuantitiesAboveLimitAreInvalid(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := agentContext()

	cases := []struct {
		name string
		run  func() error
	}{
		{"add wrapping int", func() error {
			_, err := svc.AddStock(ctx, "prod-air-600", domain.AddStockRequest{Quantity: math.MaxInt}, "")
			return err
		}},
		{"add past the limit", func() error {
			_, err := svc.AddStock(ctx, "prod-air-600", domain.AddStockRequest{Quantity: domain.MaxQuantity}, "")
			return err
		}},
		{"adjust above the limit", func() error {
			_, err := svc.AdjustStock(ctx, "prod-air-600", domain.AdjustStockRequest{Delta: domain.MaxQuantity + 1}, "")
			return err
		}},
		{"adjust below the limit", func() error {
			_, err := svc.AdjustStock(ctx, "prod-air-600", domain.AdjustStockRequest{Delta: math.MinInt}, "")
			return err
		}},
		{"order lines summing past the limit", func() error {
			_, err := svc.CreateOrder(ctx, domain.CreateOrderRequest{
				ShopID: "shop-maju",
				Items: []domain.OrderLine{
					{ProductID: "prod-air-600", Quantity: domain.MaxQuantity},
					{ProductID: "prod-air-600", Quantity: domain.MaxQuantity},
				},
			})
			return err
		}},
	}
	for _, tc := range cases {
		if err := tc.run(); !errors.Is(err, store.ErrInvalidInput) {
			t.Fatalf("%s: expected ErrInvalidInput, got %v", tc.name, err)
		}
	}

	record, err := svc.Stock(ctx, "prod-air-600")
	if err != nil {
		t.Fatalf("stock: %v", err)
	}
	if record.Quantity != 240 || record.Version != 1 {
		t.Fatalf("expected stock untouched at 240, got %+v", record)
	}
}

func TestApplyMovementUnknownProduct(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.AddStock(agentContext(), "prod-missing", domain.AddStockRequest{Quantity: 1}, "")
	if !errors.Is(err, store.ErrUnknownProduct) {
		t.Fatalf("expected ErrUnknownProduct, got %v", err)
	}
}

func TestApplyMovementReplayIsNotBroadcastTwice(t *testing.T) {
	svc, hub := newTestService(t)
	sub, _ := hub.Subscribe(realtime.TenantChannel(memory.DefaultTenant))
	ctx := agentContext()

	first, err := svc.AdjustStock(ctx, "prod-teh-celup", domain.AdjustStockRequest{Delta: -3}, "op-adjust-1")
	if err != nil {
		t.Fatalf("first adjust: %v", err)
	}
	second, err := svc.AdjustStock(ctx, "prod-teh-celup", domain.AdjustStockRequest{Delta: -3}, "op-adjust-1")
	if err != nil {
		t.Fatalf("replayed adjust: %v", err)
	}
	if !second.Duplicate || second.Movement.ID != first.Movement.ID {
		t.Fatalf("expected duplicate of %s, got %+v", first.Movement.ID, second)
	}

	nextEvent(t, sub)
	select {
	case event := <-sub.Events():
		t.Fatalf("expected a single broadcast, got extra %+v", event)
	default:
	}

	record, err := svc.Stock(ctx, "prod-teh-celup")
	if err != nil {
		t.Fatalf("stock: %v", err)
	}
	if record.Quantity != 117 {
		t.Fatalf("expected 117, got %d", record.Quantity)
	}
}

func TestStockForProductWithoutRecord(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := agentContext()

	record, err := svc.Stock(ctx, "prod-gula-1kg")
	if err != nil {
		t.Fatalf("stock: %v", err)
	}
	if record.Quantity != 0 || record.Version != 0 {
		t.Fatalf("expected zero record, got %+v", record)
	}
	if _, err := svc.Stock(ctx, "prod-missing"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

type mapCache struct {
	mu      sync.Mutex
	records map[string]domain.StockRecord
	deletes int
}

func (c *mapCache) Get(_ context.Context, tenantID string, productID string) (*domain.StockRecord, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	record, ok := c.records[tenantID+"/"+productID]
	if !ok {
		return nil, false, nil
	}
	return &record, true, nil
}

func (c *mapCache) Set(_ context.Context, record domain.StockRecord, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records[record.TenantID+"/"+record.ProductID] = record
	return nil
}

func (c *mapCache) Delete(_ context.Context, tenantID string, productID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.records, tenantID+"/"+productID)
	c.deletes++
	return nil
}

func TestStockReadsThroughCacheAndInvalidates(t *testing.T) {
	stockCache := &mapCache{records: make(map[string]domain.StockRecord)}
	svc := New(memory.NewSeeded(), nil, Options{DefaultTenant: memory.DefaultTenant, Cache: stockCache})
	ctx := agentContext()

	if _, err := svc.Stock(ctx, "prod-air-600"); err != nil {
		t.Fatalf("stock: %v", err)
	}
	if _, ok, _ := stockCache.Get(ctx, memory.DefaultTenant, "prod-air-600"); !ok {
		t.Fatalf("expected stock to be cached after read")
	}

	if _, err := svc.AdjustStock(ctx, "prod-air-600", domain.AdjustStockRequest{Delta: -40}, ""); err != nil {
		t.Fatalf("adjust: %v", err)
	}
	if _, ok, _ := stockCache.Get(ctx, memory.DefaultTenant, "prod-air-600"); ok {
		t.Fatalf("expected cache entry to be invalidated")
	}

	record, err := svc.Stock(ctx, "prod-air-600")
	if err != nil {
		t.Fatalf("stock: %v", err)
	}
	if record.Quantity != 200 {
		t.Fatalf("expected 200 after adjust, got %d", record.Quantity)
	}
}

func TestVerifyBalanceAfterMixedActivity(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := agentContext()

	if _, err := svc.AddStock(ctx, "prod-mie-goreng", domain.AddStockRequest{Quantity: 30}, ""); err != nil {
		t.Fatalf("add: %v", err)
	}
	created, err := svc.CreateOrder(ctx, domain.CreateOrderRequest{
		ShopID: "shop-sumber-rejeki",
		Items:  []domain.OrderLine{{ProductID: "prod-mie-goreng", Quantity: 25}},
	})
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	if _, err := svc.CancelOrder(ctx, created.Order.ID, "shop closed"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if _, err := svc.AdjustStock(ctx, "prod-mie-goreng", domain.AdjustStockRequest{Delta: -5}, ""); err != nil {
		t.Fatalf("adjust: %v", err)
	}

	report, err := svc.VerifyBalance(ctx, "prod-mie-goreng")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !report.Balanced || report.Quantity != 345 {
		t.Fatalf("unexpected report %+v", report)
	}
	if report.Added != 320+30+25 || report.Deducted != 25+5 {
		t.Fatalf("unexpected totals %+v", report)
	}
}

func TestCreateOrderBroadcastsOnTenantChannelOnly(t *testing.T) {
	svc, hub := newTestService(t)
	tenantSub, _ := hub.Subscribe(realtime.TenantChannel(memory.DefaultTenant))
	areaSub, _ := hub.Subscribe(realtime.AreaChannel(memory.DefaultTenant, "area-north"))
	foreignSub, _ := hub.Subscribe(realtime.TenantChannel("tenant-other"), realtime.AreaChannel("tenant-other", "area-north"))
	ctx := agentContext()

	result, err := svc.CreateOrder(ctx, domain.CreateOrderRequest{
		ShopID: "shop-maju",
		AreaID: "area-north",
		Items: []domain.OrderLine{
			{ProductID: "prod-kopi-sachet", Quantity: 10},
			{ProductID: "prod-air-600", Quantity: 2},
		},
	})
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	if result.Order.Status != domain.OrderPending || result.Order.CreatedBy != "agent-budi" {
		t.Fatalf("unexpected order %+v", result.Order)
	}

	types := []string{nextEvent(t, tenantSub).Type, nextEvent(t, tenantSub).Type, nextEvent(t, tenantSub).Type}
	want := []string{domain.EventOrderCreated, domain.EventStockUpdated, domain.EventStockUpdated}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("expected events %v, got %v", want, types)
		}
	}
	for _, sub := range []*realtime.Subscription{areaSub, foreignSub} {
		select {
		case event := <-sub.Events():
			t.Fatalf("expected no event on %v, got %+v", sub.Channels(), event)
		default:
		}
	}
}

func TestConcurrentOrdersForLastUnit(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := agentContext()
	if _, err := svc.AddStock(ctx, "prod-gula-1kg", domain.AddStockRequest{Quantity: 1}, ""); err != nil {
		t.Fatalf("add: %v", err)
	}

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = svc.CreateOrder(ctx, domain.CreateOrderRequest{
				ShopID: "shop-concurrent",
				Items:  []domain.OrderLine{{ProductID: "prod-gula-1kg", Quantity: 1}},
			})
		}(i)
	}
	wg.Wait()

	succeeded, rejected := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, store.ErrInsufficientStock):
			rejected++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if succeeded != 1 || rejected != 1 {
		t.Fatalf("expected one success and one rejection, got %d/%d", succeeded, rejected)
	}
	record, _ := svc.Stock(ctx, "prod-gula-1kg")
	if record.Quantity != 0 {
		t.Fatalf("expected quantity 0, got %d", record.Quantity)
	}
}

func TestOrderLifecycle(t *testing.T) {
	svc, hub := newTestService(t)
	ctx := agentContext()

	created, err := svc.CreateOrder(ctx, domain.CreateOrderRequest{
		ShopID: "shop-lifecycle",
		Items:  []domain.OrderLine{{ProductID: "prod-susu-uht", Quantity: 5}},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	sub, _ := hub.Subscribe(realtime.TenantChannel(memory.DefaultTenant))

	if _, err := svc.UpdateOrderStatus(ctx, created.Order.ID, domain.OrderDelivered); !errors.Is(err, store.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition skipping confirm, got %v", err)
	}

	confirmed, err := svc.UpdateOrderStatus(ctx, created.Order.ID, domain.OrderConfirmed)
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if confirmed.Order.Status != domain.OrderConfirmed {
		t.Fatalf("expected confirmed, got %s", confirmed.Order.Status)
	}
	event := nextEvent(t, sub)
	var payload domain.OrderStatusPayload
	_ = json.Unmarshal(event.Payload, &payload)
	if event.Type != domain.EventOrderStatusUpdated || payload.Status != domain.OrderConfirmed {
		t.Fatalf("unexpected event %+v", event)
	}

	again, err := svc.UpdateOrderStatus(ctx, created.Order.ID, domain.OrderConfirmed)
	if err != nil || !again.Duplicate {
		t.Fatalf("expected duplicate no-op, got %+v err=%v", again, err)
	}

	delivered, err := svc.UpdateOrderStatus(ctx, created.Order.ID, domain.OrderDelivered)
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if delivered.Order.Status != domain.OrderDelivered {
		t.Fatalf("expected delivered, got %s", delivered.Order.Status)
	}
	if _, err := svc.CancelOrder(ctx, created.Order.ID, "too late"); !errors.Is(err, store.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition cancelling delivered order, got %v", err)
	}
}

func TestCancelViaStatusUpdateRestocks(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := agentContext()

	created, err := svc.CreateOrder(ctx, domain.CreateOrderRequest{
		ShopID: "shop-cancel",
		Items:  []domain.OrderLine{{ProductID: "prod-susu-uht", Quantity: 8}},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	cancelled, err := svc.UpdateOrderStatus(ctx, created.Order.ID, domain.OrderCancelled)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Order.Status != domain.OrderCancelled || len(cancelled.Stocks) != 1 {
		t.Fatalf("unexpected cancel result %+v", cancelled)
	}

	again, err := svc.CancelOrder(ctx, created.Order.ID, "")
	if err != nil || !again.Duplicate {
		t.Fatalf("expected repeated cancel to be a no-op, got %+v err=%v", again, err)
	}

	record, _ := svc.Stock(ctx, "prod-susu-uht")
	if record.Quantity != 60 {
		t.Fatalf("expected quantity restored to 60, got %d", record.Quantity)
	}
}

func TestListOrdersIsTenantScoped(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := agentContext()

	if _, err := svc.CreateOrder(ctx, domain.CreateOrderRequest{
		ShopID: "shop-list",
		Items:  []domain.OrderLine{{ProductID: "prod-air-600", Quantity: 1}},
	}); err != nil {
		t.Fatalf("create: %v", err)
	}

	orders, err := svc.ListOrders(ctx, domain.OrderFilter{ShopID: "shop-list"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(orders) != 1 {
		t.Fatalf("expected 1 order, got %d", len(orders))
	}

	other := WithActor(context.Background(), domain.Actor{Username: "x", TenantID: "tenant-other"})
	orders, err = svc.ListOrders(other, domain.OrderFilter{})
	if err != nil {
		t.Fatalf("list other tenant: %v", err)
	}
	if len(orders) != 0 {
		t.Fatalf("expected no orders for another tenant, got %d", len(orders))
	}
	if _, err := svc.GetOrder(other, "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
