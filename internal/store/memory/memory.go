package memory

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"fieldsync/internal/domain"
	"fieldsync/internal/store"
	"fieldsync/internal/xid"
)

const DefaultTenant = "tenant-main"

type Store struct {
	mu              sync.RWMutex
	locks           *lockManager
	products        map[string]domain.Product
	stocks          map[string]*domain.StockRecord
	movements       []domain.StockMovement
	movementsByIdem map[string]int
	ordersByID      map[string]*domain.Order
	orderIDs        []string
	ordersByIdem    map[string]string
}

func New() *Store {
	return &Store{
		locks:           newLockManager(),
		products:        make(map[string]domain.Product),
		stocks:          make(map[string]*domain.StockRecord),
		movementsByIdem: make(map[string]int),
		ordersByID:      make(map[string]*domain.Order),
		ordersByIdem:    make(map[string]string),
	}
}

// NewSeeded returns a store with a small demo catalog. Opening quantities are
// recorded as add movements so the ledger balances from the first read.
func NewSeeded() *Store {
	s := New()
	seed := []struct {
		product domain.Product
		qty     int
	}{
		{domain.Product{ID: "prod-air-600", Name: "Air Mineral 600ml", PriceCents: 3900}, 240},
		{domain.Product{ID: "prod-kopi-sachet", Name: "Kopi Sachet", PriceCents: 2600}, 500},
		{domain.Product{ID: "prod-mie-goreng", Name: "Mie Goreng Instan", PriceCents: 3500}, 320},
		{domain.Product{ID: "prod-susu-uht", Name: "Susu UHT 1L", PriceCents: 18900}, 60},
		{domain.Product{ID: "prod-teh-celup", Name: "Teh Celup", PriceCents: 9800}, 120},
		{domain.Product{ID: "prod-gula-1kg", Name: "Gula 1kg", PriceCents: 17400}, 0},
	}

	ctx := context.Background()
	for _, item := range seed {
		product := item.product
		product.TenantID = DefaultTenant
		product.Active = true
		s.PutProduct(product)
		if item.qty == 0 {
			continue
		}
		_, _ = s.ApplyMovement(ctx, domain.MovementRequest{
			TenantID:    DefaultTenant,
			ProductID:   product.ID,
			Type:        domain.MovementAdd,
			Quantity:    item.qty,
			Reason:      "initial stock",
			PerformedBy: "system",
		})
	}
	return s
}

// PutProduct inserts or replaces a catalog entry. Catalog management lives
// outside this service; the memory store exposes it for seeding and tests.
func (s *Store) PutProduct(product domain.Product) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.products[tenantKey(product.TenantID, product.ID)] = product
}

func (s *Store) GetProducts(_ context.Context, tenantID string, productIDs []string) (map[string]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make(map[string]domain.Product, len(productIDs))
	for _, id := range productIDs {
		if product, ok := s.products[tenantKey(tenantID, id)]; ok {
			result[id] = product
		}
	}
	return result, nil
}

func (s *Store) ApplyMovement(_ context.Context, req domain.MovementRequest) (domain.MovementResult, error) {
	if req.TenantID == "" || req.ProductID == "" || !req.Type.Valid() || req.Quantity < 1 {
		return domain.MovementResult{}, store.ErrInvalidInput
	}

	keys := []string{stockLockKey(req.TenantID, req.ProductID)}
	if req.IdempotencyKey != "" {
		keys = append(keys, idemLockKey("movement", req.TenantID, req.IdempotencyKey))
	}
	unlock := s.locks.lock(keys...)
	defer unlock()

	if req.IdempotencyKey != "" {
		if existing, ok := s.findMovement(req.TenantID, req.IdempotencyKey); ok {
			return existing, nil
		}
	}

	current := s.readStock(req.TenantID, req.ProductID)
	if _, ok := domain.NextQuantity(current.Quantity, req.Type, req.Quantity); !ok {
		return domain.MovementResult{}, store.RefusedMovement(req.Type)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	record, movement := s.applyLocked(req, time.Now().UTC())
	if req.IdempotencyKey != "" {
		s.movementsByIdem[tenantKey(req.TenantID, req.IdempotencyKey)] = len(s.movements) - 1
	}
	return domain.MovementResult{Stock: record, Movement: movement}, nil
}

func (s *Store) GetStock(_ context.Context, tenantID string, productID string) (*domain.StockRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.stocks[tenantKey(tenantID, productID)]
	if !ok {
		return nil, store.ErrNotFound
	}
	dup := *record
	return &dup, nil
}

func (s *Store) ListStock(_ context.Context, tenantID string) ([]domain.StockRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	records := make([]domain.StockRecord, 0, len(s.stocks))
	for _, record := range s.stocks {
		if record.TenantID == tenantID {
			records = append(records, *record)
		}
	}
	slices.SortFunc(records, func(a, b domain.StockRecord) int {
		return strings.Compare(a.ProductID, b.ProductID)
	})
	return records, nil
}

// ListMovements returns newest first. A non-positive limit returns everything.
func (s *Store) ListMovements(_ context.Context, filter domain.MovementFilter) ([]domain.StockMovement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.StockMovement, 0, 32)
	for i := len(s.movements) - 1; i >= 0; i-- {
		movement := s.movements[i]
		if movement.TenantID != filter.TenantID {
			continue
		}
		if filter.ProductID != "" && movement.ProductID != filter.ProductID {
			continue
		}
		result = append(result, movement)
		if filter.Limit > 0 && len(result) >= filter.Limit {
			break
		}
	}
	return result, nil
}

func (s *Store) CreateOrder(_ context.Context, req domain.CreateOrderRequest, at time.Time) (domain.OrderResult, error) {
	if req.TenantID == "" || req.ShopID == "" {
		return domain.OrderResult{}, store.ErrInvalidInput
	}
	lines, err := store.MergeLines(req.Items)
	if err != nil {
		return domain.OrderResult{}, err
	}

	keys := make([]string, 0, len(lines)+1)
	for _, line := range lines {
		keys = append(keys, stockLockKey(req.TenantID, line.ProductID))
	}
	if req.IdempotencyKey != "" {
		keys = append(keys, idemLockKey("order", req.TenantID, req.IdempotencyKey))
	}
	unlock := s.locks.lock(keys...)
	defer unlock()

	if req.IdempotencyKey != "" {
		if existing, ok := s.findOrderByIdem(req.TenantID, req.IdempotencyKey); ok {
			return domain.OrderResult{Order: existing, Duplicate: true}, nil
		}
	}

	productIDs := make([]string, 0, len(lines))
	for _, line := range lines {
		productIDs = append(productIDs, line.ProductID)
	}
	products, _ := s.GetProducts(context.Background(), req.TenantID, productIDs)

	for _, line := range lines {
		product, ok := products[line.ProductID]
		if !ok || !product.Active {
			return domain.OrderResult{}, store.ErrUnknownProduct
		}
		current := s.readStock(req.TenantID, line.ProductID)
		if _, ok := domain.NextQuantity(current.Quantity, domain.MovementDeduct, line.Quantity); !ok {
			return domain.OrderResult{}, store.ErrInsufficientStock
		}
	}

	order := domain.Order{
		ID:             xid.New("ord"),
		ShopID:         req.ShopID,
		TenantID:       req.TenantID,
		AreaID:         req.AreaID,
		CreatedBy:      req.CreatedBy,
		Status:         domain.OrderPending,
		IdempotencyKey: req.IdempotencyKey,
		Items:          make([]domain.OrderItem, 0, len(lines)),
		CreatedAt:      at,
		UpdatedAt:      at,
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stocks := make([]domain.StockRecord, 0, len(lines))
	for _, line := range lines {
		product := products[line.ProductID]
		record, _ := s.applyLocked(domain.MovementRequest{
			TenantID:      req.TenantID,
			ProductID:     line.ProductID,
			Type:          domain.MovementDeduct,
			Quantity:      line.Quantity,
			Reason:        "order " + order.ID,
			PerformedBy:   req.CreatedBy,
			ReferenceType: "order",
			ReferenceID:   order.ID,
		}, at)
		stocks = append(stocks, record)
		order.Items = append(order.Items, domain.OrderItem{
			OrderID:    order.ID,
			ProductID:  line.ProductID,
			Quantity:   line.Quantity,
			PriceCents: product.PriceCents * int64(line.Quantity),
		})
	}

	stored := cloneOrder(order)
	s.ordersByID[order.ID] = &stored
	s.orderIDs = append(s.orderIDs, order.ID)
	if req.IdempotencyKey != "" {
		s.ordersByIdem[tenantKey(req.TenantID, req.IdempotencyKey)] = order.ID
	}

	return domain.OrderResult{Order: order, Stocks: stocks}, nil
}

func (s *Store) CancelOrder(_ context.Context, tenantID string, orderID string, reason string, performedBy string, at time.Time) (domain.OrderResult, error) {
	unlockOrder := s.locks.lock(orderLockKey(orderID))
	defer unlockOrder()

	order, err := s.readOrder(tenantID, orderID)
	if err != nil {
		return domain.OrderResult{}, err
	}
	if order.Status == domain.OrderCancelled {
		return domain.OrderResult{Order: order, Duplicate: true}, nil
	}
	if !order.Status.CanTransitionTo(domain.OrderCancelled) {
		return domain.OrderResult{}, store.ErrInvalidTransition
	}

	keys := make([]string, 0, len(order.Items))
	for _, item := range order.Items {
		keys = append(keys, stockLockKey(tenantID, item.ProductID))
	}
	unlockStock := s.locks.lock(keys...)
	defer unlockStock()

	s.mu.Lock()
	defer s.mu.Unlock()

	stocks := make([]domain.StockRecord, 0, len(order.Items))
	for _, item := range order.Items {
		record, _ := s.applyLocked(domain.MovementRequest{
			TenantID:      tenantID,
			ProductID:     item.ProductID,
			Type:          domain.MovementAdd,
			Quantity:      item.Quantity,
			Reason:        store.CancelMovementReason(reason),
			PerformedBy:   performedBy,
			ReferenceType: "order",
			ReferenceID:   order.ID,
		}, at)
		stocks = append(stocks, record)
	}

	stored := s.ordersByID[orderID]
	stored.Status = domain.OrderCancelled
	stored.CancelReason = reason
	stored.UpdatedAt = at

	return domain.OrderResult{Order: cloneOrder(*stored), Stocks: stocks}, nil
}

func (s *Store) UpdateOrderStatus(_ context.Context, tenantID string, orderID string, status domain.OrderStatus, at time.Time) (domain.OrderResult, error) {
	if !status.Valid() || status == domain.OrderCancelled {
		return domain.OrderResult{}, store.ErrInvalidInput
	}

	unlock := s.locks.lock(orderLockKey(orderID))
	defer unlock()

	order, err := s.readOrder(tenantID, orderID)
	if err != nil {
		return domain.OrderResult{}, err
	}
	if order.Status == status {
		return domain.OrderResult{Order: order, Duplicate: true}, nil
	}
	if !order.Status.CanTransitionTo(status) {
		return domain.OrderResult{}, store.ErrInvalidTransition
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	stored := s.ordersByID[orderID]
	stored.Status = status
	stored.UpdatedAt = at
	return domain.OrderResult{Order: cloneOrder(*stored)}, nil
}

func (s *Store) GetOrder(_ context.Context, tenantID string, orderID string) (*domain.Order, error) {
	order, err := s.readOrder(tenantID, orderID)
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// ListOrders returns newest first.
func (s *Store) ListOrders(_ context.Context, filter domain.OrderFilter) ([]domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Order, 0, 32)
	for i := len(s.orderIDs) - 1; i >= 0; i-- {
		order := s.ordersByID[s.orderIDs[i]]
		if order.TenantID != filter.TenantID {
			continue
		}
		if filter.Status != "" && order.Status != filter.Status {
			continue
		}
		if filter.ShopID != "" && order.ShopID != filter.ShopID {
			continue
		}
		if filter.AreaID != "" && order.AreaID != filter.AreaID {
			continue
		}
		result = append(result, cloneOrder(*order))
		if filter.Limit > 0 && len(result) >= filter.Limit {
			break
		}
	}
	return result, nil
}

// applyLocked writes one movement. The caller holds the key lock and s.mu and
// has already checked that the movement keeps the quantity non-negative.
func (s *Store) applyLocked(req domain.MovementRequest, at time.Time) (domain.StockRecord, domain.StockMovement) {
	key := tenantKey(req.TenantID, req.ProductID)
	record, ok := s.stocks[key]
	if !ok {
		record = &domain.StockRecord{
			ID:        xid.New("stk"),
			ProductID: req.ProductID,
			TenantID:  req.TenantID,
		}
		s.stocks[key] = record
	}

	before := record.Quantity
	after, _ := domain.NextQuantity(before, req.Type, req.Quantity)
	record.Quantity = after
	record.Version++
	record.UpdatedAt = at

	movement := domain.StockMovement{
		ID:             xid.New("mov"),
		StockID:        record.ID,
		ProductID:      req.ProductID,
		TenantID:       req.TenantID,
		Type:           req.Type,
		Quantity:       req.Quantity,
		QuantityBefore: before,
		QuantityAfter:  after,
		Reason:         req.Reason,
		PerformedBy:    req.PerformedBy,
		ReferenceType:  req.ReferenceType,
		ReferenceID:    req.ReferenceID,
		IdempotencyKey: req.IdempotencyKey,
		CreatedAt:      at,
	}
	s.movements = append(s.movements, movement)
	return *record, movement
}

func (s *Store) readStock(tenantID string, productID string) domain.StockRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if record, ok := s.stocks[tenantKey(tenantID, productID)]; ok {
		return *record
	}
	return domain.StockRecord{ProductID: productID, TenantID: tenantID}
}

func (s *Store) readOrder(tenantID string, orderID string) (domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	order, ok := s.ordersByID[orderID]
	if !ok || order.TenantID != tenantID {
		return domain.Order{}, store.ErrNotFound
	}
	return cloneOrder(*order), nil
}

func (s *Store) findMovement(tenantID string, key string) (domain.MovementResult, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx, ok := s.movementsByIdem[tenantKey(tenantID, key)]
	if !ok {
		return domain.MovementResult{}, false
	}
	movement := s.movements[idx]
	record := s.stocks[tenantKey(movement.TenantID, movement.ProductID)]
	return domain.MovementResult{Stock: *record, Movement: movement, Duplicate: true}, true
}

func (s *Store) findOrderByIdem(tenantID string, key string) (domain.Order, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.ordersByIdem[tenantKey(tenantID, key)]
	if !ok {
		return domain.Order{}, false
	}
	return cloneOrder(*s.ordersByID[id]), true
}

func tenantKey(tenantID string, id string) string {
	return tenantID + "|" + id
}

func cloneOrder(src domain.Order) domain.Order {
	dup := src
	dup.Items = slices.Clone(src.Items)
	return dup
}
