package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"

	"fieldsync/internal/domain"
	"fieldsync/internal/store"
	"fieldsync/internal/xid"
)

//go:embed schema.sql
var schema string

const (
	stockColumns    = `id, tenant_id, product_id, quantity, version, updated_at`
	movementColumns = `id, stock_id, tenant_id, product_id, movement_type, quantity, quantity_before,
		quantity_after, reason, performed_by, COALESCE(reference_type, '') AS reference_type,
		COALESCE(reference_id, '') AS reference_id, COALESCE(idempotency_key, '') AS idempotency_key, created_at`
	orderColumns = `id, tenant_id, shop_id, COALESCE(area_id, '') AS area_id, created_by, status,
		COALESCE(idempotency_key, '') AS idempotency_key, COALESCE(cancel_reason, '') AS cancel_reason,
		created_at, updated_at`
)

type Options struct {
	MaxOpenConns int
	MaxIdleConns int
}

type Store struct {
	db *sqlx.DB
}

func New(ctx context.Context, databaseURL string, opts Options) (*Store, error) {
	db, err := sqlx.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	if opts.MaxIdleConns < 1 {
		opts.MaxIdleConns = 8
	}
	if opts.MaxOpenConns < 1 {
		opts.MaxOpenConns = 30
	}
	db.SetMaxIdleConns(opts.MaxIdleConns)
	db.SetMaxOpenConns(opts.MaxOpenConns)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// NewWithDB wraps an existing handle. The driver name given to sqlx must use
// dollar placeholders.
func NewWithDB(db *sqlx.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Migrate applies the embedded schema. Every statement is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (s *Store) GetProducts(ctx context.Context, tenantID string, productIDs []string) (map[string]domain.Product, error) {
	return getProducts(ctx, s.db, tenantID, productIDs)
}

func (s *Store) ApplyMovement(ctx context.Context, req domain.MovementRequest) (domain.MovementResult, error) {
	if req.TenantID == "" || req.ProductID == "" || !req.Type.Valid() || req.Quantity < 1 {
		return domain.MovementResult{}, store.ErrInvalidInput
	}

	if req.IdempotencyKey != "" {
		existing, err := s.findMovement(ctx, req.TenantID, req.IdempotencyKey)
		if err == nil {
			return existing, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return domain.MovementResult{}, err
		}
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return domain.MovementResult{}, err
	}
	defer func() { _ = tx.Rollback() }()

	record, movement, err := applyMovement(ctx, tx, req, time.Now().UTC())
	if err != nil {
		if isUniqueViolation(err) && req.IdempotencyKey != "" {
			_ = tx.Rollback()
			return s.findMovement(ctx, req.TenantID, req.IdempotencyKey)
		}
		return domain.MovementResult{}, err
	}

	if err := tx.Commit(); err != nil {
		return domain.MovementResult{}, err
	}
	return domain.MovementResult{Stock: record, Movement: movement}, nil
}

func (s *Store) GetStock(ctx context.Context, tenantID string, productID string) (*domain.StockRecord, error) {
	var record domain.StockRecord
	err := s.db.GetContext(ctx, &record, `
		SELECT `+stockColumns+`
		FROM stocks
		WHERE tenant_id = $1 AND product_id = $2
	`, tenantID, productID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &record, nil
}

func (s *Store) ListStock(ctx context.Context, tenantID string) ([]domain.StockRecord, error) {
	records := make([]domain.StockRecord, 0, 64)
	err := s.db.SelectContext(ctx, &records, `
		SELECT `+stockColumns+`
		FROM stocks
		WHERE tenant_id = $1
		ORDER BY product_id
	`, tenantID)
	if err != nil {
		return nil, err
	}
	return records, nil
}

// ListMovements returns newest first. A non-positive limit returns everything.
func (s *Store) ListMovements(ctx context.Context, filter domain.MovementFilter) ([]domain.StockMovement, error) {
	query := `SELECT ` + movementColumns + ` FROM stock_movements WHERE tenant_id = $1`
	args := []any{filter.TenantID}
	if filter.ProductID != "" {
		args = append(args, filter.ProductID)
		query += fmt.Sprintf(" AND product_id = $%d", len(args))
	}
	query += " ORDER BY seq DESC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	movements := make([]domain.StockMovement, 0, 32)
	if err := s.db.SelectContext(ctx, &movements, query, args...); err != nil {
		return nil, err
	}
	return movements, nil
}

func (s *Store) CreateOrder(ctx context.Context, req domain.CreateOrderRequest, at time.Time) (domain.OrderResult, error) {
	if req.TenantID == "" || req.ShopID == "" {
		return domain.OrderResult{}, store.ErrInvalidInput
	}
	lines, err := store.MergeLines(req.Items)
	if err != nil {
		return domain.OrderResult{}, err
	}

	if req.IdempotencyKey != "" {
		existing, err := s.findOrderByIdempotency(ctx, req.TenantID, req.IdempotencyKey)
		if err == nil {
			return domain.OrderResult{Order: *existing, Duplicate: true}, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return domain.OrderResult{}, err
		}
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return domain.OrderResult{}, err
	}
	defer func() { _ = tx.Rollback() }()

	productIDs := make([]string, 0, len(lines))
	for _, line := range lines {
		productIDs = append(productIDs, line.ProductID)
	}
	products, err := getProducts(ctx, tx, req.TenantID, productIDs)
	if err != nil {
		return domain.OrderResult{}, err
	}
	for _, line := range lines {
		if product, ok := products[line.ProductID]; !ok || !product.Active {
			return domain.OrderResult{}, store.ErrUnknownProduct
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

	_, err = tx.NamedExecContext(ctx, `
		INSERT INTO orders (id, tenant_id, shop_id, area_id, created_by, status, idempotency_key, created_at, updated_at)
		VALUES (:id, :tenant_id, :shop_id, NULLIF(:area_id, ''), :created_by, :status, NULLIF(:idempotency_key, ''), :created_at, :updated_at)
	`, order)
	if err != nil {
		if isUniqueViolation(err) && req.IdempotencyKey != "" {
			_ = tx.Rollback()
			existing, lookupErr := s.findOrderByIdempotency(ctx, req.TenantID, req.IdempotencyKey)
			if lookupErr == nil {
				return domain.OrderResult{Order: *existing, Duplicate: true}, nil
			}
		}
		return domain.OrderResult{}, err
	}

	// Lines are sorted by product id, so concurrent orders lock rows in the same order.
	stocks := make([]domain.StockRecord, 0, len(lines))
	for _, line := range lines {
		record, _, err := applyMovement(ctx, tx, domain.MovementRequest{
			TenantID:      req.TenantID,
			ProductID:     line.ProductID,
			Type:          domain.MovementDeduct,
			Quantity:      line.Quantity,
			Reason:        "order " + order.ID,
			PerformedBy:   req.CreatedBy,
			ReferenceType: "order",
			ReferenceID:   order.ID,
		}, at)
		if err != nil {
			return domain.OrderResult{}, err
		}
		stocks = append(stocks, record)

		item := domain.OrderItem{
			OrderID:    order.ID,
			ProductID:  line.ProductID,
			Quantity:   line.Quantity,
			PriceCents: products[line.ProductID].PriceCents * int64(line.Quantity),
		}
		_, err = tx.NamedExecContext(ctx, `
			INSERT INTO order_items (order_id, product_id, quantity, price_cents)
			VALUES (:order_id, :product_id, :quantity, :price_cents)
		`, item)
		if err != nil {
			return domain.OrderResult{}, err
		}
		order.Items = append(order.Items, item)
	}

	if err := tx.Commit(); err != nil {
		return domain.OrderResult{}, err
	}
	return domain.OrderResult{Order: order, Stocks: stocks}, nil
}

func (s *Store) CancelOrder(ctx context.Context, tenantID string, orderID string, reason string, performedBy string, at time.Time) (domain.OrderResult, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return domain.OrderResult{}, err
	}
	defer func() { _ = tx.Rollback() }()

	order, err := lockOrder(ctx, tx, tenantID, orderID)
	if err != nil {
		return domain.OrderResult{}, err
	}
	if order.Status == domain.OrderCancelled {
		return domain.OrderResult{Order: order, Duplicate: true}, nil
	}
	if !order.Status.CanTransitionTo(domain.OrderCancelled) {
		return domain.OrderResult{}, store.ErrInvalidTransition
	}

	stocks := make([]domain.StockRecord, 0, len(order.Items))
	for _, item := range order.Items {
		record, _, err := applyMovement(ctx, tx, domain.MovementRequest{
			TenantID:      tenantID,
			ProductID:     item.ProductID,
			Type:          domain.MovementAdd,
			Quantity:      item.Quantity,
			Reason:        store.CancelMovementReason(reason),
			PerformedBy:   performedBy,
			ReferenceType: "order",
			ReferenceID:   order.ID,
		}, at)
		if err != nil {
			return domain.OrderResult{}, err
		}
		stocks = append(stocks, record)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE orders
		SET status = $2, cancel_reason = NULLIF($3, ''), updated_at = $4
		WHERE id = $1
	`, orderID, domain.OrderCancelled, reason, at)
	if err != nil {
		return domain.OrderResult{}, err
	}

	if err := tx.Commit(); err != nil {
		return domain.OrderResult{}, err
	}

	order.Status = domain.OrderCancelled
	order.CancelReason = reason
	order.UpdatedAt = at
	return domain.OrderResult{Order: order, Stocks: stocks}, nil
}

func (s *Store) UpdateOrderStatus(ctx context.Context, tenantID string, orderID string, status domain.OrderStatus, at time.Time) (domain.OrderResult, error) {
	if !status.Valid() || status == domain.OrderCancelled {
		return domain.OrderResult{}, store.ErrInvalidInput
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return domain.OrderResult{}, err
	}
	defer func() { _ = tx.Rollback() }()

	order, err := lockOrder(ctx, tx, tenantID, orderID)
	if err != nil {
		return domain.OrderResult{}, err
	}
	if order.Status == status {
		return domain.OrderResult{Order: order, Duplicate: true}, nil
	}
	if !order.Status.CanTransitionTo(status) {
		return domain.OrderResult{}, store.ErrInvalidTransition
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE orders
		SET status = $2, updated_at = $3
		WHERE id = $1
	`, orderID, status, at)
	if err != nil {
		return domain.OrderResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.OrderResult{}, err
	}

	order.Status = status
	order.UpdatedAt = at
	return domain.OrderResult{Order: order}, nil
}

func (s *Store) GetOrder(ctx context.Context, tenantID string, orderID string) (*domain.Order, error) {
	var order domain.Order
	err := s.db.GetContext(ctx, &order, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE tenant_id = $1 AND id = $2
	`, tenantID, orderID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	items, err := loadItems(ctx, s.db, order.ID)
	if err != nil {
		return nil, err
	}
	order.Items = items
	return &order, nil
}

// ListOrders returns newest first.
func (s *Store) ListOrders(ctx context.Context, filter domain.OrderFilter) ([]domain.Order, error) {
	clauses := []string{"tenant_id = $1"}
	args := []any{filter.TenantID}
	if filter.Status != "" {
		args = append(args, filter.Status)
		clauses = append(clauses, fmt.Sprintf("status = $%d", len(args)))
	}
	if filter.ShopID != "" {
		args = append(args, filter.ShopID)
		clauses = append(clauses, fmt.Sprintf("shop_id = $%d", len(args)))
	}
	if filter.AreaID != "" {
		args = append(args, filter.AreaID)
		clauses = append(clauses, fmt.Sprintf("area_id = $%d", len(args)))
	}
	query := `SELECT ` + orderColumns + ` FROM orders WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY created_at DESC, id DESC`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	orders := make([]domain.Order, 0, 32)
	if err := s.db.SelectContext(ctx, &orders, query, args...); err != nil {
		return nil, err
	}
	if len(orders) == 0 {
		return orders, nil
	}

	ids := make([]string, 0, len(orders))
	for _, order := range orders {
		ids = append(ids, order.ID)
	}
	items := make([]domain.OrderItem, 0, len(orders)*2)
	err := s.db.SelectContext(ctx, &items, `
		SELECT order_id, product_id, quantity, price_cents
		FROM order_items
		WHERE order_id = ANY($1)
		ORDER BY order_id, product_id
	`, ids)
	if err != nil {
		return nil, err
	}
	byOrder := make(map[string][]domain.OrderItem, len(orders))
	for _, item := range items {
		byOrder[item.OrderID] = append(byOrder[item.OrderID], item)
	}
	for i := range orders {
		orders[i].Items = byOrder[orders[i].ID]
	}
	return orders, nil
}

// applyMovement ensures the stock row exists, locks it and writes the
// quantity change together with its movement row.
func applyMovement(ctx context.Context, tx *sqlx.Tx, req domain.MovementRequest, at time.Time) (domain.StockRecord, domain.StockMovement, error) {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO stocks (id, tenant_id, product_id, quantity, version, updated_at)
		VALUES ($1, $2, $3, 0, 0, $4)
		ON CONFLICT (tenant_id, product_id) DO NOTHING
	`, xid.New("stk"), req.TenantID, req.ProductID, at)
	if err != nil {
		return domain.StockRecord{}, domain.StockMovement{}, err
	}

	var record domain.StockRecord
	err = tx.GetContext(ctx, &record, `
		SELECT `+stockColumns+`
		FROM stocks
		WHERE tenant_id = $1 AND product_id = $2
		FOR UPDATE
	`, req.TenantID, req.ProductID)
	if err != nil {
		return domain.StockRecord{}, domain.StockMovement{}, err
	}

	before := record.Quantity
	after, ok := domain.NextQuantity(before, req.Type, req.Quantity)
	if !ok {
		return domain.StockRecord{}, domain.StockMovement{}, store.RefusedMovement(req.Type)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE stocks
		SET quantity = $2, version = version + 1, updated_at = $3
		WHERE id = $1
	`, record.ID, after, at)
	if err != nil {
		return domain.StockRecord{}, domain.StockMovement{}, err
	}
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
	_, err = tx.NamedExecContext(ctx, `
		INSERT INTO stock_movements (
			id, stock_id, tenant_id, product_id, movement_type, quantity, quantity_before,
			quantity_after, reason, performed_by, reference_type, reference_id, idempotency_key, created_at
		)
		VALUES (
			:id, :stock_id, :tenant_id, :product_id, :movement_type, :quantity, :quantity_before,
			:quantity_after, :reason, :performed_by, NULLIF(:reference_type, ''), NULLIF(:reference_id, ''),
			NULLIF(:idempotency_key, ''), :created_at
		)
	`, movement)
	if err != nil {
		return domain.StockRecord{}, domain.StockMovement{}, err
	}

	return record, movement, nil
}

func (s *Store) findMovement(ctx context.Context, tenantID string, key string) (domain.MovementResult, error) {
	var movement domain.StockMovement
	err := s.db.GetContext(ctx, &movement, `
		SELECT `+movementColumns+`
		FROM stock_movements
		WHERE tenant_id = $1 AND idempotency_key = $2
	`, tenantID, key)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.MovementResult{}, store.ErrNotFound
		}
		return domain.MovementResult{}, err
	}

	record, err := s.GetStock(ctx, movement.TenantID, movement.ProductID)
	if err != nil {
		return domain.MovementResult{}, err
	}
	return domain.MovementResult{Stock: *record, Movement: movement, Duplicate: true}, nil
}

func (s *Store) findOrderByIdempotency(ctx context.Context, tenantID string, key string) (*domain.Order, error) {
	var order domain.Order
	err := s.db.GetContext(ctx, &order, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE tenant_id = $1 AND idempotency_key = $2
	`, tenantID, key)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	items, err := loadItems(ctx, s.db, order.ID)
	if err != nil {
		return nil, err
	}
	order.Items = items
	return &order, nil
}

func lockOrder(ctx context.Context, tx *sqlx.Tx, tenantID string, orderID string) (domain.Order, error) {
	var order domain.Order
	err := tx.GetContext(ctx, &order, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE tenant_id = $1 AND id = $2
		FOR UPDATE
	`, tenantID, orderID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Order{}, store.ErrNotFound
		}
		return domain.Order{}, err
	}
	items, err := loadItems(ctx, tx, order.ID)
	if err != nil {
		return domain.Order{}, err
	}
	order.Items = items
	return order, nil
}

func loadItems(ctx context.Context, q sqlx.QueryerContext, orderID string) ([]domain.OrderItem, error) {
	items := make([]domain.OrderItem, 0, 8)
	err := sqlx.SelectContext(ctx, q, &items, `
		SELECT order_id, product_id, quantity, price_cents
		FROM order_items
		WHERE order_id = $1
		ORDER BY product_id
	`, orderID)
	if err != nil {
		return nil, err
	}
	return items, nil
}

func getProducts(ctx context.Context, q sqlx.QueryerContext, tenantID string, productIDs []string) (map[string]domain.Product, error) {
	result := make(map[string]domain.Product, len(productIDs))
	if len(productIDs) == 0 {
		return result, nil
	}
	products := make([]domain.Product, 0, len(productIDs))
	err := sqlx.SelectContext(ctx, q, &products, `
		SELECT id, tenant_id, name, price_cents, active
		FROM products
		WHERE tenant_id = $1 AND id = ANY($2)
	`, tenantID, productIDs)
	if err != nil {
		return nil, err
	}
	for _, product := range products {
		result[product.ID] = product
	}
	return result, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
