package service

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"fieldsync/internal/cache"
	"fieldsync/internal/domain"
	"fieldsync/internal/metrics"
	"fieldsync/internal/store"
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

// Publisher is the broadcast side of the realtime hub.
type Publisher interface {
	Publish(ctx context.Context, channel string, eventType string, payload any) error
}

type Options struct {
	DefaultTenant string
	Cache         cache.StockCache
	StockCacheTTL time.Duration
	Metrics       *metrics.Metrics
	Logger        *zap.Logger
}

// Service hosts the stock ledger and the order engine. Both write through the
// repository and announce committed changes on the publisher.
type Service struct {
	repo          store.Repository
	publisher     Publisher
	cache         cache.StockCache
	cacheTTL      time.Duration
	metrics       *metrics.Metrics
	log           *zap.Logger
	defaultTenant string
	now           func() time.Time
}

func New(repo store.Repository, publisher Publisher, opts Options) *Service {
	if opts.DefaultTenant == "" {
		opts.DefaultTenant = "tenant-main"
	}
	if opts.Cache == nil {
		opts.Cache = cache.NoopStockCache{}
	}
	if opts.StockCacheTTL <= 0 {
		opts.StockCacheTTL = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	return &Service{
		repo:          repo,
		publisher:     publisher,
		cache:         opts.Cache,
		cacheTTL:      opts.StockCacheTTL,
		metrics:       opts.Metrics,
		log:           opts.Logger,
		defaultTenant: opts.DefaultTenant,
		now:           func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) tenantFor(ctx context.Context) string {
	if actor, ok := ActorFromContext(ctx); ok && strings.TrimSpace(actor.TenantID) != "" {
		return actor.TenantID
	}
	return s.defaultTenant
}

func (s *Service) actorName(ctx context.Context) string {
	if actor, ok := ActorFromContext(ctx); ok {
		return actor.Username
	}
	return ""
}

// publish is best effort. A committed change stays committed when the
// broadcast fails.
func (s *Service) publish(ctx context.Context, channel string, eventType string, payload any) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(ctx, channel, eventType, payload); err != nil {
		s.log.Warn("publish failed",
			zap.String("channel", channel),
			zap.String("event", eventType),
			zap.Error(err),
		)
	}
}

func (s *Service) publishStock(ctx context.Context, record domain.StockRecord, action domain.MovementType, channels ...string) {
	if err := s.cache.Delete(ctx, record.TenantID, record.ProductID); err != nil {
		s.log.Warn("stock cache invalidate failed", zap.String("product_id", record.ProductID), zap.Error(err))
	}
	payload := domain.StockUpdatedPayload{
		ProductID:   record.ProductID,
		NewQuantity: record.Quantity,
		Action:      action,
		Version:     record.Version,
	}
	for _, channel := range channels {
		s.publish(ctx, channel, domain.EventStockUpdated, payload)
	}
}
