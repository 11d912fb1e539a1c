package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"fieldsync/internal/cache"
	"fieldsync/internal/config"
	"fieldsync/internal/httpapi"
	"fieldsync/internal/metrics"
	"fieldsync/internal/realtime"
	"fieldsync/internal/service"
	"fieldsync/internal/store"
	"fieldsync/internal/store/memory"
	pgstore "fieldsync/internal/store/postgres"
)

func newServeCmd(env envFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, stock ledger and realtime broadcaster",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log := env()
			if port, _ := cmd.Flags().GetString("port"); port != "" {
				cfg.Server.Port = port
			}
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			return runServe(ctx, cfg, log)
		},
	}
	cmd.Flags().String("port", "", "Listen port (default PORT)")
	return cmd
}

func runServe(ctx context.Context, cfg config.Config, log *zap.Logger) error {
	if err := validateSecurityConfig(cfg); err != nil {
		return fmt.Errorf("invalid security configuration: %w", err)
	}

	closers := make([]func() error, 0, 2)
	defer func() {
		for _, closeFn := range closers {
			if err := closeFn(); err != nil {
				log.Warn("close error", zap.Error(err))
			}
		}
	}()

	startCtx, startCancel := context.WithTimeout(ctx, 10*time.Second)
	defer startCancel()

	m := metrics.New()
	hub := realtime.NewHub(cfg.Realtime.BufferSize, m, log.Named("realtime"))

	repo, closeRepo, err := openRepository(startCtx, cfg, log)
	if err != nil {
		return err
	}
	if closeRepo != nil {
		closers = append(closers, closeRepo)
	}

	stockCache := cache.StockCache(cache.NoopStockCache{})
	var relay *realtime.RedisRelay
	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		redisCache := cache.NewRedisStockCache(client)
		if err := redisCache.Ping(startCtx); err != nil {
			log.Warn("redis unavailable, running standalone with noop cache", zap.Error(err))
			_ = client.Close()
		} else {
			stockCache = redisCache
			relay = realtime.NewRedisRelay(client, hub, cfg.Realtime.RelayPrefix, log.Named("relay"))
			closers = append(closers, client.Close)
			log.Info("cache and relay: redis", zap.String("addr", cfg.Redis.Addr))
		}
	} else {
		log.Info("cache: noop, realtime: standalone")
	}

	svc := service.New(repo, hub, service.Options{
		DefaultTenant: cfg.Server.DefaultTenant,
		Cache:         stockCache,
		StockCacheTTL: cfg.Redis.StockTTL,
		Metrics:       m,
		Logger:        log.Named("service"),
	})
	api := httpapi.New(svc, hub, httpapi.NewAuthManager(cfg.Auth.Secret), httpapi.Options{
		AllowedOrigin: cfg.Server.AllowedOrigin,
		Heartbeat:     cfg.Realtime.HeartbeatEach,
		Metrics:       m,
		Logger:        log.Named("http"),
	})

	// No WriteTimeout: event streams stay open for the life of the session.
	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("fieldsync listening", zap.String("addr", cfg.Address()))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	if relay != nil {
		g.Go(func() error {
			if err := relay.Run(gctx); err != nil {
				log.Error("realtime relay stopped", zap.Error(err))
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 8*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Warn("shutdown error", zap.Error(err))
		}
		return nil
	})

	err = g.Wait()
	log.Info("server stopped")
	return err
}

func openRepository(ctx context.Context, cfg config.Config, log *zap.Logger) (store.Repository, func() error, error) {
	if cfg.Postgres.URL == "" {
		log.Info("repository: in-memory")
		return memory.NewSeeded(), nil, nil
	}

	pg, err := pgstore.New(ctx, cfg.Postgres.URL, pgstore.Options{
		MaxOpenConns: cfg.Postgres.MaxOpenConns,
		MaxIdleConns: cfg.Postgres.MaxIdleConns,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("DATABASE_URL is set but postgres is unavailable, refusing in-memory fallback: %w", err)
	}
	if cfg.Postgres.Migrate {
		if err := pg.Migrate(ctx); err != nil {
			_ = pg.Close()
			return nil, nil, fmt.Errorf("migrate: %w", err)
		}
	}
	log.Info("repository: postgres")
	return pg, pg.Close, nil
}

func validateSecurityConfig(cfg config.Config) error {
	if len(cfg.Auth.Secret) < 32 {
		return fmt.Errorf("AUTH_SECRET must be set and at least 32 characters")
	}
	if cfg.IsProduction() && cfg.Server.AllowedOrigin == "*" {
		return fmt.Errorf("ALLOWED_ORIGIN must not be * in production")
	}
	return nil
}
