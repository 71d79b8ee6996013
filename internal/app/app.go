// Package app wires configuration into the running components shared by
// the server and the CLI.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/web3-frozen/yield-loops/internal/aggregate"
	"github.com/web3-frozen/yield-loops/internal/cache"
	"github.com/web3-frozen/yield-loops/internal/config"
	"github.com/web3-frozen/yield-loops/internal/dedup"
	"github.com/web3-frozen/yield-loops/internal/lending"
	"github.com/web3-frozen/yield-loops/internal/onchain"
	"github.com/web3-frozen/yield-loops/internal/ranking"
	"github.com/web3-frozen/yield-loops/internal/refresh"
	"github.com/web3-frozen/yield-loops/internal/store"
	"github.com/web3-frozen/yield-loops/internal/upstream"
	"github.com/web3-frozen/yield-loops/internal/yields"
)

const (
	RedisPrefix   = "loops:"
	redisAttempts = 3
)

// App holds every long-lived component.
type App struct {
	Config   config.Config
	Logger   *slog.Logger
	Redis    *cache.RedisStore
	DB       *store.Store
	Reader   *onchain.Reader
	Service  *aggregate.Service
	Engine   *refresh.Engine
	Dedup    *dedup.Deduplicator
	Defaults ranking.Filter

	caches []*cache.Layered
}

// New connects the stores and builds the pipeline. Redis is optional: when
// it cannot be reached the caches run memory-only. The database is
// optional too, and without it there is no batch path and no refresher.
func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (*App, error) {
	a := &App{Config: cfg, Logger: logger}

	var persistent cache.Store
	var err error
	for i := 0; i < redisAttempts; i++ {
		a.Redis, err = cache.NewRedisStore(cfg.RedisURL, cfg.RedisPassword, RedisPrefix)
		if err == nil {
			break
		}
		logger.Warn("redis not ready, retrying...", "attempt", i+1, "error", err)
		time.Sleep(2 * time.Second)
	}
	if err != nil {
		logger.Warn("running without persistent cache", "error", err)
	} else {
		persistent = a.Redis
		logger.Info("redis connected for persistent cache")
	}

	newCache := func(name string, ttl time.Duration) (*cache.Layered, error) {
		c, err := cache.New(name, cache.Options{
			TTL:        ttl,
			MemorySize: cfg.CacheMemorySize,
			Store:      persistent,
			Logger:     logger,
		})
		if err != nil {
			return nil, fmt.Errorf("cache %s: %w", name, err)
		}
		a.caches = append(a.caches, c)
		return c, nil
	}
	fetchCache, err := newCache("fetch", cfg.CacheTTL)
	if err != nil {
		return nil, err
	}
	graphqlCache, err := newCache("graphql", cfg.CacheTTL)
	if err != nil {
		return nil, err
	}
	contractCache, err := newCache("contract", cfg.CacheTTL)
	if err != nil {
		return nil, err
	}
	ratesCache, err := newCache("rates", cfg.RatesCacheTTL)
	if err != nil {
		return nil, err
	}

	client := upstream.NewClient(fetchCache, graphqlCache)
	a.Reader = onchain.NewReader(contractCache, logger, onchain.WithEndpoints(cfg.RPCEndpoints))

	adapters := []lending.Adapter{
		lending.NewAave(a.Reader, client, ratesCache, logger),
		lending.NewCompound(a.Reader, client, logger),
		lending.NewMorpho(client, logger),
	}
	enricher := yields.NewEnricher(client, logger)

	var loops aggregate.LoopReader
	if cfg.DatabaseURL != "" {
		a.DB, err = store.New(ctx, cfg.DatabaseURL)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("connect database: %w", err)
		}
		if err := a.DB.Migrate(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("run migrations: %w", err)
		}
		loops = a.DB
		logger.Info("database connected and migrated")
	}

	a.Service = aggregate.NewService(adapters, enricher, loops, logger)
	if a.DB != nil {
		a.Engine = refresh.NewEngine(a.Service, enricher, a.DB, cfg.RefreshInterval, logger)
		if a.Redis != nil {
			a.Dedup, err = dedup.New(cfg.RedisURL, cfg.RedisPassword, RedisPrefix+"dedup:")
			if err != nil {
				logger.Warn("refresh runs unguarded", "error", err)
			} else {
				a.Engine.WithGuard(a.Dedup)
			}
		}
	}

	a.Defaults = ranking.DefaultFilter()
	a.Defaults.Depeg = cfg.DefaultDepeg
	a.Defaults.MinLiquidity = cfg.DefaultMinLiquidity
	return a, nil
}

// Source returns the read path selected by LOOPS_SOURCE.
func (a *App) Source() func(ctx context.Context, f ranking.Filter) ([]ranking.Ranked, error) {
	if a.Config.LoopsSource == config.SourceDB && a.DB != nil {
		return a.Service.FromStore
	}
	return a.Service.Search
}

// Close waits for pending cache writes and releases connections.
func (a *App) Close() {
	for _, c := range a.caches {
		c.Wait()
	}
	if a.Reader != nil {
		a.Reader.Close()
	}
	if a.DB != nil {
		a.DB.Close()
	}
	if a.Dedup != nil {
		_ = a.Dedup.Close()
	}
	if a.Redis != nil {
		_ = a.Redis.Close()
	}
}
