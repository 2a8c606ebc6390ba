package main

import (
	"context"
	"fmt"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pitabwire/docket/internal/config"
	"github.com/pitabwire/docket/internal/idempotency"
	"github.com/pitabwire/docket/internal/workflow"
)

// openStore creates the workflow store for the configured driver. The
// returned closer is never nil.
func openStore(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (workflow.Store, func(), error) {
	switch cfg.Driver {
	case "memory":
		logger.Info("using in-memory workflow store")
		return workflow.NewMemoryStore(), func() {}, nil
	case "postgres":
		store, closer, err := openPgStore(ctx, cfg)
		if err != nil {
			return nil, nil, err
		}
		if cfg.AutoMigrate {
			if err := store.Migrate(ctx); err != nil {
				closer()
				return nil, nil, fmt.Errorf("workflow store: migrate: %w", err)
			}
			logger.Info("workflow schema migrated")
		}
		return store, closer, nil
	default:
		return nil, nil, fmt.Errorf("unsupported workflow store driver: %q", cfg.Driver)
	}
}

func openPgStore(ctx context.Context, cfg config.StoreConfig) (*workflow.PgStore, func(), error) {
	dsn := os.Getenv(cfg.DSNEnv)
	if dsn == "" {
		return nil, nil, fmt.Errorf("workflow store: %s environment variable not set", cfg.DSNEnv)
	}

	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("workflow store: parse DSN: %w", err)
	}
	poolCfg.MaxConns = cfg.MaxConns
	poolCfg.MinConns = cfg.MinConns
	poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("workflow store: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("workflow store: ping: %w", err)
	}
	return workflow.NewPgStore(pool), pool.Close, nil
}

// openIdempotencyStore returns nil when activation requests are not
// deduplicated.
func openIdempotencyStore(ctx context.Context, cfg config.IdempotencyConfig, logger *zap.Logger) (idempotency.Store, func(), error) {
	if !cfg.Enabled {
		return nil, func() {}, nil
	}

	switch cfg.Store.Driver {
	case "memory":
		logger.Info("using in-memory idempotency store")
		return idempotency.NewMemoryStore(), func() {}, nil
	case "redis":
		addr := os.Getenv(cfg.Store.AddrEnv)
		if addr == "" {
			return nil, nil, fmt.Errorf("idempotency store: %s environment variable not set", cfg.Store.AddrEnv)
		}
		client := redis.NewClient(&redis.Options{Addr: addr, DB: cfg.Store.DB})
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, nil, fmt.Errorf("idempotency store: ping %s: %w", addr, err)
		}
		b := cfg.Store.Breaker
		logger.Info("using redis idempotency store",
			zap.String("addr", addr),
			zap.Int("breaker_failure_threshold", b.FailureThreshold),
			zap.Duration("breaker_open_timeout", b.OpenTimeout),
		)
		store := idempotency.NewGuardedStore(idempotency.NewRedisStore(client),
			idempotency.NewBreaker(b.FailureThreshold, b.SuccessThreshold, b.OpenTimeout))
		return store, func() { client.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unsupported idempotency store driver: %q", cfg.Store.Driver)
	}
}
