package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

// Open returns Postgres (optionally behind a Redis read cache) when
// databaseURL is set and the in-memory store otherwise. The returned func
// releases every connection Open made.
func Open(ctx context.Context, databaseURL, redisURL string, cacheTTL time.Duration) (Store, func(), error) {
	var cleanup []func()
	closeAll := func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}

	if databaseURL == "" {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		return NewMemoryStore(), closeAll, nil
	}

	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, closeAll, fmt.Errorf("database connection failed: %w", err)
	}
	cleanup = append(cleanup, pool.Close)

	pg := NewPostgresStore(pool)
	if err := pg.Migrate(ctx); err != nil {
		closeAll()
		return nil, func() {}, fmt.Errorf("migrate: %w", err)
	}
	slog.Info("connected to PostgreSQL")

	var st Store = pg
	if redisURL != "" {
		opt, err := redis.ParseURL(redisURL)
		if err != nil {
			closeAll()
			return nil, func() {}, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		rdb := redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
		st = NewCachedStore(st, rdb, cacheTTL)
		slog.Info("Redis cache enabled", "ttl", cacheTTL.String())
	}
	return st, closeAll, nil
}
