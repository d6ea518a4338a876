package database

import (
	"cmp"
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ekaya-inc/assay-engine/pkg/config"
	"github.com/ekaya-inc/assay-engine/pkg/retry"
)

// DB is the shared PostgreSQL pool. Repositories reach it through
// QuerierFrom so calls inside RunInTx join the open transaction.
type DB struct {
	*pgxpool.Pool
}

// PoolOptions tunes the pool. Zero values take the defaults: 25 connections,
// 1h lifetime, 30m idle time.
type PoolOptions struct {
	MaxConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

// Open connects with the application settings. A server that is still
// starting up is retried with backoff.
func Open(ctx context.Context, cfg *config.DatabaseConfig) (*DB, error) {
	return retry.DoWithResult(ctx, retry.DefaultConfig(), func() (*DB, error) {
		return Connect(ctx, cfg.ConnectionString(), PoolOptions{MaxConns: cfg.MaxConnections})
	})
}

// Connect creates a pool for dsn and verifies it with a ping.
func Connect(ctx context.Context, dsn string, opts PoolOptions) (*DB, error) {
	pc, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}
	pc.MaxConns = cmp.Or(opts.MaxConns, 25)
	pc.MaxConnLifetime = cmp.Or(opts.MaxConnLifetime, time.Hour)
	pc.MaxConnIdleTime = cmp.Or(opts.MaxConnIdleTime, 30*time.Minute)

	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &DB{Pool: pool}, nil
}
