// Package store owns the Postgres connection lifecycle: pool
// construction with startup retry, schema migration, and a Docker
// manager for running a local Postgres in development and tests.
package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Config holds configuration for the database connection.
type Config struct {
	// DSN is the Postgres connection string.
	DSN string
	// MaxConns caps the pool size (default 10).
	MaxConns int32
	// ConnectTimeout bounds the initial connect-and-ping retry loop
	// (default 30s).
	ConnectTimeout time.Duration
	// Logger is the structured logger to use.
	Logger *slog.Logger
}

// Connect builds a pgx pool and waits for the database to answer a
// ping, retrying while it comes up.
func Connect(ctx context.Context, cfg Config) (*pgxpool.Pool, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("store: dsn is required")
	}
	if cfg.MaxConns <= 0 {
		cfg.MaxConns = 10
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 30 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	poolCfg.MaxConns = cfg.MaxConns

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	err = retry.Do(
		func() error { return pool.Ping(ctx) },
		retry.Context(ctx),
		retry.Attempts(uint(cfg.ConnectTimeout.Seconds())),
		retry.Delay(time.Second),
		retry.DelayType(retry.FixedDelay),
		retry.OnRetry(func(n uint, err error) {
			logger.Debug("waiting for database", "attempt", n+1, "error", err)
		}),
	)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("database did not become ready: %w", err)
	}

	logger.Info("database connected", "max_conns", cfg.MaxConns)
	return pool, nil
}
