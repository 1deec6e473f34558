package app

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Pool tuning beyond the size knobs in Config. Chat traffic is many short
// queries; recycling connections keeps the pool from pinning one backend
// across server-side restarts or failovers.
const (
	dbConnMaxLifetime = time.Hour
	dbConnMaxIdleTime = 15 * time.Minute
	dbStartupPing     = 3 * time.Second
)

// NewDBPool opens the shared pgx pool used by the Postgres-backed message
// store and room directory, and verifies reachability before the server
// starts taking traffic. It does not run migrations; schema DDL is managed
// out-of-band.
func NewDBPool(ctx context.Context, cfg Config) (*pgxpool.Pool, error) {
	pcfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}

	if cfg.DBMaxConns > 0 {
		pcfg.MaxConns = cfg.DBMaxConns
	}
	if cfg.DBMinConns >= 0 {
		pcfg.MinConns = cfg.DBMinConns
	}
	pcfg.MaxConnLifetime = dbConnMaxLifetime
	pcfg.MaxConnIdleTime = dbConnMaxIdleTime

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("open pool: %w", err)
	}

	if err := PingDB(ctx, pool, dbStartupPing); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

// PingDB reports whether the database answers within timeout. The readiness
// endpoint reuses it as its DB probe.
func PingDB(parent context.Context, pool *pgxpool.Pool, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()
	return pool.Ping(ctx)
}
