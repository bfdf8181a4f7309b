// Package postgres owns the shared pgx connection pool, its query tracing and
// the embedded schema migrations.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/exaring/otelpgx"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PoolOptions tunes the connection pool. Zero values keep pgx defaults.
type PoolOptions struct {
	MaxConns          int32
	HealthCheckPeriod time.Duration
	// LogQueriesOver skips the log line for successful queries faster than
	// this. 0 logs every query.
	LogQueriesOver time.Duration
}

// NewPool parses databaseURL, installs the otel+logging query tracer and
// verifies connectivity.
func NewPool(ctx context.Context, databaseURL string, opts PoolOptions) (*pgxpool.Pool, error) {
	pcfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if opts.MaxConns > 0 {
		pcfg.MaxConns = opts.MaxConns
	}
	if opts.HealthCheckPeriod > 0 {
		pcfg.HealthCheckPeriod = opts.HealthCheckPeriod
	}
	pcfg.ConnConfig.Tracer = newQueryTracer(otelpgx.NewTracer(), opts.LogQueriesOver)

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.NewWithConfig: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	if err := otelpgx.RecordStats(pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("record pool stats: %w", err)
	}

	return pool, nil
}
