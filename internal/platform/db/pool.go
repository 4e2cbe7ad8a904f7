package db

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

const applicationName = "unkani-server"

// NewPool opens a pgx pool and verifies it with a ping. queryTimeout becomes
// the server-side statement_timeout of every pooled connection.
func NewPool(ctx context.Context, databaseURL string, maxConns, minConns int32, queryTimeout time.Duration) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}

	cfg.MaxConns = maxConns
	cfg.MinConns = minConns
	applyRuntimeParams(cfg, queryTimeout)

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return pool, nil
}

func applyRuntimeParams(cfg *pgxpool.Config, queryTimeout time.Duration) {
	params := cfg.ConnConfig.RuntimeParams
	if _, ok := params["application_name"]; !ok {
		params["application_name"] = applicationName
	}
	if queryTimeout > 0 {
		params["statement_timeout"] = strconv.FormatInt(queryTimeout.Milliseconds(), 10)
	}
}
