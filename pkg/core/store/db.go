package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const schema = `
CREATE TABLE IF NOT EXISTS valuation_runs (
	run_id      TEXT PRIMARY KEY,
	ticker      TEXT NOT NULL,
	cik         TEXT NOT NULL,
	accession   TEXT NOT NULL,
	form_type   TEXT NOT NULL,
	period_end  DATE,
	filing_date DATE,
	result_json JSONB NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS valuation_runs_ticker_idx ON valuation_runs (ticker, created_at DESC);

CREATE TABLE IF NOT EXISTS kpi_values (
	run_id     TEXT NOT NULL REFERENCES valuation_runs (run_id) ON DELETE CASCADE,
	metric     TEXT NOT NULL,
	period     TEXT NOT NULL,
	value      DOUBLE PRECISION NOT NULL,
	measure    TEXT NOT NULL,
	derived    BOOLEAN NOT NULL DEFAULT FALSE,
	period_end DATE,
	PRIMARY KEY (run_id, metric, period)
);
`

// Connect opens a connection pool for the given database URL and checks
// that the server is reachable.
func Connect(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	if databaseURL == "" {
		return nil, fmt.Errorf("database URL not set")
	}

	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to reach database: %w", err)
	}
	return pool, nil
}

// EnsureSchema creates the result tables when they do not exist yet.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}
