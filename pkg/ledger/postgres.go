package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cafgpt/cafgpt/pkg/models"
)

const createCostsTable = `
CREATE TABLE IF NOT EXISTS costs (
	id INTEGER PRIMARY KEY,
	api_costs DECIMAL(12, 6) NOT NULL DEFAULT 0,
	server_costs DECIMAL(12, 6) NOT NULL DEFAULT 15.70,
	last_reset DATE NOT NULL DEFAULT CURRENT_DATE,
	last_updated TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
)`

// PostgresStore persists the ledger as row id = 1 of the costs table.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to databaseURL and ensures the costs table exists.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect ledger db: %w", err)
	}

	if _, err := pool.Exec(ctx, createCostsTable); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate ledger db: %w", err)
	}

	return &PostgresStore{pool: pool}, nil
}

// Load reads the record, returning ErrNotExist if the row is missing.
func (s *PostgresStore) Load(ctx context.Context) (models.UsageRecord, error) {
	var rec models.UsageRecord
	err := s.pool.QueryRow(ctx,
		`SELECT api_costs::float8, server_costs::float8, last_reset::text, last_updated
		 FROM costs WHERE id = 1`,
	).Scan(&rec.APICostUSD, &rec.ServerCostUSD, &rec.LastResetDate, &rec.LastUpdated)
	if errors.Is(err, pgx.ErrNoRows) {
		return rec, ErrNotExist
	}
	if err != nil {
		return rec, fmt.Errorf("load ledger row: %w", err)
	}
	return rec, nil
}

// Save upserts the record.
func (s *PostgresStore) Save(ctx context.Context, rec models.UsageRecord) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO costs (id, api_costs, server_costs, last_reset, last_updated)
		 VALUES (1, $1, $2, $3::date, $4)
		 ON CONFLICT (id) DO UPDATE SET
		   api_costs = EXCLUDED.api_costs,
		   server_costs = EXCLUDED.server_costs,
		   last_reset = EXCLUDED.last_reset,
		   last_updated = EXCLUDED.last_updated`,
		rec.APICostUSD, rec.ServerCostUSD, rec.LastResetDate, rec.LastUpdated,
	)
	if err != nil {
		return fmt.Errorf("save ledger row: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}
