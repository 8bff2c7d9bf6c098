// Package tracker keeps a per-completion usage history in SQLite.
package tracker

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/cafgpt/cafgpt/pkg/models"
)

// Tracker records and queries billed completions.
type Tracker interface {
	// Record stores a usage entry.
	Record(ctx context.Context, e models.UsageEntry) error
	// QueryByClient returns entries for a client key since a given time.
	QueryByClient(ctx context.Context, clientKey string, since time.Time) ([]models.UsageEntry, error)
	// TotalByClient returns total tokens used by a client key since a given time.
	TotalByClient(ctx context.Context, clientKey string, since time.Time) (int64, error)
	// TotalByClientAndModel returns total tokens used by a client key and model since a given time.
	TotalByClientAndModel(ctx context.Context, clientKey, model string, since time.Time) (int64, error)
	// Summary returns usage grouped by client key and model, optionally filtered by client key.
	Summary(ctx context.Context, clientKey string) ([]models.UsageSummary, error)
	// ToolSummary returns usage grouped by router tool and step since a given time.
	ToolSummary(ctx context.Context, since time.Time) ([]models.ToolSummary, error)
	// Close releases resources.
	Close() error
}

// SQLiteTracker implements Tracker with a SQLite database.
type SQLiteTracker struct {
	db *sql.DB
}

const createTable = `
CREATE TABLE IF NOT EXISTS usage_entries (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	client_key TEXT NOT NULL,
	tool TEXT NOT NULL DEFAULT '',
	step TEXT NOT NULL DEFAULT '',
	model TEXT NOT NULL,
	prompt_tokens INTEGER NOT NULL,
	completion_tokens INTEGER NOT NULL,
	total_tokens INTEGER NOT NULL,
	cost_usd REAL NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_usage_client_time ON usage_entries(client_key, created_at);
CREATE INDEX IF NOT EXISTS idx_usage_tool_time ON usage_entries(tool, created_at);
`

// New creates a SQLiteTracker and runs auto-migration.
func New(dbPath string) (*SQLiteTracker, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open tracker db: %w", err)
	}

	if _, err := db.Exec(createTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate tracker db: %w", err)
	}

	return &SQLiteTracker{db: db}, nil
}

// Record stores a usage entry.
func (t *SQLiteTracker) Record(ctx context.Context, e models.UsageEntry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	_, err := t.db.ExecContext(ctx,
		`INSERT INTO usage_entries (client_key, tool, step, model, prompt_tokens, completion_tokens, total_tokens, cost_usd, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ClientKey, e.Tool, e.Step, e.Model, e.PromptTokens, e.CompletionTokens, e.TotalTokens, e.CostUSD, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("record usage: %w", err)
	}
	return nil
}

// QueryByClient returns entries for a client key since a given time, newest first.
func (t *SQLiteTracker) QueryByClient(ctx context.Context, clientKey string, since time.Time) ([]models.UsageEntry, error) {
	rows, err := t.db.QueryContext(ctx,
		`SELECT id, client_key, tool, step, model, prompt_tokens, completion_tokens, total_tokens, cost_usd, created_at
		 FROM usage_entries WHERE client_key = ? AND created_at >= ? ORDER BY created_at DESC`,
		clientKey, since,
	)
	if err != nil {
		return nil, fmt.Errorf("query usage: %w", err)
	}
	defer rows.Close()

	var entries []models.UsageEntry
	for rows.Next() {
		var e models.UsageEntry
		if err := rows.Scan(&e.ID, &e.ClientKey, &e.Tool, &e.Step, &e.Model,
			&e.PromptTokens, &e.CompletionTokens, &e.TotalTokens, &e.CostUSD, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan usage: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// TotalByClient returns total tokens used by a client key since a given time.
func (t *SQLiteTracker) TotalByClient(ctx context.Context, clientKey string, since time.Time) (int64, error) {
	var total int64
	err := t.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(total_tokens), 0) FROM usage_entries WHERE client_key = ? AND created_at >= ?`,
		clientKey, since,
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("total usage: %w", err)
	}
	return total, nil
}

// TotalByClientAndModel returns total tokens used by a client key and model since a given time.
func (t *SQLiteTracker) TotalByClientAndModel(ctx context.Context, clientKey, model string, since time.Time) (int64, error) {
	var total int64
	err := t.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(total_tokens), 0) FROM usage_entries WHERE client_key = ? AND model = ? AND created_at >= ?`,
		clientKey, model, since,
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("total usage by model: %w", err)
	}
	return total, nil
}

// Summary returns aggregated usage grouped by client key and model.
func (t *SQLiteTracker) Summary(ctx context.Context, clientKey string) ([]models.UsageSummary, error) {
	query := `SELECT client_key, model, COUNT(*), SUM(prompt_tokens), SUM(completion_tokens), SUM(total_tokens), SUM(cost_usd)
		 FROM usage_entries`
	var args []any
	if clientKey != "" {
		query += ` WHERE client_key = ?`
		args = append(args, clientKey)
	}
	query += ` GROUP BY client_key, model ORDER BY client_key, model`

	rows, err := t.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("summary: %w", err)
	}
	defer rows.Close()

	var summaries []models.UsageSummary
	for rows.Next() {
		var s models.UsageSummary
		if err := rows.Scan(&s.ClientKey, &s.Model, &s.RequestCount, &s.TotalPrompt, &s.TotalCompletion, &s.TotalTokens, &s.CostUSD); err != nil {
			return nil, fmt.Errorf("scan summary: %w", err)
		}
		summaries = append(summaries, s)
	}
	return summaries, rows.Err()
}

// ToolSummary returns usage grouped by tool and step since a given time.
func (t *SQLiteTracker) ToolSummary(ctx context.Context, since time.Time) ([]models.ToolSummary, error) {
	rows, err := t.db.QueryContext(ctx,
		`SELECT tool, step, COUNT(*), SUM(total_tokens), SUM(cost_usd)
		 FROM usage_entries WHERE created_at >= ?
		 GROUP BY tool, step ORDER BY tool, step`,
		since,
	)
	if err != nil {
		return nil, fmt.Errorf("tool summary: %w", err)
	}
	defer rows.Close()

	var out []models.ToolSummary
	for rows.Next() {
		var s models.ToolSummary
		if err := rows.Scan(&s.Tool, &s.Step, &s.RequestCount, &s.TotalTokens, &s.CostUSD); err != nil {
			return nil, fmt.Errorf("scan tool summary: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// Close releases the database connection.
func (t *SQLiteTracker) Close() error {
	return t.db.Close()
}
