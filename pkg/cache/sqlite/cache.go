// Package sqlite caches completion responses for deterministic prompts.
package sqlite

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"github.com/cafgpt/cafgpt/pkg/models"
)

// Cache is an exact-match completion cache backed by SQLite.
type Cache struct {
	db     *sql.DB
	ttl    time.Duration
	now    func() time.Time
	hits   atomic.Int64
	misses atomic.Int64
}

const createCacheTable = `
CREATE TABLE IF NOT EXISTS completion_cache (
	request_hash TEXT PRIMARY KEY,
	model TEXT NOT NULL,
	response BLOB NOT NULL,
	created_at DATETIME NOT NULL,
	expires_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_completion_cache_expiry ON completion_cache(expires_at);
`

// New creates a Cache with the given database path and entry TTL.
func New(dbPath string, ttl time.Duration) (*Cache, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open cache db: %w", err)
	}

	if _, err := db.Exec(createCacheTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate cache db: %w", err)
	}

	return &Cache{db: db, ttl: ttl, now: func() time.Time { return time.Now().UTC() }}, nil
}

// Key computes a SHA-256 over everything in req that affects the output.
func Key(req models.ChatCompletionRequest) string {
	h := sha256.New()
	data, _ := json.Marshal(struct {
		Model       string               `json:"model"`
		Messages    []models.ChatMessage `json:"messages"`
		Temperature *float64             `json:"temperature"`
		TopP        *float64             `json:"top_p"`
		MaxTokens   *int                 `json:"max_tokens"`
		Tools       []models.Tool        `json:"tools"`
	}{req.Model, req.Messages, req.Temperature, req.TopP, req.MaxTokens, req.Tools})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// Get returns the cached response for key if present and unexpired.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool) {
	var response []byte
	var expiresAt time.Time

	err := c.db.QueryRowContext(ctx,
		`SELECT response, expires_at FROM completion_cache WHERE request_hash = ?`,
		key,
	).Scan(&response, &expiresAt)
	if err != nil || !c.now().Before(expiresAt) {
		c.misses.Add(1)
		return nil, false
	}

	c.hits.Add(1)
	return response, true
}

// Put stores response under key.
func (c *Cache) Put(ctx context.Context, key, model string, response []byte) error {
	now := c.now()
	_, err := c.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO completion_cache (request_hash, model, response, created_at, expires_at)
		 VALUES (?, ?, ?, ?, ?)`,
		key, model, response, now, now.Add(c.ttl),
	)
	if err != nil {
		return fmt.Errorf("cache put: %w", err)
	}
	return nil
}

// Stats returns cache performance metrics.
func (c *Cache) Stats(ctx context.Context) (models.CacheStats, error) {
	var count int64
	err := c.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM completion_cache`).Scan(&count)
	if err != nil {
		return models.CacheStats{}, fmt.Errorf("cache stats: %w", err)
	}
	return models.CacheStats{
		Entries: count,
		Hits:    c.hits.Load(),
		Misses:  c.misses.Load(),
	}, nil
}

// Clear removes cache entries. If expiredOnly is true, only expired entries
// are removed. It returns the number of rows deleted.
func (c *Cache) Clear(ctx context.Context, expiredOnly bool) (int64, error) {
	var res sql.Result
	var err error
	if expiredOnly {
		res, err = c.db.ExecContext(ctx, `DELETE FROM completion_cache WHERE expires_at <= ?`, c.now())
	} else {
		res, err = c.db.ExecContext(ctx, `DELETE FROM completion_cache`)
	}
	if err != nil {
		return 0, fmt.Errorf("cache clear: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Close releases the database connection.
func (c *Cache) Close() error {
	return c.db.Close()
}
