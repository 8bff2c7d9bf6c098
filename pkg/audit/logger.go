// Package audit keeps a queryable log of policy and pace note requests.
package audit

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/cafgpt/cafgpt/pkg/config"
	"github.com/cafgpt/cafgpt/pkg/models"
	_ "modernc.org/sqlite"
)

// Logger writes and queries audit entries in SQLite.
type Logger struct {
	db   *sql.DB
	cfg  config.AuditConfig
	now  func() time.Time
	done chan struct{}
	wg   sync.WaitGroup
}

// New opens the audit database at dbPath, creates the schema and starts
// the hourly retention sweep.
func New(dbPath string, cfg config.AuditConfig) (*Logger, error) {
	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_time_format=sqlite")
	if err != nil {
		return nil, fmt.Errorf("open audit db: %w", err)
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate audit db: %w", err)
	}

	l := &Logger{
		db:   db,
		cfg:  cfg,
		now:  time.Now,
		done: make(chan struct{}),
	}

	if cfg.RetentionDays > 0 {
		l.wg.Add(1)
		go l.retentionLoop()
	}
	return l, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS request_audit (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		request_id  TEXT NOT NULL,
		client_hash TEXT NOT NULL,
		endpoint    TEXT NOT NULL,
		tool        TEXT NOT NULL DEFAULT '',
		status_code INTEGER NOT NULL,
		error_code  TEXT NOT NULL DEFAULT '',
		question    TEXT NOT NULL DEFAULT '',
		latency_ms  INTEGER NOT NULL,
		created_at  DATETIME NOT NULL
	)`)
	if err != nil {
		return err
	}
	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_request_audit_created ON request_audit(created_at)`)
	if err != nil {
		return err
	}
	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_request_audit_tool ON request_audit(tool)`)
	if err != nil {
		return err
	}
	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_request_audit_request ON request_audit(request_id)`)
	return err
}

// Log appends an entry; entries sharing a request id are kept apart. Question text is dropped unless IncludeQuestions
// is set, and clipped to MaxQuestionChars runes otherwise.
func (l *Logger) Log(ctx context.Context, entry models.AuditEntry) error {
	if l == nil || l.db == nil {
		return nil
	}

	question := entry.Question
	if !l.cfg.IncludeQuestions {
		question = ""
	} else if limit := l.cfg.MaxQuestionChars; limit > 0 {
		if r := []rune(question); len(r) > limit {
			question = string(r[:limit])
		}
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = l.now()
	}

	_, err := l.db.ExecContext(ctx,
		`INSERT INTO request_audit
		(request_id, client_hash, endpoint, tool, status_code, error_code, question, latency_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.RequestID, entry.ClientHash, entry.Endpoint, entry.Tool,
		entry.StatusCode, entry.ErrorCode, question, entry.LatencyMs, entry.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

// Query returns entries matching opts, newest first. Limit defaults to 100.
func (l *Logger) Query(ctx context.Context, opts models.AuditQueryOpts) ([]models.AuditEntry, error) {
	q := `SELECT request_id, client_hash, endpoint, tool, status_code, error_code, question, latency_ms, created_at
		FROM request_audit WHERE 1=1`
	var args []any

	if opts.RequestID != "" {
		q += " AND request_id = ?"
		args = append(args, opts.RequestID)
	}
	if opts.Tool != "" {
		q += " AND tool = ?"
		args = append(args, opts.Tool)
	}
	if opts.ClientHash != "" {
		q += " AND client_hash = ?"
		args = append(args, opts.ClientHash)
	}
	if !opts.Since.IsZero() {
		q += " AND created_at >= ?"
		args = append(args, opts.Since.UTC())
	}
	if opts.FailedOnly {
		q += " AND error_code != ''"
	}

	q += " ORDER BY created_at DESC, id DESC"

	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}
	q += " LIMIT ?"
	args = append(args, limit)

	rows, err := l.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit: %w", err)
	}
	defer rows.Close()

	var entries []models.AuditEntry
	for rows.Next() {
		var e models.AuditEntry
		if err := rows.Scan(
			&e.RequestID, &e.ClientHash, &e.Endpoint, &e.Tool,
			&e.StatusCode, &e.ErrorCode, &e.Question, &e.LatencyMs, &e.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan audit row: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Stats returns request and failure counts grouped by tool and day.
func (l *Logger) Stats(ctx context.Context, since time.Time) ([]models.AuditStat, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT tool, date(created_at) AS day, count(*),
			sum(CASE WHEN error_code != '' THEN 1 ELSE 0 END)
		 FROM request_audit WHERE created_at >= ?
		 GROUP BY tool, day ORDER BY day DESC, tool`, since.UTC())
	if err != nil {
		return nil, fmt.Errorf("audit stats: %w", err)
	}
	defer rows.Close()

	var stats []models.AuditStat
	for rows.Next() {
		var s models.AuditStat
		var day sql.NullString
		if err := rows.Scan(&s.Tool, &day, &s.Count, &s.Failed); err != nil {
			return nil, fmt.Errorf("scan audit stat: %w", err)
		}
		s.Day = day.String
		stats = append(stats, s)
	}
	return stats, rows.Err()
}

// Cleanup deletes entries older than the retention period.
func (l *Logger) Cleanup(ctx context.Context) (int64, error) {
	if l.cfg.RetentionDays <= 0 {
		return 0, nil
	}
	cutoff := l.now().UTC().AddDate(0, 0, -l.cfg.RetentionDays)
	res, err := l.db.ExecContext(ctx, `DELETE FROM request_audit WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("audit cleanup: %w", err)
	}
	return res.RowsAffected()
}

// Close stops the retention sweep and closes the database.
func (l *Logger) Close() error {
	close(l.done)
	l.wg.Wait()
	return l.db.Close()
}

func (l *Logger) retentionLoop() {
	defer l.wg.Done()
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-l.done:
			return
		case <-ticker.C:
			if n, err := l.Cleanup(context.Background()); err != nil {
				log.Printf("audit retention: %v", err)
			} else if n > 0 {
				log.Printf("audit retention removed %d entries", n)
			}
		}
	}
}

// HashClient returns a stable pseudonym for a client key so raw addresses
// are never stored.
func HashClient(key string) string {
	h := sha256.Sum256([]byte(key))
	return hex.EncodeToString(h[:8])
}
