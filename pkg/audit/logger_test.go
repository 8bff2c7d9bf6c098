package audit

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/cafgpt/cafgpt/pkg/config"
	"github.com/cafgpt/cafgpt/pkg/models"
)

func tempCfg() config.AuditConfig {
	return config.AuditConfig{
		Enabled:          true,
		RetentionDays:    90,
		IncludeQuestions: true,
		MaxQuestionChars: 64,
	}
}

func mustNew(t *testing.T, cfg config.AuditConfig) *Logger {
	t.Helper()
	l, err := New(filepath.Join(t.TempDir(), "audit_test.db"), cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func sampleEntry() models.AuditEntry {
	return models.AuditEntry{
		RequestID:  "req-001",
		ClientHash: HashClient("1.2.3.4"),
		Endpoint:   "/api/policy",
		Tool:       "doad",
		StatusCode: 200,
		Question:   "What is the grievance process?",
		LatencyMs:  150,
		CreatedAt:  time.Now(),
	}
}

func TestLogAndQuery(t *testing.T) {
	l := mustNew(t, tempCfg())
	ctx := context.Background()

	if err := l.Log(ctx, sampleEntry()); err != nil {
		t.Fatalf("Log: %v", err)
	}

	entries, err := l.Query(ctx, models.AuditQueryOpts{Tool: "doad"})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	e := entries[0]
	if e.RequestID != "req-001" {
		t.Errorf("expected req-001, got %s", e.RequestID)
	}
	if e.Question != "What is the grievance process?" {
		t.Errorf("unexpected question %q", e.Question)
	}
	if e.LatencyMs != 150 || e.StatusCode != 200 {
		t.Errorf("unexpected entry %+v", e)
	}
}

func TestRepeatedRequestIDAppends(t *testing.T) {
	l := mustNew(t, tempCfg())
	ctx := context.Background()

	first := sampleEntry()
	second := sampleEntry()
	second.StatusCode = 400
	second.ErrorCode = "VALIDATION_ERROR"
	for _, e := range []models.AuditEntry{first, second} {
		if err := l.Log(ctx, e); err != nil {
			t.Fatalf("Log: %v", err)
		}
	}

	entries, err := l.Query(ctx, models.AuditQueryOpts{RequestID: "req-001"})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
}

func TestQueryFilters(t *testing.T) {
	l := mustNew(t, tempCfg())
	ctx := context.Background()

	_ = l.Log(ctx, sampleEntry())
	failed := sampleEntry()
	failed.RequestID = "req-002"
	failed.Tool = "leave"
	failed.StatusCode = 429
	failed.ErrorCode = "RATE_LIMITED"
	_ = l.Log(ctx, failed)

	entries, err := l.Query(ctx, models.AuditQueryOpts{FailedOnly: true})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(entries) != 1 || entries[0].RequestID != "req-002" {
		t.Errorf("expected only req-002, got %+v", entries)
	}

	entries, _ = l.Query(ctx, models.AuditQueryOpts{RequestID: "req-001"})
	if len(entries) != 1 {
		t.Errorf("expected 1 entry by request id, got %d", len(entries))
	}

	entries, _ = l.Query(ctx, models.AuditQueryOpts{Limit: 1})
	if len(entries) != 1 {
		t.Errorf("expected limit to apply, got %d", len(entries))
	}
}

func TestQuestionsOmittedByDefault(t *testing.T) {
	cfg := tempCfg()
	cfg.IncludeQuestions = false
	l := mustNew(t, cfg)
	ctx := context.Background()

	if err := l.Log(ctx, sampleEntry()); err != nil {
		t.Fatalf("Log: %v", err)
	}
	entries, _ := l.Query(ctx, models.AuditQueryOpts{})
	if entries[0].Question != "" {
		t.Errorf("expected question to be dropped, got %q", entries[0].Question)
	}
}

func TestQuestionTruncation(t *testing.T) {
	cfg := tempCfg()
	cfg.MaxQuestionChars = 16
	l := mustNew(t, cfg)
	ctx := context.Background()

	entry := sampleEntry()
	entry.Question = strings.Repeat("é", 100)
	if err := l.Log(ctx, entry); err != nil {
		t.Fatalf("Log: %v", err)
	}

	entries, _ := l.Query(ctx, models.AuditQueryOpts{})
	if n := len([]rune(entries[0].Question)); n != 16 {
		t.Errorf("expected 16 runes, got %d", n)
	}
}

func TestCleanup(t *testing.T) {
	cfg := tempCfg()
	cfg.RetentionDays = 30
	l := mustNew(t, cfg)
	ctx := context.Background()

	old := sampleEntry()
	old.CreatedAt = time.Now().AddDate(0, 0, -31)
	_ = l.Log(ctx, old)
	recent := sampleEntry()
	recent.RequestID = "req-002"
	_ = l.Log(ctx, recent)

	deleted, err := l.Cleanup(ctx)
	if err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if deleted != 1 {
		t.Errorf("expected 1 deleted, got %d", deleted)
	}
	entries, _ := l.Query(ctx, models.AuditQueryOpts{})
	if len(entries) != 1 || entries[0].RequestID != "req-002" {
		t.Errorf("expected recent entry to survive, got %+v", entries)
	}
}

func TestStats(t *testing.T) {
	l := mustNew(t, tempCfg())
	ctx := context.Background()

	_ = l.Log(ctx, sampleEntry())
	e2 := sampleEntry()
	e2.RequestID = "req-002"
	e2.ErrorCode = "AI_ERROR"
	e2.StatusCode = 502
	_ = l.Log(ctx, e2)

	stats, err := l.Stats(ctx, time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if len(stats) != 1 {
		t.Fatalf("expected 1 stat row, got %d", len(stats))
	}
	if stats[0].Count != 2 || stats[0].Failed != 1 {
		t.Errorf("expected 2 requests with 1 failure, got %+v", stats[0])
	}
	if stats[0].Tool != "doad" || stats[0].Day == "" {
		t.Errorf("unexpected stat %+v", stats[0])
	}
}

func TestHashClient(t *testing.T) {
	h := HashClient("1.2.3.4")
	if len(h) != 16 {
		t.Errorf("expected 16-char hash, got %d", len(h))
	}
	if h != HashClient("1.2.3.4") {
		t.Error("expected stable hash")
	}
	if h == HashClient("1.2.3.5") {
		t.Error("expected distinct hashes for distinct clients")
	}
}

func TestNilLoggerSafe(t *testing.T) {
	var l *Logger
	if err := l.Log(context.Background(), sampleEntry()); err != nil {
		t.Errorf("nil logger should be safe: %v", err)
	}
}

func TestNewInvalidPath(t *testing.T) {
	_, err := New(filepath.Join(os.TempDir(), "nonexistent", "deep", "path", "audit.db"), tempCfg())
	if err == nil {
		t.Error("expected error for invalid path")
	}
}
