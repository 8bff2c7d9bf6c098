package ledger

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/cafgpt/cafgpt/pkg/models"
)

const testRate = 0.000001

type memStore struct {
	mu      sync.Mutex
	rec     *models.UsageRecord
	saves   int
	failErr error
}

func (m *memStore) Load(_ context.Context) (models.UsageRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rec == nil {
		return models.UsageRecord{}, ErrNotExist
	}
	return *m.rec, nil
}

func (m *memStore) Save(_ context.Context, rec models.UsageRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failErr != nil {
		return m.failErr
	}
	m.saves++
	m.rec = &rec
	return nil
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func newTestLedger(t *testing.T, store Store, now time.Time) *Ledger {
	t.Helper()
	l, err := New(context.Background(), store, Options{
		ServerCostUSD: 15.70,
		PerTokenUSD:   testRate,
		Now:           fixedClock(now),
	})
	if err != nil {
		t.Fatal(err)
	}
	return l
}

func TestNewStartsFresh(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data", "costs.json")
	l := newTestLedger(t, NewFileStore(path), time.Date(2026, 10, 18, 9, 0, 0, 0, time.UTC))

	snap := l.Snapshot(context.Background())
	if snap.APICostUSD != 0 {
		t.Errorf("expected 0 api cost, got %v", snap.APICostUSD)
	}
	if snap.ServerCostUSD != 15.70 {
		t.Errorf("expected 15.70 server cost, got %v", snap.ServerCostUSD)
	}
	if snap.LastResetDate != "2026-10-01" {
		t.Errorf("expected 2026-10-01, got %s", snap.LastResetDate)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("expected ledger file to be created: %v", err)
	}
}

func TestNewFailsOnCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "costs.json")
	if err := os.WriteFile(path, []byte("{not json"), 0644); err != nil {
		t.Fatal(err)
	}
	_, err := New(context.Background(), NewFileStore(path), Options{PerTokenUSD: testRate})
	if err == nil {
		t.Fatal("expected error for corrupt ledger file")
	}
}

func TestRecordTokenUsage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "costs.json")
	now := time.Date(2026, 10, 18, 9, 0, 0, 0, time.UTC)
	l := newTestLedger(t, NewFileStore(path), now)
	ctx := context.Background()

	l.RecordTokenUsage(ctx, models.Usage{PromptTokens: 100, CompletionTokens: 50, TotalTokens: 150})

	want := float64(150) * testRate
	if got := l.Snapshot(ctx).APICostUSD; got != want {
		t.Errorf("expected %v, got %v", want, got)
	}

	// The write is synchronous, so a second ledger sees it.
	reloaded := newTestLedger(t, NewFileStore(path), now)
	if got := reloaded.Snapshot(ctx).APICostUSD; got != want {
		t.Errorf("expected persisted %v, got %v", want, got)
	}
}

func TestRecordTokenUsageWithoutTotal(t *testing.T) {
	l := newTestLedger(t, &memStore{}, time.Date(2026, 10, 18, 0, 0, 0, 0, time.UTC))
	if got := l.EstimateCost(models.Usage{PromptTokens: 30, CompletionTokens: 20}); got != float64(50)*testRate {
		t.Errorf("expected prompt+completion fallback, got %v", got)
	}
}

func TestMonthlyReset(t *testing.T) {
	store := &memStore{rec: &models.UsageRecord{
		APICostUSD:    12.5,
		ServerCostUSD: 15.70,
		LastResetDate: "2026-09-01",
	}}
	l := newTestLedger(t, store, time.Date(2026, 10, 1, 8, 0, 0, 0, time.UTC))
	ctx := context.Background()

	snap := l.Snapshot(ctx)
	if snap.APICostUSD != 0 {
		t.Errorf("expected api cost reset to 0, got %v", snap.APICostUSD)
	}
	if snap.ServerCostUSD != 15.70 {
		t.Errorf("expected server cost 15.70, got %v", snap.ServerCostUSD)
	}
	if snap.LastResetDate != "2026-10-01" {
		t.Errorf("expected reset date 2026-10-01, got %s", snap.LastResetDate)
	}

	l.RecordCost(ctx, 0.5)
	if l.CheckMonthlyReset(ctx) {
		t.Error("expected second reset on the same day to be a no-op")
	}
	if got := l.Snapshot(ctx).APICostUSD; got != 0.5 {
		t.Errorf("expected 0.5 to survive repeated checks, got %v", got)
	}
}

func TestNoResetMidMonth(t *testing.T) {
	store := &memStore{rec: &models.UsageRecord{
		APICostUSD:    3,
		ServerCostUSD: 15.70,
		LastResetDate: "2026-09-01",
	}}
	l := newTestLedger(t, store, time.Date(2026, 10, 15, 8, 0, 0, 0, time.UTC))

	if l.CheckMonthlyReset(context.Background()) {
		t.Error("expected no reset outside the first of the month")
	}
	if got := l.Snapshot(context.Background()).APICostUSD; got != 3 {
		t.Errorf("expected 3, got %v", got)
	}
}

func TestPersistFailureIsSwallowed(t *testing.T) {
	store := &memStore{}
	l := newTestLedger(t, store, time.Date(2026, 10, 18, 0, 0, 0, 0, time.UTC))
	store.failErr = errors.New("disk full")

	l.RecordCost(context.Background(), 2)
	if got := l.Snapshot(context.Background()).APICostUSD; got != 2 {
		t.Errorf("expected in-memory total 2, got %v", got)
	}
}

func TestConcurrentRecordCost(t *testing.T) {
	store := &memStore{}
	l := newTestLedger(t, store, time.Date(2026, 10, 18, 0, 0, 0, 0, time.UTC))
	ctx := context.Background()

	var wg sync.WaitGroup
	for range 100 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.RecordCost(ctx, 0.5)
		}()
	}
	wg.Wait()

	if got := l.Snapshot(ctx).APICostUSD; got != 50 {
		t.Errorf("expected 50, got %v", got)
	}
	if store.saves != 101 {
		t.Errorf("expected 101 saves (init + 100), got %d", store.saves)
	}
	if got := l.MonthlyTotal(ctx); got != 50+15.70 {
		t.Errorf("expected monthly total %v, got %v", 50+15.70, got)
	}
}
