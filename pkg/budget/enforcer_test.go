package budget

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/cafgpt/cafgpt/pkg/models"
	"github.com/cafgpt/cafgpt/pkg/tracker"
)

type fixedSpend float64

func (f fixedSpend) Snapshot(context.Context) models.UsageRecord {
	return models.UsageRecord{APICostUSD: float64(f), ServerCostUSD: 15.70}
}

func setup(t *testing.T) (tracker.Tracker, context.Context) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "budget_test.db")
	tr, err := tracker.New(dbPath)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { tr.Close() })
	return tr, context.Background()
}

func TestCheckUnderBudget(t *testing.T) {
	tr, ctx := setup(t)

	_ = tr.Record(ctx, models.UsageEntry{
		ClientKey: "1.2.3.4", Model: "m1",
		PromptTokens: 100, CompletionTokens: 50, TotalTokens: 150,
		CreatedAt: time.Now().UTC(),
	})

	e := New([]models.BudgetPolicy{
		{ClientKey: "*", MaxTokens: 1000, Period: models.BudgetDaily},
	}, tr, fixedSpend(1), 10)

	if err := e.Check(ctx, "1.2.3.4", "m1"); err != nil {
		t.Errorf("expected no error, got %v", err)
	}
}

func TestCheckTokenPolicyExceeded(t *testing.T) {
	tr, ctx := setup(t)

	_ = tr.Record(ctx, models.UsageEntry{
		ClientKey: "1.2.3.4", Model: "m1",
		PromptTokens: 500, CompletionTokens: 600, TotalTokens: 1100,
		CreatedAt: time.Now().UTC(),
	})

	e := New([]models.BudgetPolicy{
		{ClientKey: "*", MaxTokens: 1000, Period: models.BudgetDaily},
	}, tr, nil, 0)

	err := e.Check(ctx, "1.2.3.4", "m1")
	if !errors.Is(err, ErrBudgetExceeded) {
		t.Errorf("expected ErrBudgetExceeded, got %v", err)
	}

	// Another client is unaffected.
	if err := e.Check(ctx, "5.6.7.8", "m1"); err != nil {
		t.Errorf("expected no error for other client, got %v", err)
	}
}

func TestCheckModelScopedPolicy(t *testing.T) {
	tr, ctx := setup(t)

	_ = tr.Record(ctx, models.UsageEntry{
		ClientKey: "k", Model: "expensive", TotalTokens: 500, CreatedAt: time.Now().UTC(),
	})

	e := New([]models.BudgetPolicy{
		{ClientKey: "k", Model: "expensive", MaxTokens: 500, Period: models.BudgetMonthly},
	}, tr, nil, 0)

	if err := e.Check(ctx, "k", "cheap"); err != nil {
		t.Errorf("expected other model to pass, got %v", err)
	}
	if err := e.Check(ctx, "k", "expensive"); !errors.Is(err, ErrBudgetExceeded) {
		t.Errorf("expected ErrBudgetExceeded, got %v", err)
	}
}

func TestCheckMonthlySpendCap(t *testing.T) {
	e := New(nil, nil, fixedSpend(25), 25)
	err := e.Check(context.Background(), "k", "m1")
	if !errors.Is(err, ErrBudgetExceeded) {
		t.Fatalf("expected ErrBudgetExceeded, got %v", err)
	}

	e = New(nil, nil, fixedSpend(24.99), 25)
	if err := e.Check(context.Background(), "k", "m1"); err != nil {
		t.Errorf("expected spend under cap to pass, got %v", err)
	}
}

func TestStatus(t *testing.T) {
	tr, ctx := setup(t)

	_ = tr.Record(ctx, models.UsageEntry{
		ClientKey: "k", Model: "m1",
		PromptTokens: 100, CompletionTokens: 50, TotalTokens: 150,
		CreatedAt: time.Now().UTC(),
	})

	e := New([]models.BudgetPolicy{
		{ClientKey: "*", MaxTokens: 1000, Period: models.BudgetDaily},
		{ClientKey: "other", MaxTokens: 5, Period: models.BudgetDaily},
	}, tr, nil, 0)

	statuses, err := e.Status(ctx, "k")
	if err != nil {
		t.Fatal(err)
	}
	if len(statuses) != 1 {
		t.Fatalf("expected 1 status, got %d", len(statuses))
	}
	if statuses[0].Used != 150 {
		t.Errorf("expected 150 used, got %d", statuses[0].Used)
	}
	if statuses[0].Remaining != 850 {
		t.Errorf("expected 850 remaining, got %d", statuses[0].Remaining)
	}
}

func TestPeriodStart(t *testing.T) {
	now := time.Date(2026, 10, 18, 15, 4, 5, 0, time.UTC)
	if got := periodStart(models.BudgetMonthly, now); !got.Equal(time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("unexpected monthly start %v", got)
	}
	if got := periodStart(models.BudgetDaily, now); !got.Equal(time.Date(2026, 10, 18, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("unexpected daily start %v", got)
	}
}
