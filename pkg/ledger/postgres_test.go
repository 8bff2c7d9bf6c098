package ledger

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/cafgpt/cafgpt/pkg/models"
)

func TestPostgresStore(t *testing.T) {
	url := os.Getenv("CAFGPT_TEST_POSTGRES")
	if url == "" {
		t.Skip("CAFGPT_TEST_POSTGRES not set")
	}
	ctx := context.Background()

	store, err := NewPostgresStore(ctx, url)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(store.Close)

	if _, err := store.pool.Exec(ctx, `DELETE FROM costs WHERE id = 1`); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Load(ctx); !errors.Is(err, ErrNotExist) {
		t.Fatalf("expected ErrNotExist, got %v", err)
	}

	updated := time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)
	rec := models.UsageRecord{APICostUSD: 1.25, ServerCostUSD: 15.70, LastResetDate: "2026-10-01", LastUpdated: updated}
	if err := store.Save(ctx, rec); err != nil {
		t.Fatal(err)
	}
	rec.APICostUSD = 2.5
	if err := store.Save(ctx, rec); err != nil {
		t.Fatal(err)
	}

	got, err := store.Load(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got.APICostUSD != 2.5 || got.ServerCostUSD != 15.70 {
		t.Errorf("unexpected costs %+v", got)
	}
	if got.LastResetDate != "2026-10-01" {
		t.Errorf("expected reset date 2026-10-01, got %s", got.LastResetDate)
	}
	if !got.LastUpdated.Equal(updated) {
		t.Errorf("expected last updated %v, got %v", updated, got.LastUpdated)
	}
}
