package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/cafgpt/cafgpt/pkg/models"
)

func newTestCache(t *testing.T, ttl time.Duration) *Cache {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "cache_test.db")
	c, err := New(dbPath, ttl)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestKey(t *testing.T) {
	msgs := []models.ChatMessage{{Role: "user", Content: "hello"}}
	temp := 0.1
	k1 := Key(models.ChatCompletionRequest{Model: "m1", Messages: msgs, Temperature: &temp})
	k2 := Key(models.ChatCompletionRequest{Model: "m1", Messages: msgs, Temperature: &temp})
	k3 := Key(models.ChatCompletionRequest{Model: "m2", Messages: msgs, Temperature: &temp})
	k4 := Key(models.ChatCompletionRequest{Model: "m1", Messages: msgs})

	if k1 != k2 {
		t.Error("same input should produce same key")
	}
	if k1 == k3 {
		t.Error("different model should produce different key")
	}
	if k1 == k4 {
		t.Error("different sampling should produce different key")
	}
}

func TestPutAndGet(t *testing.T) {
	c := newTestCache(t, time.Hour)
	ctx := context.Background()
	key := Key(models.ChatCompletionRequest{Model: "m1", Messages: []models.ChatMessage{{Role: "user", Content: "hi"}}})

	if err := c.Put(ctx, key, "m1", []byte(`{"text":"5017-1"}`)); err != nil {
		t.Fatal(err)
	}

	data, ok := c.Get(ctx, key)
	if !ok {
		t.Fatal("expected cache hit")
	}
	if string(data) != `{"text":"5017-1"}` {
		t.Errorf("unexpected response: %s", data)
	}

	if _, ok := c.Get(ctx, "other"); ok {
		t.Error("expected cache miss for unknown key")
	}
}

func TestExpiry(t *testing.T) {
	c := newTestCache(t, time.Minute)
	ctx := context.Background()
	now := time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	if err := c.Put(ctx, "k", "m1", []byte("data")); err != nil {
		t.Fatal(err)
	}

	now = now.Add(2 * time.Minute)
	if _, ok := c.Get(ctx, "k"); ok {
		t.Error("expected cache miss after expiry")
	}

	n, err := c.Clear(ctx, true)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("expected 1 expired entry cleared, got %d", n)
	}
}

func TestStats(t *testing.T) {
	c := newTestCache(t, time.Hour)
	ctx := context.Background()

	_ = c.Put(ctx, "h1", "m1", []byte("data"))
	c.Get(ctx, "h1") // hit
	c.Get(ctx, "h2") // miss

	stats, err := c.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Entries != 1 {
		t.Errorf("expected 1 entry, got %d", stats.Entries)
	}
	if stats.Hits != 1 {
		t.Errorf("expected 1 hit, got %d", stats.Hits)
	}
	if stats.Misses != 1 {
		t.Errorf("expected 1 miss, got %d", stats.Misses)
	}
}

func TestClearAll(t *testing.T) {
	c := newTestCache(t, time.Hour)
	ctx := context.Background()

	_ = c.Put(ctx, "h1", "m1", []byte("data"))
	_ = c.Put(ctx, "h2", "m1", []byte("data"))

	if _, err := c.Clear(ctx, false); err != nil {
		t.Fatal(err)
	}

	stats, _ := c.Stats(ctx)
	if stats.Entries != 0 {
		t.Errorf("expected 0 entries after clear, got %d", stats.Entries)
	}
}
