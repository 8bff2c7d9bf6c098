package ratelimit

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestRedisStore(t *testing.T) {
	url := os.Getenv("CAFGPT_TEST_REDIS")
	if url == "" {
		t.Skip("CAFGPT_TEST_REDIS not set")
	}
	ctx := context.Background()

	store, err := NewRedisStore(ctx, url)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	l, err := New(store, Options{Limits: Limits{Hourly: 2, Daily: 5}})
	if err != nil {
		t.Fatal(err)
	}
	key := "test-" + uuid.NewString()

	for range 2 {
		if d, err := l.CheckAndConsume(ctx, key); err != nil || !d.Allowed {
			t.Fatalf("expected allowed, got %+v, %v", d, err)
		}
	}
	d, err := l.CheckAndConsume(ctx, key)
	if err != nil {
		t.Fatal(err)
	}
	if d.Allowed || d.Scope != ScopeHourly {
		t.Fatalf("expected hourly denial, got %+v", d)
	}
	if d.RetryAfter <= 0 || d.RetryAfter > time.Hour {
		t.Errorf("unexpected retry after %v", d.RetryAfter)
	}

	st, err := l.Remaining(ctx, key)
	if err != nil {
		t.Fatal(err)
	}
	if st.Daily.Remaining != 3 {
		t.Errorf("expected 3 daily remaining, got %d", st.Daily.Remaining)
	}
}
