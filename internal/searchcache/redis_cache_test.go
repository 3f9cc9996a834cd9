package searchcache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/noa10/mataresit-app-sub010/internal/search"
)

func setupTestCache(t *testing.T) (*RedisCache, *miniredis.Miniredis) {
	s := miniredis.RunT(t)
	cache, err := New("redis://"+s.Addr(), time.Minute)
	if err != nil {
		t.Fatalf("failed to create redis cache: %v", err)
	}
	return cache, s
}

func TestNewRedisCache(t *testing.T) {
	s := miniredis.RunT(t)
	defer s.Close()

	cache, err := New("redis://"+s.Addr(), 0)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer cache.Close()

	if err := cache.Ping(context.Background()); err != nil {
		t.Errorf("Ping failed: %v", err)
	}
}

func TestPutAndGet(t *testing.T) {
	cache, s := setupTestCache(t)
	defer cache.Close()
	defer s.Close()

	ctx := context.Background()
	params := search.Params{Query: "coffee receipts", Limit: 10}
	resp := &search.Response{
		Hits:  []search.Hit{{Type: search.SourceReceipt, ID: "rcpt_1", Title: "Starbucks"}},
		Total: 1,
		Query: "coffee receipts",
	}

	if err := cache.Put(ctx, params, "user-1", resp); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	got, err := cache.Get(ctx, params, "user-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got == nil {
		t.Fatal("expected cache hit, got miss")
	}
	if len(got.Hits) != 1 || got.Hits[0].ID != "rcpt_1" {
		t.Errorf("unexpected cached response: %+v", got)
	}
}

func TestGetMiss(t *testing.T) {
	cache, s := setupTestCache(t)
	defer cache.Close()
	defer s.Close()

	got, err := cache.Get(context.Background(), search.Params{Query: "nothing"}, "user-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got != nil {
		t.Errorf("expected miss, got %+v", got)
	}
}

func TestTTLExpiry(t *testing.T) {
	cache, s := setupTestCache(t)
	defer cache.Close()
	defer s.Close()

	ctx := context.Background()
	params := search.Params{Query: "lunch"}
	if err := cache.Put(ctx, params, "user-1", &search.Response{Query: "lunch"}); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	s.FastForward(2 * time.Minute)

	got, err := cache.Get(ctx, params, "user-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got != nil {
		t.Error("expected entry to expire, got hit")
	}
}

func TestUserIsolation(t *testing.T) {
	cache, s := setupTestCache(t)
	defer cache.Close()
	defer s.Close()

	ctx := context.Background()
	params := search.Params{Query: "groceries"}
	if err := cache.Put(ctx, params, "user-1", &search.Response{Total: 3}); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	got, err := cache.Get(ctx, params, "user-2")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got != nil {
		t.Error("user-2 should not see user-1's cached results")
	}
}

func TestInvalidate(t *testing.T) {
	cache, s := setupTestCache(t)
	defer cache.Close()
	defer s.Close()

	ctx := context.Background()
	paramsA := search.Params{Query: "parking"}
	paramsB := search.Params{Query: "petrol"}
	if err := cache.Put(ctx, paramsA, "user-1", &search.Response{Total: 1}); err != nil {
		t.Fatalf("Put A failed: %v", err)
	}
	if err := cache.Put(ctx, paramsB, "user-1", &search.Response{Total: 2}); err != nil {
		t.Fatalf("Put B failed: %v", err)
	}
	if err := cache.Put(ctx, paramsA, "user-2", &search.Response{Total: 5}); err != nil {
		t.Fatalf("Put user-2 failed: %v", err)
	}

	if err := cache.Invalidate(ctx, "user-1"); err != nil {
		t.Fatalf("Invalidate failed: %v", err)
	}

	if got, _ := cache.Get(ctx, paramsA, "user-1"); got != nil {
		t.Error("user-1 entry A should be invalidated")
	}
	if got, _ := cache.Get(ctx, paramsB, "user-1"); got != nil {
		t.Error("user-1 entry B should be invalidated")
	}
	if got, _ := cache.Get(ctx, paramsA, "user-2"); got == nil {
		t.Error("user-2 entry should survive user-1 invalidation")
	}
}

func TestPeekSkipsCounters(t *testing.T) {
	cache, s := setupTestCache(t)
	defer cache.Close()
	defer s.Close()

	ctx := context.Background()
	params := search.Params{Query: "hotel"}

	if got, err := cache.Peek(ctx, params, "user-1"); err != nil || got != nil {
		t.Fatalf("expected silent miss, got %v err %v", got, err)
	}
	if err := cache.Put(ctx, params, "user-1", &search.Response{Total: 2}); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	for i := 0; i < 3; i++ {
		if got, err := cache.Peek(ctx, params, "user-1"); err != nil || got == nil {
			t.Fatalf("expected hit, got %v err %v", got, err)
		}
	}

	stats := cache.Stats()
	if stats.Hits != 0 || stats.Misses != 0 {
		t.Errorf("Peek must not count: hits=%d misses=%d", stats.Hits, stats.Misses)
	}
}

func TestStats(t *testing.T) {
	cache, s := setupTestCache(t)
	defer cache.Close()
	defer s.Close()

	ctx := context.Background()
	params := search.Params{Query: "taxi"}

	// one miss
	if _, err := cache.Get(ctx, params, "user-1"); err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if err := cache.Put(ctx, params, "user-1", &search.Response{Total: 1}); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	// three hits
	for i := 0; i < 3; i++ {
		if got, err := cache.Get(ctx, params, "user-1"); err != nil || got == nil {
			t.Fatalf("expected hit, got %v err %v", got, err)
		}
	}

	stats := cache.Stats()
	if stats.Hits != 3 {
		t.Errorf("expected 3 hits, got %d", stats.Hits)
	}
	if stats.Misses != 1 {
		t.Errorf("expected 1 miss, got %d", stats.Misses)
	}
	if stats.Efficiency != 0.75 {
		t.Errorf("expected efficiency 0.75, got %v", stats.Efficiency)
	}
}
