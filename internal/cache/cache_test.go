package cache

import (
	"context"
	"testing"
	"time"
)

func TestTTL_GetSetExpiry(t *testing.T) {
	ctx := context.Background()
	c := NewTTL(30 * time.Second)
	now := time.Unix(1700000000, 0)
	c.clock = func() time.Time { return now }

	c.Set(ctx, "k", []byte("v"), TagEvents)
	got, ok := c.Get(ctx, "k")
	if !ok || string(got) != "v" {
		t.Fatalf("expected hit, got %q ok=%v", got, ok)
	}

	now = now.Add(31 * time.Second)
	if _, ok := c.Get(ctx, "k"); ok {
		t.Fatalf("expected expiry after TTL")
	}
}

func TestTTL_TagInvalidation(t *testing.T) {
	ctx := context.Background()
	c := NewTTL(time.Minute)
	c.Set(ctx, "a", []byte("1"), TagEvents)
	c.Set(ctx, "b", []byte("2"), TagSessions)
	c.Set(ctx, "c", []byte("3"), TagEvents, TagSessions)

	c.InvalidateTags(ctx, TagEvents)
	if _, ok := c.Get(ctx, "a"); ok {
		t.Fatalf("a should be invalidated via events tag")
	}
	if _, ok := c.Get(ctx, "c"); ok {
		t.Fatalf("c should be invalidated via events tag")
	}
	if _, ok := c.Get(ctx, "b"); !ok {
		t.Fatalf("b should survive an events-only invalidation")
	}
}

func TestTTL_Cleanup(t *testing.T) {
	ctx := context.Background()
	c := NewTTL(time.Second)
	now := time.Unix(1700000000, 0)
	c.clock = func() time.Time { return now }

	c.Set(ctx, "stale", []byte("x"), TagEvents)
	now = now.Add(2 * time.Second)
	c.Cleanup(ctx)

	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.entries) != 0 {
		t.Fatalf("cleanup must evict expired entries, %d left", len(c.entries))
	}
	if len(c.byTag) != 0 {
		t.Fatalf("cleanup must prune tag sets, %d left", len(c.byTag))
	}
}

func TestTTL_Clear(t *testing.T) {
	ctx := context.Background()
	c := NewTTL(time.Minute)
	c.Set(ctx, "a", []byte("1"))
	c.Clear(ctx)
	if _, ok := c.Get(ctx, "a"); ok {
		t.Fatalf("clear must drop everything")
	}
}

func TestKey_Deterministic(t *testing.T) {
	type params struct {
		Days  int    `json:"days"`
		Scope string `json:"scope"`
	}
	k1 := Key("daily", params{Days: 7, Scope: "all"})
	k2 := Key("daily", params{Days: 7, Scope: "all"})
	if k1 != k2 {
		t.Fatalf("keys must be deterministic: %q vs %q", k1, k2)
	}
	k3 := Key("daily", params{Days: 8, Scope: "all"})
	if k1 == k3 {
		t.Fatalf("different params must yield different keys")
	}
}

func TestCaches_InvalidateWrites(t *testing.T) {
	ctx := context.Background()
	cs := NewCaches(0)
	cs.Stats.Set(ctx, "s", []byte("1"), TagEvents)
	cs.Sessions.Set(ctx, "x", []byte("2"), TagSessions)
	cs.Health.Set(ctx, "h", []byte("3"))

	cs.InvalidateWrites(ctx)
	if _, ok := cs.Stats.Get(ctx, "s"); ok {
		t.Fatalf("stats must be invalidated on write")
	}
	if _, ok := cs.Sessions.Get(ctx, "x"); ok {
		t.Fatalf("sessions must be invalidated on write")
	}
	if _, ok := cs.Health.Get(ctx, "h"); !ok {
		t.Fatalf("health must not be touched by write invalidation")
	}
}
