package utils

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func TestAcquireIngestSlotValidation(t *testing.T) {
	ctx := context.Background()
	// Never dialed: every case below fails validation before any network IO.
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"})
	defer rdb.Close()

	cases := []struct {
		name string
		run  func() (bool, error)
	}{
		{"nil client", func() (bool, error) { return AcquireIngestSlot(ctx, nil, "k", 1, time.Second) }},
		{"empty key", func() (bool, error) { return AcquireIngestSlot(ctx, rdb, "", 1, time.Second) }},
		{"zero limit", func() (bool, error) { return AcquireIngestSlot(ctx, rdb, "k", 0, time.Second) }},
		{"zero ttl", func() (bool, error) { return AcquireIngestSlot(ctx, rdb, "k", 1, 0) }},
	}
	for _, tc := range cases {
		if ok, err := tc.run(); err == nil || ok {
			t.Fatalf("%s: expected a validation error, got ok=%v err=%v", tc.name, ok, err)
		}
	}
}

func TestReleaseIngestSlotValidation(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"})
	defer rdb.Close()

	if err := ReleaseIngestSlot(context.Background(), nil, "k"); err == nil {
		t.Fatalf("nil client must error")
	}
	if err := ReleaseIngestSlot(context.Background(), rdb, ""); err == nil {
		t.Fatalf("empty key must error")
	}
}

func TestIngestSlotScriptsCompile(t *testing.T) {
	if ingestAcquireScript == nil || ingestReleaseScript == nil {
		t.Fatalf("expected scripts to be initialized")
	}
}
