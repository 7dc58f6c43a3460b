package ingest

import (
	"context"
	"time"

	"mcp-telemetry/pkg/utils"

	"github.com/redis/go-redis/v9"
)

// Cap bounds concurrent ingest requests across all API nodes sharing a
// Redis instance. Acquisition is atomic (Lua); the TTL prevents leaked
// slots if a node crashes mid-request.
type Cap struct {
	rdb   *redis.Client
	key   string
	limit int
	ttl   time.Duration
}

func NewCap(rdb *redis.Client, key string, limit int, ttl time.Duration) *Cap {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Cap{rdb: rdb, key: key, limit: limit, ttl: ttl}
}

func (c *Cap) Acquire(ctx context.Context) (bool, error) {
	return utils.AcquireIngestSlot(ctx, c.rdb, c.key, c.limit, c.ttl)
}

func (c *Cap) Release(ctx context.Context) {
	_ = utils.ReleaseIngestSlot(ctx, c.rdb, c.key)
}
