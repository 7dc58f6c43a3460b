package cache

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Default TTLs for the four cache instances.
const (
	StatsTTL         = 30 * time.Second
	SessionsTTL      = 60 * time.Second
	UserIDsTTL       = 120 * time.Second
	DefaultHealthTTL = 5 * time.Second

	// CleanupInterval is how often expired entries are swept.
	CleanupInterval = 60 * time.Second
)

// Caches bundles the per-concern cache instances so the write path can
// invalidate them together.
type Caches struct {
	Stats    Store
	Sessions Store
	UserIDs  Store
	Health   Store
}

// NewCaches builds the in-process instances. healthTTL is configurable
// because health probes may poll faster than the default.
func NewCaches(healthTTL time.Duration) *Caches {
	if healthTTL <= 0 {
		healthTTL = DefaultHealthTTL
	}
	return &Caches{
		Stats:    NewTTL(StatsTTL),
		Sessions: NewTTL(SessionsTTL),
		UserIDs:  NewTTL(UserIDsTTL),
		Health:   NewTTL(healthTTL),
	}
}

// NewRedisCaches builds Redis-backed instances for multi-node deployments.
// Health stays in-process: reachability is a per-node concern.
func NewRedisCaches(rdb *redis.Client, healthTTL time.Duration) *Caches {
	if healthTTL <= 0 {
		healthTTL = DefaultHealthTTL
	}
	return &Caches{
		Stats:    NewRedis(rdb, "stats:", StatsTTL),
		Sessions: NewRedis(rdb, "sessions:", SessionsTTL),
		UserIDs:  NewRedis(rdb, "users:", UserIDsTTL),
		Health:   NewTTL(healthTTL),
	}
}

// InvalidateWrites clears everything derived from event rows. Called after
// every successful event write or delete. Health is left alone; it only
// tracks reachability.
func (c *Caches) InvalidateWrites(ctx context.Context) {
	c.Stats.InvalidateTags(ctx, TagEvents, TagSessions, TagUsers)
	c.Sessions.InvalidateTags(ctx, TagEvents, TagSessions, TagUsers)
	c.UserIDs.InvalidateTags(ctx, TagEvents, TagSessions, TagUsers)
}

// Cleanup sweeps all instances; wired to the 60 s cron schedule.
func (c *Caches) Cleanup(ctx context.Context) {
	c.Stats.Cleanup(ctx)
	c.Sessions.Cleanup(ctx)
	c.UserIDs.Cleanup(ctx)
	c.Health.Cleanup(ctx)
}
