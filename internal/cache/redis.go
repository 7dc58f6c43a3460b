package cache

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis is a Store backed by a shared Redis instance, for deployments
// running more than one API node. Entries expire natively via TTL; tag
// membership is tracked in Redis sets.
type Redis struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedis(rdb *redis.Client, prefix string, ttl time.Duration) *Redis {
	return &Redis{rdb: rdb, prefix: prefix + ":", ttl: ttl}
}

var _ Store = (*Redis)(nil)

func (c *Redis) key(k string) string    { return c.prefix + "v:" + k }
func (c *Redis) tagKey(t string) string { return c.prefix + "t:" + t }

func (c *Redis) Get(ctx context.Context, key string) ([]byte, bool) {
	b, err := c.rdb.Get(ctx, c.key(key)).Bytes()
	if err != nil {
		return nil, false
	}
	return b, true
}

func (c *Redis) Set(ctx context.Context, key string, value []byte, tags ...string) {
	pipe := c.rdb.Pipeline()
	pipe.Set(ctx, c.key(key), value, c.ttl)
	for _, tag := range tags {
		pipe.SAdd(ctx, c.tagKey(tag), c.key(key))
		// Tag sets outlive their members slightly; Cleanup prunes them.
		pipe.Expire(ctx, c.tagKey(tag), c.ttl*4)
	}
	_, _ = pipe.Exec(ctx)
}

func (c *Redis) InvalidateTags(ctx context.Context, tags ...string) {
	for _, tag := range tags {
		keys, err := c.rdb.SMembers(ctx, c.tagKey(tag)).Result()
		if err != nil {
			continue
		}
		if len(keys) > 0 {
			_ = c.rdb.Del(ctx, keys...).Err()
		}
		_ = c.rdb.Del(ctx, c.tagKey(tag)).Err()
	}
}

func (c *Redis) Clear(ctx context.Context) {
	iter := c.rdb.Scan(ctx, 0, c.prefix+"*", 0).Iterator()
	keys := []string{}
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if len(keys) > 0 {
		_ = c.rdb.Del(ctx, keys...).Err()
	}
}

// Cleanup removes tag-set members whose values have already expired.
func (c *Redis) Cleanup(ctx context.Context) {
	for _, tag := range []string{TagEvents, TagSessions, TagUsers} {
		members, err := c.rdb.SMembers(ctx, c.tagKey(tag)).Result()
		if err != nil {
			continue
		}
		for _, member := range members {
			exists, err := c.rdb.Exists(ctx, member).Result()
			if err == nil && exists == 0 {
				_ = c.rdb.SRem(ctx, c.tagKey(tag), member).Err()
			}
		}
	}
}
