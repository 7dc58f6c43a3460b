// Package cache provides short-TTL response caching for the analytics
// endpoints, with tag-based invalidation on writes. The default backend is
// an in-process map under a mutex; a Redis backend slots in for multi-node
// deployments.
package cache

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// Invalidation tags emitted by the write path.
const (
	TagEvents   = "events"
	TagSessions = "sessions"
	TagUsers    = "users"
)

// Store caches rendered response bodies. Values are opaque bytes so both
// backends can treat them uniformly.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte, tags ...string)
	InvalidateTags(ctx context.Context, tags ...string)
	Clear(ctx context.Context)
	Cleanup(ctx context.Context)
}

type entry struct {
	value     []byte
	expiresAt time.Time
	tags      []string
}

// TTL is the in-process Store. All operations hold the lock only for map
// accesses; no I/O happens under it.
type TTL struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]entry
	byTag   map[string]map[string]struct{}
	clock   func() time.Time
}

func NewTTL(ttl time.Duration) *TTL {
	return &TTL{
		ttl:     ttl,
		entries: map[string]entry{},
		byTag:   map[string]map[string]struct{}{},
		clock:   time.Now,
	}
}

var _ Store = (*TTL)(nil)

func (c *TTL) Get(ctx context.Context, key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if c.clock().After(e.expiresAt) {
		c.removeLocked(key, e)
		return nil, false
	}
	return e.value, true
}

func (c *TTL) Set(ctx context.Context, key string, value []byte, tags ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if old, ok := c.entries[key]; ok {
		c.removeLocked(key, old)
	}
	c.entries[key] = entry{value: value, expiresAt: c.clock().Add(c.ttl), tags: tags}
	for _, tag := range tags {
		set, ok := c.byTag[tag]
		if !ok {
			set = map[string]struct{}{}
			c.byTag[tag] = set
		}
		set[key] = struct{}{}
	}
}

func (c *TTL) InvalidateTags(ctx context.Context, tags ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, tag := range tags {
		for key := range c.byTag[tag] {
			if e, ok := c.entries[key]; ok {
				c.removeLocked(key, e)
			}
		}
		delete(c.byTag, tag)
	}
}

func (c *TTL) Clear(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = map[string]entry{}
	c.byTag = map[string]map[string]struct{}{}
}

// Cleanup evicts expired entries. Called on a schedule so abandoned keys
// do not pin memory between reads.
func (c *TTL) Cleanup(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.clock()
	for key, e := range c.entries {
		if now.After(e.expiresAt) {
			c.removeLocked(key, e)
		}
	}
}

func (c *TTL) removeLocked(key string, e entry) {
	delete(c.entries, key)
	for _, tag := range e.tags {
		if set, ok := c.byTag[tag]; ok {
			delete(set, key)
			if len(set) == 0 {
				delete(c.byTag, tag)
			}
		}
	}
}

// Key builds a deterministic cache key from a prefix and query parameters.
// Struct field order makes json.Marshal stable.
func Key(prefix string, params any) string {
	b, err := json.Marshal(params)
	if err != nil {
		return prefix
	}
	return prefix + ":" + string(b)
}
