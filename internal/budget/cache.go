package budget

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// AvailabilityCache holds display-only availability figures for a short
// TTL. Reservation checks never read it; the locked ledger path is the
// only authority on funds.
type AvailabilityCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewAvailabilityCache constructs a cache. A nil client disables it.
func NewAvailabilityCache(client *redis.Client, ttl time.Duration) *AvailabilityCache {
	return &AvailabilityCache{client: client, ttl: ttl}
}

func cacheKey(key Key) string {
	return "budget:avail:" + key.String()
}

// Get returns the cached figure and whether it was present.
func (c *AvailabilityCache) Get(ctx context.Context, key Key) (int64, bool) {
	if c == nil || c.client == nil {
		return 0, false
	}
	raw, err := c.client.Get(ctx, cacheKey(key)).Result()
	if err != nil {
		return 0, false
	}
	available, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false
	}
	return available, true
}

// Set stores the figure. Failures are ignored; the cache is best effort.
func (c *AvailabilityCache) Set(ctx context.Context, key Key, available int64) {
	if c == nil || c.client == nil {
		return
	}
	c.client.Set(ctx, cacheKey(key), strconv.FormatInt(available, 10), c.ttl)
}

// Invalidate drops cached figures for the keys, used after reallocation.
func (c *AvailabilityCache) Invalidate(ctx context.Context, keys ...Key) {
	if c == nil || c.client == nil {
		return
	}
	names := make([]string, len(keys))
	for i, key := range keys {
		names[i] = cacheKey(key)
	}
	c.client.Del(ctx, names...)
}
