package budget

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func testCache(t *testing.T) (*AvailabilityCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewAvailabilityCache(client, time.Minute), mr
}

func TestAvailabilityCacheRoundTrip(t *testing.T) {
	cache, _ := testCache(t)
	ctx := context.Background()
	key := Key{Department: "ENGINEERING", Year: 2026, Quarter: 1}

	_, ok := cache.Get(ctx, key)
	require.False(t, ok)

	cache.Set(ctx, key, 4_000_000)
	got, ok := cache.Get(ctx, key)
	require.True(t, ok)
	require.Equal(t, int64(4_000_000), got)
}

func TestAvailabilityCacheExpires(t *testing.T) {
	cache, mr := testCache(t)
	ctx := context.Background()
	key := Key{Department: "MARKETING", Year: 2026, Quarter: 2}

	cache.Set(ctx, key, 250_000)
	mr.FastForward(2 * time.Minute)

	_, ok := cache.Get(ctx, key)
	require.False(t, ok)
}

func TestAvailabilityCacheInvalidate(t *testing.T) {
	cache, _ := testCache(t)
	ctx := context.Background()
	from := Key{Department: "ENGINEERING", Year: 2026, Quarter: 1}
	to := Key{Department: "ENGINEERING", Year: 2026, Quarter: 2}

	cache.Set(ctx, from, 1_000_000)
	cache.Set(ctx, to, 2_000_000)
	cache.Invalidate(ctx, from, to)

	_, ok := cache.Get(ctx, from)
	require.False(t, ok)
	_, ok = cache.Get(ctx, to)
	require.False(t, ok)
}

func TestAvailabilityCacheNilClient(t *testing.T) {
	cache := NewAvailabilityCache(nil, time.Minute)
	ctx := context.Background()
	key := Key{Department: "OPERATIONS", Year: 2026, Quarter: 3}

	cache.Set(ctx, key, 100)
	_, ok := cache.Get(ctx, key)
	require.False(t, ok)
	cache.Invalidate(ctx, key)
}
