package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestGetSet(t *testing.T) {
	c, err := New(10, time.Minute)
	require.NoError(t, err)

	_, ok := c.Get("k1")
	require.False(t, ok)

	c.Set("k1", "v1")
	val, ok := c.Get("k1")
	require.True(t, ok)
	require.Equal(t, "v1", val)
}

func TestGet_ExpiresAfterTTL(t *testing.T) {
	c, err := New(10, 10*time.Millisecond)
	require.NoError(t, err)

	c.Set("k1", "v1")
	time.Sleep(30 * time.Millisecond)

	_, ok := c.Get("k1")
	require.False(t, ok)
}

func TestInvalidate(t *testing.T) {
	c, err := New(10, time.Minute)
	require.NoError(t, err)

	c.Set("k1", "v1")
	c.Invalidate("k1")

	_, ok := c.Get("k1")
	require.False(t, ok)
}

func TestInvalidatePrefix(t *testing.T) {
	c, err := New(10, time.Minute)
	require.NoError(t, err)

	c.Set("fiberstack:cache:dashboard:node-1:a", "v1")
	c.Set("fiberstack:cache:dashboard:node-1:b", "v2")
	c.Set("fiberstack:cache:dashboard:node-2:a", "v3")

	removed := c.InvalidatePrefix("fiberstack:cache:dashboard:node-1:")
	require.Equal(t, 2, removed)

	_, ok := c.Get("fiberstack:cache:dashboard:node-2:a")
	require.True(t, ok)
}

func TestInvalidateAll(t *testing.T) {
	c, err := New(10, time.Minute)
	require.NoError(t, err)

	c.Set("k1", "v1")
	c.Set("k2", "v2")
	c.InvalidateAll()

	require.Equal(t, 0, c.Len())
}

func TestStats_TracksHitsAndMisses(t *testing.T) {
	c, err := New(10, time.Minute)
	require.NoError(t, err)

	c.Set("k1", "v1")
	c.Get("k1")
	c.Get("k1")
	c.Get("missing")

	stats := c.Stats()
	require.Equal(t, uint64(2), stats.Hits)
	require.Equal(t, uint64(1), stats.Misses)
	require.InDelta(t, 66.66, stats.HitRate, 0.1)
}

func TestNilCache_DegradesToAlwaysMiss(t *testing.T) {
	var c *Cache
	_, ok := c.Get("k1")
	require.False(t, ok)
	c.Set("k1", "v1")
	require.Equal(t, 0, c.Len())
}
