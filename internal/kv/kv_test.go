package kv

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	s := New(Config{Addr: mr.Addr()})
	require.NoError(t, s.LoadScripts(context.Background()))
	t.Cleanup(func() { s.Close() })
	return s, mr
}

func TestSetNX_ClaimsOnce(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	claimed, err := s.SetNX(ctx, "nonce:abc", time.Minute)
	require.NoError(t, err)
	require.True(t, claimed)

	claimed, err = s.SetNX(ctx, "nonce:abc", time.Minute)
	require.NoError(t, err)
	require.False(t, claimed, "second claim of the same nonce must fail")
}

func TestNonceExpiry(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	key := NonceKey("n1")
	_, err := s.SetNX(ctx, key, 100*time.Millisecond)
	require.NoError(t, err)

	mr.FastForward(200 * time.Millisecond)

	exists, err := s.Exists(ctx, key)
	require.NoError(t, err)
	require.False(t, exists)
}

func TestJtiRevocation(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	revoked, err := s.IsJtiRevoked(ctx, "jti-1")
	require.NoError(t, err)
	require.False(t, revoked)

	require.NoError(t, s.RevokeJti(ctx, "jti-1", time.Minute))

	revoked, err = s.IsJtiRevoked(ctx, "jti-1")
	require.NoError(t, err)
	require.True(t, revoked)
}

func TestNodeCacheMissingAndAdd(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	missing, err := s.NodeCacheMissing(ctx, []string{"node-a", "node-b"})
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"node-a", "node-b"}, missing)

	require.NoError(t, s.NodeCacheAdd(ctx, []string{"node-a"}))

	missing, err = s.NodeCacheMissing(ctx, []string{"node-a", "node-b"})
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"node-b"}, missing)
}

func TestQueuePushAndPopBatch(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.QueuePush(ctx, "fiber:etl:queue", "m1", "m2", "m3"))

	depth, err := s.QueueDepth(ctx, "fiber:etl:queue")
	require.NoError(t, err)
	require.Equal(t, int64(3), depth)

	items, err := s.PopBatch(ctx, "fiber:etl:queue", 2)
	require.NoError(t, err)
	require.Equal(t, []string{"m1", "m2"}, items)

	depth, err = s.QueueDepth(ctx, "fiber:etl:queue")
	require.NoError(t, err)
	require.Equal(t, int64(1), depth)
}

func TestPopBatch_Empty(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	items, err := s.PopBatch(ctx, "fiber:etl:queue", 100)
	require.NoError(t, err)
	require.Empty(t, items)
}

func TestStatusHash(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	err := s.StatusHashSet(ctx, "fiber:etl:status", map[string]interface{}{
		"last_processed_ts": "2026-07-31T00:00:00Z",
		"last_batch_size":   10,
	})
	require.NoError(t, err)

	fields, err := s.StatusHashGetAll(ctx, "fiber:etl:status")
	require.NoError(t, err)
	require.Equal(t, "10", fields["last_batch_size"])
}

func TestSlidingWindowPush_TrimsToSize(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	key := "state:latency:node-1"
	var last []float64
	var err error
	for i := 1; i <= 25; i++ {
		last, err = s.SlidingWindowPush(ctx, key, float64(i), 20)
		require.NoError(t, err)
	}

	require.Len(t, last, 20)
	require.Equal(t, float64(25), last[0], "most recent push is at the head")
}

func TestIncrWithExpireOnFirst(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	key := AlertNodeQuotaKey("node-1")
	n, err := s.IncrWithExpireOnFirst(ctx, key, time.Hour)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	ttl := mr.TTL(key)
	require.Greater(t, ttl, time.Duration(0))

	n, err = s.IncrWithExpireOnFirst(ctx, key, time.Hour)
	require.NoError(t, err)
	require.Equal(t, int64(2), n)
}

func TestDLQPush(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.DLQPush(ctx, `{"alert_id":"a1"}`))

	n, err := s.client.LLen(ctx, AlertsDLQKey).Result()
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
}

func TestAggregationDisabledFlag(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	disabled, err := s.IsAggregationDisabled(ctx)
	require.NoError(t, err)
	require.False(t, disabled)

	require.NoError(t, s.SetAggregationDisabled(ctx, time.Minute))

	disabled, err = s.IsAggregationDisabled(ctx)
	require.NoError(t, err)
	require.True(t, disabled)
}

func TestCacheGetSet(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	val, err := s.CacheGet(ctx, "fiberstack:cache:dashboard:x")
	require.NoError(t, err)
	require.Empty(t, val)

	require.NoError(t, s.CacheSet(ctx, "fiberstack:cache:dashboard:x", `{"a":1}`, time.Minute))

	val, err = s.CacheGet(ctx, "fiberstack:cache:dashboard:x")
	require.NoError(t, err)
	require.Equal(t, `{"a":1}`, val)
}

func TestHeartbeat(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	val, err := s.GetHeartbeat(ctx, "node-1")
	require.NoError(t, err)
	require.Empty(t, val)

	require.NoError(t, s.SetHeartbeat(ctx, "node-1", `{"active_target":"primary"}`, time.Minute))

	val, err = s.GetHeartbeat(ctx, "node-1")
	require.NoError(t, err)
	require.Equal(t, `{"active_target":"primary"}`, val)
}

func TestTokenBucketAllow_RespectsCapacity(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	key := "limiter:ingest:key-1"

	for i := 0; i < 5; i++ {
		res, err := s.TokenBucketAllow(ctx, key, 1.0, 5, 1)
		require.NoError(t, err)
		require.True(t, res.Allowed, "request %d should be allowed within capacity", i)
	}

	res, err := s.TokenBucketAllow(ctx, key, 1.0, 5, 1)
	require.NoError(t, err)
	require.False(t, res.Allowed, "capacity exhausted, request should be rejected")
	require.Greater(t, res.RetryAfter, time.Duration(0))
}

func TestTokenBucketAllow_RefillsOverTime(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	key := "limiter:ingest:key-2"

	res, err := s.TokenBucketAllow(ctx, key, 10.0, 1, 1)
	require.NoError(t, err)
	require.True(t, res.Allowed)

	res, err = s.TokenBucketAllow(ctx, key, 10.0, 1, 1)
	require.NoError(t, err)
	require.False(t, res.Allowed)

	time.Sleep(200 * time.Millisecond)

	res, err = s.TokenBucketAllow(ctx, key, 10.0, 1, 1)
	require.NoError(t, err)
	require.True(t, res.Allowed, "bucket should have refilled after 200ms at 10/sec")
}
