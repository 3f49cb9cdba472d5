package kv

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// SetNX attempts to claim a key with the given TTL, returning true if this
// call claimed it (i.e. the key did not already exist). It is the building
// block for nonce/idempotency/dedup/alert-dedup checks throughout §4.
func (s *Store) SetNX(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, key, "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("setnx %s: %w", key, err)
	}
	return ok, nil
}

// Exists reports whether a key is currently present.
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("exists %s: %w", key, err)
	}
	return n > 0, nil
}

// NonceKey builds the replay-defense key for a probe-supplied nonce.
func NonceKey(nonce string) string { return "nonce:" + nonce }

// IdempotencyKey builds the ingest idempotency key for a batch id.
func IdempotencyKey(batchID string) string { return "idempotency:batch:" + batchID }

// DedupKey builds the ETL per-metric dedup key. The timestamp must already
// be truncated to a 19-character second-resolution string.
func DedupKey(nodeID, minuteTimestamp string) string {
	return "dedup:" + nodeID + ":" + minuteTimestamp
}

// RevokedJtiKey builds the token-revocation key for a jti.
func RevokedJtiKey(jti string) string { return "revoked:jti:" + jti }

// RevokeJti marks a jti revoked until its natural expiry plus skew.
func (s *Store) RevokeJti(ctx context.Context, jti string, ttl time.Duration) error {
	if err := s.client.Set(ctx, RevokedJtiKey(jti), "1", ttl).Err(); err != nil {
		return fmt.Errorf("revoke jti: %w", err)
	}
	return nil
}

// IsJtiRevoked checks revocation status for a jti.
func (s *Store) IsJtiRevoked(ctx context.Context, jti string) (bool, error) {
	return s.Exists(ctx, RevokedJtiKey(jti))
}

// NodeCacheKey is the kv-set of node ids the ETL has already upserted.
const NodeCacheKey = "cache:nodes"

// NodeCacheMissing filters nodeIDs down to those NOT present in the node
// cache set, via a single atomic SMISMEMBER call.
func (s *Store) NodeCacheMissing(ctx context.Context, nodeIDs []string) ([]string, error) {
	if len(nodeIDs) == 0 {
		return nil, nil
	}
	members := make([]interface{}, len(nodeIDs))
	for i, id := range nodeIDs {
		members[i] = id
	}
	hits, err := s.client.SMIsMember(ctx, NodeCacheKey, members...).Result()
	if err != nil {
		return nil, fmt.Errorf("node cache membership: %w", err)
	}

	var missing []string
	for i, present := range hits {
		if !present {
			missing = append(missing, nodeIDs[i])
		}
	}
	return missing, nil
}

// NodeCacheAdd adds node ids to the cache set once they've been upserted.
func (s *Store) NodeCacheAdd(ctx context.Context, nodeIDs []string) error {
	if len(nodeIDs) == 0 {
		return nil
	}
	members := make([]interface{}, len(nodeIDs))
	for i, id := range nodeIDs {
		members[i] = id
	}
	if err := s.client.SAdd(ctx, NodeCacheKey, members...).Err(); err != nil {
		return fmt.Errorf("node cache add: %w", err)
	}
	return nil
}

// QueuePush right-pushes a serialized metric onto the ETL work queue.
func (s *Store) QueuePush(ctx context.Context, queueKey string, payloads ...string) error {
	if len(payloads) == 0 {
		return nil
	}
	args := make([]interface{}, len(payloads))
	for i, p := range payloads {
		args[i] = p
	}
	if err := s.client.RPush(ctx, queueKey, args...).Err(); err != nil {
		return fmt.Errorf("queue push: %w", err)
	}
	return nil
}

// QueueDepth reports the current length of the ETL work queue.
func (s *Store) QueueDepth(ctx context.Context, queueKey string) (int64, error) {
	n, err := s.client.LLen(ctx, queueKey).Result()
	if err != nil {
		return 0, fmt.Errorf("queue depth: %w", err)
	}
	return n, nil
}

// StatusHashSet writes the ETL's heartbeat fields into its status hash.
func (s *Store) StatusHashSet(ctx context.Context, key string, fields map[string]interface{}) error {
	if err := s.client.HSet(ctx, key, fields).Err(); err != nil {
		return fmt.Errorf("status hash set: %w", err)
	}
	return nil
}

// StatusHashGetAll reads the ETL's status hash in full.
func (s *Store) StatusHashGetAll(ctx context.Context, key string) (map[string]string, error) {
	m, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("status hash get: %w", err)
	}
	return m, nil
}

// SlidingWindowPush appends a value to a per-node window list, trimming it
// to the configured size, and returns the current window contents. Backs
// the analytics engine's latency z-score computation.
func (s *Store) SlidingWindowPush(ctx context.Context, key string, value float64, windowSize int) ([]float64, error) {
	pipe := s.client.TxPipeline()
	pipe.LPush(ctx, key, value)
	pipe.LTrim(ctx, key, 0, int64(windowSize-1))
	lrange := pipe.LRange(ctx, key, 0, -1)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("sliding window push: %w", err)
	}

	raw, err := lrange.Result()
	if err != nil {
		return nil, fmt.Errorf("sliding window range: %w", err)
	}

	out := make([]float64, 0, len(raw))
	for _, v := range raw {
		var f float64
		fmt.Sscanf(v, "%g", &f)
		out = append(out, f)
	}
	return out, nil
}

// AlertDedupKey builds the per-(node, metric, severity) alert cooldown key.
func AlertDedupKey(nodeID, metric, severity string) string {
	return "alert:dedup:" + nodeID + ":" + metric + ":" + severity
}

// AlertNodeQuotaKey builds the per-node hourly alert quota key.
func AlertNodeQuotaKey(nodeID string) string { return "alerts:quota:node:" + nodeID }

// IncrWithExpireOnFirst increments a counter, setting its TTL only the first
// time it's created (a fixed-window counter), returning the new count.
func (s *Store) IncrWithExpireOnFirst(ctx context.Context, key string, window time.Duration) (int64, error) {
	n, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("incr %s: %w", key, err)
	}
	if n == 1 {
		if err := s.client.Expire(ctx, key, window).Err(); err != nil {
			return n, fmt.Errorf("expire %s: %w", key, err)
		}
	}
	return n, nil
}

// AlertsDLQKey is the dead-letter list for alerts that exhausted dispatch retries.
const AlertsDLQKey = "alerts:dlq"

// DLQPush pushes a failed alert payload onto the dead-letter queue.
func (s *Store) DLQPush(ctx context.Context, payload string) error {
	if err := s.client.LPush(ctx, AlertsDLQKey, payload).Err(); err != nil {
		return fmt.Errorf("dlq push: %w", err)
	}
	return nil
}

// AggregationDisabledKey gates the aggregate query layer's auto-rollback.
const AggregationDisabledKey = "aggregation:disabled"

// SetAggregationDisabled engages the global aggregate-query rollback flag.
func (s *Store) SetAggregationDisabled(ctx context.Context, ttl time.Duration) error {
	if err := s.client.Set(ctx, AggregationDisabledKey, "1", ttl).Err(); err != nil {
		return fmt.Errorf("set aggregation disabled: %w", err)
	}
	return nil
}

// IsAggregationDisabled reports whether the rollback flag is currently set.
func (s *Store) IsAggregationDisabled(ctx context.Context) (bool, error) {
	return s.Exists(ctx, AggregationDisabledKey)
}

// CacheGet reads a cached dashboard response by key.
func (s *Store) CacheGet(ctx context.Context, key string) (string, error) {
	val, err := s.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("cache get: %w", err)
	}
	return val, nil
}

// CacheSet stores a dashboard response with a TTL.
func (s *Store) CacheSet(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("cache set: %w", err)
	}
	return nil
}

// CacheInvalidateChannel is the pub/sub channel used to propagate cache
// invalidation across gateway replicas.
const CacheInvalidateChannel = "fiber:cache:invalidate"

// PublishInvalidation notifies other replicas that a cache prefix is stale.
func (s *Store) PublishInvalidation(ctx context.Context, prefix string) error {
	if err := s.client.Publish(ctx, CacheInvalidateChannel, prefix).Err(); err != nil {
		return fmt.Errorf("publish invalidation: %w", err)
	}
	return nil
}

// SubscribeInvalidation returns a subscription to the cache invalidation channel.
func (s *Store) SubscribeInvalidation(ctx context.Context) *redis.PubSub {
	return s.client.Subscribe(ctx, CacheInvalidateChannel)
}

// HeartbeatKey builds the probe heartbeat key, TTL 60s per §6.
func HeartbeatKey(nodeID string) string { return "heartbeat:" + nodeID }

// SetHeartbeat records a probe's most recent heartbeat.
func (s *Store) SetHeartbeat(ctx context.Context, nodeID, payload string, ttl time.Duration) error {
	if err := s.client.Set(ctx, HeartbeatKey(nodeID), payload, ttl).Err(); err != nil {
		return fmt.Errorf("set heartbeat: %w", err)
	}
	return nil
}

// GetHeartbeat reads a probe's most recent heartbeat, if still live.
func (s *Store) GetHeartbeat(ctx context.Context, nodeID string) (string, error) {
	val, err := s.client.Get(ctx, HeartbeatKey(nodeID)).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get heartbeat: %w", err)
	}
	return val, nil
}
