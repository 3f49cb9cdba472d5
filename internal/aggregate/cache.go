package aggregate

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"time"
)

// cachedEnvelope wraps a cached response with the timestamp it was written,
// so an entry can be read back past its nominal TTL — up to 2×TTL — and
// still be judged stale rather than missing.
type cachedEnvelope struct {
	CachedAt time.Time       `json:"cached_at"`
	TTL      time.Duration   `json:"ttl"`
	Value    json.RawMessage `json:"value"`
}

// dashboardCacheKey builds the §4.9 cache key:
// fiberstack:cache:dashboard:<prefix>:<md5(sorted-json-params)[:12]>.
func dashboardCacheKey(prefix string, params interface{}) string {
	raw, _ := json.Marshal(params)

	var generic map[string]interface{}
	if err := json.Unmarshal(raw, &generic); err == nil {
		// encoding/json writes map keys in sorted order.
		if sorted, err := json.Marshal(generic); err == nil {
			raw = sorted
		}
	}

	sum := md5.Sum(raw)
	return "fiberstack:cache:dashboard:" + prefix + ":" + hex.EncodeToString(sum[:])[:12]
}

// getCached checks the local LRU first, then the shared kv-store cache.
// Entries older than 2×TTL are treated as stale regardless of which tier
// served them.
func (e *Engine) getCached(ctx context.Context, key string) (json.RawMessage, bool) {
	if raw, ok := e.local.Get(key); ok {
		var env cachedEnvelope
		if err := json.Unmarshal([]byte(raw), &env); err == nil {
			return env.Value, true
		}
	}

	raw, err := e.kv.CacheGet(ctx, key)
	if err != nil || raw == "" {
		return nil, false
	}

	var env cachedEnvelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return nil, false
	}
	if env.TTL <= 0 {
		env.TTL = realtimeCacheTTL
	}
	if time.Since(env.CachedAt) > 2*env.TTL {
		return nil, false
	}

	e.local.Set(key, raw)
	return env.Value, true
}

// setCached writes the result to both the local LRU and the shared
// kv-store cache, the latter with a 2×TTL expiry so cross-replica reads can
// still observe the "stale but present" window the freshness check above
// relies on.
func (e *Engine) setCached(ctx context.Context, key string, value interface{}, ttl time.Duration) {
	valueJSON, err := json.Marshal(value)
	if err != nil {
		e.logger.Warn("aggregate: failed to marshal cache value", "key", key, "error", err)
		return
	}

	env := cachedEnvelope{CachedAt: time.Now().UTC(), TTL: ttl, Value: valueJSON}
	envJSON, err := json.Marshal(env)
	if err != nil {
		return
	}

	e.local.Set(key, string(envJSON))
	if err := e.kv.CacheSet(ctx, key, string(envJSON), 2*ttl); err != nil {
		e.logger.Warn("aggregate: failed to write shared cache", "key", key, "error", err)
	}
}

func unmarshalCached(raw json.RawMessage, dest interface{}) error {
	return json.Unmarshal(raw, dest)
}

// RunInvalidationListener subscribes to the shared cache-invalidation
// channel and drops matching entries from the local LRU, propagating
// another replica's ingest-triggered invalidation. Blocks until ctx is
// cancelled.
func (e *Engine) RunInvalidationListener(ctx context.Context) {
	sub := e.kv.SubscribeInvalidation(ctx)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			removed := e.local.InvalidatePrefix(msg.Payload)
			e.logger.Debug("aggregate: invalidated local cache entries", "prefix", msg.Payload, "removed", removed)
		}
	}
}
