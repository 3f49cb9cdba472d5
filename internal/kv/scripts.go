package kv

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// tokenBucketScript implements the distributed rate limiter's atomic
// contract: given (rate_per_sec, capacity, requested, now), refill the
// bucket by elapsed*rate capped at capacity, subtract requested if
// possible, and return (allowed, remaining, reset_ts, limit, retry_after).
const tokenBucketScript = `
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local requested = tonumber(ARGV[3])
local now = tonumber(ARGV[4])

local bucket = redis.call("HMGET", key, "tokens", "ts")
local tokens = tonumber(bucket[1])
local ts = tonumber(bucket[2])

if tokens == nil then
  tokens = capacity
  ts = now
end

local elapsed = math.max(0, now - ts)
tokens = math.min(capacity, tokens + elapsed * rate)

local allowed = 0
local retry_after = 0
if tokens >= requested then
  tokens = tokens - requested
  allowed = 1
else
  retry_after = (requested - tokens) / rate
end

redis.call("HSET", key, "tokens", tokens, "ts", now)
redis.call("EXPIRE", key, math.ceil(capacity / rate) + 1)

local reset_ts = now + ((capacity - tokens) / rate)
return {allowed, tostring(tokens), tostring(reset_ts), capacity, tostring(retry_after)}
`

// batchPopScript atomically pops up to N entries from the head of the ETL
// work queue so concurrent ETL replicas never double-process the same entry.
const batchPopScript = `
local key = KEYS[1]
local n = tonumber(ARGV[1])
local items = redis.call("LRANGE", key, 0, n - 1)
if #items > 0 then
  redis.call("LTRIM", key, #items, -1)
end
return items
`

// TokenBucketResult is the decoded response of the distributed token bucket.
type TokenBucketResult struct {
	Allowed    bool
	Remaining  float64
	ResetAt    time.Time
	Limit      float64
	RetryAfter time.Duration
}

// TokenBucketAllow runs the distributed token-bucket script for the given
// key, admitting or rejecting a request costing `requested` tokens.
func (s *Store) TokenBucketAllow(ctx context.Context, key string, ratePerSec, capacity, requested float64) (TokenBucketResult, error) {
	now := float64(time.Now().UTC().UnixNano()) / 1e9

	res, err := s.evalShaOrScript(ctx, s.tokenBucketSHA, tokenBucketScript,
		[]string{key}, ratePerSec, capacity, requested, now)
	if err != nil {
		return TokenBucketResult{}, fmt.Errorf("token bucket script: %w", err)
	}

	vals, ok := res.([]interface{})
	if !ok || len(vals) != 5 {
		return TokenBucketResult{}, fmt.Errorf("token bucket script: unexpected reply shape")
	}

	allowed := toInt64(vals[0]) == 1
	remaining := toFloat64(vals[1])
	resetTS := toFloat64(vals[2])
	limit := toFloat64(vals[3])
	retryAfter := toFloat64(vals[4])

	return TokenBucketResult{
		Allowed:    allowed,
		Remaining:  remaining,
		ResetAt:    time.Unix(0, int64(resetTS*1e9)).UTC(),
		Limit:      limit,
		RetryAfter: time.Duration(retryAfter * float64(time.Second)),
	}, nil
}

// PopBatch atomically pops up to n raw JSON payloads from the ETL queue.
func (s *Store) PopBatch(ctx context.Context, queueKey string, n int) ([]string, error) {
	res, err := s.evalShaOrScript(ctx, s.batchPopSHA, batchPopScript, []string{queueKey}, n)
	if err != nil {
		return nil, fmt.Errorf("batch pop script: %w", err)
	}

	items, ok := res.([]interface{})
	if !ok {
		return nil, nil
	}

	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out, nil
}

// evalShaOrScript tries EVALSHA first, falling back to EVAL (and
// re-caching the SHA) when the script isn't loaded on the server yet —
// e.g. after a Redis restart without a fresh LoadScripts call.
func (s *Store) evalShaOrScript(ctx context.Context, sha, script string, keys []string, args ...interface{}) (interface{}, error) {
	if sha != "" {
		res, err := s.client.EvalSha(ctx, sha, keys, args...).Result()
		if err == nil {
			return res, nil
		}
		if !redis.HasErrorPrefix(err, "NOSCRIPT") {
			return nil, err
		}
	}
	return s.client.Eval(ctx, script, keys, args...).Result()
}

func toInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case string:
		var out int64
		fmt.Sscanf(n, "%d", &out)
		return out
	default:
		return 0
	}
}

func toFloat64(v interface{}) float64 {
	switch n := v.(type) {
	case int64:
		return float64(n)
	case string:
		var out float64
		fmt.Sscanf(n, "%g", &out)
		return out
	default:
		return 0
	}
}
