package kv

import "context"

// DistributedRateLimiter adapts Store's Lua token-bucket script to
// internal/ratelimit.DistributedLimiter's single-key Allow signature,
// fixing the rate and capacity every call shares.
type DistributedRateLimiter struct {
	store      *Store
	ratePerSec float64
	capacity   float64
}

// NewDistributedRateLimiter builds a rate limiter backed by the shared
// token-bucket Lua script, replenishing at ratePerSec up to capacity.
func NewDistributedRateLimiter(store *Store, ratePerSec, capacity float64) *DistributedRateLimiter {
	return &DistributedRateLimiter{store: store, ratePerSec: ratePerSec, capacity: capacity}
}

// Allow consumes one token from keyID's bucket, reporting whether the
// request is admitted.
func (d *DistributedRateLimiter) Allow(ctx context.Context, keyID string) (bool, error) {
	result, err := d.store.TokenBucketAllow(ctx, keyID, d.ratePerSec, d.capacity, 1)
	if err != nil {
		return false, err
	}
	return result.Allowed, nil
}
