package ratelimit

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DistributedLimiter is satisfied by the kv-backed token bucket so this
// package never imports the store layer directly.
type DistributedLimiter interface {
	Allow(ctx context.Context, keyID string) (bool, error)
}

const (
	// DefaultPromotionThreshold is the number of consecutive successful
	// distributed calls required to switch back from the local fallback.
	DefaultPromotionThreshold = 5
	// DefaultDemotionThreshold is the number of consecutive distributed
	// failures that trigger falling back to the local in-process tier.
	DefaultDemotionThreshold = 1
)

// TieredLimiter prefers the distributed tier (shared across every gateway
// replica) and falls back to the local in-process tier when the store is
// unreachable, switching back once the distributed tier proves stable again.
// This mirrors the probe's own distributed/local hysteresis for federation
// targets, applied here to rate limiting instead of delivery.
type TieredLimiter struct {
	mu                 sync.Mutex
	distributed        DistributedLimiter
	local              *LocalLimiter
	usingLocal         bool
	consecutiveFails   int
	consecutiveOK      int
	promotionThreshold int
	demotionThreshold  int
	logger             *slog.Logger
}

func NewTieredLimiter(distributed DistributedLimiter, local *LocalLimiter, logger *slog.Logger) *TieredLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &TieredLimiter{
		distributed:        distributed,
		local:              local,
		promotionThreshold: DefaultPromotionThreshold,
		demotionThreshold:  DefaultDemotionThreshold,
		logger:             logger,
	}
}

// Allow admits or rejects a request for keyID, transparently managing the
// distributed/local handover.
func (t *TieredLimiter) Allow(ctx context.Context, keyID string) bool {
	t.mu.Lock()
	useLocal := t.usingLocal
	t.mu.Unlock()

	if useLocal {
		allowed := t.local.Allow(keyID)
		t.probeDistributed(ctx, keyID)
		return allowed
	}

	allowed, err := t.distributed.Allow(ctx, keyID)
	if err != nil {
		t.recordFailure()
		return t.local.Allow(keyID)
	}

	t.recordSuccess()
	return allowed
}

func (t *TieredLimiter) recordFailure() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.consecutiveFails++
	t.consecutiveOK = 0
	if !t.usingLocal && t.consecutiveFails >= t.demotionThreshold {
		t.usingLocal = true
		t.logger.Warn("rate limiter demoted to local tier",
			"consecutive_failures", t.consecutiveFails,
		)
	}
}

func (t *TieredLimiter) recordSuccess() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.consecutiveFails = 0
	if t.usingLocal {
		t.consecutiveOK++
		if t.consecutiveOK >= t.promotionThreshold {
			t.usingLocal = false
			t.consecutiveOK = 0
			t.logger.Info("rate limiter promoted back to distributed tier")
		}
	}
}

// probeDistributed issues a background check against the distributed tier
// while serving from local, so the hysteresis counters advance even though
// the distributed result isn't used to admit the current request.
func (t *TieredLimiter) probeDistributed(ctx context.Context, keyID string) {
	probeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	_, err := t.distributed.Allow(probeCtx, keyID)
	if err != nil {
		t.recordFailure()
		return
	}
	t.recordSuccess()
}

// UsingLocal reports whether the limiter is currently serving from the
// local fallback tier.
func (t *TieredLimiter) UsingLocal() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.usingLocal
}
