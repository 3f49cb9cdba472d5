package ratelimit

import (
	"golang.org/x/time/rate"
)

// GlobalLimiter enforces a single shared ceiling across every ingestion key,
// independent of per-key budgets. It exists as a last line of defense against
// aggregate overload even when every individual key is within its own limit.
type GlobalLimiter struct {
	limiter *rate.Limiter
}

// NewGlobalLimiter creates a global limiter allowing up to maxRPS requests
// per second, with burst headroom of burst requests.
func NewGlobalLimiter(maxRPS float64, burst int) *GlobalLimiter {
	return &GlobalLimiter{
		limiter: rate.NewLimiter(rate.Limit(maxRPS), burst),
	}
}

// Allow reports whether a request may proceed right now, consuming a token
// if so.
func (g *GlobalLimiter) Allow() bool {
	return g.limiter.Allow()
}

// SetLimit updates the global rate at runtime, e.g. when reloading config.
func (g *GlobalLimiter) SetLimit(maxRPS float64) {
	g.limiter.SetLimit(rate.Limit(maxRPS))
}
