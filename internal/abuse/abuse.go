// Package abuse bans ingestion identities that repeatedly fail
// authentication or signature verification, fail2ban-style.
package abuse

import (
	"strings"
	"sync"
	"time"

	"github.com/fiberstack/fiber/internal/monitoring"
	"github.com/fiberstack/fiber/internal/utils"
)

// ReasonRule defines per-reason ban rules (e.g. "bad_signature" bans faster
// than "expired_token").
type ReasonRule struct {
	Reason      string
	MaxAttempts int
	BanDuration time.Duration // 0 means permanent ban
}

// banInfo stores information about a ban
type banInfo struct {
	banTime     time.Time
	banDuration time.Duration // 0 = permanent
	reason      string
}

// Ban describes a currently banned identity and the failures that caused it.
type Ban struct {
	Identity      string
	Source        string
	Reason        string
	ReasonCounts  map[string]int
	BanTime       time.Time
	BanDuration   time.Duration
}

// Guard tracks authentication failures per (identity, source) pair and bans
// the pair once a reason's failure count crosses its threshold.
type Guard struct {
	mu          sync.RWMutex
	maxAttempts int
	banDuration time.Duration // 0 means permanent ban
	reasons     map[string]bool
	reasonRules map[string]*ReasonRule
	failures    map[string]map[string]int // banKey -> reason -> count
	banned      map[string]*banInfo       // banKey -> banInfo
	lastFailure map[string]time.Time      // banKey -> last failure time
}

// banKey creates a composite key from identity and source (e.g. remote IP
// or probe node ID). Format: "identity|source"
func banKey(identity, source string) string {
	return identity + "|" + source
}

func parseBanKey(key string) (identity, source string) {
	parts := strings.SplitN(key, "|", 2)
	if len(parts) == 2 {
		return parts[0], parts[1]
	}
	return key, ""
}

// New creates a Guard. reasons restricts which failure reasons are tracked;
// an empty list tracks all reasons.
func New(maxAttempts int, banDuration time.Duration, reasons []string) *Guard {
	reasonSet := make(map[string]bool)
	for _, r := range reasons {
		reasonSet[r] = true
	}

	return &Guard{
		maxAttempts: maxAttempts,
		banDuration: banDuration,
		reasons:     reasonSet,
		reasonRules: make(map[string]*ReasonRule),
		failures:    make(map[string]map[string]int),
		banned:      make(map[string]*banInfo),
		lastFailure: make(map[string]time.Time),
	}
}

// NewWithRules creates a Guard with per-reason rules, e.g. a single bad HMAC
// signature bans immediately while expired-token retries get more leeway.
func NewWithRules(maxAttempts int, banDuration time.Duration, reasons []string, rules []ReasonRule) *Guard {
	g := New(maxAttempts, banDuration, reasons)
	for i := range rules {
		g.reasonRules[rules[i].Reason] = &rules[i]
	}
	return g
}

func (g *Guard) getRule(reason string) *ReasonRule {
	if rule, exists := g.reasonRules[reason]; exists {
		return rule
	}
	return &ReasonRule{
		Reason:      reason,
		MaxAttempts: g.maxAttempts,
		BanDuration: g.banDuration,
	}
}

// RecordOutcome records the outcome of an authentication attempt. Pass an
// empty reason for success, which clears all failure counters for the pair.
func (g *Guard) RecordOutcome(identity, source, reason string) {
	key := banKey(identity, source)

	g.mu.Lock()
	defer g.mu.Unlock()

	if ban, exists := g.banned[key]; exists {
		if ban.banDuration > 0 && time.Since(ban.banTime) > ban.banDuration {
			delete(g.banned, key)
			delete(g.failures, key)
			monitoring.IdentityUnbanEvents.WithLabelValues(identity).Inc()
		} else {
			return
		}
	}

	if reason == "" {
		delete(g.failures, key)
		return
	}

	if len(g.reasons) > 0 && !g.reasons[reason] {
		return
	}

	rule := g.getRule(reason)

	if g.failures[key] == nil {
		g.failures[key] = make(map[string]int)
	}
	g.failures[key][reason]++
	g.lastFailure[key] = utils.NowUTC()

	if g.failures[key][reason] >= rule.MaxAttempts {
		g.banned[key] = &banInfo{
			banTime:     utils.NowUTC(),
			banDuration: rule.BanDuration,
			reason:      reason,
		}
		monitoring.IdentityBanEvents.WithLabelValues(identity, reason).Inc()
		monitoring.IdentityBanned.WithLabelValues(identity).Set(1)
	}
}

// IsBanned reports whether the identity+source pair is currently banned,
// transparently expiring and removing stale temporary bans.
func (g *Guard) IsBanned(identity, source string) bool {
	key := banKey(identity, source)

	g.mu.RLock()
	ban, exists := g.banned[key]
	if !exists {
		g.mu.RUnlock()
		return false
	}

	if ban.banDuration == 0 {
		g.mu.RUnlock()
		return true
	}

	elapsed := time.Since(ban.banTime)
	expired := elapsed > ban.banDuration
	g.mu.RUnlock()

	if expired {
		g.mu.Lock()
		defer g.mu.Unlock()
		if ban, exists := g.banned[key]; exists && ban.banDuration > 0 {
			if time.Since(ban.banTime) > ban.banDuration {
				delete(g.banned, key)
				delete(g.failures, key)
				monitoring.IdentityBanned.WithLabelValues(identity).Set(0)
				return false
			}
		}
	}

	return !expired
}

func (g *Guard) GetFailureCount(identity, source string) int {
	key := banKey(identity, source)

	g.mu.RLock()
	defer g.mu.RUnlock()

	reasons := g.failures[key]
	if reasons == nil {
		return 0
	}

	total := 0
	for _, count := range reasons {
		total += count
	}
	return total
}

func (g *Guard) Unban(identity, source string) {
	key := banKey(identity, source)

	g.mu.Lock()
	defer g.mu.Unlock()
	if _, exists := g.banned[key]; exists {
		delete(g.banned, key)
		delete(g.failures, key)
		monitoring.IdentityUnbanEvents.WithLabelValues(identity).Inc()
		monitoring.IdentityBanned.WithLabelValues(identity).Set(0)
	}
}

// UnbanIdentity unbans every source currently banned for the given identity.
func (g *Guard) UnbanIdentity(identity string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	prefix := identity + "|"
	for key := range g.banned {
		if strings.HasPrefix(key, prefix) {
			delete(g.banned, key)
			delete(g.failures, key)
			monitoring.IdentityUnbanEvents.WithLabelValues(identity).Inc()
		}
	}
	monitoring.IdentityBanned.WithLabelValues(identity).Set(0)
}

// HasAnyBan returns true if any source is currently banned for the identity.
func (g *Guard) HasAnyBan(identity string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()

	prefix := identity + "|"
	for key, ban := range g.banned {
		if strings.HasPrefix(key, prefix) {
			if ban.banDuration == 0 || time.Since(ban.banTime) <= ban.banDuration {
				return true
			}
		}
	}
	return false
}

// GetBannedSources returns sources currently banned for an identity.
func (g *Guard) GetBannedSources(identity string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	prefix := identity + "|"
	var sources []string
	for key, ban := range g.banned {
		if strings.HasPrefix(key, prefix) {
			if ban.banDuration == 0 || time.Since(ban.banTime) <= ban.banDuration {
				_, source := parseBanKey(key)
				sources = append(sources, source)
			}
		}
	}
	return sources
}

// GetBans returns all currently banned identity+source pairs.
func (g *Guard) GetBans() []Ban {
	g.mu.RLock()
	defer g.mu.RUnlock()

	bans := make([]Ban, 0, len(g.banned))
	for key, ban := range g.banned {
		identity, source := parseBanKey(key)
		counts := make(map[string]int)
		if reasonCounts, ok := g.failures[key]; ok {
			for reason, count := range reasonCounts {
				counts[reason] = count
			}
		}
		bans = append(bans, Ban{
			Identity:     identity,
			Source:       source,
			Reason:       ban.reason,
			ReasonCounts: counts,
			BanTime:      ban.banTime,
			BanDuration:  ban.banDuration,
		})
	}
	return bans
}

// GetBannedCount returns the count of banned identity+source pairs without allocating a slice.
func (g *Guard) GetBannedCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.banned)
}
