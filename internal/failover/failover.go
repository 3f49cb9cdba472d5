// Package failover implements priority-based failover across multiple
// upstream ingestion targets with stickiness, plus a legacy fan-out mode,
// both behind one small PushController interface so the probe agent is
// indifferent to which is wired in.
package failover

import (
	"context"
	"log/slog"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/fiberstack/fiber/internal/monitoring"
)

// PushClient is one upstream ingestion target.
type PushClient interface {
	Name() string
	Priority() int
	PushBatch(ctx context.Context, batch []byte, nodeID string) (bool, error)
	CircuitOpen() bool
}

// PushController is the shape both FailoverController and FanOutController
// satisfy, so callers don't need to know which mode is configured.
type PushController interface {
	Push(ctx context.Context, batch []byte, nodeID string) (success bool, activeTarget string)
	GetActiveTarget() string
}

const (
	stickiness        = 120 * time.Second
	promotionThreshold = 5
	timeoutDefault    = 10 * time.Second
	initialBackoff    = 1 * time.Second
	maxBackoff        = 60 * time.Second
)

// FailoverController tries targets in priority order, falling back on
// failure with jittered exponential backoff, and sticks to a promoted
// fallback target for a cooldown window before attempting to return to
// the primary.
type FailoverController struct {
	clients []PushClient
	nodeID  string
	logger  *slog.Logger
	metrics *monitoring.Metrics

	mu                  sync.Mutex
	activeIndex         int
	cooldownUntil       time.Time
	consecutiveSuccesses int
	consecutiveFailures int
	backoff             time.Duration

	timeout time.Duration
}

// NewFailoverController sorts clients by priority (lower = higher) and
// starts with the highest-priority target active.
func NewFailoverController(clients []PushClient, nodeID string, logger *slog.Logger, metrics *monitoring.Metrics) *FailoverController {
	sorted := make([]PushClient, len(clients))
	copy(sorted, clients)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Priority() < sorted[j].Priority() })

	if logger == nil {
		logger = slog.Default()
	}

	fc := &FailoverController{
		clients: sorted,
		nodeID:  nodeID,
		logger:  logger,
		metrics: metrics,
		backoff: initialBackoff,
		timeout: timeoutDefault,
	}

	logger.Info("failover: initialized", "node_id", nodeID, "targets", len(sorted))
	return fc
}

// Push attempts the active target under a per-target timeout; on failure
// it falls back through the remaining targets in priority order.
func (fc *FailoverController) Push(ctx context.Context, batch []byte, nodeID string) (bool, string) {
	fc.mu.Lock()
	if len(fc.clients) == 0 {
		fc.mu.Unlock()
		fc.logger.Error("failover: no targets configured")
		return false, ""
	}
	active := fc.clients[fc.activeIndex]
	fc.mu.Unlock()

	if fc.tryPush(ctx, active, batch, nodeID) {
		fc.recordSuccess()
		fc.updateMetrics()
		return true, active.Name()
	}

	fc.recordFailure(active.Name())
	return fc.tryFallback(ctx, batch, nodeID)
}

func (fc *FailoverController) tryPush(ctx context.Context, client PushClient, batch []byte, nodeID string) bool {
	ctx, cancel := context.WithTimeout(ctx, fc.timeout)
	defer cancel()

	ok, err := client.PushBatch(ctx, batch, nodeID)
	if err != nil {
		if ctx.Err() != nil {
			fc.logger.Warn("failover: timeout", "target", client.Name(), "timeout", fc.timeout)
		} else {
			fc.logger.Error("failover: push error", "target", client.Name(), "error", err)
		}
		return false
	}
	return ok
}

func (fc *FailoverController) tryFallback(ctx context.Context, batch []byte, nodeID string) (bool, string) {
	fc.mu.Lock()
	jitter := 0.5 + rand.Float64()
	delay := time.Duration(float64(fc.backoff) * jitter)
	fc.backoff = minDur(fc.backoff*2, maxBackoff)
	activeIndex := fc.activeIndex
	clients := fc.clients
	fc.mu.Unlock()

	select {
	case <-time.After(delay):
	case <-ctx.Done():
		return false, ""
	}

	for i, client := range clients {
		if i == activeIndex {
			continue
		}

		if fc.tryPush(ctx, client, batch, nodeID) {
			fc.failoverTo(i)
			fc.updateMetrics()
			return true, client.Name()
		}
	}

	fc.logger.Error("failover: all targets failed")
	return false, ""
}

func (fc *FailoverController) recordSuccess() {
	fc.mu.Lock()
	defer fc.mu.Unlock()

	fc.consecutiveSuccesses++
	fc.consecutiveFailures = 0
	fc.backoff = initialBackoff

	if fc.activeIndex > 0 && fc.canPromoteLocked() {
		fc.promoteToPrimaryLocked()
	}
}

func (fc *FailoverController) recordFailure(targetName string) {
	fc.mu.Lock()
	fc.consecutiveFailures++
	fc.consecutiveSuccesses = 0
	fc.mu.Unlock()

	if fc.metrics != nil {
		fc.metrics.RecordFailoverFailure(fc.nodeID, targetName)
	}
}

func (fc *FailoverController) failoverTo(newIndex int) {
	fc.mu.Lock()
	oldName := fc.clients[fc.activeIndex].Name()
	newName := fc.clients[newIndex].Name()

	fc.activeIndex = newIndex
	fc.cooldownUntil = time.Now().Add(stickiness)
	fc.consecutiveSuccesses = 0
	fc.backoff = initialBackoff
	fc.mu.Unlock()

	fc.logger.Warn("failover: switched target", "event", "failover", "from_target", oldName, "to_target", newName)

	if fc.metrics != nil {
		fc.metrics.RecordFailoverEvent(fc.nodeID, oldName, newName)
	}
}

// canPromoteLocked must be called with fc.mu held.
func (fc *FailoverController) canPromoteLocked() bool {
	return fc.consecutiveSuccesses >= promotionThreshold && time.Now().After(fc.cooldownUntil)
}

// promoteToPrimaryLocked must be called with fc.mu held.
func (fc *FailoverController) promoteToPrimaryLocked() {
	oldName := fc.clients[fc.activeIndex].Name()
	fc.activeIndex = 0
	newName := fc.clients[0].Name()
	fc.consecutiveSuccesses = 0

	fc.logger.Info("failover: promoted to primary", "event", "promotion", "from_target", oldName, "to_target", newName)

	if fc.metrics != nil {
		fc.metrics.RecordFailoverEvent(fc.nodeID, oldName, newName)
	}
}

func (fc *FailoverController) updateMetrics() {
	if fc.metrics == nil {
		return
	}

	fc.mu.Lock()
	active := fc.clients[fc.activeIndex]
	clients := fc.clients
	fc.mu.Unlock()

	fc.metrics.SetActiveTarget(fc.nodeID, active.Priority())

	for _, client := range clients {
		fc.metrics.SetConnectionState(fc.nodeID, client.Name(), !client.CircuitOpen())
	}
}

// GetActiveTarget returns the currently active target's name.
func (fc *FailoverController) GetActiveTarget() string {
	fc.mu.Lock()
	defer fc.mu.Unlock()

	if len(fc.clients) == 0 {
		return ""
	}
	return fc.clients[fc.activeIndex].Name()
}

func minDur(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}

// FanOutController sends every push to all configured targets concurrently
// and reports success if any accepted it — the legacy mode selected by
// FAILOVER_ENABLED=false.
type FanOutController struct {
	clients []PushClient
	nodeID  string
	logger  *slog.Logger
}

// NewFanOutController builds a fan-out controller over the given clients.
func NewFanOutController(clients []PushClient, nodeID string, logger *slog.Logger) *FanOutController {
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("fanout: initialized (legacy mode)", "node_id", nodeID, "targets", len(clients))
	return &FanOutController{clients: clients, nodeID: nodeID, logger: logger}
}

// Push dispatches to every target concurrently and returns true if at
// least one accepted the batch.
func (fo *FanOutController) Push(ctx context.Context, batch []byte, nodeID string) (bool, string) {
	if len(fo.clients) == 0 {
		return false, ""
	}

	results := make([]bool, len(fo.clients))
	var wg sync.WaitGroup
	for i, client := range fo.clients {
		wg.Add(1)
		go func(i int, client PushClient) {
			defer wg.Done()
			ok, err := client.PushBatch(ctx, batch, nodeID)
			if err != nil {
				fo.logger.Error("fanout: push error", "target", client.Name(), "error", err)
				return
			}
			results[i] = ok
		}(i, client)
	}
	wg.Wait()

	successCount := 0
	for _, ok := range results {
		if ok {
			successCount++
		}
	}
	fo.logger.Debug("fanout: result", "succeeded", successCount, "total", len(fo.clients))

	if successCount == 0 {
		return false, ""
	}
	return true, fo.clients[0].Name()
}

// GetActiveTarget reports the literal "fan-out" since no single target is
// authoritative in this mode.
func (fo *FanOutController) GetActiveTarget() string { return "fan-out" }
