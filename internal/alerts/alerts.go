// Package alerts evaluates threshold rules against ingested metrics and
// dispatches deduplicated, rate-limited alerts through a pluggable
// Dispatcher, falling back to a dead-letter queue when dispatch is
// exhausted.
package alerts

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/fiberstack/fiber/internal/kv"
	"github.com/fiberstack/fiber/internal/monitoring"
)

// Severity classifies an alert's urgency.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

const (
	dedupCooldown   = 900 * time.Second
	nodeQuotaWindow = 3600 * time.Second
	nodeQuotaLimit  = 5
	globalCapacity  = 10
)

// Alert is one emitted threshold violation.
type Alert struct {
	AlertID    string   `json:"alert_id"`
	NodeID     string   `json:"node_id"`
	Severity   Severity `json:"severity"`
	MetricName string   `json:"metric_name"`
	Value      float64  `json:"value"`
	Threshold  float64  `json:"threshold"`
	Timestamp  string   `json:"timestamp"`
	Message    string   `json:"message"`
}

func (a Alert) dedupKey() string { return kv.AlertDedupKey(a.NodeID, a.MetricName, string(a.Severity)) }

// Metric is the minimal shape a rule evaluates — the ETL's normalized
// metric satisfies this directly.
type Metric struct {
	NodeID     string
	LatencyMS  float64
	PacketLoss float64
	UptimePct  float64
}

// Rule evaluates a metric and returns zero or more alerts.
type Rule interface {
	Evaluate(m Metric) []Alert
}

type operator string

const (
	opGreater operator = ">"
	opLess    operator = "<"
)

// ThresholdRule fires when a named field crosses threshold in the given
// direction.
type ThresholdRule struct {
	MetricKey   string
	Operator    operator
	Threshold   float64
	Severity    Severity
	MsgTemplate string // printf-style, args: node id, value, threshold
	extract     func(m Metric) float64
}

func (r ThresholdRule) Evaluate(m Metric) []Alert {
	value := r.extract(m)

	var triggered bool
	switch r.Operator {
	case opGreater:
		triggered = value > r.Threshold
	case opLess:
		triggered = value < r.Threshold
	}
	if !triggered {
		return nil
	}

	return []Alert{{
		AlertID:    uuid.NewString(),
		NodeID:     m.NodeID,
		Severity:   r.Severity,
		MetricName: r.MetricKey,
		Value:      value,
		Threshold:  r.Threshold,
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
		Message:    fmt.Sprintf(r.MsgTemplate, m.NodeID, value, r.Threshold),
	}}
}

// Thresholds configures the default rule set's cutoffs.
type Thresholds struct {
	LatencyWarnMS  float64
	LatencyCritMS  float64
	LossWarnPct    float64
	LossCritPct    float64
	UptimeWarnPct  float64
	GlobalPerHour  int
}

// DefaultThresholds returns the standard env-overridable threshold set.
func DefaultThresholds() Thresholds {
	return Thresholds{
		LatencyWarnMS: 200.0,
		LatencyCritMS: 500.0,
		LossWarnPct:   1.0,
		LossCritPct:   5.0,
		UptimeWarnPct: 95.0,
		GlobalPerHour: 100,
	}
}

func defaultRules(t Thresholds) []Rule {
	latency := func(m Metric) float64 { return m.LatencyMS }
	loss := func(m Metric) float64 { return m.PacketLoss }
	uptime := func(m Metric) float64 { return m.UptimePct }

	return []Rule{
		ThresholdRule{MetricKey: "latency_ms", Operator: opGreater, Threshold: t.LatencyCritMS, Severity: SeverityCritical, MsgTemplate: "CRITICAL LATENCY on %s: %.1fms (> %.0fms)", extract: latency},
		ThresholdRule{MetricKey: "latency_ms", Operator: opGreater, Threshold: t.LatencyWarnMS, Severity: SeverityWarning, MsgTemplate: "High latency on %s: %.1fms (> %.0fms)", extract: latency},
		ThresholdRule{MetricKey: "packet_loss", Operator: opGreater, Threshold: t.LossCritPct, Severity: SeverityCritical, MsgTemplate: "CRITICAL PACKET LOSS on %s: %.2f%% (> %.2f%%)", extract: loss},
		ThresholdRule{MetricKey: "packet_loss", Operator: opGreater, Threshold: t.LossWarnPct, Severity: SeverityWarning, MsgTemplate: "Packet loss detected on %s: %.2f%% (> %.2f%%)", extract: loss},
		ThresholdRule{MetricKey: "uptime_pct", Operator: opLess, Threshold: t.UptimeWarnPct, Severity: SeverityWarning, MsgTemplate: "Low uptime on %s: %.2f%% (< %.2f%%)", extract: uptime},
	}
}

// Dispatcher delivers an alert to some external sink.
type Dispatcher interface {
	Dispatch(ctx context.Context, alert Alert) error
}

// Engine evaluates rules, dedups, rate-limits, and dispatches alerts.
type Engine struct {
	store      *kv.Store
	dispatcher Dispatcher
	rules      []Rule
	thresholds Thresholds
	logger     *slog.Logger
	metrics    *monitoring.Metrics

	retryAttempts int
	retryBase     time.Duration
	retryMax      time.Duration
}

// NewEngine builds an alert engine with the default threshold rule set.
func NewEngine(store *kv.Store, dispatcher Dispatcher, thresholds Thresholds, logger *slog.Logger, metrics *monitoring.Metrics) *Engine {
	if dispatcher == nil {
		dispatcher = NewLogDispatcher(logger)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:         store,
		dispatcher:    dispatcher,
		rules:         defaultRules(thresholds),
		thresholds:    thresholds,
		logger:        logger,
		metrics:       metrics,
		retryAttempts: 3,
		retryBase:     2 * time.Second,
		retryMax:      10 * time.Second,
	}
}

// Process evaluates every rule against metric and dispatches surviving
// alerts. Failures in dedup/quota/dispatch are never fatal to the caller.
func (e *Engine) Process(ctx context.Context, metric Metric) {
	var fired []Alert
	for _, rule := range e.rules {
		fired = append(fired, rule.Evaluate(metric)...)
	}

	for _, alert := range fired {
		if e.metrics != nil {
			e.metrics.RecordAlertRaised(alert.MetricName, string(alert.Severity))
		}

		dup, err := e.isDuplicate(ctx, alert)
		if err != nil {
			e.logger.Warn("alerts: dedup check failed", "error", err)
		} else if dup {
			e.drop(ctx, "dedup")
			continue
		}

		allowed, err := e.checkRateLimits(ctx, alert)
		if err != nil {
			e.logger.Warn("alerts: rate limit check failed", "error", err)
		} else if !allowed {
			continue
		}

		e.dispatchWithRetry(ctx, alert)
	}
}

func (e *Engine) isDuplicate(ctx context.Context, alert Alert) (bool, error) {
	claimed, err := e.store.SetNX(ctx, alert.dedupKey(), dedupCooldown)
	if err != nil {
		return false, err
	}
	return !claimed, nil
}

func (e *Engine) checkRateLimits(ctx context.Context, alert Alert) (bool, error) {
	count, err := e.store.IncrWithExpireOnFirst(ctx, kv.AlertNodeQuotaKey(alert.NodeID), nodeQuotaWindow)
	if err != nil {
		return false, err
	}
	if count > nodeQuotaLimit {
		e.drop(ctx, "node_quota")
		return false, nil
	}

	refillRate := float64(e.thresholds.GlobalPerHour) / 3600.0
	result, err := e.store.TokenBucketAllow(ctx, "alerts:quota:global", refillRate, globalCapacity, 1)
	if err != nil {
		return false, err
	}
	if !result.Allowed {
		e.drop(ctx, "global_limit")
		return false, nil
	}
	return true, nil
}

func (e *Engine) drop(ctx context.Context, reason string) {
	if e.metrics != nil {
		e.metrics.RecordAlertDropped(reason)
	}
}

func (e *Engine) dispatchWithRetry(ctx context.Context, alert Alert) {
	delay := e.retryBase
	var lastErr error
	for attempt := 1; attempt <= e.retryAttempts; attempt++ {
		if err := e.dispatcher.Dispatch(ctx, alert); err == nil {
			if e.metrics != nil {
				e.metrics.RecordAlertDispatched(string(alert.Severity))
			}
			return
		} else {
			lastErr = err
		}

		if attempt == e.retryAttempts {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			lastErr = ctx.Err()
			attempt = e.retryAttempts
		}
		delay *= 2
		if delay > e.retryMax {
			delay = e.retryMax
		}
	}

	e.logger.Error("alerts: dispatch exhausted, sending to DLQ", "alert_id", alert.AlertID, "error", lastErr)
	e.sendToDLQ(ctx, alert)
}

func (e *Engine) sendToDLQ(ctx context.Context, alert Alert) {
	payload, err := json.Marshal(alert)
	if err != nil {
		e.logger.Error("alerts: failed to marshal DLQ payload", "error", err)
		return
	}
	if err := e.store.DLQPush(ctx, string(payload)); err != nil {
		e.logger.Error("alerts: failed to push to DLQ", "error", err)
	}
}
