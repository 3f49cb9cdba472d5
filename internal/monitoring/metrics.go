package monitoring

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Gateway request metrics.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fiber_gateway_requests_total",
			Help: "Total number of gateway HTTP requests",
		},
		[]string{"identity", "endpoint", "status"},
	)

	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fiber_gateway_request_duration_seconds",
			Help:    "Gateway request duration in seconds",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
		[]string{"identity", "endpoint"},
	)

	IdentityErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fiber_gateway_identity_errors_total",
			Help: "Total number of non-2xx responses for each ingestion identity",
		},
		[]string{"identity"},
	)

	// Rate limiting / abuse metrics.
	RateLimitCurrent = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fiber_ratelimit_current",
			Help: "Current request rate observed for an ingestion key",
		},
		[]string{"key_id"},
	)

	RateLimitRejectedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fiber_ratelimit_rejected_total",
			Help: "Total number of requests rejected by the rate limiter",
		},
		[]string{"key_id", "tier"},
	)

	IdentityBanned = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fiber_abuse_identity_banned",
			Help: "Ban status for an ingestion identity (1 = banned, 0 = active)",
		},
		[]string{"identity"},
	)

	IdentityBanEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fiber_abuse_ban_events_total",
			Help: "Total number of ban events for ingestion identities",
		},
		[]string{"identity", "reason"},
	)

	IdentityUnbanEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fiber_abuse_unban_events_total",
			Help: "Total number of unban events for ingestion identities",
		},
		[]string{"identity"},
	)

	// Probe failover metrics (mirrors the probe's own exported names so a
	// federation endpoint scraping both sides sees matching series).
	FailoverEventTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fiber_failover_event_total",
			Help: "Total number of failover transitions between federation targets",
		},
		[]string{"node_id", "from_target", "to_target"},
	)

	FailoverFailureTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fiber_failover_failure_total",
			Help: "Total number of delivery failures observed by the failover controller",
		},
		[]string{"node_id", "target"},
	)

	ActiveTargetGauge = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fiber_failover_active_target",
			Help: "Index of the currently active federation target (0 = primary)",
		},
		[]string{"node_id"},
	)

	ConnectionStateGauge = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fiber_failover_connection_state",
			Help: "Connection state of each federation target (0 = down, 1 = up)",
		},
		[]string{"node_id", "target"},
	)

	// ETL metrics.
	ETLBatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fiber_etl_batches_total",
			Help: "Total number of batches processed by the ETL worker pool",
		},
		[]string{"result"},
	)

	ETLMetricsProcessedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fiber_etl_metrics_processed_total",
			Help: "Total number of individual metric samples processed",
		},
		[]string{"node_id", "metric_type"},
	)

	ETLErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fiber_etl_errors_total",
			Help: "Total number of ETL processing errors",
		},
		[]string{"stage"},
	)

	ETLQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "fiber_etl_queue_depth",
			Help: "Current depth of the ingestion queue",
		},
	)

	// Alert dispatch metrics.
	AlertsRaisedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fiber_alerts_raised_total",
			Help: "Total number of alerts raised by rule evaluation",
		},
		[]string{"metric_type", "severity"},
	)

	AlertsDispatchedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fiber_alerts_dispatched_total",
			Help: "Total number of alerts successfully dispatched",
		},
		[]string{"channel"},
	)

	AlertsDroppedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fiber_alerts_dropped_total",
			Help: "Total number of alerts dropped by dedup or quota gating",
		},
		[]string{"reason"},
	)

	// Aggregate query layer metrics.
	AggregateBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fiber_aggregate_breaker_state",
			Help: "Circuit breaker state for an aggregate table (0=closed, 1=half-open, 2=open)",
		},
		[]string{"table"},
	)

	AggregateCacheHitTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fiber_aggregate_cache_result_total",
			Help: "Total number of aggregate query cache lookups",
		},
		[]string{"result"},
	)
)

// Metrics wraps the package-level Prometheus vectors with an enabled switch
// so gateway code can call into it unconditionally without branching.
type Metrics struct {
	enabled bool
}

func New(enabled bool) *Metrics {
	return &Metrics{
		enabled: enabled,
	}
}

func (m *Metrics) isEnabled() bool {
	return m.enabled
}

func (m *Metrics) RecordRequest(identity, endpoint string, statusCode int, duration time.Duration) {
	if !m.isEnabled() {
		return
	}

	status := strconv.Itoa(statusCode)
	RequestsTotal.WithLabelValues(identity, endpoint, status).Inc()
	RequestDuration.WithLabelValues(identity, endpoint).Observe(duration.Seconds())

	if statusCode >= 400 {
		IdentityErrorsTotal.WithLabelValues(identity).Inc()
	}
}

func (m *Metrics) UpdateRateLimitCurrent(keyID string, rps float64) {
	if !m.isEnabled() {
		return
	}
	RateLimitCurrent.WithLabelValues(keyID).Set(rps)
}

func (m *Metrics) RecordRateLimitRejected(keyID, tier string) {
	if !m.isEnabled() {
		return
	}
	RateLimitRejectedTotal.WithLabelValues(keyID, tier).Inc()
}

func (m *Metrics) UpdateIdentityBanStatus(identity string, banned bool) {
	if !m.isEnabled() {
		return
	}
	value := 0.0
	if banned {
		value = 1.0
	}
	IdentityBanned.WithLabelValues(identity).Set(value)
}

func (m *Metrics) RecordBanEvent(identity, reason string) {
	if !m.isEnabled() {
		return
	}
	IdentityBanEvents.WithLabelValues(identity, reason).Inc()
}

func (m *Metrics) RecordUnbanEvent(identity string) {
	if !m.isEnabled() {
		return
	}
	IdentityUnbanEvents.WithLabelValues(identity).Inc()
}

func (m *Metrics) RecordFailoverEvent(nodeID, from, to string) {
	if !m.isEnabled() {
		return
	}
	FailoverEventTotal.WithLabelValues(nodeID, from, to).Inc()
}

func (m *Metrics) RecordFailoverFailure(nodeID, target string) {
	if !m.isEnabled() {
		return
	}
	FailoverFailureTotal.WithLabelValues(nodeID, target).Inc()
}

func (m *Metrics) SetActiveTarget(nodeID string, index int) {
	if !m.isEnabled() {
		return
	}
	ActiveTargetGauge.WithLabelValues(nodeID).Set(float64(index))
}

func (m *Metrics) SetConnectionState(nodeID, target string, up bool) {
	if !m.isEnabled() {
		return
	}
	value := 0.0
	if up {
		value = 1.0
	}
	ConnectionStateGauge.WithLabelValues(nodeID, target).Set(value)
}

func (m *Metrics) RecordETLBatch(result string) {
	if !m.isEnabled() {
		return
	}
	ETLBatchesTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) RecordMetricProcessed(nodeID, metricType string) {
	if !m.isEnabled() {
		return
	}
	ETLMetricsProcessedTotal.WithLabelValues(nodeID, metricType).Inc()
}

func (m *Metrics) RecordETLError(stage string) {
	if !m.isEnabled() {
		return
	}
	ETLErrorsTotal.WithLabelValues(stage).Inc()
}

func (m *Metrics) SetQueueDepth(depth int) {
	if !m.isEnabled() {
		return
	}
	ETLQueueDepth.Set(float64(depth))
}

func (m *Metrics) RecordAlertRaised(metricType, severity string) {
	if !m.isEnabled() {
		return
	}
	AlertsRaisedTotal.WithLabelValues(metricType, severity).Inc()
}

func (m *Metrics) RecordAlertDispatched(channel string) {
	if !m.isEnabled() {
		return
	}
	AlertsDispatchedTotal.WithLabelValues(channel).Inc()
}

func (m *Metrics) RecordAlertDropped(reason string) {
	if !m.isEnabled() {
		return
	}
	AlertsDroppedTotal.WithLabelValues(reason).Inc()
}

func (m *Metrics) SetBreakerState(table string, state int) {
	if !m.isEnabled() {
		return
	}
	AggregateBreakerState.WithLabelValues(table).Set(float64(state))
}

func (m *Metrics) RecordCacheResult(result string) {
	if !m.isEnabled() {
		return
	}
	AggregateCacheHitTotal.WithLabelValues(result).Inc()
}
