// Package aggregate selects among raw metrics and the store's continuous
// aggregate tables by window length, guards each table behind its own
// circuit breaker and freshness gate, and caches results across the
// dashboard and cluster-summary read paths. It implements
// gateway.AggregateQuerier so the gateway never imports this package
// directly.
package aggregate

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"

	appcache "github.com/fiberstack/fiber/internal/cache"
	"github.com/fiberstack/fiber/internal/gateway"
	"github.com/fiberstack/fiber/internal/kv"
	"github.com/fiberstack/fiber/internal/store"
)

// maxLagByTable is the freshness gate from §4.9: a bucket older than this
// means the continuous aggregate has fallen behind and the query must fall
// back to raw metrics.
var maxLagByTable = map[string]time.Duration{
	store.TableMetrics1m:       120 * time.Second,
	store.TableMetrics5mNode:   600 * time.Second,
	store.TableMetrics5mRegion: 600 * time.Second,
	store.TableMetricsHourly:   7200 * time.Second,
	store.TableMetricsDaily:    86400 * time.Second,
}

const (
	realtimeCacheTTL  = 10 * time.Second
	clusterCacheTTL   = 60 * time.Second
	queryTimeout      = 5 * time.Second
	rollbackThreshold = 3
	rollbackTTL       = 300 * time.Second
)

// Engine is the concrete aggregate query layer.
type Engine struct {
	store    *store.Store
	kv       *kv.Store
	logger   *slog.Logger
	local    *appcache.Cache
	breakers map[string]*gobreaker.CircuitBreaker
}

// Config wires an Engine's dependencies.
type Config struct {
	Store  *store.Store
	KV     *kv.Store
	Logger *slog.Logger

	// LocalCacheSize and LocalCacheTTL size the in-process result cache
	// sitting in front of the shared kv-store cache. Zero selects defaults.
	LocalCacheSize int
	LocalCacheTTL  time.Duration
}

// New builds an Engine with one circuit breaker per continuous-aggregate
// table, per §4.9 (5 failures → open, 60s reset, half-open admits one probe).
func New(cfg Config) (*Engine, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.LocalCacheTTL <= 0 {
		cfg.LocalCacheTTL = realtimeCacheTTL
	}

	local, err := appcache.New(cfg.LocalCacheSize, cfg.LocalCacheTTL)
	if err != nil {
		return nil, fmt.Errorf("aggregate: build local cache: %w", err)
	}

	e := &Engine{
		store:    cfg.Store,
		kv:       cfg.KV,
		logger:   cfg.Logger,
		local:    local,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}

	for _, table := range []string{
		store.TableMetrics1m,
		store.TableMetrics5mNode,
		store.TableMetrics5mRegion,
		store.TableMetricsHourly,
		store.TableMetricsDaily,
	} {
		table := table
		e.breakers[table] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        table,
			MaxRequests: 1,
			Interval:    0,
			Timeout:     60 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				e.logger.Warn("aggregate: breaker state change", "table", name, "from", from, "to", to)
			},
		})
	}

	return e, nil
}

// selectTable implements the §4.9 window-length table-selection rule.
// Returns "" to indicate the raw-metrics path.
func selectTable(window time.Duration, preferFreshness, byRegion bool) string {
	switch {
	case preferFreshness && window < 600*time.Second:
		return ""
	case window < 120*time.Second:
		return ""
	case window < 900*time.Second:
		return store.TableMetrics1m
	case window < 7200*time.Second:
		if byRegion {
			return store.TableMetrics5mRegion
		}
		return store.TableMetrics5mNode
	case window < 172800*time.Second:
		return store.TableMetricsHourly
	default:
		return store.TableMetricsDaily
	}
}

// QueryAggregated implements gateway.AggregateQuerier.
func (e *Engine) QueryAggregated(ctx context.Context, params gateway.AggregatedParams) (gateway.AggregatedResult, error) {
	cacheKey := dashboardCacheKey("metrics", params)
	if cached, ok := e.getCached(ctx, cacheKey); ok {
		var result gateway.AggregatedResult
		if err := unmarshalCached(cached, &result); err == nil {
			result.Source = "cache"
			return result, nil
		}
	}

	window := params.End.Sub(params.Start)
	byRegion := params.Dimension == "region"
	selectedTable := selectTable(window, params.PreferFreshness, byRegion)
	table := selectedTable

	if table != "" && e.rollbackEngaged(ctx) {
		table = ""
	}

	var result gateway.AggregatedResult
	if table != "" {
		rows, err := e.queryAggregateTable(ctx, table, params.NodeID, params.Start, params.End, byRegion)
		if err == nil {
			result = gateway.AggregatedResult{Rows: toGatewayRows(rows), Source: table}
		} else {
			e.logger.Warn("aggregate: table query failed, falling back to raw", "table", table, "error", err)
			table = ""
		}
	}

	if table == "" {
		metrics, err := e.store.QueryRawMetrics(ctx, params.NodeID, params.Start, params.End, 1000)
		if err != nil {
			return gateway.AggregatedResult{}, fmt.Errorf("aggregate: raw fallback query failed: %w", err)
		}
		source := "metrics"
		if selectedTable != "" {
			source = "metrics (fallback)"
		}
		result = gateway.AggregatedResult{Rows: rawMetricsToRows(metrics), Source: source}
	}

	e.setCached(ctx, cacheKey, result, realtimeCacheTTL)
	return result, nil
}

// QueryCluster implements gateway.AggregateQuerier.
func (e *Engine) QueryCluster(ctx context.Context, params gateway.ClusterParams) (gateway.ClusterResult, error) {
	cacheKey := dashboardCacheKey("cluster", params)
	if cached, ok := e.getCached(ctx, cacheKey); ok {
		var result gateway.ClusterResult
		if err := unmarshalCached(cached, &result); err == nil {
			result.Source = "cache"
			return result, nil
		}
	}

	summary, regions, problems, err := e.store.QueryClusterSummary(ctx, params.Start, params.End, params.TopN)
	if err != nil {
		return gateway.ClusterResult{}, fmt.Errorf("aggregate: cluster summary query failed: %w", err)
	}

	result := gateway.ClusterResult{
		NodeCount:  summary.NodeCount,
		AvgLatency: summary.AvgLatency,
		AvgUptime:  summary.AvgUptime,
		AvgLoss:    summary.AvgLoss,
		Regions:    make([]gateway.RegionSummary, 0, len(regions)),
		TopN:       make([]gateway.ProblemNode, 0, len(problems)),
		Source:     "metrics",
	}
	for _, r := range regions {
		result.Regions = append(result.Regions, gateway.RegionSummary{
			Region:     r.Region,
			NodeCount:  r.NodeCount,
			AvgLatency: r.AvgLatency,
			AvgUptime:  r.AvgUptime,
			AvgLoss:    r.AvgLoss,
		})
	}
	for _, p := range problems {
		result.TopN = append(result.TopN, gateway.ProblemNode{NodeID: p.NodeID, Score: p.Score})
	}

	e.setCached(ctx, cacheKey, result, clusterCacheTTL)
	return result, nil
}

// queryAggregateTable runs the table query through the table's circuit
// breaker, the health-gate freshness check, and the 5s query timeout —
// any of which degrades to an error so the caller falls back to raw.
func (e *Engine) queryAggregateTable(ctx context.Context, table, nodeID string, start, end time.Time, byRegion bool) ([]store.AggregateRow, error) {
	breaker := e.breakers[table]
	if breaker == nil {
		return nil, fmt.Errorf("no breaker configured for table %s", table)
	}

	if maxLag, ok := maxLagByTable[table]; ok {
		lag, err := e.store.AggregateBucketLag(ctx, table)
		if err != nil {
			return nil, fmt.Errorf("health gate lag check: %w", err)
		}
		if lag > maxLag {
			return nil, fmt.Errorf("table %s stale: lag %s exceeds max %s", table, lag, maxLag)
		}
	}

	result, err := breaker.Execute(func() (interface{}, error) {
		qCtx, cancel := context.WithTimeout(ctx, queryTimeout)
		defer cancel()
		return e.store.QueryAggregateWindow(qCtx, table, nodeID, start, end, byRegion)
	})
	if err != nil {
		e.maybeEngageRollback(ctx)
		return nil, err
	}
	return result.([]store.AggregateRow), nil
}

// maybeEngageRollback sets the global aggregation:disabled flag when at
// least rollbackThreshold of the per-table breakers are currently open.
func (e *Engine) maybeEngageRollback(ctx context.Context) {
	open := 0
	for _, b := range e.breakers {
		if b.State() == gobreaker.StateOpen {
			open++
		}
	}
	if open >= rollbackThreshold {
		if err := e.kv.SetAggregationDisabled(ctx, rollbackTTL); err != nil {
			e.logger.Error("aggregate: failed to engage rollback flag", "error", err)
			return
		}
		e.logger.Warn("aggregate: auto-rollback engaged, serving raw metrics only", "open_breakers", open)
	}
}

// rollbackEngaged reports whether the global aggregation:disabled flag is
// set, short-circuiting table selection straight to raw.
func (e *Engine) rollbackEngaged(ctx context.Context) bool {
	disabled, err := e.kv.IsAggregationDisabled(ctx)
	if err != nil {
		e.logger.Warn("aggregate: rollback flag check failed, assuming enabled", "error", err)
		return false
	}
	return disabled
}

func toGatewayRows(rows []store.AggregateRow) []gateway.AggregatedRow {
	out := make([]gateway.AggregatedRow, 0, len(rows))
	for _, r := range rows {
		out = append(out, gateway.AggregatedRow{
			Bucket:     r.Bucket,
			Key:        r.Key,
			AvgLatency: r.AvgLatency,
			AvgUptime:  r.AvgUptime,
			AvgLoss:    r.AvgLoss,
			SampleSize: r.SampleSize,
		})
	}
	return out
}

func rawMetricsToRows(metrics []store.Metric) []gateway.AggregatedRow {
	out := make([]gateway.AggregatedRow, 0, len(metrics))
	for _, m := range metrics {
		out = append(out, gateway.AggregatedRow{
			Bucket:     m.Timestamp,
			Key:        m.NodeID,
			AvgLatency: m.LatencyMS,
			AvgUptime:  m.UptimePct,
			AvgLoss:    m.PacketLoss,
			SampleSize: 1,
		})
	}
	return out
}
