package gateway

import (
	"net/http"
	"strconv"
	"time"

	"github.com/fiberstack/fiber/internal/auth"
)

const (
	defaultRawLimit  = 100
	maxRawLimit      = 1000
	maxClusterWindow = 7 * 24 * time.Hour
)

func parseTimeParam(v string, fallback time.Time) time.Time {
	if v == "" {
		return fallback
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t
	}
	return fallback
}

func (g *Gateway) handleRawMetrics(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	id, ok := g.requirePermission(w, r, auth.PermViewMetrics)
	if !ok {
		return
	}
	if !g.checkRateLimit(w, r, g.rateLimitKey(r, id)) {
		return
	}

	q := r.URL.Query()
	nodeID := q.Get("node_id")
	end := parseTimeParam(q.Get("end"), time.Now().UTC())
	startTime := parseTimeParam(q.Get("start"), end.Add(-1*time.Hour))

	limit := defaultRawLimit
	if l, err := strconv.Atoi(q.Get("limit")); err == nil && l > 0 {
		limit = l
	}
	if limit > maxRawLimit {
		limit = maxRawLimit
	}

	metrics, err := g.store.QueryRawMetrics(r.Context(), nodeID, startTime, end, limit)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "STORE_UNAVAILABLE", err.Error())
		return
	}

	g.recordRequest(id.Subject, "/metrics", http.StatusOK, start)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"metrics": metrics,
		"count":   len(metrics),
		"limit":   limit,
	})
}

func (g *Gateway) handleAggregatedMetrics(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	id, ok := g.requirePermission(w, r, auth.PermViewMetrics)
	if !ok {
		return
	}
	if !g.checkRateLimit(w, r, g.rateLimitKey(r, id)) {
		return
	}

	if g.aggregate == nil {
		writeError(w, http.StatusServiceUnavailable, "AGGREGATE_UNAVAILABLE", "aggregate query layer not configured")
		return
	}

	q := r.URL.Query()
	end := parseTimeParam(q.Get("end"), time.Now().UTC())
	startTime := parseTimeParam(q.Get("start"), end.Add(-1*time.Hour))
	dimension := q.Get("dimension")
	if dimension != "region" {
		dimension = "node"
	}

	result, err := g.aggregate.QueryAggregated(r.Context(), AggregatedParams{
		NodeID:          q.Get("node_id"),
		Start:           startTime,
		End:             end,
		Dimension:       dimension,
		PreferFreshness: q.Get("prefer_freshness") == "true",
	})
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "AGGREGATE_QUERY_FAILED", err.Error())
		return
	}

	g.recordRequest(id.Subject, "/metrics/aggregated", http.StatusOK, start)
	writeJSON(w, http.StatusOK, result)
}

func (g *Gateway) handleClusterMetrics(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	id, ok := g.requirePermission(w, r, auth.PermViewMetrics)
	if !ok {
		return
	}
	if !g.checkRateLimit(w, r, g.rateLimitKey(r, id)) {
		return
	}

	if g.aggregate == nil {
		writeError(w, http.StatusServiceUnavailable, "AGGREGATE_UNAVAILABLE", "aggregate query layer not configured")
		return
	}

	q := r.URL.Query()
	end := parseTimeParam(q.Get("end"), time.Now().UTC())
	startTime := parseTimeParam(q.Get("start"), end.Add(-24*time.Hour))

	if end.Sub(startTime) > maxClusterWindow {
		writeError(w, http.StatusBadRequest, "WINDOW_TOO_LARGE", "cluster window exceeds 7 days")
		return
	}

	topN := 10
	if n, err := strconv.Atoi(q.Get("top_n")); err == nil && n > 0 {
		topN = n
	}
	if topN > 20 {
		topN = 20
	}

	result, err := g.aggregate.QueryCluster(r.Context(), ClusterParams{Start: startTime, End: end, TopN: topN})
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "AGGREGATE_QUERY_FAILED", err.Error())
		return
	}

	g.recordRequest(id.Subject, "/metrics/cluster", http.StatusOK, start)
	writeJSON(w, http.StatusOK, result)
}
