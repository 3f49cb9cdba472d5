package gateway

import "time"

// AggregatedParams describes a windowed aggregate query over /metrics/aggregated.
type AggregatedParams struct {
	NodeID          string
	Start, End      time.Time
	Dimension       string // "node" or "region"
	PreferFreshness bool
}

// AggregatedRow is one bucketed aggregate result row.
type AggregatedRow struct {
	Bucket     time.Time `json:"bucket"`
	Key        string    `json:"key"` // node_id or region, per Dimension
	AvgLatency float64   `json:"avg_latency_ms"`
	AvgUptime  float64   `json:"avg_uptime_pct"`
	AvgLoss    float64   `json:"avg_packet_loss"`
	SampleSize int       `json:"sample_size"`
}

// AggregatedResult is the response body for /metrics/aggregated.
type AggregatedResult struct {
	Rows   []AggregatedRow `json:"rows"`
	Source string          `json:"source"`
}

// ClusterParams describes a cluster summary request.
type ClusterParams struct {
	Start, End time.Time
	TopN       int
}

// RegionSummary is one region's rollup within a cluster summary.
type RegionSummary struct {
	Region     string  `json:"region"`
	NodeCount  int     `json:"node_count"`
	AvgLatency float64 `json:"avg_latency_ms"`
	AvgUptime  float64 `json:"avg_uptime_pct"`
	AvgLoss    float64 `json:"avg_packet_loss"`
}

// ProblemNode is one entry in the cluster summary's top-N ranking.
type ProblemNode struct {
	NodeID string  `json:"node_id"`
	Score  float64 `json:"score"`
}

// ClusterResult is the response body for /metrics/cluster.
type ClusterResult struct {
	NodeCount  int             `json:"node_count"`
	AvgLatency float64         `json:"avg_latency_ms"`
	AvgUptime  float64         `json:"avg_uptime_pct"`
	AvgLoss    float64         `json:"avg_packet_loss"`
	Regions    []RegionSummary `json:"regions"`
	TopN       []ProblemNode   `json:"top_n"`
	Source     string          `json:"source"`
}
