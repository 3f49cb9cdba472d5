package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
)

// Store is the high-level façade ETL and the aggregate query layer use,
// built on top of ConnectionPool.
type Store struct {
	pool   *ConnectionPool
	logger *slog.Logger
}

// New wraps an already-established connection pool.
func New(pool *ConnectionPool, logger *slog.Logger) *Store {
	return &Store{pool: pool, logger: logger}
}

// BulkInsertResult reports the outcome of a batch insert, per §4.6 step 6.
type BulkInsertResult struct {
	Processed int
	Conflicts int
}

// InsertMetricsBulk attempts a bulk copy of the batch; on a unique-
// constraint violation it falls back to row-by-row insert, writing a
// metric_conflicts row for every 0-rows-affected insert.
func (s *Store) InsertMetricsBulk(ctx context.Context, metrics []Metric, useCopy bool) (BulkInsertResult, error) {
	if len(metrics) == 0 {
		return BulkInsertResult{}, nil
	}

	if useCopy {
		n, err := s.copyInsert(ctx, metrics)
		if err == nil {
			return BulkInsertResult{Processed: n}, nil
		}
		s.logger.Warn("store: bulk copy failed, falling back to row-by-row insert", "error", err)
	}

	return s.rowByRowInsert(ctx, metrics)
}

func (s *Store) copyInsert(ctx context.Context, metrics []Metric) (int, error) {
	rows := make([][]interface{}, len(metrics))
	for i, m := range metrics {
		rows[i] = []interface{}{m.NodeID, m.Country, m.Region, m.LatencyMS, m.UptimePct, m.PacketLoss, m.Timestamp, m.Metadata, m.SourceRegion}
	}

	n, err := s.pool.Pool().CopyFrom(ctx,
		pgx.Identifier{"metrics"},
		[]string{"node_id", "country", "region", "latency_ms", "uptime_pct", "packet_loss", "time", "metadata", "source_region"},
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return 0, fmt.Errorf("copy from: %w", err)
	}
	return int(n), nil
}

func (s *Store) rowByRowInsert(ctx context.Context, metrics []Metric) (BulkInsertResult, error) {
	var result BulkInsertResult

	for _, m := range metrics {
		tag, err := s.pool.Pool().Exec(ctx, QueryInsertMetric,
			m.NodeID, m.Country, m.Region, m.LatencyMS, m.UptimePct, m.PacketLoss, m.Timestamp, m.Metadata, m.SourceRegion)
		if err != nil {
			return result, fmt.Errorf("insert metric: %w", err)
		}

		if tag.RowsAffected() == 0 {
			payload, _ := json.Marshal(m)
			if _, cErr := s.pool.Pool().Exec(ctx, QueryInsertConflict, m.Timestamp, m.NodeID, string(payload), m.SourceRegion); cErr != nil {
				s.logger.Error("store: failed to write conflict audit row", "node_id", m.NodeID, "error", cErr)
			}
			result.Conflicts++
			continue
		}
		result.Processed++
	}

	return result, nil
}

// AnalyticsRow is one computed analytics result awaiting persistence.
type AnalyticsRow struct {
	Timestamp        time.Time
	NodeID           string
	LatencyAvgWindow *float64
	LatencyStdWindow *float64
	PacketLossSpike  bool
	AnomalyScore     float64
}

// InsertAnalytics persists one analytics-engine result row. Failures here
// are logged by the caller and never block the metric's own insert.
func (s *Store) InsertAnalytics(ctx context.Context, row AnalyticsRow) error {
	metadata, _ := json.Marshal(map[string]string{"source": "etl-analytics"})
	_, err := s.pool.Pool().Exec(ctx, QueryInsertAnalytics,
		row.Timestamp, row.NodeID, row.LatencyAvgWindow, row.LatencyStdWindow, row.PacketLossSpike, row.AnomalyScore, string(metadata))
	if err != nil {
		return fmt.Errorf("insert analytics: %w", err)
	}
	return nil
}

// UpsertNode inserts a node or refreshes its last_seen_at, promoting
// `registered` to `reporting` on first ETL contact.
func (s *Store) UpsertNode(ctx context.Context, n Node) error {
	_, err := s.pool.Pool().Exec(ctx, QueryUpsertNode, n.NodeID, string(n.Status), n.Country, n.Region, n.Lat, n.Lng, n.LastSeen)
	if err != nil {
		return fmt.Errorf("upsert node: %w", err)
	}
	return nil
}

// CreateNode registers a new node via the admin API.
func (s *Store) CreateNode(ctx context.Context, nodeID, country, region string, lat, lng float64) error {
	_, err := s.pool.Pool().Exec(ctx, QueryCreateNode, nodeID, country, region, lat, lng)
	if err != nil {
		return fmt.Errorf("create node: %w", err)
	}
	return nil
}

// SoftDeleteNode tombstones a node, leaving its metric rows intact.
func (s *Store) SoftDeleteNode(ctx context.Context, nodeID string) error {
	_, err := s.pool.Pool().Exec(ctx, QuerySoftDeleteNode, nodeID)
	if err != nil {
		return fmt.Errorf("soft delete node: %w", err)
	}
	return nil
}

// ListNodes returns every non-deleted node.
func (s *Store) ListNodes(ctx context.Context) ([]Node, error) {
	rows, err := s.pool.Pool().Query(ctx, QueryListNodes)
	if err != nil {
		return nil, fmt.Errorf("list nodes: %w", err)
	}
	defer rows.Close()

	var nodes []Node
	for rows.Next() {
		var n Node
		var status string
		if err := rows.Scan(&n.NodeID, &status, &n.Country, &n.Region, &n.Lat, &n.Lng, &n.LastSeen); err != nil {
			return nil, fmt.Errorf("scan node: %w", err)
		}
		n.Status = NodeStatus(status)
		nodes = append(nodes, n)
	}
	return nodes, rows.Err()
}

// AggregateBucketLag reports how stale a continuous aggregate's freshest
// bucket is, feeding the aggregate query layer's health gate.
func (s *Store) AggregateBucketLag(ctx context.Context, table string) (time.Duration, error) {
	var maxBucket *time.Time
	err := s.pool.Pool().QueryRow(ctx, QueryMaxBucketTimestamp(table)).Scan(&maxBucket)
	if err != nil {
		return 0, fmt.Errorf("aggregate bucket lag: %w", err)
	}
	if maxBucket == nil {
		return time.Duration(1<<62 - 1), nil
	}
	return time.Since(*maxBucket), nil
}

// AggregateRow is one bucketed row from a continuous-aggregate table.
type AggregateRow struct {
	Bucket     time.Time
	Key        string
	AvgLatency float64
	AvgUptime  float64
	AvgLoss    float64
	SampleSize int
}

// QueryAggregateWindow reads a windowed slice of one continuous-aggregate
// table, keyed by node (byRegion=false) or by region (byRegion=true).
func (s *Store) QueryAggregateWindow(ctx context.Context, table, nodeID string, start, end time.Time, byRegion bool) ([]AggregateRow, error) {
	query := QueryAggregateWindow(table, byRegion)

	var rows pgx.Rows
	var err error
	if byRegion {
		rows, err = s.pool.Pool().Query(ctx, query, start, end)
	} else {
		rows, err = s.pool.Pool().Query(ctx, query, nodeID, start, end)
	}
	if err != nil {
		return nil, fmt.Errorf("query aggregate window (%s): %w", table, err)
	}
	defer rows.Close()

	var result []AggregateRow
	for rows.Next() {
		var r AggregateRow
		if err := rows.Scan(&r.Bucket, &r.Key, &r.AvgLatency, &r.AvgUptime, &r.AvgLoss, &r.SampleSize); err != nil {
			return nil, fmt.Errorf("scan aggregate row (%s): %w", table, err)
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

// ClusterSummaryRow is the fleet-wide headline row for /metrics/cluster.
type ClusterSummaryRow struct {
	NodeCount  int
	AvgLatency float64
	AvgUptime  float64
	AvgLoss    float64
}

// RegionBreakdownRow is one region's slice of the cluster summary.
type RegionBreakdownRow struct {
	Region     string
	NodeCount  int
	AvgLatency float64
	AvgUptime  float64
	AvgLoss    float64
}

// ProblemNodeRow is one node's composite-score ranking for the cluster
// summary's top-N list.
type ProblemNodeRow struct {
	NodeID string
	Score  float64
}

// QueryClusterSummary computes the fleet-wide headline numbers, regional
// breakdown, and top-N problem-node ranking for the cluster summary, per
// the composite score in §4.9.
func (s *Store) QueryClusterSummary(ctx context.Context, start, end time.Time, topN int) (ClusterSummaryRow, []RegionBreakdownRow, []ProblemNodeRow, error) {
	var summary ClusterSummaryRow
	if err := s.pool.Pool().QueryRow(ctx, QueryClusterSummary, start, end).Scan(
		&summary.NodeCount, &summary.AvgLatency, &summary.AvgUptime, &summary.AvgLoss); err != nil {
		return summary, nil, nil, fmt.Errorf("cluster summary: %w", err)
	}

	regionRows, err := s.pool.Pool().Query(ctx, QueryClusterRegionBreakdown, start, end)
	if err != nil {
		return summary, nil, nil, fmt.Errorf("cluster region breakdown: %w", err)
	}
	defer regionRows.Close()

	var regions []RegionBreakdownRow
	for regionRows.Next() {
		var r RegionBreakdownRow
		if err := regionRows.Scan(&r.Region, &r.NodeCount, &r.AvgLatency, &r.AvgUptime, &r.AvgLoss); err != nil {
			return summary, nil, nil, fmt.Errorf("scan region breakdown: %w", err)
		}
		regions = append(regions, r)
	}
	if err := regionRows.Err(); err != nil {
		return summary, nil, nil, err
	}

	problemRows, err := s.pool.Pool().Query(ctx, QueryClusterProblemNodes, start, end, topN)
	if err != nil {
		return summary, regions, nil, fmt.Errorf("cluster problem nodes: %w", err)
	}
	defer problemRows.Close()

	var problems []ProblemNodeRow
	for problemRows.Next() {
		var p ProblemNodeRow
		if err := problemRows.Scan(&p.NodeID, &p.Score); err != nil {
			return summary, regions, nil, fmt.Errorf("scan problem node: %w", err)
		}
		problems = append(problems, p)
	}
	return summary, regions, problems, problemRows.Err()
}

// QueryRawMetrics runs a windowed raw-metrics query for the aggregate
// query layer's real-time and fallback paths.
func (s *Store) QueryRawMetrics(ctx context.Context, nodeID string, start, end time.Time, limit int) ([]Metric, error) {
	rows, err := s.pool.Pool().Query(ctx, `
		SELECT node_id, country, region, latency_ms, uptime_pct, packet_loss, "time", metadata, source_region
		FROM metrics
		WHERE (node_id = $1 OR $1 = '') AND "time" >= $2 AND "time" < $3
		ORDER BY "time" DESC
		LIMIT $4
	`, nodeID, start, end, limit)
	if err != nil {
		return nil, fmt.Errorf("query raw metrics: %w", err)
	}
	defer rows.Close()

	var metrics []Metric
	for rows.Next() {
		var m Metric
		if err := rows.Scan(&m.NodeID, &m.Country, &m.Region, &m.LatencyMS, &m.UptimePct, &m.PacketLoss, &m.Timestamp, &m.Metadata, &m.SourceRegion); err != nil {
			return nil, fmt.Errorf("scan raw metric: %w", err)
		}
		metrics = append(metrics, m)
	}
	return metrics, rows.Err()
}
