package store

import "strings"

// QueryHealthCheck is the cheapest possible liveness probe against the pool.
const QueryHealthCheck = `SELECT 1`

// QueryInsertMetric inserts a single metric row, used by the row-by-row
// fallback path after a bulk-copy unique-constraint failure.
const QueryInsertMetric = `
INSERT INTO metrics (node_id, country, region, latency_ms, uptime_pct, packet_loss, "time", metadata, source_region)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT ("time", node_id) DO NOTHING
`

// QueryInsertConflict records a second arrival for a (time, node_id) tuple
// that already exists in the metrics table, per the audit contract in §3.
const QueryInsertConflict = `
INSERT INTO metric_conflicts ("time", node_id, payload, ingest_region)
VALUES ($1, $2, $3, $4)
`

// QueryUpsertNode inserts or refreshes a node's last_seen_at on ETL contact.
const QueryUpsertNode = `
INSERT INTO nodes (node_id, status, country, region, lat, lng, last_seen_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (node_id) DO UPDATE SET
  last_seen_at = EXCLUDED.last_seen_at,
  status = CASE WHEN nodes.status = 'registered' THEN 'reporting' ELSE nodes.status END
`

// QueryCreateNode inserts a node as registered via the admin API.
const QueryCreateNode = `
INSERT INTO nodes (node_id, status, country, region, lat, lng, last_seen_at)
VALUES ($1, 'registered', $2, $3, $4, $5, now())
`

// QuerySoftDeleteNode tombstones a node without touching its metric rows.
const QuerySoftDeleteNode = `
UPDATE nodes SET status = 'deleted' WHERE node_id = $1
`

// QueryListNodes lists non-deleted nodes.
const QueryListNodes = `
SELECT node_id, status, country, region, lat, lng, last_seen_at
FROM nodes
WHERE status != 'deleted'
ORDER BY node_id
`

// metricParamCount is the number of bind parameters per metrics row in
// BuildBatchInsertQuery, following spend_logs.go's batch-insert idiom.
const metricParamCount = 9

// BuildBatchInsertQuery builds a multi-row INSERT for count metric rows,
// pre-sizing the builder the way spend_logs.go's BuildBatchInsertQuery does.
func BuildBatchInsertQuery(count int) string {
	var b strings.Builder
	b.Grow(200 + count*40)

	b.WriteString(`INSERT INTO metrics (node_id, country, region, latency_ms, uptime_pct, packet_loss, "time", metadata, source_region) VALUES `)

	for i := 0; i < count; i++ {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteByte('(')
		for j := 0; j < metricParamCount; j++ {
			if j > 0 {
				b.WriteByte(',')
			}
			b.WriteByte('$')
			b.WriteString(itoa(i*metricParamCount + j + 1))
		}
		b.WriteByte(')')
	}

	b.WriteString(` ON CONFLICT ("time", node_id) DO NOTHING`)
	return b.String()
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}

// QueryInsertAnalytics writes one analytics-engine result row alongside the
// raw metric it was computed from.
const QueryInsertAnalytics = `
INSERT INTO metrics_aggregated ("time", node_id, latency_avg_window, latency_std_window, packet_loss_spike, anomaly_score, metadata)
VALUES ($1, $2, $3, $4, $5, $6, $7)
`

// Aggregate table names selected by window length, per §4.9.
const (
	TableMetrics1m       = "metrics_aggregated_1m"
	TableMetrics5mNode   = "metrics_aggregated_5m_node"
	TableMetrics5mRegion = "metrics_aggregated_5m_region"
	TableMetricsHourly   = "metrics_aggregated_hourly"
	TableMetricsDaily    = "metrics_aggregated_daily"
)

// QueryMaxBucketTimestamp reads the freshest bucket in a continuous
// aggregate, used by the aggregate layer's health gate to compute lag.
func QueryMaxBucketTimestamp(table string) string {
	return `SELECT max(bucket) FROM ` + table
}

// QueryAggregateWindow builds a windowed read against one of the
// continuous-aggregate tables. All five aggregate tables share the same
// column shape (bucket, node_id, region_key, avg_latency_ms, avg_uptime_pct,
// avg_packet_loss, sample_size) so one query template covers every table
// in the §4.9 selection list; byRegion switches the grouping key and drops
// the per-node filter since a region rollup has no single node_id.
func QueryAggregateWindow(table string, byRegion bool) string {
	if byRegion {
		return `
SELECT bucket, region_key AS key, avg_latency_ms, avg_uptime_pct, avg_packet_loss, sample_size
FROM ` + table + `
WHERE bucket >= $1 AND bucket < $2
ORDER BY bucket DESC
`
	}
	return `
SELECT bucket, node_id AS key, avg_latency_ms, avg_uptime_pct, avg_packet_loss, sample_size
FROM ` + table + `
WHERE (node_id = $1 OR $1 = '') AND bucket >= $2 AND bucket < $3
ORDER BY bucket DESC
`
}

// QueryClusterSummary computes fleet-wide composite statistics across raw
// metrics in the window, used by /metrics/cluster's headline numbers.
const QueryClusterSummary = `
SELECT count(DISTINCT node_id), coalesce(avg(latency_ms), 0), coalesce(avg(uptime_pct), 0), coalesce(avg(packet_loss), 0)
FROM metrics
WHERE "time" >= $1 AND "time" < $2
`

// QueryClusterRegionBreakdown groups the same window by source_region for
// the cluster summary's regional breakdown.
const QueryClusterRegionBreakdown = `
SELECT source_region, count(DISTINCT node_id), coalesce(avg(latency_ms), 0), coalesce(avg(uptime_pct), 0), coalesce(avg(packet_loss), 0)
FROM metrics
WHERE "time" >= $1 AND "time" < $2
GROUP BY source_region
`

// QueryClusterProblemNodes ranks nodes by the composite score
// latency_ms/50 + packet_loss*10 + (100 - uptime_pct)*2, descending, for
// the cluster summary's top-N problem-node list.
const QueryClusterProblemNodes = `
SELECT node_id,
       avg(latency_ms) / 50 + avg(packet_loss) * 10 + (100 - avg(uptime_pct)) * 2 AS score
FROM metrics
WHERE "time" >= $1 AND "time" < $2
GROUP BY node_id
ORDER BY score DESC
LIMIT $3
`
