package store

import (
	"strings"
	"testing"
)

func TestBuildBatchInsertQuery_Placeholders(t *testing.T) {
	q := BuildBatchInsertQuery(3)

	if got := strings.Count(q, "("); got != 5 { // column list + 3 value groups + the ON CONFLICT target
		t.Fatalf("expected 5 opening parens, got %d: %s", got, q)
	}
	if !strings.Contains(q, "$1") || !strings.Contains(q, "$27") {
		t.Fatalf("expected placeholders $1..$27 for 3 rows of %d params, got: %s", metricParamCount, q)
	}
	if !strings.HasSuffix(q, `ON CONFLICT ("time", node_id) DO NOTHING`) {
		t.Fatalf("expected conflict clause suffix, got: %s", q)
	}
}

func TestBuildBatchInsertQuery_Zero(t *testing.T) {
	q := BuildBatchInsertQuery(0)
	if strings.Contains(q, "$1") {
		t.Fatalf("expected no placeholders for zero rows, got: %s", q)
	}
}

func TestItoa(t *testing.T) {
	cases := map[int]string{0: "0", 1: "1", 9: "9", 10: "10", 123: "123"}
	for n, want := range cases {
		if got := itoa(n); got != want {
			t.Errorf("itoa(%d) = %q, want %q", n, got, want)
		}
	}
}

func TestQueryMaxBucketTimestamp_UsesGivenTable(t *testing.T) {
	q := QueryMaxBucketTimestamp(TableMetricsHourly)
	if !strings.Contains(q, TableMetricsHourly) {
		t.Fatalf("expected table name in query, got: %s", q)
	}
}

func TestQueryAggregateWindow_ByNodeFiltersAndUsesNodeKey(t *testing.T) {
	q := QueryAggregateWindow(TableMetrics5mNode, false)
	if !strings.Contains(q, TableMetrics5mNode) {
		t.Fatalf("expected table name in query, got: %s", q)
	}
	if !strings.Contains(q, "node_id = $1") {
		t.Fatalf("expected node_id filter, got: %s", q)
	}
	if !strings.Contains(q, "node_id AS key") {
		t.Fatalf("expected node_id as the grouping key, got: %s", q)
	}
}

func TestQueryAggregateWindow_ByRegionDropsNodeFilterAndUsesRegionKey(t *testing.T) {
	q := QueryAggregateWindow(TableMetrics5mRegion, true)
	if strings.Contains(q, "node_id = $1") {
		t.Fatalf("expected no node_id filter for a region rollup, got: %s", q)
	}
	if !strings.Contains(q, "region_key AS key") {
		t.Fatalf("expected region_key as the grouping key, got: %s", q)
	}
}
