package aggregate

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fiberstack/fiber/internal/gateway"
	"github.com/fiberstack/fiber/internal/kv"
	"github.com/fiberstack/fiber/internal/store"
)

func TestSelectTable_RawForSubTwoMinuteWindows(t *testing.T) {
	assert.Equal(t, "", selectTable(90*time.Second, false, false))
}

func TestSelectTable_RawWhenFreshnessPreferredUnderTenMinutes(t *testing.T) {
	assert.Equal(t, "", selectTable(500*time.Second, true, false))
}

func TestSelectTable_OneMinuteAggregateUnderFifteenMinutes(t *testing.T) {
	assert.Equal(t, store.TableMetrics1m, selectTable(800*time.Second, false, false))
}

func TestSelectTable_FiveMinuteAggregateByNodeOrRegion(t *testing.T) {
	assert.Equal(t, store.TableMetrics5mNode, selectTable(3000*time.Second, false, false))
	assert.Equal(t, store.TableMetrics5mRegion, selectTable(3000*time.Second, false, true))
}

func TestSelectTable_HourlyUnderTwoDays(t *testing.T) {
	assert.Equal(t, store.TableMetricsHourly, selectTable(100000*time.Second, false, false))
}

func TestSelectTable_DailyAtOrBeyondTwoDays(t *testing.T) {
	assert.Equal(t, store.TableMetricsDaily, selectTable(200000*time.Second, false, false))
}

func TestDashboardCacheKey_StableAcrossCalls(t *testing.T) {
	params := gateway.AggregatedParams{NodeID: "node-1", Dimension: "node"}
	k1 := dashboardCacheKey("metrics", params)
	k2 := dashboardCacheKey("metrics", params)
	assert.Equal(t, k1, k2)
	assert.Contains(t, k1, "fiberstack:cache:dashboard:metrics:")
}

func TestDashboardCacheKey_DiffersByPrefixAndParams(t *testing.T) {
	a := dashboardCacheKey("metrics", gateway.AggregatedParams{NodeID: "node-1"})
	b := dashboardCacheKey("metrics", gateway.AggregatedParams{NodeID: "node-2"})
	c := dashboardCacheKey("cluster", gateway.AggregatedParams{NodeID: "node-1"})
	assert.NotEqual(t, a, b)
	assert.NotEqual(t, a, c)
}

func newTestEngine(t *testing.T) (*Engine, *kv.Store) {
	t.Helper()
	mr := miniredis.RunT(t)
	kvStore := kv.New(kv.Config{Addr: mr.Addr()})
	t.Cleanup(func() { kvStore.Close() })
	require.NoError(t, kvStore.LoadScripts(context.Background()))

	engine, err := New(Config{KV: kvStore, Logger: nil})
	require.NoError(t, err)
	return engine, kvStore
}

func TestCache_SetThenGetRoundTrips(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()

	result := gateway.AggregatedResult{Source: "raw", Rows: []gateway.AggregatedRow{{Key: "node-1", AvgLatency: 12.5}}}
	key := dashboardCacheKey("metrics", gateway.AggregatedParams{NodeID: "node-1"})
	engine.setCached(ctx, key, result, realtimeCacheTTL)

	cached, ok := engine.getCached(ctx, key)
	require.True(t, ok)

	var got gateway.AggregatedResult
	require.NoError(t, unmarshalCached(cached, &got))
	assert.Equal(t, result, got)
}

func TestCache_MissForUnknownKey(t *testing.T) {
	engine, _ := newTestEngine(t)
	_, ok := engine.getCached(context.Background(), "fiberstack:cache:dashboard:metrics:doesnotexist")
	assert.False(t, ok)
}

func TestMaybeEngageRollback_SetsFlagWhenThreeBreakersOpen(t *testing.T) {
	engine, kvStore := newTestEngine(t)
	ctx := context.Background()

	tables := []string{store.TableMetrics1m, store.TableMetrics5mNode, store.TableMetricsHourly}
	for _, table := range tables {
		breaker := engine.breakers[table]
		for i := 0; i < 5; i++ {
			_, _ = breaker.Execute(func() (interface{}, error) { return nil, errors.New("boom") })
		}
	}

	engine.maybeEngageRollback(ctx)

	disabled, err := kvStore.IsAggregationDisabled(ctx)
	require.NoError(t, err)
	assert.True(t, disabled)
}

func TestRollbackEngaged_FalseByDefault(t *testing.T) {
	engine, _ := newTestEngine(t)
	assert.False(t, engine.rollbackEngaged(context.Background()))
}

func TestRawMetricsToRows_MapsFieldsWithSampleSizeOne(t *testing.T) {
	metrics := []store.Metric{{NodeID: "node-1", LatencyMS: 10, UptimePct: 99, PacketLoss: 0.5}}
	rows := rawMetricsToRows(metrics)
	require.Len(t, rows, 1)
	assert.Equal(t, "node-1", rows[0].Key)
	assert.Equal(t, 1, rows[0].SampleSize)
}
