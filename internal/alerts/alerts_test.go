package alerts

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"github.com/fiberstack/fiber/internal/kv"
)

type fakeDispatcher struct {
	calls     atomic.Int32
	fail      atomic.Bool
	lastAlert Alert
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, alert Alert) error {
	f.calls.Add(1)
	f.lastAlert = alert
	if f.fail.Load() {
		return errors.New("dispatch failed")
	}
	return nil
}

func newTestEngine(t *testing.T, dispatcher Dispatcher) (*Engine, *kv.Store) {
	t.Helper()
	mr := miniredis.RunT(t)
	store := kv.New(kv.Config{Addr: mr.Addr()})
	t.Cleanup(func() { store.Close() })
	require.NoError(t, store.LoadScripts(context.Background()))

	e := NewEngine(store, dispatcher, DefaultThresholds(), nil, nil)
	e.retryBase = time.Millisecond
	e.retryMax = 2 * time.Millisecond
	return e, store
}

func TestProcess_FiresLatencyWarning(t *testing.T) {
	d := &fakeDispatcher{}
	e, _ := newTestEngine(t, d)

	e.Process(context.Background(), Metric{NodeID: "n1", LatencyMS: 250, UptimePct: 100})
	require.Equal(t, int32(1), d.calls.Load())
	require.Equal(t, "latency_ms", d.lastAlert.MetricName)
	require.Equal(t, SeverityWarning, d.lastAlert.Severity)
}

func TestProcess_NoViolationFiresNothing(t *testing.T) {
	d := &fakeDispatcher{}
	e, _ := newTestEngine(t, d)

	e.Process(context.Background(), Metric{NodeID: "n1", LatencyMS: 10, UptimePct: 100})
	require.Zero(t, d.calls.Load())
}

func TestProcess_DedupDropsSecondIdenticalAlert(t *testing.T) {
	d := &fakeDispatcher{}
	e, _ := newTestEngine(t, d)

	e.Process(context.Background(), Metric{NodeID: "n1", LatencyMS: 250, UptimePct: 100})
	e.Process(context.Background(), Metric{NodeID: "n1", LatencyMS: 260, UptimePct: 100})
	require.Equal(t, int32(1), d.calls.Load(), "second alert within the cooldown window must be deduped")
}

func TestCheckRateLimits_DropsAfterNodeQuota(t *testing.T) {
	d := &fakeDispatcher{}
	e, _ := newTestEngine(t, d)
	ctx := context.Background()

	var lastAllowed bool
	for i := 0; i < nodeQuotaLimit+2; i++ {
		alert := Alert{NodeID: "n1", MetricName: "synthetic", Severity: SeverityWarning}
		allowed, err := e.checkRateLimits(ctx, alert)
		require.NoError(t, err)
		lastAllowed = allowed
	}
	require.False(t, lastAllowed, "requests past the per-node hourly quota must be dropped")
}

func TestProcess_DispatchFailureExhaustsToDLQ(t *testing.T) {
	d := &fakeDispatcher{}
	d.fail.Store(true)
	e, store := newTestEngine(t, d)

	e.Process(context.Background(), Metric{NodeID: "n1", LatencyMS: 250, UptimePct: 100})
	require.Equal(t, int32(3), d.calls.Load(), "must retry exactly retryAttempts times")

	depth, err := store.QueueDepth(context.Background(), kv.AlertsDLQKey)
	require.NoError(t, err)
	require.Equal(t, int64(1), depth)
}

func TestThresholdRule_LatencyAboveCritAlsoFiresWarning(t *testing.T) {
	d := &fakeDispatcher{}
	e, _ := newTestEngine(t, d)

	// 600ms crosses both the warn (>200) and crit (>500) thresholds, so both
	// distinct (metric, severity) alerts fire independently.
	e.Process(context.Background(), Metric{NodeID: "n1", LatencyMS: 600, UptimePct: 100})
	require.Equal(t, int32(2), d.calls.Load())
}
