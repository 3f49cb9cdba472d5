package analytics

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"github.com/fiberstack/fiber/internal/kv"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	mr := miniredis.RunT(t)
	store := kv.New(kv.Config{Addr: mr.Addr()})
	t.Cleanup(func() { store.Close() })
	return New(store)
}

func TestCompute_InsufficientSamplesScoresZero(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		c, err := e.Compute(ctx, "n1", 10, 0)
		require.NoError(t, err)
		require.Zero(t, c.AnomalyScore)
		require.Nil(t, c.LatencyAvgWindow)
	}
}

func TestCompute_StableLatencyScoresZero(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	var last Computed
	for i := 0; i < 6; i++ {
		c, err := e.Compute(ctx, "n1", 50, 0)
		require.NoError(t, err)
		last = c
	}
	require.NotNil(t, last.LatencyAvgWindow)
	require.InDelta(t, 50.0, *last.LatencyAvgWindow, 0.01)
	require.Zero(t, last.AnomalyScore)
}

func TestCompute_SpikeScoresHigh(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		_, err := e.Compute(ctx, "n1", 50, 0)
		require.NoError(t, err)
	}

	c, err := e.Compute(ctx, "n1", 5000, 0)
	require.NoError(t, err)
	require.Greater(t, c.AnomalyScore, 0.9)
}

func TestCompute_PacketLossSpikeFlag(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	c, err := e.Compute(ctx, "n1", 10, 2.5)
	require.NoError(t, err)
	require.True(t, c.PacketLossSpike)

	c, err = e.Compute(ctx, "n1", 10, 0.5)
	require.NoError(t, err)
	require.False(t, c.PacketLossSpike)
}

func TestNormalizeZScore_Boundaries(t *testing.T) {
	require.Equal(t, 0.0, normalizeZScore(1.0))
	require.Equal(t, 0.0, normalizeZScore(1.49))
	require.Equal(t, 1.0, normalizeZScore(3.0))
	require.Equal(t, 1.0, normalizeZScore(10))
	require.InDelta(t, 0.5, normalizeZScore(2.25), 0.01)
}
