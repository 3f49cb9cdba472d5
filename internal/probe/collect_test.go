package probe

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollect_PopulatesIdentityFields(t *testing.T) {
	c := New(Identity{NodeID: "probe-1", Country: "GH", Region: "Accra"}, "127.0.0.1:1")

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	m, err := c.Collect(ctx)
	require.NoError(t, err)

	assert.Equal(t, "probe-1", m.NodeID)
	assert.Equal(t, "GH", m.Country)
	assert.Equal(t, "Accra", m.Region)
	assert.NotEmpty(t, m.Timestamp)
	assert.Contains(t, m.Metadata, "cpu_percent")
	assert.Contains(t, m.Metadata, "memory_percent")
}

func TestMeasurePacketLoss_FullLossOnFailedHandshake(t *testing.T) {
	c := New(Identity{NodeID: "probe-1"}, "")
	assert.Equal(t, 100.0, c.measurePacketLoss(true))
}

func TestMarshalBatch_ProducesJSONArray(t *testing.T) {
	batch, err := MarshalBatch([]Metric{{NodeID: "probe-1"}})
	require.NoError(t, err)
	assert.Contains(t, string(batch), `"node_id":"probe-1"`)
	assert.True(t, len(batch) > 0 && batch[0] == '[')
}

func TestRound2(t *testing.T) {
	assert.Equal(t, 1.23, round2(1.2251))
	assert.Equal(t, 0.0, round2(-0.001))
}
