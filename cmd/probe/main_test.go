package main

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fiberstack/fiber/internal/buffer"
	"github.com/fiberstack/fiber/internal/logger"
	"github.com/fiberstack/fiber/internal/probe"
)

type fakeController struct {
	allow  bool
	target string
	calls  int
}

func (f *fakeController) Push(ctx context.Context, batch []byte, nodeID string) (bool, string) {
	f.calls++
	return f.allow, f.target
}

func (f *fakeController) GetActiveTarget() string { return f.target }

func openTestBuffer(t *testing.T) *buffer.Buffer {
	t.Helper()
	path := filepath.Join(t.TempDir(), "buffer.db")
	buf, err := buffer.Open(path, 1024*1024, logger.New("error"))
	require.NoError(t, err)
	t.Cleanup(func() { buf.Close() })
	return buf
}

func TestCollectAndPush_BuffersOnFailedPush(t *testing.T) {
	buf := openTestBuffer(t)
	collector := probe.New(probe.Identity{NodeID: "probe-1", Country: "GH", Region: "Accra"}, "127.0.0.1:1")
	ctrl := &fakeController{allow: false}

	err := collectAndPush(context.Background(), collector, ctrl, buf, "probe-1", logger.New("error"))
	require.NoError(t, err)

	depth, err := buf.Depth()
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)
}

func TestCollectAndPush_DoesNotBufferOnSuccess(t *testing.T) {
	buf := openTestBuffer(t)
	collector := probe.New(probe.Identity{NodeID: "probe-1"}, "127.0.0.1:1")
	ctrl := &fakeController{allow: true, target: "central"}

	err := collectAndPush(context.Background(), collector, ctrl, buf, "probe-1", logger.New("error"))
	require.NoError(t, err)

	depth, err := buf.Depth()
	require.NoError(t, err)
	assert.Equal(t, int64(0), depth)
}

func TestDrainBuffer_AcknowledgesOnSuccessfulPush(t *testing.T) {
	buf := openTestBuffer(t)
	require.NoError(t, buf.Push(map[string]string{"node_id": "probe-1"}))

	ctrl := &fakeController{allow: true, target: "central"}
	drainBuffer(context.Background(), ctrl, buf, "probe-1", logger.New("error"))

	depth, err := buf.Depth()
	require.NoError(t, err)
	assert.Equal(t, int64(0), depth)
	assert.Equal(t, 1, ctrl.calls)
}

func TestDrainBuffer_LeavesBacklogOnFailedPush(t *testing.T) {
	buf := openTestBuffer(t)
	require.NoError(t, buf.Push(map[string]string{"node_id": "probe-1"}))

	ctrl := &fakeController{allow: false}
	drainBuffer(context.Background(), ctrl, buf, "probe-1", logger.New("error"))

	depth, err := buf.Depth()
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)
}
