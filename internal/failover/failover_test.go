package failover

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeClient struct {
	name       string
	priority   int
	fail       atomic.Bool
	calls      atomic.Int32
	circuitOpen atomic.Bool
}

func (f *fakeClient) Name() string     { return f.name }
func (f *fakeClient) Priority() int    { return f.priority }
func (f *fakeClient) CircuitOpen() bool { return f.circuitOpen.Load() }

func (f *fakeClient) PushBatch(ctx context.Context, batch []byte, nodeID string) (bool, error) {
	f.calls.Add(1)
	if f.fail.Load() {
		return false, errors.New("simulated failure")
	}
	return true, nil
}

func newFastController(clients []PushClient) *FailoverController {
	fc := NewFailoverController(clients, "node-1", nil, nil)
	fc.timeout = 50 * time.Millisecond
	fc.backoff = 1 * time.Millisecond
	return fc
}

func TestFailoverController_PrefersHighestPriority(t *testing.T) {
	primary := &fakeClient{name: "primary", priority: 0}
	secondary := &fakeClient{name: "secondary", priority: 1}

	fc := newFastController([]PushClient{secondary, primary})
	require.Equal(t, "primary", fc.GetActiveTarget(), "lower priority value must sort first")

	ok, target := fc.Push(context.Background(), []byte("batch"), "node-1")
	require.True(t, ok)
	require.Equal(t, "primary", target)
}

func TestFailoverController_FallsBackOnFailure(t *testing.T) {
	primary := &fakeClient{name: "primary", priority: 0}
	primary.fail.Store(true)
	secondary := &fakeClient{name: "secondary", priority: 1}

	fc := newFastController([]PushClient{primary, secondary})

	ok, target := fc.Push(context.Background(), []byte("batch"), "node-1")
	require.True(t, ok)
	require.Equal(t, "secondary", target)
	require.Equal(t, "secondary", fc.GetActiveTarget(), "failing over must update the active target")
}

func TestFailoverController_PromotesAfterConsecutiveSuccesses(t *testing.T) {
	primary := &fakeClient{name: "primary", priority: 0}
	primary.fail.Store(true)
	secondary := &fakeClient{name: "secondary", priority: 1}

	fc := newFastController([]PushClient{primary, secondary})

	// Fail over to secondary first.
	ok, target := fc.Push(context.Background(), []byte("batch"), "node-1")
	require.True(t, ok)
	require.Equal(t, "secondary", target)

	fc.mu.Lock()
	fc.cooldownUntil = time.Time{} // disable the stickiness the failover just armed
	fc.mu.Unlock()

	primary.fail.Store(false)

	for i := 0; i < promotionThreshold; i++ {
		ok, _ = fc.Push(context.Background(), []byte("batch"), "node-1")
		require.True(t, ok)
	}

	require.Equal(t, "primary", fc.GetActiveTarget(), "5 consecutive successes past cooldown should promote back to primary")
}

func TestFailoverController_NoClients(t *testing.T) {
	fc := newFastController(nil)
	ok, target := fc.Push(context.Background(), []byte("batch"), "node-1")
	require.False(t, ok)
	require.Empty(t, target)
}

func TestFanOutController_SucceedsIfAnyTargetAccepts(t *testing.T) {
	a := &fakeClient{name: "a", priority: 0}
	a.fail.Store(true)
	b := &fakeClient{name: "b", priority: 1}

	fo := NewFanOutController([]PushClient{a, b}, "node-1", nil)
	ok, _ := fo.Push(context.Background(), []byte("batch"), "node-1")
	require.True(t, ok)
	require.Equal(t, "fan-out", fo.GetActiveTarget())
}

func TestFanOutController_FailsIfAllTargetsReject(t *testing.T) {
	a := &fakeClient{name: "a", priority: 0}
	a.fail.Store(true)
	b := &fakeClient{name: "b", priority: 1}
	b.fail.Store(true)

	fo := NewFanOutController([]PushClient{a, b}, "node-1", nil)
	ok, target := fo.Push(context.Background(), []byte("batch"), "node-1")
	require.False(t, ok)
	require.Empty(t, target)
}
