package kv

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDistributedRateLimiter_AllowsWithinCapacity(t *testing.T) {
	s, _ := newTestStore(t)
	limiter := NewDistributedRateLimiter(s, 1.0, 2.0)
	ctx := context.Background()

	ok, err := limiter.Allow(ctx, "node-1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = limiter.Allow(ctx, "node-1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestDistributedRateLimiter_RejectsOverCapacity(t *testing.T) {
	s, _ := newTestStore(t)
	limiter := NewDistributedRateLimiter(s, 0.001, 1.0)
	ctx := context.Background()

	ok, err := limiter.Allow(ctx, "node-2")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = limiter.Allow(ctx, "node-2")
	require.NoError(t, err)
	assert.False(t, ok, "second request should exhaust the single-token bucket")
}
