package ratelimit

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

type fakeDistributed struct {
	allow bool
	err   error
}

func (f *fakeDistributed) Allow(ctx context.Context, keyID string) (bool, error) {
	return f.allow, f.err
}

func testTierLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestTieredLimiter_UsesDistributedWhenHealthy(t *testing.T) {
	d := &fakeDistributed{allow: true}
	local := New()
	local.AddKey("key-1", 1)

	tl := NewTieredLimiter(d, local, testTierLogger())

	assert.True(t, tl.Allow(context.Background(), "key-1"))
	assert.False(t, tl.UsingLocal())
}

func TestTieredLimiter_DemotesAfterConsecutiveFailures(t *testing.T) {
	d := &fakeDistributed{err: errors.New("store unavailable")}
	local := New()
	local.AddKey("key-1", 10)

	tl := NewTieredLimiter(d, local, testTierLogger())
	tl.demotionThreshold = 2

	tl.Allow(context.Background(), "key-1")
	assert.False(t, tl.UsingLocal())

	tl.Allow(context.Background(), "key-1")
	assert.True(t, tl.UsingLocal())
}

func TestTieredLimiter_PromotesAfterConsecutiveSuccesses(t *testing.T) {
	d := &fakeDistributed{err: errors.New("down")}
	local := New()
	local.AddKey("key-1", 100)

	tl := NewTieredLimiter(d, local, testTierLogger())
	tl.demotionThreshold = 1
	tl.promotionThreshold = 2

	tl.Allow(context.Background(), "key-1")
	assert.True(t, tl.UsingLocal())

	d.err = nil
	d.allow = true

	tl.Allow(context.Background(), "key-1")
	tl.Allow(context.Background(), "key-1")
	assert.False(t, tl.UsingLocal())
}
