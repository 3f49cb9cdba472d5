package ratelimit

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLocalLimiter_AllowWithinBudget(t *testing.T) {
	l := New()
	l.AddKey("key-1", 3)

	assert.True(t, l.Allow("key-1"))
	assert.True(t, l.Allow("key-1"))
	assert.True(t, l.Allow("key-1"))
	assert.False(t, l.Allow("key-1"))
}

func TestLocalLimiter_UnknownKeyDenied(t *testing.T) {
	l := New()
	assert.False(t, l.Allow("unknown"))
}

func TestLocalLimiter_UnlimitedKey(t *testing.T) {
	l := New()
	l.AddKey("key-1", -1)

	for i := 0; i < 100; i++ {
		assert.True(t, l.Allow("key-1"))
	}
}

func TestLocalLimiter_CanAllowDoesNotRecord(t *testing.T) {
	l := New()
	l.AddKey("key-1", 1)

	assert.True(t, l.CanAllow("key-1"))
	assert.True(t, l.CanAllow("key-1"))
	assert.True(t, l.Allow("key-1"))
	assert.False(t, l.Allow("key-1"))
}

func TestLocalLimiter_GetCurrentRPM(t *testing.T) {
	l := New()
	l.AddKey("key-1", 5)

	assert.Equal(t, 0, l.GetCurrentRPM("key-1"))
	l.Allow("key-1")
	l.Allow("key-1")
	assert.Equal(t, 2, l.GetCurrentRPM("key-1"))
}

func TestLocalLimiter_SourceLimiterIsolated(t *testing.T) {
	l := New()
	l.AddKey("key-1", 100)
	l.AddSource("key-1", "probe-a", 1)

	assert.True(t, l.AllowSource("key-1", "probe-a"))
	assert.False(t, l.AllowSource("key-1", "probe-a"))

	// A different source under the same key has its own budget.
	assert.True(t, l.AllowSource("key-1", "probe-b"))
}

func TestLocalLimiter_SourceUntrackedAllowed(t *testing.T) {
	l := New()
	assert.True(t, l.AllowSource("key-1", "probe-a"))
}

func TestLocalLimiter_GetAllSources(t *testing.T) {
	l := New()
	l.AddSource("key-1", "probe-a", 10)
	l.AddSource("key-1", "probe-b", 10)

	pairs := l.GetAllSources()
	assert.Len(t, pairs, 2)
}

func TestLocalLimiter_GetLimitRPM(t *testing.T) {
	l := New()
	assert.Equal(t, -1, l.GetLimitRPM("unknown"))

	l.AddKey("key-1", 42)
	assert.Equal(t, 42, l.GetLimitRPM("key-1"))
}
