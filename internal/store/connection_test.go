package store

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNewConnectionPool_InvalidURL(t *testing.T) {
	cfg := &Config{DatabaseURL: "not-a-valid-dsn ::: %%%"}
	cfg.ApplyDefaults()

	pool, err := NewConnectionPool(cfg)
	assert.Error(t, err)
	assert.Nil(t, pool)
}

func TestConfig_Validate_MissingURL(t *testing.T) {
	cfg := &Config{}
	cfg.ApplyDefaults()

	assert.Error(t, cfg.Validate())
}

func TestConnectionPool_IsHealthy_TracksFlag(t *testing.T) {
	cfg := &Config{DatabaseURL: "postgres://localhost/nonexistent"}
	cfg.ApplyDefaults()

	pool := &ConnectionPool{
		config: cfg,
		logger: cfg.Logger,
		ctx:    context.Background(),
		cancel: func() {},
	}

	pool.healthy.Store(true)
	assert.True(t, pool.IsHealthy())

	pool.healthy.Store(false)
	assert.False(t, pool.IsHealthy())
}

func TestConnectionPool_ClosedFlag_IsIdempotentGuard(t *testing.T) {
	pool := &ConnectionPool{closed: atomic.Bool{}}

	first := pool.closed.CompareAndSwap(false, true)
	second := pool.closed.CompareAndSwap(false, true)

	assert.True(t, first, "first CAS should claim the close")
	assert.False(t, second, "second CAS must observe already-closed")
}

func TestMinDuration(t *testing.T) {
	assert.Equal(t, time.Duration(2), minDuration(2, 5))
	assert.Equal(t, time.Duration(2), minDuration(5, 2))
}
