// Package kv wraps the shared Redis-compatible key-value store used across
// the gateway, ETL worker, and alert engine: nonce/idempotency tracking, the
// ETL work queue, dedup keys, the node-existence set, alert quota/DLQ state,
// the aggregate-query cache with pub/sub invalidation, and the distributed
// rate-limiter token bucket.
package kv

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store wraps a redis.Client with the atomic primitives the telemetry
// pipeline's components need, keeping Lua script bodies in one place rather
// than scattered across callers.
type Store struct {
	client *redis.Client

	tokenBucketSHA string
	batchPopSHA    string
}

// Config describes how to reach the shared store.
type Config struct {
	Addr     string
	Password string
	DB       int

	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

func New(cfg Config) *Store {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})
	return &Store{client: client}
}

// Client exposes the underlying redis.Client for callers that need direct
// access (e.g. pub/sub subscriptions).
func (s *Store) Client() *redis.Client {
	return s.client
}

// Ping verifies connectivity, used by health checks and startup validation.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// LoadScripts pre-loads the Lua scripts this package depends on, so the hot
// path uses EVALSHA instead of shipping the script body on every call.
func (s *Store) LoadScripts(ctx context.Context) error {
	sha, err := s.client.ScriptLoad(ctx, tokenBucketScript).Result()
	if err != nil {
		return fmt.Errorf("load token bucket script: %w", err)
	}
	s.tokenBucketSHA = sha

	sha, err = s.client.ScriptLoad(ctx, batchPopScript).Result()
	if err != nil {
		return fmt.Errorf("load batch pop script: %w", err)
	}
	s.batchPopSHA = sha

	return nil
}

func (s *Store) Close() error {
	return s.client.Close()
}
