package store

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fiberstack/fiber/internal/health"
)

// ConnectionPool wraps a pgxpool.Pool with background health checking and
// automatic reconnect-with-backoff.
type ConnectionPool struct {
	pool   *pgxpool.Pool
	config *Config
	logger *slog.Logger

	healthy atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	closed atomic.Bool

	reconnectMu    sync.Mutex
	lastReconnect  time.Time
	reconnectDelay time.Duration
}

// NewConnectionPool connects to the store and starts the background
// health-check loop.
func NewConnectionPool(cfg *Config) (*ConnectionPool, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("store: parse dsn: %w", err)
	}

	poolCfg.MaxConns = cfg.MaxConns
	poolCfg.MinConns = cfg.MinConns
	poolCfg.HealthCheckPeriod = cfg.HealthCheckInterval
	poolCfg.ConnConfig.ConnectTimeout = cfg.ConnectTimeout

	poolCfg.ConnConfig.OnNotice = func(_ *pgconn.PgConn, n *pgconn.Notice) {
		cfg.Logger.Debug("store notice", "message", n.Message, "severity", n.Severity)
	}

	ctx, cancel := context.WithCancel(context.Background())

	connectCtx, connectCancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer connectCancel()

	pool, err := pgxpool.NewWithConfig(connectCtx, poolCfg)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("store: connect: %w", err)
	}

	if err := pool.Ping(connectCtx); err != nil {
		pool.Close()
		cancel()
		return nil, fmt.Errorf("store: ping: %w", err)
	}

	cp := &ConnectionPool{
		pool:           pool,
		config:         cfg,
		logger:         cfg.Logger,
		ctx:            ctx,
		cancel:         cancel,
		reconnectDelay: time.Second,
	}
	cp.healthy.Store(true)

	cp.wg.Add(1)
	go cp.healthCheckLoop()

	return cp, nil
}

// Pool exposes the underlying pgxpool.Pool for query construction.
func (cp *ConnectionPool) Pool() *pgxpool.Pool { return cp.pool }

// Acquire gets a connection from the pool.
func (cp *ConnectionPool) Acquire(ctx context.Context) (*pgxpool.Conn, error) {
	return cp.pool.Acquire(ctx)
}

// IsHealthy reports the last health-check result.
func (cp *ConnectionPool) IsHealthy() bool { return cp.healthy.Load() }

// ConnectionStats implements health.DBManager's ConnStats requirement.
func (cp *ConnectionPool) ConnectionStats() health.ConnStats { return cp.pool.Stat() }

// Close stops the health-check loop and closes the pool, waiting up to 10s
// for the background goroutine to exit.
func (cp *ConnectionPool) Close() {
	if !cp.closed.CompareAndSwap(false, true) {
		return
	}
	cp.cancel()

	done := make(chan struct{})
	go func() {
		cp.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		cp.logger.Warn("store: health check loop did not exit within 10s")
	}

	cp.pool.Close()
}

func (cp *ConnectionPool) healthCheckLoop() {
	defer cp.wg.Done()

	ticker := time.NewTicker(cp.config.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-cp.ctx.Done():
			return
		case <-ticker.C:
			cp.performHealthCheck()
		}
	}
}

func (cp *ConnectionPool) performHealthCheck() {
	ctx, cancel := context.WithTimeout(cp.ctx, cp.config.ConnectTimeout)
	defer cancel()

	var one int
	err := cp.pool.QueryRow(ctx, QueryHealthCheck).Scan(&one)

	wasHealthy := cp.healthy.Load()
	nowHealthy := err == nil

	cp.healthy.Store(nowHealthy)

	if wasHealthy && !nowHealthy {
		cp.logger.Warn("store: health check failed, marking unhealthy", "error", err)
		go cp.tryReconnect()
	} else if !wasHealthy && nowHealthy {
		cp.logger.Info("store: health check recovered, marking healthy")
	}
}

func (cp *ConnectionPool) tryReconnect() {
	cp.reconnectMu.Lock()
	defer cp.reconnectMu.Unlock()

	if time.Since(cp.lastReconnect) < cp.reconnectDelay {
		return
	}
	cp.lastReconnect = time.Now()

	ctx, cancel := context.WithTimeout(cp.ctx, cp.config.ConnectTimeout)
	defer cancel()

	if err := cp.pool.Ping(ctx); err != nil {
		cp.reconnectDelay = minDuration(cp.reconnectDelay*2, 30*time.Second)
		cp.logger.Warn("store: reconnect attempt failed", "error", err, "next_delay", cp.reconnectDelay)
		return
	}

	cp.reconnectDelay = time.Second
	cp.healthy.Store(true)
	cp.logger.Info("store: reconnected successfully")
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
