package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fiberstack/fiber/internal/abuse"
	"github.com/fiberstack/fiber/internal/aggregate"
	"github.com/fiberstack/fiber/internal/audit"
	"github.com/fiberstack/fiber/internal/auth"
	"github.com/fiberstack/fiber/internal/config"
	"github.com/fiberstack/fiber/internal/gateway"
	"github.com/fiberstack/fiber/internal/health"
	"github.com/fiberstack/fiber/internal/kv"
	"github.com/fiberstack/fiber/internal/logger"
	"github.com/fiberstack/fiber/internal/monitoring"
	"github.com/fiberstack/fiber/internal/ratelimit"
	"github.com/fiberstack/fiber/internal/store"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

// abuseReasons are the ingest-side failure reasons the gateway feeds into
// the abuse guard; each is weighted identically since any of them indicates
// a probe that isn't speaking the federation protocol correctly.
var abuseReasons = []string{
	"signature_mismatch",
	"nonce_replayed",
	"timestamp_outside_window",
	"missing_signature_headers",
	"invalid_timestamp",
}

func main() {
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	log := logger.New(cfg.Server.LoggingLevel)
	log.Info("starting fiber gateway", "version", Version, "commit", Commit, "node_id", cfg.Gateway.NodeID)
	config.PrintConfig(log, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := store.NewConnectionPool(&store.Config{
		DatabaseURL:         cfg.Store.DatabaseURL,
		MaxConns:            cfg.Store.MaxConns,
		MinConns:            cfg.Store.MinConns,
		HealthCheckInterval: cfg.Store.HealthCheckInterval,
		ConnectTimeout:      cfg.Store.ConnectTimeout,
		Logger:              log,
	})
	if err != nil {
		log.Error("failed to establish store connection pool", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	dataStore := store.New(pool, log)

	healthChecker := health.NewDBHealthChecker()
	dbMonitor := health.NewMonitor(&health.MonitorConfig{
		CheckInterval:    cfg.Store.HealthCheckInterval,
		FailureThreshold: 3,
		Logger:           log,
	}, healthChecker, pool)
	go dbMonitor.Start(ctx)

	kvStore := kv.New(kv.Config{
		Addr:         cfg.KVStore.Addr,
		Password:     cfg.KVStore.Password,
		DB:           cfg.KVStore.DB,
		DialTimeout:  cfg.KVStore.DialTimeout,
		ReadTimeout:  cfg.KVStore.ReadTimeout,
		WriteTimeout: cfg.KVStore.WriteTimeout,
	})
	defer kvStore.Close()
	if err := kvStore.LoadScripts(ctx); err != nil {
		log.Error("failed to load kv-store lua scripts", "error", err)
		os.Exit(1)
	}

	auditWriter, err := audit.NewWriter(cfg.Gateway.AuditLogPath, log)
	if err != nil {
		log.Error("failed to open audit log", "error", err, "path", cfg.Gateway.AuditLogPath)
		os.Exit(1)
	}

	codec := auth.NewCodec(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.Audience, cfg.Auth.AccessTokenTTL, cfg.Auth.RefreshTokenTTL, kvStore)
	credentials := auth.NewStaticCredentialStore(cfg.Auth.Credentials, cfg.Auth.AdminUsers, cfg.Auth.OperatorUsers)

	abuseGuard := abuse.New(5, 15*time.Minute, abuseReasons)

	metrics := monitoring.New(true)

	distributed := kv.NewDistributedRateLimiter(kvStore, cfg.RateLimit.IngestRate, float64(cfg.RateLimit.IngestBurst))
	localLimiter := ratelimit.New()
	tieredLimiter := ratelimit.NewTieredLimiter(distributed, localLimiter, log)
	globalLimiter := ratelimit.NewGlobalLimiter(cfg.RateLimit.LocalRate, cfg.RateLimit.GlobalMax)

	aggregateEngine, err := aggregate.New(aggregate.Config{
		Store:  dataStore,
		KV:     kvStore,
		Logger: log,
	})
	if err != nil {
		log.Error("failed to build aggregate query engine", "error", err)
		os.Exit(1)
	}
	go aggregateEngine.RunInvalidationListener(ctx)

	gw := gateway.New(gateway.Config{
		Store:            dataStore,
		KV:               kvStore,
		Codec:            codec,
		Credentials:      credentials,
		Abuse:            abuseGuard,
		RateLimiter:      tieredLimiter,
		GlobalLimit:      globalLimiter,
		Aggregate:        aggregateEngine,
		Audit:            auditWriter,
		AuditPath:        cfg.Gateway.AuditLogPath,
		Logger:           log,
		Metrics:          metrics,
		FederationSecret: cfg.Gateway.FederationSecret,
		NodeID:           cfg.Gateway.NodeID,
		AllowedRegions:   cfg.Gateway.AllowedRegions,
		StrictRegion:     cfg.Gateway.StrictRegion,
		TrustedProxies:   cfg.Gateway.TrustedProxies,
		RequestTimeout:   cfg.Server.RequestTimeout,
	})

	var readTimeout, writeTimeout, idleTimeout time.Duration
	if cfg.Server.RequestTimeout > 0 {
		readTimeout = 60 * time.Second
		writeTimeout = time.Duration(float64(cfg.Server.RequestTimeout) * 1.5)
		idleTimeout = writeTimeout * 2
	} else {
		readTimeout = 60 * time.Second
		writeTimeout = 10 * time.Minute
		idleTimeout = 20 * time.Minute
	}

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      gw,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  idleTimeout,
	}

	go func() {
		log.Info("gateway listening", "port", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("gateway server failed", "error", err)
			os.Exit(1)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Info("shutting down gateway...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("gateway server forced to shutdown", "error", err)
		os.Exit(1)
	}

	log.Info("gateway shutdown complete")
}
