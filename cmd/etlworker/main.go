package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/fiberstack/fiber/internal/alerts"
	"github.com/fiberstack/fiber/internal/analytics"
	"github.com/fiberstack/fiber/internal/config"
	"github.com/fiberstack/fiber/internal/etl"
	"github.com/fiberstack/fiber/internal/kv"
	"github.com/fiberstack/fiber/internal/logger"
	"github.com/fiberstack/fiber/internal/monitoring"
	"github.com/fiberstack/fiber/internal/store"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	log := logger.New(cfg.Server.LoggingLevel)
	log.Info("starting fiber etl worker", "version", Version, "commit", Commit, "worker_count", cfg.ETL.WorkerCount)

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

	metrics := monitoring.New(true)

	var dispatcher alerts.Dispatcher
	if cfg.Alerts.WebhookURL != "" {
		dispatcher = alerts.NewWebhookDispatcher(cfg.Alerts.WebhookURL)
	}

	thresholds := alerts.Thresholds{
		LatencyWarnMS: cfg.Alerts.LatencyWarnMS,
		LatencyCritMS: cfg.Alerts.LatencyCritMS,
		LossWarnPct:   cfg.Alerts.LossWarnPct,
		LossCritPct:   cfg.Alerts.LossCritPct,
		UptimeWarnPct: cfg.Alerts.UptimeWarnPct,
		GlobalPerHour: cfg.Alerts.GlobalPerHour,
	}
	alertEngine := alerts.NewEngine(kvStore, dispatcher, thresholds, log, metrics)
	analyticsEngine := analytics.New(kvStore)

	w := etl.New(etl.Config{
		KV:        kvStore,
		Store:     dataStore,
		Alerts:    alertEngine,
		Analytics: analyticsEngine,
		Logger:    log,
		Metrics:   metrics,
		Flags: etl.Flags{
			UseCopy:          cfg.ETL.UseCopy,
			DedupEnabled:     cfg.ETL.DedupEnabled,
			NodeCacheEnabled: cfg.ETL.NodeCacheEnabled,
		},
		BatchSize: cfg.ETL.BatchSize,
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		etl.SpawnPool(ctx, w, cfg.ETL.WorkerCount, log)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Info("shutting down etl worker...")
	cancel()
	<-done

	log.Info("etl worker shutdown complete")
}
