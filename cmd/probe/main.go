package main

import (
	"context"
	"encoding/json"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fiberstack/fiber/internal/buffer"
	"github.com/fiberstack/fiber/internal/config"
	"github.com/fiberstack/fiber/internal/failover"
	"github.com/fiberstack/fiber/internal/logger"
	"github.com/fiberstack/fiber/internal/monitoring"
	"github.com/fiberstack/fiber/internal/probe"
	"github.com/fiberstack/fiber/internal/transport"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

// bufferFlushBatch caps how many buffered rows are retried per collection
// tick, so a large backlog drains gradually instead of bursting the target.
const bufferFlushBatch = 50

func main() {
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	log := logger.New(cfg.Server.LoggingLevel)
	log.Info("starting fiber probe", "version", Version, "commit", Commit,
		"node_id", cfg.Probe.NodeID, "country", cfg.Probe.Country, "region", cfg.Probe.Region)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	buf, err := buffer.Open(cfg.Probe.BufferPath, int64(cfg.Probe.BufferMaxSizeMB)*1024*1024, log)
	if err != nil {
		log.Error("failed to open durable buffer", "error", err, "path", cfg.Probe.BufferPath)
		os.Exit(1)
	}
	defer buf.Close()

	metrics := monitoring.New(true)

	clients := make([]failover.PushClient, 0, len(cfg.Probe.Targets))
	for _, target := range cfg.Probe.Targets {
		clients = append(clients, transport.New(transport.Config{
			Name:             target.Name,
			Priority:         target.Priority,
			BaseURL:          target.BaseURL,
			FederationSecret: cfg.Gateway.FederationSecret,
			RequestsPerSec:   target.RequestsPerSec,
			Timeout:          target.Timeout,
			Logger:           log,
		}))
	}
	if len(clients) == 0 {
		log.Error("no probe targets configured")
		os.Exit(1)
	}

	var controller failover.PushController
	if cfg.Probe.FailoverEnabled {
		controller = failover.NewFailoverController(clients, cfg.Probe.NodeID, log, metrics)
	} else {
		controller = failover.NewFanOutController(clients, cfg.Probe.NodeID, log)
	}

	if primary, ok := clients[0].(*transport.Client); ok {
		monitor := transport.NewSystemMonitor(primary, cfg.Probe.NodeID, cfg.Probe.HeartbeatInterval, log)
		go monitor.Run(ctx)
	}

	collector := probe.New(probe.Identity{
		NodeID:  cfg.Probe.NodeID,
		Country: cfg.Probe.Country,
		Region:  cfg.Probe.Region,
	}, "")

	go runCollectionLoop(ctx, collector, controller, buf, cfg.Probe.ProbeInterval, cfg.Probe.NodeID, log)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Info("probe stopping...")
	cancel()
}

// runCollectionLoop runs the agent's main loop: collect, push or buffer on
// failure, drain a slice of the durable backlog, then sleep for whatever
// remains of the interval.
func runCollectionLoop(ctx context.Context, collector *probe.Collector, controller failover.PushController, buf *buffer.Buffer, interval time.Duration, nodeID string, log *slog.Logger) {
	if interval <= 0 {
		interval = 30 * time.Second
	}

	for {
		start := time.Now()

		if err := collectAndPush(ctx, collector, controller, buf, nodeID, log); err != nil {
			log.Error("probe: collection cycle failed", "error", err)
		}
		drainBuffer(ctx, controller, buf, nodeID, log)

		elapsed := time.Since(start)
		sleepFor := interval - elapsed
		if sleepFor < 0 {
			sleepFor = 0
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(sleepFor):
		}
	}
}

func collectAndPush(ctx context.Context, collector *probe.Collector, controller failover.PushController, buf *buffer.Buffer, nodeID string, log *slog.Logger) error {
	m, err := collector.Collect(ctx)
	if err != nil {
		return err
	}

	batch, err := probe.MarshalBatch([]probe.Metric{m})
	if err != nil {
		return err
	}

	ok, target := controller.Push(ctx, batch, nodeID)
	if ok {
		log.Debug("probe: metric pushed", "target", target, "latency_ms", m.LatencyMS)
		return nil
	}

	log.Warn("probe: push failed, buffering for retry")
	if err := buf.Push(m); err != nil {
		return err
	}
	return nil
}

// drainBuffer retries a bounded slice of the durable backlog every cycle so
// an extended outage doesn't lose data and a recovered target gets caught
// back up without overwhelming it with the entire backlog at once.
func drainBuffer(ctx context.Context, controller failover.PushController, buf *buffer.Buffer, nodeID string, log *slog.Logger) {
	depth, err := buf.Depth()
	if err != nil {
		log.Warn("probe: buffer depth check failed", "error", err)
		return
	}
	if depth == 0 {
		return
	}

	items, err := buf.PeekBatch(bufferFlushBatch)
	if err != nil {
		log.Warn("probe: buffer peek failed", "error", err)
		return
	}
	if len(items) == 0 {
		return
	}

	raws := make([]json.RawMessage, len(items))
	ids := make([]int64, len(items))
	for i, item := range items {
		raws[i] = item.Data
		ids[i] = item.ID
	}

	batch, err := json.Marshal(raws)
	if err != nil {
		log.Warn("probe: buffer batch marshal failed", "error", err)
		return
	}

	ok, target := controller.Push(ctx, batch, nodeID)
	if !ok {
		return
	}

	if err := buf.Acknowledge(ids); err != nil {
		log.Warn("probe: buffer acknowledge failed", "error", err)
		return
	}
	log.Info("probe: drained buffered backlog", "count", len(items), "target", target)
}
