// Package etl drains the shared ingest queue, normalizes and validates each
// metric, dedups and caches node identity, fans out to the alert and
// analytics engines, and bulk-inserts into the time-series store —
// SpecFull's one-iteration-equals-one-batch ETL loop.
package etl

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/fiberstack/fiber/internal/alerts"
	"github.com/fiberstack/fiber/internal/analytics"
	"github.com/fiberstack/fiber/internal/kv"
	"github.com/fiberstack/fiber/internal/monitoring"
	"github.com/fiberstack/fiber/internal/store"
	"github.com/fiberstack/fiber/internal/worker"
)

const (
	queueKey     = "fiber:etl:queue"
	statusKey    = "fiber:etl:status"
	dedupTTL     = 180 * time.Second
	heartbeatGap = 10 * time.Second
	emptySleep   = 100 * time.Millisecond
)

// Flags toggles the ETL's behavior, env-resolved by the caller (config
// layer), defaulting to true for every flag per §4.6.
type Flags struct {
	UseCopy          bool
	DedupEnabled     bool
	NodeCacheEnabled bool
}

// DefaultFlags returns every feature flag enabled.
func DefaultFlags() Flags {
	return Flags{UseCopy: true, DedupEnabled: true, NodeCacheEnabled: true}
}

// Worker is one ETL replica's dependencies. Multiple Workers (sharing the
// same kv queue) run concurrently; pop atomicity is their only
// serialization guarantee.
type Worker struct {
	kv        *kv.Store
	store     *store.Store
	alerts    *alerts.Engine
	analytics *analytics.Engine
	logger    *slog.Logger
	metrics   *monitoring.Metrics

	flags     Flags
	batchSize int
}

// Config builds a Worker.
type Config struct {
	KV        *kv.Store
	Store     *store.Store
	Alerts    *alerts.Engine
	Analytics *analytics.Engine
	Logger    *slog.Logger
	Metrics   *monitoring.Metrics
	Flags     Flags
	BatchSize int
}

// New builds one ETL worker from cfg, applying defaults for zero fields.
func New(cfg Config) *Worker {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	return &Worker{
		kv:        cfg.KV,
		store:     cfg.Store,
		alerts:    cfg.Alerts,
		analytics: cfg.Analytics,
		logger:    cfg.Logger,
		metrics:   cfg.Metrics,
		flags:     cfg.Flags,
		batchSize: cfg.BatchSize,
	}
}

// Run loops forever, processing one batch per iteration, until ctx is
// canceled.
func (w *Worker) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		n, err := w.processBatch(ctx)
		if err != nil {
			w.logger.Error("etl: batch processing failed", "error", err)
			if w.metrics != nil {
				w.metrics.RecordETLBatch("error")
			}
		}

		if n == 0 {
			select {
			case <-time.After(emptySleep):
			case <-ctx.Done():
				return
			}
		}
	}
}

// RunHeartbeat writes last_heartbeat_ts every 10s regardless of queue
// activity, independent of the processing loop, until ctx is canceled.
func (w *Worker) RunHeartbeat(ctx context.Context) {
	ticker := time.NewTicker(heartbeatGap)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := w.kv.StatusHashSet(ctx, statusKey, map[string]interface{}{
				"last_heartbeat_ts": time.Now().UTC().Format(time.RFC3339),
			})
			if err != nil {
				w.logger.Warn("etl: heartbeat write failed", "error", err)
			}
		}
	}
}

// SpawnPool starts n concurrent Worker.Run replicas on worker.SpawnWorkerPool,
// plus the separate heartbeat loop, returning once every replica has exited.
func SpawnPool(ctx context.Context, w *Worker, n int, logger *slog.Logger) {
	jobQueue := make(chan worker.Job, n)
	for i := 0; i < n; i++ {
		jobQueue <- runLoopJob{w: w}
	}
	close(jobQueue)

	go w.RunHeartbeat(ctx)

	wg := worker.SpawnWorkerPool(ctx, n, jobQueue, logger)
	wg.Wait()
}

type runLoopJob struct{ w *Worker }

func (j runLoopJob) Execute(ctx context.Context) worker.Result {
	j.w.Run(ctx)
	return runResult{}
}

type runResult struct{}

func (runResult) Error() error { return nil }

// processBatch runs one iteration of the seven-step loop, returning the
// number of raw messages popped (0 means the queue was empty).
func (w *Worker) processBatch(ctx context.Context) (int, error) {
	raw, err := w.kv.PopBatch(ctx, queueKey, w.batchSize)
	if err != nil {
		return 0, err
	}
	if len(raw) == 0 {
		return 0, nil
	}

	valid := w.parseAndValidate(raw)
	if len(valid) == 0 {
		return len(raw), nil
	}

	cleaned := w.dedup(ctx, valid)
	if len(cleaned) == 0 {
		return len(raw), nil
	}

	w.ensureNodesCached(ctx, cleaned)
	w.fanOutEngines(ctx, cleaned)

	result, err := w.bulkInsert(ctx, cleaned)
	if err != nil {
		return len(raw), err
	}

	w.publishCacheInvalidation(ctx, cleaned)
	w.writeStatus(ctx, result)
	if w.metrics != nil {
		w.metrics.RecordETLBatch("ok")
		depth, derr := w.kv.QueueDepth(ctx, queueKey)
		if derr == nil {
			w.metrics.SetQueueDepth(int(depth))
		}
	}

	return len(raw), nil
}

func (w *Worker) parseAndValidate(raw []string) []Normalized {
	valid := make([]Normalized, 0, len(raw))
	for _, payload := range raw {
		var r RawMetric
		if err := json.Unmarshal([]byte(payload), &r); err != nil {
			w.recordRowFailure()
			continue
		}
		n := Normalize(r)
		if !Validate(n) {
			w.recordRowFailure()
			continue
		}
		valid = append(valid, n)
	}
	return valid
}

func (w *Worker) recordRowFailure() {
	if w.metrics != nil {
		w.metrics.RecordETLError("validate")
	}
}

func (w *Worker) dedup(ctx context.Context, batch []Normalized) []Normalized {
	if !w.flags.DedupEnabled {
		return batch
	}

	cleaned := make([]Normalized, 0, len(batch))
	for _, m := range batch {
		key := kv.DedupKey(m.NodeID, MinuteKey(m.Timestamp))
		claimed, err := w.kv.SetNX(ctx, key, dedupTTL)
		if err != nil {
			w.logger.Warn("etl: dedup check failed, treating as unique", "error", err)
			cleaned = append(cleaned, m)
			continue
		}
		if claimed {
			cleaned = append(cleaned, m)
		}
	}
	return cleaned
}

func (w *Worker) ensureNodesCached(ctx context.Context, batch []Normalized) {
	if !w.flags.NodeCacheEnabled || len(batch) == 0 {
		return
	}

	seen := make(map[string]bool, len(batch))
	ids := make([]string, 0, len(batch))
	for _, m := range batch {
		if !seen[m.NodeID] {
			seen[m.NodeID] = true
			ids = append(ids, m.NodeID)
		}
	}

	missing, err := w.kv.NodeCacheMissing(ctx, ids)
	if err != nil {
		w.logger.Warn("etl: node cache membership check failed", "error", err)
		return
	}
	if len(missing) == 0 {
		return
	}

	missingSet := make(map[string]bool, len(missing))
	for _, id := range missing {
		missingSet[id] = true
	}

	inserted := make(map[string]bool, len(missing))
	for _, m := range batch {
		if !missingSet[m.NodeID] || inserted[m.NodeID] {
			continue
		}
		inserted[m.NodeID] = true

		err := w.store.UpsertNode(ctx, store.Node{
			NodeID:   m.NodeID,
			Status:   store.NodeReporting,
			Country:  m.Country,
			Region:   m.Region,
			LastSeen: time.Now().UTC(),
		})
		if err != nil {
			w.logger.Error("etl: failed to upsert node", "node_id", m.NodeID, "error", err)
		}
	}

	if err := w.kv.NodeCacheAdd(ctx, missing); err != nil {
		w.logger.Warn("etl: failed to update node cache", "error", err)
	}
}

func (w *Worker) fanOutEngines(ctx context.Context, batch []Normalized) {
	for _, m := range batch {
		if w.alerts != nil {
			func() {
				defer func() {
					if r := recover(); r != nil {
						w.logger.Error("etl: alert engine panicked", "panic", r)
					}
				}()
				w.alerts.Process(ctx, alerts.Metric{NodeID: m.NodeID, LatencyMS: m.LatencyMS, PacketLoss: m.PacketLoss, UptimePct: m.UptimePct})
			}()
		}

		if w.analytics != nil {
			computed, err := w.analytics.Compute(ctx, m.NodeID, m.LatencyMS, m.PacketLoss)
			if err != nil {
				w.logger.Warn("etl: analytics engine failed", "node_id", m.NodeID, "error", err)
				continue
			}
			row := store.AnalyticsRow{
				Timestamp:        m.Timestamp,
				NodeID:           m.NodeID,
				LatencyAvgWindow: computed.LatencyAvgWindow,
				LatencyStdWindow: computed.LatencyStdWindow,
				PacketLossSpike:  computed.PacketLossSpike,
				AnomalyScore:     computed.AnomalyScore,
			}
			if err := w.store.InsertAnalytics(ctx, row); err != nil {
				w.logger.Warn("etl: failed to persist analytics row", "node_id", m.NodeID, "error", err)
			}
		}
	}
}

func (w *Worker) bulkInsert(ctx context.Context, batch []Normalized) (store.BulkInsertResult, error) {
	metrics := make([]store.Metric, len(batch))
	for i, m := range batch {
		metadata, _ := json.Marshal(m.Metadata)
		metrics[i] = store.Metric{
			NodeID:       m.NodeID,
			Country:      m.Country,
			Region:       m.Region,
			LatencyMS:    m.LatencyMS,
			UptimePct:    m.UptimePct,
			PacketLoss:   m.PacketLoss,
			Timestamp:    m.Timestamp,
			Metadata:     string(metadata),
			SourceRegion: m.SourceRegion,
		}
	}

	result, err := w.store.InsertMetricsBulk(ctx, metrics, w.flags.UseCopy)
	if err != nil {
		return result, err
	}

	if w.metrics != nil {
		for _, m := range batch {
			w.metrics.RecordMetricProcessed(m.NodeID, "raw")
		}
	}
	return result, nil
}

// cacheInvalidationPrefixes are the dashboard-cache key prefixes (see
// aggregate.dashboardCacheKey) a fresh ingest can make stale. Every
// "metrics"/"cluster"-prefixed cache key is a child of one of these, so a
// prefix-scan invalidation on either catches every affected entry without
// the ETL needing to know the aggregate layer's exact key hashing.
var cacheInvalidationPrefixes = []string{
	"fiberstack:cache:dashboard:metrics:",
	"fiberstack:cache:dashboard:cluster:",
}

// publishCacheInvalidation notifies every gateway replica's aggregate cache
// that ingested data may have made cached dashboard reads stale, so queries
// don't wait out the full cache TTL to see freshly ingested data.
func (w *Worker) publishCacheInvalidation(ctx context.Context, batch []Normalized) {
	if len(batch) == 0 {
		return
	}
	for _, prefix := range cacheInvalidationPrefixes {
		if err := w.kv.PublishInvalidation(ctx, prefix); err != nil {
			w.logger.Warn("etl: cache invalidation publish failed", "prefix", prefix, "error", err)
		}
	}
}

func (w *Worker) writeStatus(ctx context.Context, result store.BulkInsertResult) {
	total := result.Processed + result.Conflicts
	errorRate := 0.0
	if total > 0 {
		errorRate = float64(result.Conflicts) / float64(total)
	}

	err := w.kv.StatusHashSet(ctx, statusKey, map[string]interface{}{
		"last_processed_ts": time.Now().UTC().Format(time.RFC3339),
		"last_batch_size":   result.Processed,
		"error_rate":        errorRate,
	})
	if err != nil {
		w.logger.Warn("etl: status write failed", "error", err)
	}
}
