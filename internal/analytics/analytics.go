// Package analytics computes a sliding-window latency z-score and
// packet-loss spike flag for each ingested metric, persisted alongside the
// raw row so the aggregate query layer can surface anomalies without
// recomputing statistics at read time.
package analytics

import (
	"context"
	"math"

	"github.com/fiberstack/fiber/internal/kv"
)

const (
	windowSize        = 20
	computeMinSamples = 5
	lossSpikeThreshold = 1.0
	zScoreFloor       = 1.5
	zScoreCeil        = 3.0
)

// Computed is the per-metric analytics result, persisted into the
// aggregated-metrics table alongside the raw insert.
type Computed struct {
	LatencyAvgWindow  *float64
	LatencyStdWindow  *float64
	PacketLossSpike   bool
	AnomalyScore      float64
}

// Engine maintains a per-node sliding window of recent latencies in the
// shared kv-store and scores each new sample against it.
type Engine struct {
	store *kv.Store
}

// New builds an analytics engine backed by store.
func New(store *kv.Store) *Engine {
	return &Engine{store: store}
}

// Compute pushes latency onto node's sliding window and scores the sample
// against the window's mean/stdev. Every call pushes the sample; an empty
// nodeID is not rejected.
func (e *Engine) Compute(ctx context.Context, nodeID string, latencyMS, packetLoss float64) (Computed, error) {
	key := "state:latency:" + nodeID
	samples, err := e.store.SlidingWindowPush(ctx, key, latencyMS, windowSize)
	if err != nil {
		return Computed{}, err
	}

	out := Computed{PacketLossSpike: packetLoss > lossSpikeThreshold}

	if len(samples) < computeMinSamples {
		return out, nil
	}

	mean := meanOf(samples)
	stdev := stdevOf(samples, mean)
	out.LatencyAvgWindow = ptr(round2(mean))
	out.LatencyStdWindow = ptr(round2(stdev))

	if stdev > 0.001 {
		z := math.Abs(latencyMS-mean) / stdev
		out.AnomalyScore = normalizeZScore(z)
	} else if math.Abs(latencyMS-mean) > 1 {
		out.AnomalyScore = 1.0
	}

	return out, nil
}

// normalizeZScore maps a z-score magnitude onto [0,1]: flat 0 below 1.5
// sigma, flat 1 at or above 3.0 sigma, linear ramp in between.
func normalizeZScore(z float64) float64 {
	switch {
	case z < zScoreFloor:
		return 0.0
	case z >= zScoreCeil:
		return 1.0
	default:
		return round4((z - zScoreFloor) / (zScoreCeil - zScoreFloor))
	}
}

func meanOf(samples []float64) float64 {
	sum := 0.0
	for _, s := range samples {
		sum += s
	}
	return sum / float64(len(samples))
}

func stdevOf(samples []float64, mean float64) float64 {
	if len(samples) < 2 {
		return 0
	}
	var sumSq float64
	for _, s := range samples {
		d := s - mean
		sumSq += d * d
	}
	return math.Sqrt(sumSq / float64(len(samples)-1))
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }
func round4(v float64) float64 { return math.Round(v*10000) / 10000 }
func ptr(v float64) *float64   { return &v }
