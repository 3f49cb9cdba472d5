package etl

import (
	"context"
	"log/slog"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fiberstack/fiber/internal/kv"
)

func newTestWorker(t *testing.T, flags Flags) *Worker {
	t.Helper()
	mr := miniredis.RunT(t)
	store := kv.New(kv.Config{Addr: mr.Addr()})
	t.Cleanup(func() { store.Close() })

	return New(Config{
		KV:     store,
		Logger: slog.Default(),
		Flags:  flags,
	})
}

func TestParseAndValidate_DropsMalformedAndInvalidPayloads(t *testing.T) {
	w := newTestWorker(t, DefaultFlags())

	raw := []string{
		`{"node_id":"n1","latency_ms":30}`,
		`not json`,
		`{"node_id":"","latency_ms":10}`,
		`{"node_id":"n2","latency_ms":-5}`,
	}

	valid := w.parseAndValidate(raw)
	require.Len(t, valid, 1)
	assert.Equal(t, "n1", valid[0].NodeID)
}

func TestDedup_ClaimsFirstOccurrenceOnly(t *testing.T) {
	w := newTestWorker(t, DefaultFlags())
	ctx := context.Background()

	m := Normalize(rawJSON(t, `{"node_id":"n1","latency_ms":10,"timestamp":"2026-01-15T10:30:00Z"}`))
	batch := []Normalized{m, m, m}

	cleaned := w.dedup(ctx, batch)
	assert.Len(t, cleaned, 1)
}

func TestDedup_DistinctNodesBothSurvive(t *testing.T) {
	w := newTestWorker(t, DefaultFlags())
	ctx := context.Background()

	m1 := Normalize(rawJSON(t, `{"node_id":"n1","latency_ms":10,"timestamp":"2026-01-15T10:30:00Z"}`))
	m2 := Normalize(rawJSON(t, `{"node_id":"n2","latency_ms":10,"timestamp":"2026-01-15T10:30:00Z"}`))

	cleaned := w.dedup(ctx, []Normalized{m1, m2})
	assert.Len(t, cleaned, 2)
}

func TestDedup_DisabledFlagPassesEverythingThrough(t *testing.T) {
	flags := DefaultFlags()
	flags.DedupEnabled = false
	w := newTestWorker(t, flags)
	ctx := context.Background()

	m := Normalize(rawJSON(t, `{"node_id":"n1","latency_ms":10,"timestamp":"2026-01-15T10:30:00Z"}`))
	cleaned := w.dedup(ctx, []Normalized{m, m, m})
	assert.Len(t, cleaned, 3)
}

func TestEnsureNodesCached_SkipsWhenDisabled(t *testing.T) {
	flags := DefaultFlags()
	flags.NodeCacheEnabled = false
	w := newTestWorker(t, flags)

	m := Normalize(rawJSON(t, `{"node_id":"n1","latency_ms":10}`))
	w.ensureNodesCached(context.Background(), []Normalized{m})
}

func TestPublishCacheInvalidation_PublishesBothPrefixesOnNonEmptyBatch(t *testing.T) {
	w := newTestWorker(t, DefaultFlags())
	ctx := context.Background()

	sub := w.kv.SubscribeInvalidation(ctx)
	defer sub.Close()
	ch := sub.Channel()

	m := Normalize(rawJSON(t, `{"node_id":"n1","latency_ms":10}`))
	w.publishCacheInvalidation(ctx, []Normalized{m})

	seen := map[string]bool{}
	for i := 0; i < len(cacheInvalidationPrefixes); i++ {
		msg := <-ch
		seen[msg.Payload] = true
	}
	for _, prefix := range cacheInvalidationPrefixes {
		assert.True(t, seen[prefix], "expected invalidation for prefix %s", prefix)
	}
}

func TestPublishCacheInvalidation_NoOpOnEmptyBatch(t *testing.T) {
	w := newTestWorker(t, DefaultFlags())
	w.publishCacheInvalidation(context.Background(), nil)
}
