package gateway

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/fiberstack/fiber/internal/auth"
	"github.com/fiberstack/fiber/internal/kv"
)

const (
	batchIDHeader   = "X-Batch-ID"
	nonceHeader     = "X-Fiber-Nonce"
	timestampHeader = "X-Fiber-Timestamp"
	signatureHeader = "X-Fiber-Signature"
	regionHeader    = "X-Region-ID"
	replayWindow    = 300 * time.Second
	nonceTTL        = 600 * time.Second
	idempotencyTTL  = 600 * time.Second
	queueKey        = "fiber:etl:queue"
)

// ingestBatch is the wire shape a probe's Client.PushBatch sends.
type ingestBatch struct {
	NodeID  string            `json:"node_id"`
	Metrics []json.RawMessage `json:"metrics"`
}

type metricNodeID struct {
	NodeID string `json:"node_id"`
}

type metaFields struct {
	SchemaVersion int    `json:"schema_version"`
	IngestedAt    string `json:"ingested_at"`
	IngestedBy    string `json:"ingested_by"`
	SourceRegion  string `json:"source_region"`
	TraceID       string `json:"trace_id"`
}

// handleIngest implements the 7-step ingestion flow in §4.4.
func (g *Gateway) handleIngest(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	batchID := r.Header.Get(batchIDHeader)
	if batchID == "" {
		writeError(w, http.StatusBadRequest, "MISSING_BATCH_ID", "X-Batch-ID header is required")
		return
	}

	if g.abuse != nil && g.abuse.IsBanned("federation_probe", g.clientIP(r)) {
		writeErrorWithBatch(w, http.StatusForbidden, "BANNED", "too many failed attempts, try again later", batchID)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 10<<20))
	if err != nil {
		writeErrorWithBatch(w, http.StatusBadRequest, "BODY_READ_FAILED", err.Error(), batchID)
		return
	}

	signed := r.Header.Get(signatureHeader) != ""
	if signed {
		if ok, reason := g.verifyHMAC(r, body); !ok {
			if g.abuse != nil {
				g.abuse.RecordOutcome("federation_probe", g.clientIP(r), reason)
			}
			writeErrorWithBatch(w, http.StatusUnauthorized, "HMAC_INVALID", reason, batchID)
			return
		}
	}

	var batch ingestBatch
	if err := json.Unmarshal(body, &batch); err != nil {
		writeErrorWithBatch(w, http.StatusBadRequest, "INVALID_BODY", "malformed batch payload", batchID)
		return
	}

	role, authErr := g.resolveIngestIdentity(r, signed)
	if authErr != nil {
		writeErrorWithBatch(w, http.StatusUnauthorized, "UNAUTHORIZED", authErr.Error(), batchID)
		return
	}
	authPath := "bearer_only"
	if signed {
		authPath = "hmac"
	}
	g.logger.Info("gateway: ingest authenticated", "batch_id", batchID, "auth_path", authPath)

	if !g.checkRateLimit(w, r, g.rateLimitKey(r, nil)) {
		return
	}

	claimed, err := g.kv.SetNX(r.Context(), kv.IdempotencyKey(batchID), idempotencyTTL)
	if err != nil {
		writeErrorWithBatch(w, http.StatusServiceUnavailable, "STORE_UNAVAILABLE", "idempotency check failed", batchID)
		return
	}
	if !claimed {
		sourceRegion := g.resolveRegion(r, batch)
		writeJSON(w, http.StatusAccepted, map[string]string{
			"batch_id":      batchID,
			"source_region": sourceRegion,
			"status":        "already_processed",
		})
		return
	}

	sourceRegion := g.resolveRegion(r, batch)
	if g.strictRegion && g.nodeID == "central" && len(g.allowedRegions) > 0 && !g.allowedRegions[sourceRegion] {
		writeErrorWithBatch(w, http.StatusBadRequest, "INVALID_REGION", "region not in allowed-regions list", batchID)
		return
	}

	for _, raw := range batch.Metrics {
		var ts struct {
			Timestamp string `json:"timestamp"`
		}
		if json.Unmarshal(raw, &ts) == nil && ts.Timestamp != "" {
			if _, err := time.Parse(time.RFC3339, ts.Timestamp); err != nil {
				writeErrorWithBatch(w, http.StatusBadRequest, "INVALID_TIMESTAMP", "metric timestamp is not RFC 3339 with an offset", batchID)
				return
			}
		}
	}

	trace := traceID(r)
	now := time.Now().UTC()
	enqueued := 0
	for _, raw := range batch.Metrics {
		var peek metricNodeID
		if err := json.Unmarshal(raw, &peek); err != nil || peek.NodeID != batch.NodeID {
			g.logger.Warn("gateway: dropping mismatched metric row", "batch_id", batchID, "error", err)
			continue
		}

		enriched, err := injectMeta(raw, metaFields{
			SchemaVersion: 1,
			IngestedAt:    now.Format(time.RFC3339),
			IngestedBy:    role,
			SourceRegion:  sourceRegion,
			TraceID:       trace,
		})
		if err != nil {
			g.logger.Warn("gateway: failed to enrich metric", "batch_id", batchID, "error", err)
			continue
		}

		if err := g.kv.QueuePush(r.Context(), queueKey, string(enriched)); err != nil {
			writeErrorWithBatch(w, http.StatusServiceUnavailable, "QUEUE_UNAVAILABLE", "failed to enqueue metric", batchID)
			return
		}
		enqueued++
	}

	w.Header().Set("X-Trace-ID", trace)
	g.recordRequest(role, "/ingest", http.StatusAccepted, start)
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"batch_id":      batchID,
		"source_region": sourceRegion,
		"enqueued":      enqueued,
	})
}

// verifyHMAC checks the anti-replay window, claims the nonce, and verifies
// the signature over batch_id:timestamp:nonce:sha256hex(body).
func (g *Gateway) verifyHMAC(r *http.Request, body []byte) (bool, string) {
	ts := r.Header.Get(timestampHeader)
	nonce := r.Header.Get(nonceHeader)
	sig := r.Header.Get(signatureHeader)
	batchID := r.Header.Get(batchIDHeader)

	if ts == "" || nonce == "" || sig == "" {
		return false, "missing_signature_headers"
	}

	tsTime, err := time.Parse(time.RFC3339, ts)
	if err != nil {
		return false, "invalid_timestamp"
	}
	if age := time.Since(tsTime); age > replayWindow || age < -replayWindow {
		return false, "timestamp_outside_window"
	}

	claimed, err := g.kv.SetNX(r.Context(), kv.NonceKey(nonce), nonceTTL)
	if err != nil {
		return false, "nonce_check_failed"
	}
	if !claimed {
		return false, "nonce_replayed"
	}

	bodyHash := sha256.Sum256(body)
	message := fmt.Sprintf("%s:%s:%s:%s", batchID, ts, nonce, hex.EncodeToString(bodyHash[:]))
	mac := hmac.New(sha256.New, []byte(g.federationSecret))
	mac.Write([]byte(message))
	expected := hex.EncodeToString(mac.Sum(nil))

	if subtle.ConstantTimeCompare([]byte(expected), []byte(sig)) != 1 {
		return false, "signature_mismatch"
	}
	return true, ""
}

// resolveIngestIdentity accepts either a valid access token or, when the
// signature headers were absent (bare-bearer legacy path) or present, the
// federation secret itself as bearer, granting OPERATOR.
func (g *Gateway) resolveIngestIdentity(r *http.Request, signed bool) (string, error) {
	token := bearerToken(r)
	if token == "" {
		return "", auth.ErrInvalidToken
	}
	if g.federationSecret != "" && token == g.federationSecret {
		return auth.RoleOperator, nil
	}

	claims, err := g.codec.VerifyAndCheckRevoked(r.Context(), token, auth.TokenAccess)
	if err != nil {
		// Legacy ingest fails open on revocation to preserve data capture.
		if err == auth.ErrTokenRevoked {
			verified, vErr := g.codec.Verify(token, auth.TokenAccess)
			if vErr == nil {
				return verified.Role, nil
			}
		}
		return "", err
	}
	return claims.Role, nil
}

// resolveRegion implements the 3-tier precedence: header, first-metric
// derivation, literal "unknown".
func (g *Gateway) resolveRegion(r *http.Request, batch ingestBatch) string {
	if h := r.Header.Get(regionHeader); h != "" {
		return h
	}

	for _, raw := range batch.Metrics {
		var m struct {
			Country string `json:"country"`
			Region  string `json:"region"`
		}
		if err := json.Unmarshal(raw, &m); err == nil && m.Country != "" && m.Region != "" {
			region := strings.ToLower(strings.ReplaceAll(m.Region, " ", "-"))
			return strings.ToLower(m.Country) + "-" + region
		}
		break
	}

	return "unknown"
}

// injectMeta adds a _meta object to a raw metric JSON object.
func injectMeta(raw json.RawMessage, meta metaFields) ([]byte, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, fmt.Errorf("unmarshal metric: %w", err)
	}

	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("marshal meta: %w", err)
	}
	obj["_meta"] = metaJSON

	return json.Marshal(obj)
}

// handlePush is the legacy single-metric ingest path (access-token auth,
// no HMAC, no batching): enqueues exactly one metric.
func (g *Gateway) handlePush(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	id, ok := g.requireAuth(w, r)
	if !ok {
		return
	}
	defer func() { g.recordRequest(id.Subject, "/push", http.StatusOK, start) }()

	if !g.checkRateLimit(w, r, g.rateLimitKey(r, id)) {
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "BODY_READ_FAILED", err.Error())
		return
	}

	var peek metricNodeID
	if err := json.Unmarshal(body, &peek); err != nil || peek.NodeID == "" {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "malformed metric payload")
		return
	}

	trace := traceID(r)
	now := time.Now().UTC()
	enriched, err := injectMeta(body, metaFields{
		SchemaVersion: 1,
		IngestedAt:    now.Format(time.RFC3339),
		IngestedBy:    id.Role,
		SourceRegion:  g.resolveRegion(r, ingestBatch{NodeID: peek.NodeID, Metrics: []json.RawMessage{body}}),
		TraceID:       trace,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error())
		return
	}

	if err := g.kv.QueuePush(r.Context(), queueKey, string(enriched)); err != nil {
		writeError(w, http.StatusServiceUnavailable, "QUEUE_UNAVAILABLE", "failed to enqueue metric")
		return
	}

	w.Header().Set("X-Trace-ID", trace)
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "enqueued"})
}
