package gateway

import (
	"encoding/json"
	"net/http"
	"time"
)

const (
	heartbeatTTL   = 60 * time.Second
	healthyLagMax  = 30 * time.Second
	degradedLagMax = 60 * time.Second
)

// handleStatus is the public liveness endpoint: ETL health derived from
// heartbeat lag, per §4.6.
func (g *Gateway) handleStatus(w http.ResponseWriter, r *http.Request) {
	fields, err := g.kv.StatusHashGetAll(r.Context(), "fiber:etl:status")
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "STORE_UNAVAILABLE", err.Error())
		return
	}

	state := "down"
	var lagSeconds float64 = -1
	if raw, ok := fields["last_heartbeat_ts"]; ok {
		if last, err := time.Parse(time.RFC3339, raw); err == nil {
			lag := time.Since(last)
			lagSeconds = lag.Seconds()
			switch {
			case lag <= healthyLagMax:
				state = "healthy"
			case lag <= degradedLagMax:
				state = "degraded"
			default:
				state = "down"
			}
		}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":            state,
		"heartbeat_lag_sec": lagSeconds,
		"last_processed_ts": fields["last_processed_ts"],
		"last_batch_size":   fields["last_batch_size"],
		"error_rate":        fields["error_rate"],
	})
}

type heartbeatRequest struct {
	NodeID       string `json:"node_id"`
	ActiveTarget string `json:"active_target"`
	Timestamp    string `json:"timestamp"`
}

func (g *Gateway) handleProbeHeartbeat(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	id, ok := g.requireAuth(w, r)
	if !ok {
		return
	}

	var req heartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.NodeID == "" {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "node_id is required")
		return
	}
	if req.Timestamp == "" {
		req.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}

	payload, err := json.Marshal(req)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "MARSHAL_FAILED", err.Error())
		return
	}

	if err := g.kv.SetHeartbeat(r.Context(), req.NodeID, string(payload), heartbeatTTL); err != nil {
		writeError(w, http.StatusServiceUnavailable, "STORE_UNAVAILABLE", err.Error())
		return
	}

	g.recordRequest(id.Subject, "/probe/heartbeat", http.StatusOK, start)
	writeJSON(w, http.StatusOK, map[string]string{"status": "recorded"})
}

// handleFederationStatus reports each known node's most recent heartbeat.
func (g *Gateway) handleFederationStatus(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	id, ok := g.requireAuth(w, r)
	if !ok {
		return
	}

	nodes, err := g.store.ListNodes(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "STORE_UNAVAILABLE", err.Error())
		return
	}

	type nodeStatus struct {
		NodeID    string `json:"node_id"`
		Heartbeat string `json:"heartbeat,omitempty"`
		Live      bool   `json:"live"`
	}

	statuses := make([]nodeStatus, 0, len(nodes))
	for _, n := range nodes {
		payload, err := g.kv.GetHeartbeat(r.Context(), n.NodeID)
		if err != nil {
			g.logger.Warn("gateway: heartbeat lookup failed", "node_id", n.NodeID, "error", err)
			continue
		}
		statuses = append(statuses, nodeStatus{
			NodeID:    n.NodeID,
			Heartbeat: payload,
			Live:      payload != "",
		})
	}

	g.recordRequest(id.Subject, "/federation/status", http.StatusOK, start)
	writeJSON(w, http.StatusOK, map[string]interface{}{"nodes": statuses})
}
