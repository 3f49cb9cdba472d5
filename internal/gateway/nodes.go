package gateway

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/fiberstack/fiber/internal/auth"
	"github.com/fiberstack/fiber/internal/store"
)

func (g *Gateway) handleListNodes(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	id, ok := g.requirePermission(w, r, auth.PermMonitorNodes)
	if !ok {
		return
	}
	if !g.checkRateLimit(w, r, g.rateLimitKey(r, id)) {
		return
	}

	nodes, err := g.store.ListNodes(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "STORE_UNAVAILABLE", err.Error())
		return
	}

	g.recordRequest(id.Subject, "/nodes", http.StatusOK, start)
	writeJSON(w, http.StatusOK, map[string]interface{}{"nodes": nodes})
}

type createNodeRequest struct {
	NodeID  string  `json:"node_id"`
	Country string  `json:"country"`
	Region  string  `json:"region"`
	Lat     float64 `json:"lat"`
	Lng     float64 `json:"lng"`
}

func (g *Gateway) handleCreateNode(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	id, ok := g.requirePermission(w, r, auth.PermNodeCreate)
	if !ok {
		return
	}
	if !g.checkRateLimit(w, r, g.rateLimitKey(r, id)) {
		return
	}

	var req createNodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.NodeID == "" {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "node_id is required")
		return
	}

	if err := g.store.CreateNode(r.Context(), req.NodeID, req.Country, req.Region, req.Lat, req.Lng); err != nil {
		writeError(w, http.StatusServiceUnavailable, "STORE_UNAVAILABLE", err.Error())
		return
	}

	g.recordAudit(id.Subject, id.Role, "CREATE_NODE", req.NodeID, map[string]interface{}{
		"country": req.Country,
		"region":  req.Region,
	})

	g.recordRequest(id.Subject, "/nodes", http.StatusCreated, start)
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"node_id": req.NodeID,
		"status":  string(store.NodeRegistered),
	})
}

func (g *Gateway) handleDeleteNode(w http.ResponseWriter, r *http.Request, nodeID string) {
	start := time.Now()
	id, ok := g.requirePermission(w, r, auth.PermNodeDelete)
	if !ok {
		return
	}
	if !g.checkRateLimit(w, r, g.rateLimitKey(r, id)) {
		return
	}

	if err := g.store.SoftDeleteNode(r.Context(), nodeID); err != nil {
		writeError(w, http.StatusServiceUnavailable, "STORE_UNAVAILABLE", err.Error())
		return
	}

	g.recordAudit(id.Subject, id.Role, "DELETE_NODE", nodeID, nil)

	g.recordRequest(id.Subject, "/nodes/{id}", http.StatusOK, start)
	writeJSON(w, http.StatusOK, map[string]string{"node_id": nodeID, "status": "deleted"})
}

// nodeIDFromPath extracts the {id} segment from /nodes/{id}.
func nodeIDFromPath(path string) (string, bool) {
	const prefix = "/nodes/"
	if !strings.HasPrefix(path, prefix) {
		return "", false
	}
	id := strings.TrimPrefix(path, prefix)
	if id == "" || strings.Contains(id, "/") {
		return "", false
	}
	return id, true
}
