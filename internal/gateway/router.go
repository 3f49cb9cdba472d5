package gateway

import (
	"net/http"
	"strings"
)

// ServeHTTP dispatches every gateway route by exact path and method,
// using a plain if-chain rather than a pattern mux.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api")
	if path == "" {
		path = "/"
	}

	switch {
	case path == "/status" && r.Method == http.MethodGet:
		g.handleStatus(w, r)
		return

	case path == "/auth/login" && r.Method == http.MethodPost:
		g.handleLogin(w, r)
		return
	case path == "/auth/refresh" && r.Method == http.MethodPost:
		g.handleRefresh(w, r)
		return
	case path == "/auth/logout" && r.Method == http.MethodPost:
		g.handleLogout(w, r)
		return
	case path == "/auth/me" && r.Method == http.MethodGet:
		g.handleMe(w, r)
		return

	case path == "/ingest" && r.Method == http.MethodPost:
		g.handleIngest(w, r)
		return
	case path == "/push" && r.Method == http.MethodPost:
		g.handlePush(w, r)
		return

	case path == "/metrics" && r.Method == http.MethodGet:
		g.handleRawMetrics(w, r)
		return
	case path == "/metrics/aggregated" && r.Method == http.MethodGet:
		g.handleAggregatedMetrics(w, r)
		return
	case path == "/metrics/cluster" && r.Method == http.MethodGet:
		g.handleClusterMetrics(w, r)
		return

	case path == "/nodes" && r.Method == http.MethodGet:
		g.handleListNodes(w, r)
		return
	case path == "/nodes" && r.Method == http.MethodPost:
		g.handleCreateNode(w, r)
		return

	case path == "/audit/status" && r.Method == http.MethodGet:
		g.handleAuditStatus(w, r)
		return

	case path == "/probe/heartbeat" && r.Method == http.MethodPost:
		g.handleProbeHeartbeat(w, r)
		return
	case path == "/federation/status" && r.Method == http.MethodGet:
		g.handleFederationStatus(w, r)
		return
	}

	if r.Method == http.MethodDelete {
		if nodeID, ok := nodeIDFromPath(path); ok {
			g.handleDeleteNode(w, r, nodeID)
			return
		}
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "no such route")
}
