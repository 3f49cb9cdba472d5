package gateway

import (
	"net/http"
	"time"

	"github.com/fiberstack/fiber/internal/audit"
	"github.com/fiberstack/fiber/internal/auth"
)

// handleAuditStatus reports the audit log's size and hash-chain integrity.
// Restricted to admin:audit since a broken chain is itself sensitive
// information about a potential tamper attempt.
func (g *Gateway) handleAuditStatus(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	id, ok := g.requirePermission(w, r, auth.PermAdminAudit)
	if !ok {
		return
	}

	stats, err := audit.GetStats(g.auditPath)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "AUDIT_STATS_FAILED", err.Error())
		return
	}

	valid, brokenAt := audit.VerifyChain(g.auditPath)

	resp := map[string]interface{}{
		"valid":           valid,
		"total_entries":   stats.TotalEntries,
		"file_size_bytes": stats.FileSizeBytes,
	}
	if brokenAt != nil {
		resp["broken_at_line"] = *brokenAt
	}

	g.recordRequest(id.Subject, "/audit/status", http.StatusOK, start)
	writeJSON(w, http.StatusOK, resp)
}
