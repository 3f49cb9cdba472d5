package gateway

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/fiberstack/fiber/internal/auth"
)

func (g *Gateway) handleLogin(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	var req auth.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "malformed login request")
		return
	}

	if g.abuse != nil && g.abuse.IsBanned(req.Username, g.clientIP(r)) {
		g.recordRequest(req.Username, "/auth/login", http.StatusForbidden, start)
		writeError(w, http.StatusForbidden, "BANNED", "too many failed attempts, try again later")
		return
	}

	result, err := g.credentials.Authenticate(req)
	if err != nil {
		if g.abuse != nil {
			g.abuse.RecordOutcome(req.Username, g.clientIP(r), "bad_credentials")
		}
		g.recordRequest(req.Username, "/auth/login", http.StatusUnauthorized, start)
		writeError(w, http.StatusUnauthorized, "INVALID_CREDENTIALS", "invalid username or password")
		return
	}
	if g.abuse != nil {
		g.abuse.RecordOutcome(req.Username, g.clientIP(r), "")
	}

	pair, err := g.codec.IssueTokens(result.Username, result.Role)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "TOKEN_ISSUE_FAILED", err.Error())
		return
	}

	g.recordRequest(result.Username, "/auth/login", http.StatusOK, start)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"access_token":  pair.AccessToken,
		"refresh_token": pair.RefreshToken,
		"expires_in":    pair.ExpiresIn,
		"role":          pair.Role,
	})
}

func (g *Gateway) handleRefresh(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	var req struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.RefreshToken == "" {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "refresh_token is required")
		return
	}

	pair, err := g.codec.RotateRefresh(r.Context(), req.RefreshToken)
	if err != nil {
		g.recordRequest("anonymous", "/auth/refresh", http.StatusUnauthorized, start)
		writeError(w, http.StatusUnauthorized, "INVALID_REFRESH_TOKEN", err.Error())
		return
	}

	g.recordRequest("", "/auth/refresh", http.StatusOK, start)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"access_token":  pair.AccessToken,
		"refresh_token": pair.RefreshToken,
		"expires_in":    pair.ExpiresIn,
		"role":          pair.Role,
	})
}

func (g *Gateway) handleLogout(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	id, ok := g.requireAuth(w, r)
	if !ok {
		return
	}

	if id.Claims != nil {
		if err := g.codec.Revoke(r.Context(), id.Claims); err != nil {
			writeError(w, http.StatusServiceUnavailable, "REVOKE_FAILED", err.Error())
			return
		}
	}

	g.recordRequest(id.Subject, "/auth/logout", http.StatusOK, start)
	writeJSON(w, http.StatusOK, map[string]string{"status": "logged_out"})
}

func (g *Gateway) handleMe(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	id, ok := g.requireAuth(w, r)
	if !ok {
		return
	}

	g.recordRequest(id.Subject, "/auth/me", http.StatusOK, start)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"subject":     id.Subject,
		"role":        id.Role,
		"permissions": auth.RolePermissions(id.Role),
	})
}
