package gateway

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/fiberstack/fiber/internal/auth"
)

// errorBody is the structured error response shape per the validation/
// authentication/authorization/rate-limit error taxonomy.
type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	BatchID string `json:"batch_id,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorBody{Code: code, Message: message})
}

func writeErrorWithBatch(w http.ResponseWriter, status int, code, message, batchID string) {
	writeJSON(w, status, errorBody{Code: code, Message: message, BatchID: batchID})
}

// traceID returns the inbound X-Trace-ID or generates a fresh one.
func traceID(r *http.Request) string {
	if t := r.Header.Get("X-Trace-ID"); t != "" {
		return t
	}
	return uuid.NewString()
}

// clientIP resolves the caller's address, trusting X-Forwarded-For only
// when the direct peer is a configured trusted proxy.
func (g *Gateway) clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}

	if g.trustedProxies[host] {
		if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
			parts := strings.Split(fwd, ",")
			return strings.TrimSpace(parts[0])
		}
	}
	return host
}

// bearerToken extracts the raw token from an Authorization: Bearer header.
func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(h, prefix) {
		return ""
	}
	return strings.TrimPrefix(h, prefix)
}

// identity is the resolved caller of an authenticated request.
type identity struct {
	Subject      string
	Role         string
	Claims       *auth.Claims // nil for the federation-secret bearer path
	IsFederation bool
}

// authenticate resolves an access-token bearer to an identity. The legacy
// federation path (federation secret presented as bearer) is handled
// separately by callers that accept it (ingest).
func (g *Gateway) authenticate(r *http.Request) (*identity, error) {
	token := bearerToken(r)
	if token == "" {
		return nil, auth.ErrInvalidToken
	}

	if g.federationSecret != "" && token == g.federationSecret {
		return &identity{Subject: "federation_probe", Role: auth.RoleOperator, IsFederation: true}, nil
	}

	claims, err := g.codec.VerifyAndCheckRevoked(r.Context(), token, auth.TokenAccess)
	if err != nil {
		return nil, err
	}
	return &identity{Subject: claims.Subject, Role: claims.Role, Claims: claims}, nil
}

// requireAuth authenticates the request or writes a 401 and reports failure.
// A revocation-check failure (kv-store unreachable) is a transient
// persistence failure, not an invalid credential, so it surfaces as 503
// rather than being folded into the same 401 as a bad or revoked token.
func (g *Gateway) requireAuth(w http.ResponseWriter, r *http.Request) (*identity, bool) {
	id, err := g.authenticate(r)
	if err != nil {
		if errors.Is(err, auth.ErrRevocationCheckFailed) {
			writeError(w, http.StatusServiceUnavailable, "STORE_UNAVAILABLE", err.Error())
			return nil, false
		}
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", err.Error())
		return nil, false
	}
	return id, true
}

// requirePermission authenticates and checks a permission, writing 401/403
// as appropriate.
func (g *Gateway) requirePermission(w http.ResponseWriter, r *http.Request, perm string) (*identity, bool) {
	id, ok := g.requireAuth(w, r)
	if !ok {
		return nil, false
	}
	if !auth.HasPermission(id.Role, perm) {
		g.recordAudit(id.Subject, id.Role, "DENIED", perm, nil)
		writeError(w, http.StatusForbidden, "FORBIDDEN", "insufficient permissions")
		return nil, false
	}
	return id, true
}

// rateLimitKey picks the identity to key the rate limiter on: the
// authenticated subject if present, else the resolved client IP.
func (g *Gateway) rateLimitKey(r *http.Request, id *identity) string {
	if id != nil && id.Subject != "" {
		return id.Subject
	}
	return g.clientIP(r)
}

// checkRateLimit enforces the global safety cap then the tiered per-key
// limiter, writing rate-limit response headers and a 429/503 body on
// rejection. Returns true if the request may proceed.
func (g *Gateway) checkRateLimit(w http.ResponseWriter, r *http.Request, keyID string) bool {
	if g.globalLimit != nil && !g.globalLimit.Allow() {
		writeError(w, http.StatusServiceUnavailable, "OVERLOADED", "global request capacity exhausted")
		return false
	}

	if g.rateLimiter == nil {
		return true
	}

	policy := "distributed"
	if g.rateLimiter.UsingLocal() {
		policy = "local"
	}
	w.Header().Set("X-RateLimit-Policy", policy)

	allowed := g.rateLimiter.Allow(r.Context(), keyID)
	if !allowed {
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusTooManyRequests, "RATE_LIMITED", "rate limit exceeded")
		return false
	}
	return true
}

// recordRequest logs a completed request's outcome to the metrics registry.
func (g *Gateway) recordRequest(identity, endpoint string, status int, start time.Time) {
	if g.metrics != nil {
		g.metrics.RecordRequest(identity, endpoint, status, time.Since(start))
	}
}

// recordAudit appends a hash-chained audit entry for a privileged action.
// No-op when the gateway was built without an audit writer.
func (g *Gateway) recordAudit(user, role, action, resource string, details map[string]interface{}) {
	if g.auditLog == nil {
		return
	}
	if user == "" {
		user = "unknown"
	}
	if role == "" {
		role = "unknown"
	}
	if _, err := g.auditLog.Log(user, role, action, resource, details); err != nil {
		g.logger.Error("gateway: audit log write failed", "error", err)
	}
}
