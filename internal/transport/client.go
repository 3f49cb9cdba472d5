// Package transport is the probe's outbound HTTP client to the gateway: it
// signs each batch with HMAC-SHA256, retries transient failures with
// jittered exponential backoff, and trips a local circuit breaker when a
// target looks dead — satisfying internal/failover's PushClient interface.
package transport

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

const (
	defaultMaxAttempts        = 3
	defaultBaseDelay          = 1 * time.Second
	defaultMaxDelay           = 10 * time.Second
	defaultRequestTimeout     = 10 * time.Second
	circuitFailureThreshold   = 5
	circuitResetAfter         = 30 * time.Second
	nonceHeader               = "X-Fiber-Nonce"
	timestampHeader           = "X-Fiber-Timestamp"
	signatureHeader           = "X-Fiber-Signature"
	batchIDHeader             = "X-Batch-ID"
)

// RetryPolicy controls how many times a push is attempted and the backoff
// schedule between attempts.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryPolicy returns the standard retry/backoff constants.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: defaultMaxAttempts, BaseDelay: defaultBaseDelay, MaxDelay: defaultMaxDelay}
}

// Client is one upstream federation target the probe can push batches to.
// It implements internal/failover's PushClient interface.
type Client struct {
	name             string
	priority         int
	baseURL          string
	authToken        string
	federationSecret string
	httpClient       *http.Client
	retry            RetryPolicy
	limiter          *rate.Limiter
	logger           *slog.Logger

	mu                  sync.Mutex
	consecutiveFailures int
	circuitOpenUntil    time.Time

	stats *Stats
}

// Config describes one federation target.
type Config struct {
	Name             string
	Priority         int
	BaseURL          string
	AuthToken        string
	FederationSecret string
	Retry            RetryPolicy
	RequestsPerSec   float64 // per-target local pacing; 0 disables the limiter
	Timeout          time.Duration
	Logger           *slog.Logger
}

// New builds a federation push client from cfg, applying defaults for any
// zero-valued fields.
func New(cfg Config) *Client {
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = DefaultRetryPolicy()
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultRequestTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	var limiter *rate.Limiter
	if cfg.RequestsPerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSec), 1)
	}

	return &Client{
		name:             cfg.Name,
		priority:         cfg.Priority,
		baseURL:          cfg.BaseURL,
		authToken:        cfg.AuthToken,
		federationSecret: cfg.FederationSecret,
		httpClient:       &http.Client{Timeout: cfg.Timeout},
		retry:            cfg.Retry,
		limiter:          limiter,
		logger:           cfg.Logger,
		stats:            &Stats{},
	}
}

// Name returns the target's configured name.
func (c *Client) Name() string { return c.name }

// Priority returns the target's failover priority (lower sorts first).
func (c *Client) Priority() int { return c.priority }

// CircuitOpen reports whether the breaker is currently tripped, auto-closing
// it if the reset window has elapsed. After an auto-close a single failure
// reopens the breaker; a success resets the failure count.
func (c *Client) CircuitOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.circuitOpenLocked()
}

func (c *Client) circuitOpenLocked() bool {
	if c.circuitOpenUntil.IsZero() {
		return false
	}
	if time.Now().After(c.circuitOpenUntil) {
		c.circuitOpenUntil = time.Time{}
		c.consecutiveFailures = circuitFailureThreshold - 1
		return false
	}
	return true
}

// Stats returns a snapshot of this client's lifetime counters.
func (c *Client) Stats() Stats { return c.stats.snapshot() }

// PushBatch signs metrics and submits them to the target's /ingest endpoint,
// retrying transient failures with exponential backoff. A terminal 4xx (any
// code but 408) or an exhausted retry budget returns (false, err); a tripped
// circuit breaker short-circuits without making a request.
func (c *Client) PushBatch(ctx context.Context, metrics []byte, nodeID string) (bool, error) {
	if c.CircuitOpen() {
		c.stats.recordSkipped()
		return false, fmt.Errorf("transport: circuit open for target %q", c.name)
	}

	payload, err := canonicalPayload(nodeID, metrics)
	if err != nil {
		return false, fmt.Errorf("transport: build payload: %w", err)
	}

	var lastErr error
	delay := c.retry.BaseDelay
	for attempt := 1; attempt <= c.retry.MaxAttempts; attempt++ {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return false, fmt.Errorf("transport: rate limit wait: %w", err)
			}
		}

		ok, retryable, err := c.attempt(ctx, payload)
		if ok {
			c.recordSuccess()
			return true, nil
		}

		lastErr = err
		if !retryable {
			c.recordFailure()
			return false, err
		}

		c.logger.Warn("transport: push attempt failed, retrying", "target", c.name, "attempt", attempt, "max_attempts", c.retry.MaxAttempts, "error", err)
		if attempt == c.retry.MaxAttempts {
			break
		}

		jittered := time.Duration(float64(delay) * (0.5 + rand.Float64()))
		select {
		case <-time.After(jittered):
		case <-ctx.Done():
			return false, ctx.Err()
		}
		delay *= 2
		if delay > c.retry.MaxDelay {
			delay = c.retry.MaxDelay
		}
	}

	c.recordFailure()
	return false, fmt.Errorf("transport: exhausted retries against %q: %w", c.name, lastErr)
}

// attempt makes one HTTP round trip and classifies the outcome: (success,
// retryable-on-failure, error).
func (c *Client) attempt(ctx context.Context, payload []byte) (bool, bool, error) {
	batchID := uuid.NewString()
	nonce := uuid.NewString()
	timestamp := time.Now().UTC().Format(time.RFC3339)
	bodyHash := sha256.Sum256(payload)
	message := fmt.Sprintf("%s:%s:%s:%s", batchID, timestamp, nonce, hex.EncodeToString(bodyHash[:]))
	signature := hmacSHA256Hex(c.federationSecret, message)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/ingest", bytes.NewReader(payload))
	if err != nil {
		return false, false, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
	req.Header.Set(batchIDHeader, batchID)
	req.Header.Set(timestampHeader, timestamp)
	req.Header.Set(nonceHeader, nonce)
	req.Header.Set(signatureHeader, signature)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.stats.recordError()
		return false, true, fmt.Errorf("request: %w", err) // network/timeout errors are retryable
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return true, false, nil
	case resp.StatusCode == http.StatusRequestTimeout:
		c.stats.recordError()
		return false, true, fmt.Errorf("status %d", resp.StatusCode)
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		c.stats.recordError()
		return false, false, fmt.Errorf("terminal status %d", resp.StatusCode)
	default: // 5xx
		c.stats.recordError()
		return false, true, fmt.Errorf("status %d", resp.StatusCode)
	}
}

func (c *Client) recordSuccess() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.consecutiveFailures = 0
	c.circuitOpenUntil = time.Time{}
	c.stats.recordSuccess()
}

func (c *Client) recordFailure() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.consecutiveFailures++
	if c.consecutiveFailures >= circuitFailureThreshold {
		c.circuitOpenUntil = time.Now().Add(circuitResetAfter)
		c.logger.Error("transport: circuit opened", "target", c.name, "consecutive_failures", c.consecutiveFailures, "reset_after", circuitResetAfter)
	}
}

// canonicalPayload builds the exact byte sequence that gets signed: compact
// JSON with keys in sorted order, no whitespace. The object has exactly two
// keys ("metrics", "node_id"), which already sort alphabetically, so the
// field order below doubles as the canonical order.
func canonicalPayload(nodeID string, metrics []byte) ([]byte, error) {
	if len(metrics) == 0 {
		metrics = []byte("[]")
	}
	if !json.Valid(metrics) {
		return nil, fmt.Errorf("metrics is not valid JSON")
	}
	nodeIDJSON, err := json.Marshal(nodeID)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	buf.WriteString(`{"metrics":`)
	if err := json.Compact(&buf, metrics); err != nil {
		return nil, fmt.Errorf("compact metrics: %w", err)
	}
	buf.WriteString(`,"node_id":`)
	buf.Write(nodeIDJSON)
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func hmacSHA256Hex(secret, message string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(message))
	return hex.EncodeToString(mac.Sum(nil))
}
