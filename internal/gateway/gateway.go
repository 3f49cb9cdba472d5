// Package gateway is the ingestion and dashboard HTTP surface: probe batch
// ingest with HMAC verification and idempotency, dashboard auth, node CRUD,
// and the raw/aggregated/cluster metrics read paths — all behind one
// hand-rolled ServeHTTP dispatch.
package gateway

import (
	"context"
	"log/slog"
	"time"

	"github.com/fiberstack/fiber/internal/abuse"
	"github.com/fiberstack/fiber/internal/audit"
	"github.com/fiberstack/fiber/internal/auth"
	"github.com/fiberstack/fiber/internal/kv"
	"github.com/fiberstack/fiber/internal/monitoring"
	"github.com/fiberstack/fiber/internal/ratelimit"
	"github.com/fiberstack/fiber/internal/store"
)

// AggregateQuerier is the subset of the aggregate query layer the gateway
// depends on, kept as an interface so the gateway package never imports
// aggregate directly and the two can evolve independently.
type AggregateQuerier interface {
	QueryAggregated(ctx context.Context, params AggregatedParams) (AggregatedResult, error)
	QueryCluster(ctx context.Context, params ClusterParams) (ClusterResult, error)
}

// Config wires every dependency the gateway's handlers need.
type Config struct {
	Store       *store.Store
	KV          *kv.Store
	Codec       *auth.Codec
	Credentials *auth.StaticCredentialStore
	Abuse       *abuse.Guard
	RateLimiter *ratelimit.TieredLimiter
	GlobalLimit *ratelimit.GlobalLimiter
	Aggregate   AggregateQuerier
	Audit       *audit.Writer
	AuditPath   string // backing file for /audit/status's chain verification
	Logger      *slog.Logger
	Metrics     *monitoring.Metrics

	FederationSecret string
	NodeID           string // this gateway replica's identity, "central" selects strict region validation
	AllowedRegions   []string
	StrictRegion     bool
	TrustedProxies   []string
	RequestTimeout   time.Duration
}

// Gateway holds the assembled dependencies and implements http.Handler via
// Router (see router.go).
type Gateway struct {
	store       *store.Store
	kv          *kv.Store
	codec       *auth.Codec
	credentials *auth.StaticCredentialStore
	abuse       *abuse.Guard
	rateLimiter *ratelimit.TieredLimiter
	globalLimit *ratelimit.GlobalLimiter
	aggregate   AggregateQuerier
	auditLog    *audit.Writer
	auditPath   string
	logger      *slog.Logger
	metrics     *monitoring.Metrics

	federationSecret string
	nodeID           string
	allowedRegions   map[string]bool
	strictRegion     bool
	trustedProxies   map[string]bool
	requestTimeout   time.Duration
}

// New assembles a Gateway from cfg, applying sane defaults.
func New(cfg Config) *Gateway {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}

	allowed := make(map[string]bool, len(cfg.AllowedRegions))
	for _, r := range cfg.AllowedRegions {
		allowed[r] = true
	}
	proxies := make(map[string]bool, len(cfg.TrustedProxies))
	for _, p := range cfg.TrustedProxies {
		proxies[p] = true
	}

	return &Gateway{
		store:            cfg.Store,
		kv:               cfg.KV,
		codec:            cfg.Codec,
		credentials:      cfg.Credentials,
		abuse:            cfg.Abuse,
		rateLimiter:      cfg.RateLimiter,
		globalLimit:      cfg.GlobalLimit,
		aggregate:        cfg.Aggregate,
		auditLog:         cfg.Audit,
		auditPath:        cfg.AuditPath,
		logger:           cfg.Logger,
		metrics:          cfg.Metrics,
		federationSecret: cfg.FederationSecret,
		nodeID:           cfg.NodeID,
		allowedRegions:   allowed,
		strictRegion:     cfg.StrictRegion,
		trustedProxies:   proxies,
		requestTimeout:   cfg.RequestTimeout,
	}
}
