// Package config loads the telemetry plane's YAML configuration, resolving
// every leaf value through an env-var or Docker/K8s secret-file indirection
// before it is type-converted.
package config

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level tree for every fiberstack process (gateway, ETL
// worker, probe agent) — each reads only the sections it needs.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Gateway   GatewayConfig   `yaml:"gateway"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Store     StoreConfig     `yaml:"store"`
	KVStore   KVStoreConfig   `yaml:"kv_store"`
	ETL       ETLConfig       `yaml:"etl"`
	Alerts    AlertsConfig    `yaml:"alerts"`
	Auth      AuthConfig      `yaml:"auth"`
	Probe     ProbeConfig     `yaml:"probe"`
}

// ServerConfig covers the HTTP listener shared by every process that
// exposes a health/metrics surface.
type ServerConfig struct {
	Port           int           `yaml:"port"`
	MaxBodySizeMB  int           `yaml:"max_body_size_mb"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
	LoggingLevel   string        `yaml:"logging_level"`
}

// UnmarshalYAML resolves every ServerConfig leaf through the
// os.environ/VAR_NAME indirection before type conversion.
func (s *ServerConfig) UnmarshalYAML(value *yaml.Node) error {
	type tempConfig struct {
		Port           string `yaml:"port"`
		MaxBodySizeMB  string `yaml:"max_body_size_mb"`
		RequestTimeout string `yaml:"request_timeout"`
		ReadTimeout    string `yaml:"read_timeout"`
		WriteTimeout   string `yaml:"write_timeout"`
		IdleTimeout    string `yaml:"idle_timeout"`
		LoggingLevel   string `yaml:"logging_level"`
	}

	var temp tempConfig
	if err := value.Decode(&temp); err != nil {
		return err
	}

	var err error
	if s.Port, err = resolveEnvInt(temp.Port, 8080); err != nil {
		return fmt.Errorf("invalid server.port: %w", err)
	}
	if s.MaxBodySizeMB, err = resolveEnvInt(temp.MaxBodySizeMB, 10); err != nil {
		return fmt.Errorf("invalid server.max_body_size_mb: %w", err)
	}
	if s.RequestTimeout, err = resolveEnvDuration(temp.RequestTimeout, 30*time.Second); err != nil {
		return fmt.Errorf("invalid server.request_timeout: %w", err)
	}
	if s.ReadTimeout, err = resolveEnvDuration(temp.ReadTimeout, 60*time.Second); err != nil {
		return fmt.Errorf("invalid server.read_timeout: %w", err)
	}
	if s.WriteTimeout, err = resolveEnvDuration(temp.WriteTimeout, 10*time.Minute); err != nil {
		return fmt.Errorf("invalid server.write_timeout: %w", err)
	}
	if s.IdleTimeout, err = resolveEnvDuration(temp.IdleTimeout, 20*time.Minute); err != nil {
		return fmt.Errorf("invalid server.idle_timeout: %w", err)
	}
	s.LoggingLevel = resolveEnvString(temp.LoggingLevel)

	return nil
}

// GatewayConfig covers the ingestion/dashboard HTTP surface: federation
// trust, replay protection, region enforcement, and the audit trail.
type GatewayConfig struct {
	NodeID           string        `yaml:"node_id"` // "central" selects strict region validation
	FederationSecret string        `yaml:"federation_secret"`
	ReplayWindow     time.Duration `yaml:"replay_window"`
	AllowedRegions   []string      `yaml:"allowed_regions"`
	StrictRegion     bool          `yaml:"strict_region"`
	TrustedProxies   []string      `yaml:"trusted_proxies"`
	AuditLogPath     string        `yaml:"audit_log_path"`
}

func (g *GatewayConfig) UnmarshalYAML(value *yaml.Node) error {
	type tempConfig struct {
		NodeID           string   `yaml:"node_id"`
		FederationSecret string   `yaml:"federation_secret"`
		ReplayWindow     string   `yaml:"replay_window"`
		AllowedRegions   []string `yaml:"allowed_regions"`
		StrictRegion     string   `yaml:"strict_region"`
		TrustedProxies   []string `yaml:"trusted_proxies"`
		AuditLogPath     string   `yaml:"audit_log_path"`
	}

	var temp tempConfig
	if err := value.Decode(&temp); err != nil {
		return err
	}

	g.NodeID = resolveEnvString(temp.NodeID)
	g.FederationSecret = resolveSecret("FEDERATION_SECRET", resolveEnvString(temp.FederationSecret))
	g.AllowedRegions = temp.AllowedRegions
	g.TrustedProxies = temp.TrustedProxies
	g.AuditLogPath = resolveEnvString(temp.AuditLogPath)
	if g.AuditLogPath == "" {
		g.AuditLogPath = "/tmp/fiber-audit.jsonl"
	}

	var err error
	if g.ReplayWindow, err = resolveEnvDuration(temp.ReplayWindow, 5*time.Minute); err != nil {
		return fmt.Errorf("invalid gateway.replay_window: %w", err)
	}
	if temp.StrictRegion != "" {
		if g.StrictRegion, err = resolveEnvBool(temp.StrictRegion, false); err != nil {
			return fmt.Errorf("invalid gateway.strict_region: %w", err)
		}
	}

	return nil
}

// RateLimitConfig holds the distributed/local/global rate-limiting settings.
type RateLimitConfig struct {
	IngestRate     float64  `yaml:"ingest_rate"`
	IngestBurst    int      `yaml:"ingest_burst"`
	LocalRate      float64  `yaml:"local_rate"`
	GlobalMax      int      `yaml:"global_max"`
	TrustedProxies []string `yaml:"trusted_proxies"`
}

func (r *RateLimitConfig) UnmarshalYAML(value *yaml.Node) error {
	type tempConfig struct {
		IngestRate     string   `yaml:"ingest_rate"`
		IngestBurst    string   `yaml:"ingest_burst"`
		LocalRate      string   `yaml:"local_rate"`
		GlobalMax      string   `yaml:"global_max"`
		TrustedProxies []string `yaml:"trusted_proxies"`
	}

	var temp tempConfig
	if err := value.Decode(&temp); err != nil {
		return err
	}

	r.TrustedProxies = temp.TrustedProxies

	var err error
	if r.IngestRate, err = resolveEnvFloat(temp.IngestRate, 1.0); err != nil {
		return fmt.Errorf("invalid rate_limit.ingest_rate: %w", err)
	}
	if r.IngestBurst, err = resolveEnvInt(temp.IngestBurst, 10); err != nil {
		return fmt.Errorf("invalid rate_limit.ingest_burst: %w", err)
	}
	if r.LocalRate, err = resolveEnvFloat(temp.LocalRate, 5.0); err != nil {
		return fmt.Errorf("invalid rate_limit.local_rate: %w", err)
	}
	if r.GlobalMax, err = resolveEnvInt(temp.GlobalMax, 200); err != nil {
		return fmt.Errorf("invalid rate_limit.global_max: %w", err)
	}

	return nil
}

// StoreConfig maps onto internal/store.Config.
type StoreConfig struct {
	DatabaseURL         string        `yaml:"database_url"`
	MaxConns            int32         `yaml:"max_conns"`
	MinConns            int32         `yaml:"min_conns"`
	HealthCheckInterval time.Duration `yaml:"health_check_interval"`
	ConnectTimeout      time.Duration `yaml:"connect_timeout"`
}

func (s *StoreConfig) UnmarshalYAML(value *yaml.Node) error {
	type tempConfig struct {
		DatabaseURL         string `yaml:"database_url"`
		MaxConns            string `yaml:"max_conns"`
		MinConns            string `yaml:"min_conns"`
		HealthCheckInterval string `yaml:"health_check_interval"`
		ConnectTimeout      string `yaml:"connect_timeout"`
	}

	var temp tempConfig
	if err := value.Decode(&temp); err != nil {
		return err
	}

	s.DatabaseURL = resolveSecret("DATABASE_URL", resolveEnvString(temp.DatabaseURL))

	maxConns, err := resolveEnvInt(temp.MaxConns, 10)
	if err != nil {
		return fmt.Errorf("invalid store.max_conns: %w", err)
	}
	s.MaxConns = int32(maxConns)

	minConns, err := resolveEnvInt(temp.MinConns, 2)
	if err != nil {
		return fmt.Errorf("invalid store.min_conns: %w", err)
	}
	s.MinConns = int32(minConns)

	if s.HealthCheckInterval, err = resolveEnvDuration(temp.HealthCheckInterval, 10*time.Second); err != nil {
		return fmt.Errorf("invalid store.health_check_interval: %w", err)
	}
	if s.ConnectTimeout, err = resolveEnvDuration(temp.ConnectTimeout, 5*time.Second); err != nil {
		return fmt.Errorf("invalid store.connect_timeout: %w", err)
	}

	return nil
}

// KVStoreConfig maps onto internal/kv.Config.
type KVStoreConfig struct {
	Addr         string        `yaml:"addr"`
	Password     string        `yaml:"password,omitempty"`
	DB           int           `yaml:"db"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

func (k *KVStoreConfig) UnmarshalYAML(value *yaml.Node) error {
	type tempConfig struct {
		Addr         string `yaml:"addr"`
		Password     string `yaml:"password,omitempty"`
		DB           string `yaml:"db"`
		DialTimeout  string `yaml:"dial_timeout"`
		ReadTimeout  string `yaml:"read_timeout"`
		WriteTimeout string `yaml:"write_timeout"`
	}

	var temp tempConfig
	if err := value.Decode(&temp); err != nil {
		return err
	}

	k.Addr = resolveEnvString(temp.Addr)
	if k.Addr == "" {
		k.Addr = "localhost:6379"
	}
	k.Password = resolveSecret("REDIS_PASSWORD", resolveEnvString(temp.Password))

	var err error
	if k.DB, err = resolveEnvInt(temp.DB, 0); err != nil {
		return fmt.Errorf("invalid kv_store.db: %w", err)
	}
	if k.DialTimeout, err = resolveEnvDuration(temp.DialTimeout, 5*time.Second); err != nil {
		return fmt.Errorf("invalid kv_store.dial_timeout: %w", err)
	}
	if k.ReadTimeout, err = resolveEnvDuration(temp.ReadTimeout, 3*time.Second); err != nil {
		return fmt.Errorf("invalid kv_store.read_timeout: %w", err)
	}
	if k.WriteTimeout, err = resolveEnvDuration(temp.WriteTimeout, 3*time.Second); err != nil {
		return fmt.Errorf("invalid kv_store.write_timeout: %w", err)
	}

	return nil
}

// ETLConfig maps onto internal/etl.Config/Flags.
type ETLConfig struct {
	BatchSize        int  `yaml:"batch_size"`
	UseCopy          bool `yaml:"use_copy"`
	DedupEnabled     bool `yaml:"dedup_enabled"`
	NodeCacheEnabled bool `yaml:"node_cache_enabled"`
	WorkerCount      int  `yaml:"worker_count"`
}

func (e *ETLConfig) UnmarshalYAML(value *yaml.Node) error {
	type tempConfig struct {
		BatchSize        string `yaml:"batch_size"`
		UseCopy          string `yaml:"use_copy"`
		DedupEnabled     string `yaml:"dedup_enabled"`
		NodeCacheEnabled string `yaml:"node_cache_enabled"`
		WorkerCount      string `yaml:"worker_count"`
	}

	var temp tempConfig
	if err := value.Decode(&temp); err != nil {
		return err
	}

	var err error
	if e.BatchSize, err = resolveEnvInt(temp.BatchSize, 100); err != nil {
		return fmt.Errorf("invalid etl.batch_size: %w", err)
	}
	if e.WorkerCount, err = resolveEnvInt(temp.WorkerCount, 1); err != nil {
		return fmt.Errorf("invalid etl.worker_count: %w", err)
	}
	if e.UseCopy, err = resolveEnvBool(temp.UseCopy, true); err != nil {
		return fmt.Errorf("invalid etl.use_copy: %w", err)
	}
	if e.DedupEnabled, err = resolveEnvBool(temp.DedupEnabled, true); err != nil {
		return fmt.Errorf("invalid etl.dedup_enabled: %w", err)
	}
	if e.NodeCacheEnabled, err = resolveEnvBool(temp.NodeCacheEnabled, true); err != nil {
		return fmt.Errorf("invalid etl.node_cache_enabled: %w", err)
	}

	return nil
}

// AlertsConfig maps onto internal/alerts.Thresholds plus dispatch/quota
// settings not owned by the threshold struct itself.
type AlertsConfig struct {
	LatencyWarnMS float64       `yaml:"latency_warn_ms"`
	LatencyCritMS float64       `yaml:"latency_crit_ms"`
	LossWarnPct   float64       `yaml:"loss_warn_pct"`
	LossCritPct   float64       `yaml:"loss_crit_pct"`
	UptimeWarnPct float64       `yaml:"uptime_warn_pct"`
	GlobalPerHour int           `yaml:"global_per_hour"`
	Cooldown      time.Duration `yaml:"cooldown"`
	WebhookURL    string        `yaml:"webhook_url,omitempty"`
}

func (a *AlertsConfig) UnmarshalYAML(value *yaml.Node) error {
	type tempConfig struct {
		LatencyWarnMS string `yaml:"latency_warn_ms"`
		LatencyCritMS string `yaml:"latency_crit_ms"`
		LossWarnPct   string `yaml:"loss_warn_pct"`
		LossCritPct   string `yaml:"loss_crit_pct"`
		UptimeWarnPct string `yaml:"uptime_warn_pct"`
		GlobalPerHour string `yaml:"global_per_hour"`
		Cooldown      string `yaml:"cooldown"`
		WebhookURL    string `yaml:"webhook_url,omitempty"`
	}

	var temp tempConfig
	if err := value.Decode(&temp); err != nil {
		return err
	}

	a.WebhookURL = resolveSecret("ALERT_WEBHOOK_URL", resolveEnvString(temp.WebhookURL))

	var err error
	if a.LatencyWarnMS, err = resolveEnvFloat(temp.LatencyWarnMS, 200.0); err != nil {
		return fmt.Errorf("invalid alerts.latency_warn_ms: %w", err)
	}
	if a.LatencyCritMS, err = resolveEnvFloat(temp.LatencyCritMS, 500.0); err != nil {
		return fmt.Errorf("invalid alerts.latency_crit_ms: %w", err)
	}
	if a.LossWarnPct, err = resolveEnvFloat(temp.LossWarnPct, 1.0); err != nil {
		return fmt.Errorf("invalid alerts.loss_warn_pct: %w", err)
	}
	if a.LossCritPct, err = resolveEnvFloat(temp.LossCritPct, 5.0); err != nil {
		return fmt.Errorf("invalid alerts.loss_crit_pct: %w", err)
	}
	if a.UptimeWarnPct, err = resolveEnvFloat(temp.UptimeWarnPct, 95.0); err != nil {
		return fmt.Errorf("invalid alerts.uptime_warn_pct: %w", err)
	}
	if a.GlobalPerHour, err = resolveEnvInt(temp.GlobalPerHour, 100); err != nil {
		return fmt.Errorf("invalid alerts.global_per_hour: %w", err)
	}
	if a.Cooldown, err = resolveEnvDuration(temp.Cooldown, 15*time.Minute); err != nil {
		return fmt.Errorf("invalid alerts.cooldown: %w", err)
	}

	return nil
}

// AuthConfig maps onto internal/auth.Codec plus the role-resolution lists.
type AuthConfig struct {
	JWTSecret       string            `yaml:"jwt_secret"`
	Issuer          string            `yaml:"issuer"`
	Audience        string            `yaml:"audience"`
	AccessTokenTTL  time.Duration     `yaml:"access_token_ttl"`
	RefreshTokenTTL time.Duration     `yaml:"refresh_token_ttl"`
	AdminUsers      []string          `yaml:"admin_users"`
	OperatorUsers   []string          `yaml:"operator_users"`
	Credentials     map[string]string `yaml:"-"` // username -> sha256 password hash, parsed from USER_CREDENTIALS
}

func (a *AuthConfig) UnmarshalYAML(value *yaml.Node) error {
	type tempConfig struct {
		JWTSecret       string `yaml:"jwt_secret"`
		Issuer          string `yaml:"issuer"`
		Audience        string `yaml:"audience"`
		AccessTokenTTL  string `yaml:"access_token_ttl"`
		RefreshTokenTTL string `yaml:"refresh_token_ttl"`
		AdminUsers      string `yaml:"admin_users"`
		OperatorUsers   string `yaml:"operator_users"`
	}

	var temp tempConfig
	if err := value.Decode(&temp); err != nil {
		return err
	}

	a.JWTSecret = resolveSecret("JWT_SECRET", resolveEnvString(temp.JWTSecret))
	a.Issuer = resolveEnvString(temp.Issuer)
	if a.Issuer == "" {
		a.Issuer = "fiber-api"
	}
	a.Audience = resolveEnvString(temp.Audience)
	if a.Audience == "" {
		a.Audience = "fiber-dashboard"
	}
	a.AdminUsers = splitOrDefault(resolveSecret("ADMIN_USERS", resolveEnvString(temp.AdminUsers)), "admin")
	a.OperatorUsers = splitOrDefault(resolveSecret("OPERATOR_USERS", resolveEnvString(temp.OperatorUsers)), "operator")
	a.Credentials = parseCredentials(resolveSecret("USER_CREDENTIALS", ""))

	var err error
	if a.AccessTokenTTL, err = resolveEnvDuration(temp.AccessTokenTTL, 15*time.Minute); err != nil {
		return fmt.Errorf("invalid auth.access_token_ttl: %w", err)
	}
	if a.RefreshTokenTTL, err = resolveEnvDuration(temp.RefreshTokenTTL, 7*24*time.Hour); err != nil {
		return fmt.Errorf("invalid auth.refresh_token_ttl: %w", err)
	}

	return nil
}

// ProbeTarget is one federation push destination, priority-ordered.
type ProbeTarget struct {
	Name           string        `yaml:"name"`
	Priority       int           `yaml:"priority"`
	BaseURL        string        `yaml:"base_url"`
	RequestsPerSec float64       `yaml:"requests_per_sec"`
	Timeout        time.Duration `yaml:"timeout"`
	MaxAttempts    int           `yaml:"max_attempts"`
}

// ProbeConfig covers the remote probe agent's identity, durable buffer, and
// federation targets.
type ProbeConfig struct {
	NodeID            string        `yaml:"node_id"`
	Country           string        `yaml:"country"`
	Region            string        `yaml:"region"`
	ProbeInterval     time.Duration `yaml:"probe_interval"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	BufferPath        string        `yaml:"buffer_path"`
	BufferMaxSizeMB   int           `yaml:"buffer_max_size_mb"`
	FailoverEnabled   bool          `yaml:"failover_enabled"`
	Targets           []ProbeTarget `yaml:"targets"`
}

func (p *ProbeConfig) UnmarshalYAML(value *yaml.Node) error {
	type tempConfig struct {
		NodeID            string        `yaml:"node_id"`
		Country           string        `yaml:"country"`
		Region            string        `yaml:"region"`
		ProbeInterval     string        `yaml:"probe_interval"`
		HeartbeatInterval string        `yaml:"heartbeat_interval"`
		BufferPath        string        `yaml:"buffer_path"`
		BufferMaxSizeMB   string        `yaml:"buffer_max_size_mb"`
		FailoverEnabled   string        `yaml:"failover_enabled"`
		Targets           []ProbeTarget `yaml:"targets"`
	}

	var temp tempConfig
	if err := value.Decode(&temp); err != nil {
		return err
	}

	p.NodeID = resolveEnvString(temp.NodeID)
	p.Country = resolveEnvString(temp.Country)
	if p.Country == "" {
		p.Country = "GH"
	}
	p.Region = resolveEnvString(temp.Region)
	if p.Region == "" {
		p.Region = "Accra"
	}
	p.BufferPath = resolveEnvString(temp.BufferPath)
	if p.BufferPath == "" {
		p.BufferPath = "/data/buffer.db"
	}
	p.Targets = temp.Targets

	var err error
	if p.ProbeInterval, err = resolveEnvDuration(temp.ProbeInterval, 30*time.Second); err != nil {
		return fmt.Errorf("invalid probe.probe_interval: %w", err)
	}
	if p.HeartbeatInterval, err = resolveEnvDuration(temp.HeartbeatInterval, 60*time.Second); err != nil {
		return fmt.Errorf("invalid probe.heartbeat_interval: %w", err)
	}
	if p.BufferMaxSizeMB, err = resolveEnvInt(temp.BufferMaxSizeMB, 100); err != nil {
		return fmt.Errorf("invalid probe.buffer_max_size_mb: %w", err)
	}
	if temp.FailoverEnabled == "" {
		p.FailoverEnabled = true
	} else if p.FailoverEnabled, err = resolveEnvBool(temp.FailoverEnabled, true); err != nil {
		return fmt.Errorf("invalid probe.failover_enabled: %w", err)
	}

	return nil
}

// Load reads, parses, and validates the config tree at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	// Run every section's UnmarshalYAML once on an empty mapping so sections
	// absent from the file still get their defaults.
	seed := "{server: {}, gateway: {}, rate_limit: {}, store: {}, kv_store: {}, etl: {}, alerts: {}, auth: {}, probe: {}}"
	if err := yaml.Unmarshal([]byte(seed), &cfg); err != nil {
		return nil, fmt.Errorf("failed to apply config defaults: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// Validate checks cross-field invariants and fails fast on missing secrets.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server.port: %d", c.Server.Port)
	}
	if c.Server.MaxBodySizeMB <= 0 {
		return fmt.Errorf("invalid server.max_body_size_mb: %d", c.Server.MaxBodySizeMB)
	}

	validLevels := map[string]bool{"info": true, "debug": true, "error": true, "warn": true}
	if c.Server.LoggingLevel == "" {
		c.Server.LoggingLevel = "info"
	} else if !validLevels[c.Server.LoggingLevel] {
		return fmt.Errorf("invalid server.logging_level: %s", c.Server.LoggingLevel)
	}

	if c.Gateway.FederationSecret == "" {
		return fmt.Errorf("gateway.federation_secret is required")
	}
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}

	if c.Store.DatabaseURL != "" {
		if _, err := url.Parse(c.Store.DatabaseURL); err != nil {
			return fmt.Errorf("invalid store.database_url: %w", err)
		}
	}

	for _, t := range c.Probe.Targets {
		if t.Name == "" {
			return fmt.Errorf("probe target: name is required")
		}
		if t.BaseURL == "" {
			return fmt.Errorf("probe target %s: base_url is required", t.Name)
		}
		if _, err := url.Parse(t.BaseURL); err != nil {
			return fmt.Errorf("probe target %s: invalid base_url: %w", t.Name, err)
		}
	}

	return nil
}

// resolveEnvString resolves environment variable if value is in format
// "os.environ/VAR_NAME".
func resolveEnvString(value string) string {
	const prefix = "os.environ/"
	if strings.HasPrefix(value, prefix) {
		envVar := strings.TrimPrefix(value, prefix)
		if envValue := os.Getenv(envVar); envValue != "" {
			return envValue
		}
		return ""
	}
	return value
}

// resolveSecret checks a Docker/K8s secret file at /run/secrets/<key,
// lowercased> first, then the environment variable named envKey, then
// falls back to the already-resolved YAML value.
func resolveSecret(envKey, fallback string) string {
	secretPath := filepath.Join("/run/secrets", strings.ToLower(envKey))
	if data, err := os.ReadFile(secretPath); err == nil {
		return strings.TrimSpace(string(data))
	}
	if val, ok := os.LookupEnv(envKey); ok {
		return val
	}
	return fallback
}

// splitOrDefault splits a comma-joined user list, falling back to a single
// default entry when empty.
func splitOrDefault(csv, def string) []string {
	var out []string
	for _, v := range strings.Split(csv, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	if len(out) == 0 {
		return []string{def}
	}
	return out
}

// parseCredentials parses the "user:pass,user2:pass2" USER_CREDENTIALS
// format into a username -> sha256-hex-digest map, hashing each plaintext
// password the same way auth.HashPassword does. Malformed entries (missing
// the ':' separator) are skipped rather than failing config load.
func parseCredentials(raw string) map[string]string {
	out := make(map[string]string)
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, ":", 2)
		if len(parts) != 2 {
			continue
		}
		user := strings.TrimSpace(parts[0])
		pass := strings.TrimSpace(parts[1])
		if user == "" || pass == "" {
			continue
		}
		sum := sha256.Sum256([]byte(pass))
		out[user] = hex.EncodeToString(sum[:])
	}
	return out
}

// parseFunc is a function type that parses a string value into the desired type
type parseFunc[T any] func(string) (T, error)

// resolveEnvValue resolves environment variable and parses it using the provided parser
func resolveEnvValue[T any](value string, defaultValue T, parser parseFunc[T], typeName string) (T, error) {
	if value == "" {
		return defaultValue, nil
	}

	resolved := resolveEnvString(value)
	if resolved == "" {
		return defaultValue, nil
	}

	parsed, err := parser(resolved)
	if err != nil {
		return defaultValue, fmt.Errorf("failed to parse %s from '%s': %w", typeName, resolved, err)
	}
	return parsed, nil
}

func resolveEnvInt(value string, defaultValue int) (int, error) {
	return resolveEnvValue(value, defaultValue, strconv.Atoi, "int")
}

func resolveEnvFloat(value string, defaultValue float64) (float64, error) {
	return resolveEnvValue(value, defaultValue, func(s string) (float64, error) {
		return strconv.ParseFloat(s, 64)
	}, "float")
}

func resolveEnvBool(value string, defaultValue bool) (bool, error) {
	return resolveEnvValue(value, defaultValue, strconv.ParseBool, "bool")
}

func resolveEnvDuration(value string, defaultValue time.Duration) (time.Duration, error) {
	return resolveEnvValue(value, defaultValue, time.ParseDuration, "duration")
}
