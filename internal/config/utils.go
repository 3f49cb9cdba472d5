package config

import (
	"fmt"
	"log/slog"
)

// PrintConfig logs the resolved configuration tree at startup, redacting
// every secret-bearing field.
func PrintConfig(logger *slog.Logger, cfg *Config) {
	logger.Info("=== Configuration Loaded ===")

	logger.Info("server",
		"port", cfg.Server.Port,
		"max_body_size_mb", cfg.Server.MaxBodySizeMB,
		"request_timeout", cfg.Server.RequestTimeout.String(),
		"read_timeout", cfg.Server.ReadTimeout.String(),
		"write_timeout", cfg.Server.WriteTimeout.String(),
		"idle_timeout", cfg.Server.IdleTimeout.String(),
		"logging_level", cfg.Server.LoggingLevel,
	)

	logger.Info("gateway",
		"node_id", cfg.Gateway.NodeID,
		"federation_secret", "***REDACTED***",
		"replay_window", cfg.Gateway.ReplayWindow.String(),
		"allowed_regions", cfg.Gateway.AllowedRegions,
		"strict_region", cfg.Gateway.StrictRegion,
		"audit_log_path", cfg.Gateway.AuditLogPath,
	)

	logger.Info("rate_limit",
		"ingest_rate", cfg.RateLimit.IngestRate,
		"ingest_burst", cfg.RateLimit.IngestBurst,
		"local_rate", cfg.RateLimit.LocalRate,
		"global_max", cfg.RateLimit.GlobalMax,
	)

	logger.Info("store",
		"max_conns", cfg.Store.MaxConns,
		"min_conns", cfg.Store.MinConns,
		"health_check_interval", cfg.Store.HealthCheckInterval.String(),
		"connect_timeout", cfg.Store.ConnectTimeout.String(),
	)

	logger.Info("kv_store",
		"addr", cfg.KVStore.Addr,
		"db", cfg.KVStore.DB,
		"password_set", cfg.KVStore.Password != "",
	)

	logger.Info("etl",
		"batch_size", cfg.ETL.BatchSize,
		"use_copy", cfg.ETL.UseCopy,
		"dedup_enabled", cfg.ETL.DedupEnabled,
		"node_cache_enabled", cfg.ETL.NodeCacheEnabled,
		"worker_count", cfg.ETL.WorkerCount,
	)

	logger.Info("alerts",
		"latency_warn_ms", cfg.Alerts.LatencyWarnMS,
		"latency_crit_ms", cfg.Alerts.LatencyCritMS,
		"loss_warn_pct", cfg.Alerts.LossWarnPct,
		"loss_crit_pct", cfg.Alerts.LossCritPct,
		"uptime_warn_pct", cfg.Alerts.UptimeWarnPct,
		"global_per_hour", cfg.Alerts.GlobalPerHour,
		"cooldown", cfg.Alerts.Cooldown.String(),
		"webhook_configured", cfg.Alerts.WebhookURL != "",
	)

	logger.Info("auth",
		"issuer", cfg.Auth.Issuer,
		"audience", cfg.Auth.Audience,
		"access_token_ttl", cfg.Auth.AccessTokenTTL.String(),
		"refresh_token_ttl", cfg.Auth.RefreshTokenTTL.String(),
		"admin_users_count", len(cfg.Auth.AdminUsers),
		"operator_users_count", len(cfg.Auth.OperatorUsers),
	)

	logger.Info("probe",
		"node_id", cfg.Probe.NodeID,
		"country", cfg.Probe.Country,
		"region", cfg.Probe.Region,
		"probe_interval", cfg.Probe.ProbeInterval.String(),
		"heartbeat_interval", cfg.Probe.HeartbeatInterval.String(),
		"failover_enabled", cfg.Probe.FailoverEnabled,
	)
	for i, target := range cfg.Probe.Targets {
		logger.Info(fmt.Sprintf("  [%d] probe target", i),
			"name", target.Name,
			"priority", target.Priority,
			"requests_per_sec", target.RequestsPerSec,
		)
	}

	logger.Info("=== Configuration Ready ===")
}
