// Package config resolves mikroscope's runtime configuration by layering
// compiled-in defaults, an optional JSON file, environment variables, and
// CLI flags, in ascending order of precedence — the highest-precedence
// layer that sets a field wins.
package config

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sethvargo/go-envconfig"
	"github.com/spf13/pflag"
)

// Config is the fully resolved set of knobs consumed by internal/app's
// orchestrator and the components it builds.
type Config struct {
	Host     string `env:"MSC_HOST,default=0.0.0.0" json:"host"`
	Port     string `env:"MSC_PORT,default=8085" json:"port"`
	Protocol string `env:"MSC_PROTOCOL,default=http" json:"protocol"`
	TLSCert  string `env:"MSC_TLS_CERT_PATH" json:"tlsCertPath"`
	TLSKey   string `env:"MSC_TLS_KEY_PATH" json:"tlsKeyPath"`
	LogLevel string `env:"MSC_LOG_LEVEL,default=info" json:"logLevel"`

	DBPath   string `env:"MSC_DB_PATH,default=./data/mikroscope.db" json:"dbPath"`
	LogsPath string `env:"MSC_LOGS_PATH,default=./data/logs" json:"logsPath"`

	APIToken     string `env:"MSC_API_TOKEN" json:"apiToken"`
	AuthUsername string `env:"MSC_AUTH_USERNAME" json:"authUsername"`
	AuthPassword string `env:"MSC_AUTH_PASSWORD" json:"authPassword"`

	CORSAllowOrigin string `env:"MSC_CORS_ALLOW_ORIGIN,default=*" json:"corsAllowOrigin"`

	IngestProducers    string `env:"MSC_INGEST_PRODUCERS" json:"ingestProducers"`
	IngestMaxBodyBytes int64  `env:"MSC_INGEST_MAX_BODY_BYTES,default=1048576" json:"ingestMaxBodyBytes"`
	IngestIntervalMs   int64  `env:"MSC_INGEST_INTERVAL_MS,default=2000" json:"ingestIntervalMs"`
	DisableAutoIngest  bool   `env:"MSC_DISABLE_AUTO_INGEST,default=false" json:"disableAutoIngest"`
	IngestAsyncQueue   bool   `env:"MSC_INGEST_ASYNC_QUEUE,default=false" json:"ingestAsyncQueue"`
	IngestQueueFlushMs int64  `env:"MSC_INGEST_QUEUE_FLUSH_MS,default=250" json:"ingestQueueFlushMs"`

	DBRetentionDays       int `env:"MSC_DB_RETENTION_DAYS,default=30" json:"dbRetentionDays"`
	DBAuditRetentionDays  int `env:"MSC_DB_AUDIT_RETENTION_DAYS,default=365" json:"dbAuditRetentionDays"`
	LogRetentionDays      int `env:"MSC_LOG_RETENTION_DAYS,default=30" json:"logRetentionDays"`
	LogAuditRetentionDays int `env:"MSC_LOG_AUDIT_RETENTION_DAYS,default=365" json:"logAuditRetentionDays"`

	AlertEnabled                bool   `env:"MSC_ALERT_ENABLED,default=false" json:"alertEnabled"`
	AlertWebhookURL             string `env:"MSC_ALERT_WEBHOOK_URL" json:"alertWebhookUrl"`
	AlertIntervalMs             int64  `env:"MSC_ALERT_INTERVAL_MS,default=30000" json:"alertIntervalMs"`
	AlertWindowMinutes          int64  `env:"MSC_ALERT_WINDOW_MINUTES,default=5" json:"alertWindowMinutes"`
	AlertErrorThreshold         int64  `env:"MSC_ALERT_ERROR_THRESHOLD,default=20" json:"alertErrorThreshold"`
	AlertNoLogsThresholdMinutes int64  `env:"MSC_ALERT_NO_LOGS_THRESHOLD_MINUTES,default=0" json:"alertNoLogsThresholdMinutes"`
	AlertCooldownMs             int64  `env:"MSC_ALERT_COOLDOWN_MS,default=300000" json:"alertCooldownMs"`
	AlertWebhookTimeoutMs       int64  `env:"MSC_ALERT_WEBHOOK_TIMEOUT_MS,default=5000" json:"alertWebhookTimeoutMs"`
	AlertWebhookRetryAttempts   int    `env:"MSC_ALERT_WEBHOOK_RETRY_ATTEMPTS,default=3" json:"alertWebhookRetryAttempts"`
	AlertWebhookBackoffMs       int64  `env:"MSC_ALERT_WEBHOOK_BACKOFF_MS,default=250" json:"alertWebhookBackoffMs"`
	AlertConfigPath             string `env:"MSC_ALERT_CONFIG_PATH" json:"alertConfigPath"`

	MaintenanceIntervalMs int64  `env:"MSC_MAINTENANCE_INTERVAL_MS,default=21600000" json:"maintenanceIntervalMs"`
	AuditBackupDirectory  string `env:"MSC_AUDIT_BACKUP_DIRECTORY" json:"auditBackupDirectory"`

	MinFreeBytes int64 `env:"MSC_MIN_FREE_BYTES,default=268435456" json:"minFreeBytes"`
}

// Load resolves configuration: defaults -> optional JSON file named by
// -config/--config -> environment variables -> CLI flags. args should
// normally be os.Args[1:].
func Load(ctx context.Context, args []string) (*Config, error) {
	// pflag reads a single-dash "-config" as a chain of one-letter
	// shorthands, so that spelling is rewritten to its long form first.
	normalized := make([]string, len(args))
	for i, a := range args {
		if a == "-config" || strings.HasPrefix(a, "-config=") {
			a = "-" + a
		}
		normalized[i] = a
	}
	args = normalized

	// Layer 1+3: envconfig.Process fills struct-tag defaults for any field
	// left zero and then overlays matching environment variables, exactly
	// the single-pass idiom the teacher uses on a zero-value struct.
	cfg := &Config{}
	if err := envconfig.Process(ctx, cfg); err != nil {
		return nil, fmt.Errorf("load env config: %w", err)
	}

	// Layer 2: an explicitly-named JSON config file overlays onto the
	// resolved defaults+env seed. Pulled out of args ahead of the main
	// flag parse so -config itself can be a flag.
	var fileFlag string
	preFS := pflag.NewFlagSet("mikroscope-pre", pflag.ContinueOnError)
	preFS.ParseErrorsWhitelist.UnknownFlags = true
	preFS.StringVar(&fileFlag, "config", "", "path to a JSON config file")
	_ = preFS.Parse(args)

	if fileFlag != "" {
		if err := overlayFile(cfg, fileFlag); err != nil {
			return nil, err
		}
	}

	// Layer 4: CLI flags win over everything; each flag's default is the
	// value already resolved above, so only explicitly-passed flags change it.
	fs := pflag.NewFlagSet("mikroscope", pflag.ContinueOnError)
	fs.String("config", fileFlag, "path to a JSON config file")
	bindFlags(fs, cfg)
	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("parse flags: %w", err)
	}

	// alertEnabled defaults to true iff a webhook URL is configured (spec
	// §4.5's bounds table), but only when no layer above explicitly set it
	// — an operator who writes MSC_ALERT_ENABLED=false to keep alerting off
	// despite a configured webhook must still be honored.
	if !alertEnabledExplicit(fileFlag, fs) {
		cfg.AlertEnabled = cfg.AlertWebhookURL != ""
	}

	return cfg, nil
}

// alertEnabledExplicit reports whether alertEnabled was set by the env var,
// the JSON config file, or the CLI flag, as opposed to merely taking its
// envconfig struct-tag default.
func alertEnabledExplicit(fileFlag string, fs *pflag.FlagSet) bool {
	if _, ok := os.LookupEnv("MSC_ALERT_ENABLED"); ok {
		return true
	}
	if fileFlag != "" {
		if data, err := os.ReadFile(fileFlag); err == nil {
			var probe map[string]json.RawMessage
			if json.Unmarshal(data, &probe) == nil {
				if _, ok := probe["alertEnabled"]; ok {
					return true
				}
			}
		}
	}
	return fs.Changed("alert-enabled")
}

// overlayFile merges fields present in the JSON file at path onto cfg. A
// path that does not exist is silently ignored; any other read or parse
// error aborts startup.
func overlayFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read config file %s: %w", path, err)
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func bindFlags(fs *pflag.FlagSet, cfg *Config) {
	fs.StringVar(&cfg.Host, "host", cfg.Host, "bind host")
	fs.StringVar(&cfg.Port, "port", cfg.Port, "bind port")
	fs.StringVar(&cfg.Protocol, "protocol", cfg.Protocol, "http or https")
	fs.StringVar(&cfg.TLSCert, "tls-cert-path", cfg.TLSCert, "TLS certificate path")
	fs.StringVar(&cfg.TLSKey, "tls-key-path", cfg.TLSKey, "TLS key path")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level")
	fs.StringVar(&cfg.DBPath, "db-path", cfg.DBPath, "sqlite database path")
	fs.StringVar(&cfg.LogsPath, "logs-path", cfg.LogsPath, "NDJSON logs root")
	fs.StringVar(&cfg.APIToken, "api-token", cfg.APIToken, "bearer token required for API routes")
	fs.StringVar(&cfg.AuthUsername, "auth-username", cfg.AuthUsername, "basic auth username")
	fs.StringVar(&cfg.AuthPassword, "auth-password", cfg.AuthPassword, "basic auth password")
	fs.StringVar(&cfg.CORSAllowOrigin, "cors-allow-origin", cfg.CORSAllowOrigin, "comma separated CORS origin allowlist")
	fs.StringVar(&cfg.IngestProducers, "ingest-producers", cfg.IngestProducers, "comma list of token=producerId pairs")
	fs.Int64Var(&cfg.IngestMaxBodyBytes, "ingest-max-body-bytes", cfg.IngestMaxBodyBytes, "max ingest request body size")
	fs.Int64Var(&cfg.IngestIntervalMs, "ingest-interval-ms", cfg.IngestIntervalMs, "auto-ingest indexing tick interval")
	fs.BoolVar(&cfg.DisableAutoIngest, "disable-auto-ingest", cfg.DisableAutoIngest, "disable the auto-ingest ticker")
	fs.BoolVar(&cfg.IngestAsyncQueue, "ingest-async-queue", cfg.IngestAsyncQueue, "queue ingest writes instead of synchronous")
	fs.Int64Var(&cfg.IngestQueueFlushMs, "ingest-queue-flush-ms", cfg.IngestQueueFlushMs, "ingest queue coalescing window")
	fs.IntVar(&cfg.DBRetentionDays, "db-retention-days", cfg.DBRetentionDays, "normal entry retention, 0=disabled")
	fs.IntVar(&cfg.DBAuditRetentionDays, "db-audit-retention-days", cfg.DBAuditRetentionDays, "audit entry retention, 0=disabled")
	fs.IntVar(&cfg.LogRetentionDays, "log-retention-days", cfg.LogRetentionDays, "normal NDJSON file retention, 0=disabled")
	fs.IntVar(&cfg.LogAuditRetentionDays, "log-audit-retention-days", cfg.LogAuditRetentionDays, "audit NDJSON file retention, 0=disabled")
	fs.BoolVar(&cfg.AlertEnabled, "alert-enabled", cfg.AlertEnabled, "enable alerting")
	fs.StringVar(&cfg.AlertWebhookURL, "alert-webhook-url", cfg.AlertWebhookURL, "alert webhook URL")
	fs.Int64Var(&cfg.AlertIntervalMs, "alert-interval-ms", cfg.AlertIntervalMs, "alert evaluation interval")
	fs.Int64Var(&cfg.AlertWindowMinutes, "alert-window-minutes", cfg.AlertWindowMinutes, "error rate window")
	fs.Int64Var(&cfg.AlertErrorThreshold, "alert-error-threshold", cfg.AlertErrorThreshold, "error count threshold")
	fs.Int64Var(&cfg.AlertNoLogsThresholdMinutes, "alert-no-logs-threshold-minutes", cfg.AlertNoLogsThresholdMinutes, "no-logs window, 0=off")
	fs.Int64Var(&cfg.AlertCooldownMs, "alert-cooldown-ms", cfg.AlertCooldownMs, "per-rule cooldown")
	fs.Int64Var(&cfg.AlertWebhookTimeoutMs, "alert-webhook-timeout-ms", cfg.AlertWebhookTimeoutMs, "per-attempt webhook timeout")
	fs.IntVar(&cfg.AlertWebhookRetryAttempts, "alert-webhook-retry-attempts", cfg.AlertWebhookRetryAttempts, "webhook retry attempts")
	fs.Int64Var(&cfg.AlertWebhookBackoffMs, "alert-webhook-backoff-ms", cfg.AlertWebhookBackoffMs, "webhook base backoff")
	fs.StringVar(&cfg.AlertConfigPath, "alert-config-path", cfg.AlertConfigPath, "alert policy persistence path")
	fs.Int64Var(&cfg.MaintenanceIntervalMs, "maintenance-interval-ms", cfg.MaintenanceIntervalMs, "maintenance loop interval")
	fs.StringVar(&cfg.AuditBackupDirectory, "audit-backup-directory", cfg.AuditBackupDirectory, "backup-before-delete directory for audit files")
	fs.Int64Var(&cfg.MinFreeBytes, "min-free-bytes", cfg.MinFreeBytes, "preflight minimum free disk space")
}

// MaintenanceInterval returns the maintenance tick as a time.Duration,
// clamped to the 1s floor required by spec §4.6.
func (c *Config) MaintenanceInterval() time.Duration {
	d := time.Duration(c.MaintenanceIntervalMs) * time.Millisecond
	if d < time.Second {
		d = time.Second
	}
	return d
}

// IngestInterval returns the auto-ingest tick as a time.Duration.
func (c *Config) IngestInterval() time.Duration {
	return time.Duration(c.IngestIntervalMs) * time.Millisecond
}

// ResolvedAlertConfigPath returns the configured alert policy path, or the
// default sibling-of-database-file path when unset.
func (c *Config) ResolvedAlertConfigPath() string {
	if c.AlertConfigPath != "" {
		return c.AlertConfigPath
	}
	return filepath.Join(filepath.Dir(c.DBPath), "mikroscope.alert-config.json")
}
