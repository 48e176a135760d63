// Package config handles loading and validating dynsecrets configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

// Config is the root configuration for the dynsecrets broker.
type Config struct {
	DataDir       string               `json:"data_dir,omitempty" yaml:"data_dir,omitempty"` // Persistent data directory. Default: ~/.dynsecrets/data. Override: DYNSECRETS_DATA_DIR env var.
	Vault         VaultConfig          `json:"vault" yaml:"vault"`
	Profiles      []ProfileConfig      `json:"profiles" yaml:"profiles"`
	API           APIConfig            `json:"api" yaml:"api"`
	Events        *EventsConfig        `json:"events,omitempty" yaml:"events,omitempty"`               // nil = WebSocket event stream disabled.
	Storage       *StorageConfig       `json:"storage,omitempty" yaml:"storage,omitempty"`             // nil = SQLite default (derived from data dir).
	Retention     *RetentionConfig     `json:"retention,omitempty" yaml:"retention,omitempty"`         // nil = audit events kept forever.
	Watchdog      *WatchdogConfig      `json:"watchdog,omitempty" yaml:"watchdog,omitempty"`           // nil = stale-pending watchdog disabled.
	Notification  *NotificationConfig  `json:"notification,omitempty" yaml:"notification,omitempty"`   // nil = revoke failures are only logged.
	Observability *ObservabilityConfig `json:"observability,omitempty" yaml:"observability,omitempty"` // nil = observability disabled.
}

// VaultConfig configures the secrets-service client and its auth method.
// Address and token can be set here or via VAULT_ADDR / VAULT_TOKEN env vars;
// environment variables take precedence.
type VaultConfig struct {
	Address   string         `json:"address" yaml:"address"`                           // Override: VAULT_ADDR env var.
	Namespace string         `json:"namespace,omitempty" yaml:"namespace,omitempty"`   // Enterprise namespace. Override: VAULT_NAMESPACE env var.
	Auth      AuthConfig     `json:"auth" yaml:"auth"`
	TimeoutS  int            `json:"timeout_s" yaml:"timeout_s"`                       // Per-call timeout. Default: 10.
	TLS       *TLSConfig     `json:"tls,omitempty" yaml:"tls,omitempty"`               // nil = system defaults.
}

// AuthConfig selects how the broker authenticates to Vault.
type AuthConfig struct {
	Method   string `json:"method" yaml:"method"`                         // "token" (default), "approle", "userpass".
	Token    string `json:"token,omitempty" yaml:"token,omitempty"`       // Override: VAULT_TOKEN env var.
	RoleID   string `json:"role_id,omitempty" yaml:"role_id,omitempty"`   // Override: VAULT_ROLE_ID env var.
	SecretID string `json:"secret_id,omitempty" yaml:"secret_id,omitempty"` // Override: VAULT_SECRET_ID env var.
	Username string `json:"username,omitempty" yaml:"username,omitempty"`
	Password string `json:"password,omitempty" yaml:"password,omitempty"` // Override: VAULT_AUTH_PASSWORD env var.
	Mount    string `json:"mount,omitempty" yaml:"mount,omitempty"`       // Auth mount path. Default: "approle"/"userpass".
}

// TLSConfig holds Vault TLS settings.
type TLSConfig struct {
	CACert     string `json:"ca_cert,omitempty" yaml:"ca_cert,omitempty"` // Path to CA certificate.
	SkipVerify bool   `json:"skip_verify" yaml:"skip_verify"`             // Dev only.
}

// AuthMethod returns the configured auth method, defaulting to "token".
func (a *AuthConfig) AuthMethod() string {
	if a != nil && a.Method != "" {
		return a.Method
	}
	return "token"
}

// Timeout returns the per-call Vault timeout with a default of 10s.
func (v *VaultConfig) Timeout() time.Duration {
	if v != nil && v.TimeoutS > 0 {
		return time.Duration(v.TimeoutS) * time.Second
	}
	return 10 * time.Second
}

// ProfileConfig defines one connection profile: which secret backs it and
// which fields within the secret carry the credentials.
// The three properties are required — interception fails with a configuration
// error when any is missing or empty.
type ProfileConfig struct {
	Name        string `json:"name" yaml:"name"`
	SecretPath  string `json:"secret_path" yaml:"secret_path"`   // e.g. "database/creds/readonly".
	UsernameKey string `json:"username_key" yaml:"username_key"` // Field holding the username.
	PasswordKey string `json:"password_key" yaml:"password_key"` // Field holding the password.
}

// APIConfig configures the HTTP API the host talks to.
type APIConfig struct {
	ListenAddr          string            `json:"listen_addr" yaml:"listen_addr"` // Default: ":8400".
	EnableDocs          bool              `json:"enable_docs" yaml:"enable_docs"`
	MaxRequestSizeBytes int64             `json:"max_request_size_bytes" yaml:"max_request_size_bytes"`
	APIKeyClientMapping map[string]string `json:"api_key_client_mapping" yaml:"api_key_client_mapping"` // API key → client ID. Override: DYNSECRETS_API_KEYS env var ("key:client,key:client").
	RateLimit           RateLimitConfig   `json:"rate_limit" yaml:"rate_limit"`
}

// Addr returns the listen address with a default of ":8400".
func (a *APIConfig) Addr() string {
	if a != nil && a.ListenAddr != "" {
		return a.ListenAddr
	}
	return ":8400"
}

// RateLimitConfig configures per-client rate limiting for the API.
type RateLimitConfig struct {
	RequestsPerMinute int `json:"requests_per_minute" yaml:"requests_per_minute"`
	BurstSize         int `json:"burst_size" yaml:"burst_size"`
}

// EventsConfig configures the WebSocket lease event stream.
type EventsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"`   // URL path. Default: "/ws/events".
	Token   string `json:"token" yaml:"token"` // Shared token for stream clients. Override: DYNSECRETS_EVENTS_TOKEN env var.
}

// WSPath returns the WebSocket path with a default of "/ws/events".
func (e *EventsConfig) WSPath() string {
	if e != nil && e.Path != "" {
		return e.Path
	}
	return "/ws/events"
}

// StorageConfig configures the audit-trail persistence backend.
// When nil, defaults to SQLite with the database path derived from the data dir.
type StorageConfig struct {
	Driver   string                 `json:"driver" yaml:"driver"`                         // "sqlite" (default) or "postgres".
	SQLite   *SQLiteStorageConfig   `json:"sqlite,omitempty" yaml:"sqlite,omitempty"`     // SQLite-specific settings.
	Postgres *PostgresStorageConfig `json:"postgres,omitempty" yaml:"postgres,omitempty"` // PostgreSQL-specific settings.
}

// StorageDriver returns the configured driver, defaulting to "sqlite".
func (s *StorageConfig) StorageDriver() string {
	if s != nil && s.Driver != "" {
		return s.Driver
	}
	return "sqlite"
}

// SQLiteStorageConfig holds SQLite-specific settings.
type SQLiteStorageConfig struct {
	Path        string `json:"path,omitempty" yaml:"path,omitempty"` // Database file path. Default: derived from data dir.
	JournalMode string `json:"journal_mode" yaml:"journal_mode"`     // "wal" (default), "delete", "truncate", etc.
}

// PostgresStorageConfig holds PostgreSQL-specific settings.
type PostgresStorageConfig struct {
	DSN              string `json:"dsn" yaml:"dsn"` // Override: DYNSECRETS_DB_DSN env var.
	MaxOpenConns     int    `json:"max_open_conns" yaml:"max_open_conns"`           // Default: 25.
	MaxIdleConns     int    `json:"max_idle_conns" yaml:"max_idle_conns"`           // Default: 5.
	ConnMaxLifetimeS int    `json:"conn_max_lifetime_s" yaml:"conn_max_lifetime_s"` // Default: 1800 (30 min).
}

// RetentionConfig configures the audit-event retention janitor.
type RetentionConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	Schedule string `json:"schedule" yaml:"schedule"` // Standard 5-field cron. Default: "0 3 * * *".
	MaxAgeDays int  `json:"max_age_days" yaml:"max_age_days"` // Default: 90.
}

// CronSchedule returns the purge schedule with a default of 03:00 daily.
func (r *RetentionConfig) CronSchedule() string {
	if r != nil && r.Schedule != "" {
		return r.Schedule
	}
	return "0 3 * * *"
}

// MaxAge returns the retention window with a default of 90 days.
func (r *RetentionConfig) MaxAge() time.Duration {
	if r != nil && r.MaxAgeDays > 0 {
		return time.Duration(r.MaxAgeDays) * 24 * time.Hour
	}
	return 90 * 24 * time.Hour
}

// WatchdogConfig configures the stale-pending lease watchdog.
// A pending lease older than the threshold indicates the host never delivered
// a connected/failed notification — a defect, reported loudly but never
// auto-revoked.
type WatchdogConfig struct {
	Enabled             bool `json:"enabled" yaml:"enabled"`
	PollIntervalSeconds int  `json:"poll_interval_seconds" yaml:"poll_interval_seconds"` // Default: 60.
	StaleAfterSeconds   int  `json:"stale_after_seconds" yaml:"stale_after_seconds"`     // Default: 600.
}

// PollInterval returns the watchdog poll interval with a default of 60s.
func (w *WatchdogConfig) PollInterval() time.Duration {
	if w != nil && w.PollIntervalSeconds > 0 {
		return time.Duration(w.PollIntervalSeconds) * time.Second
	}
	return 60 * time.Second
}

// StaleAfter returns the stale threshold with a default of 10m.
func (w *WatchdogConfig) StaleAfter() time.Duration {
	if w != nil && w.StaleAfterSeconds > 0 {
		return time.Duration(w.StaleAfterSeconds) * time.Second
	}
	return 10 * time.Minute
}

// NotificationConfig configures where revoke failures and defect signals are
// reported. Channels are tried independently; a send failure never blocks the
// triggering operation.
type NotificationConfig struct {
	Enabled  bool            `json:"enabled" yaml:"enabled"`
	Webhook  *WebhookConfig  `json:"webhook,omitempty" yaml:"webhook,omitempty"`   // nil = webhook notifications disabled.
	Slack    *SlackConfig    `json:"slack,omitempty" yaml:"slack,omitempty"`       // nil = Slack notifications disabled.
}

// WebhookConfig configures the HTTP POST notification sender.
type WebhookConfig struct {
	URL string `json:"url" yaml:"url"`
}

// SlackConfig configures the Slack incoming-webhook sender.
// Webhook URL can be set here or via SLACK_WEBHOOK_URL env var.
type SlackConfig struct {
	WebhookURL string `json:"webhook_url,omitempty" yaml:"webhook_url,omitempty"` // Override: SLACK_WEBHOOK_URL env var.
	Channel    string `json:"channel,omitempty" yaml:"channel,omitempty"`
}

// ObservabilityConfig configures metrics, tracing, and health checks.
// When nil, all observability features are disabled with zero overhead.
type ObservabilityConfig struct {
	Metrics *MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Tracing *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty"`
	Health  *HealthConfig  `json:"health,omitempty" yaml:"health,omitempty"`
}

// MetricsConfig configures Prometheus metrics exposition.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"` // Default: "/metrics".
}

// TracingConfig configures OpenTelemetry distributed tracing.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`         // OTLP endpoint, e.g. "localhost:4317".
	Protocol    string  `json:"protocol" yaml:"protocol"`         // "grpc" or "http". Default: "grpc".
	ServiceName string  `json:"service_name" yaml:"service_name"` // Default: "dynsecrets".
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`   // 0.0–1.0. Default: 1.0.
	Insecure    bool    `json:"insecure" yaml:"insecure"`         // Skip TLS for dev.
}

// HealthConfig configures dependency health checks for readiness probes.
type HealthConfig struct {
	IncludeDB    bool `json:"include_db" yaml:"include_db"`
	IncludeVault bool `json:"include_vault" yaml:"include_vault"`
}

// DefaultConfigPath returns the default config file path (~/.dynsecrets/config.yaml).
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "configs/dynsecrets.yaml" // fallback for environments without a home dir
	}
	return filepath.Join(home, ".dynsecrets", "config.yaml")
}

// Load reads a JSON or YAML config file and returns a validated Config.
// The format is detected by file extension: .yml/.yaml for YAML, everything
// else for JSON. Vault credentials and API keys can be set in the config file
// or overridden by environment variables. Environment variables take precedence.
func Load(path string) (*Config, error) {
	// Expand ~ in config path.
	resolved, err := resolvePath(path)
	if err != nil {
		return nil, fmt.Errorf("resolving config path %s: %w", path, err)
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", resolved, err)
	}

	var cfg Config
	switch ext := strings.ToLower(filepath.Ext(resolved)); ext {
	case ".yml", ".yaml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing YAML config %s: %w", resolved, err)
		}
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing JSON config %s: %w", resolved, err)
		}
	}

	// Environment variable overrides — env vars take precedence over config values.
	if envAddr := os.Getenv("VAULT_ADDR"); envAddr != "" {
		cfg.Vault.Address = envAddr
	}
	if envNS := os.Getenv("VAULT_NAMESPACE"); envNS != "" {
		cfg.Vault.Namespace = envNS
	}
	if envToken := os.Getenv("VAULT_TOKEN"); envToken != "" {
		cfg.Vault.Auth.Token = envToken
	}
	if envRole := os.Getenv("VAULT_ROLE_ID"); envRole != "" {
		cfg.Vault.Auth.RoleID = envRole
	}
	if envSecret := os.Getenv("VAULT_SECRET_ID"); envSecret != "" {
		cfg.Vault.Auth.SecretID = envSecret
	}
	if envPass := os.Getenv("VAULT_AUTH_PASSWORD"); envPass != "" {
		cfg.Vault.Auth.Password = envPass
	}

	// Data directory override from environment.
	if envDD := os.Getenv("DYNSECRETS_DATA_DIR"); envDD != "" {
		cfg.DataDir = envDD
	}

	// Postgres DSN override from environment.
	if envDSN := os.Getenv("DYNSECRETS_DB_DSN"); envDSN != "" {
		if cfg.Storage == nil {
			cfg.Storage = &StorageConfig{Driver: "postgres"}
		}
		if cfg.Storage.Postgres == nil {
			cfg.Storage.Postgres = &PostgresStorageConfig{}
		}
		cfg.Storage.Postgres.DSN = envDSN
	}

	// Event stream token override.
	if envTok := os.Getenv("DYNSECRETS_EVENTS_TOKEN"); envTok != "" {
		if cfg.Events == nil {
			cfg.Events = &EventsConfig{Enabled: true}
		}
		cfg.Events.Token = envTok
	}

	// Slack notification webhook override.
	if envURL := os.Getenv("SLACK_WEBHOOK_URL"); envURL != "" {
		if cfg.Notification == nil {
			cfg.Notification = &NotificationConfig{Enabled: true}
		}
		if cfg.Notification.Slack == nil {
			cfg.Notification.Slack = &SlackConfig{}
		}
		cfg.Notification.Slack.WebhookURL = envURL
	}

	// Resolve DataDir default.
	if cfg.DataDir == "" {
		home, err := os.UserHomeDir()
		if err == nil {
			cfg.DataDir = filepath.Join(home, ".dynsecrets", "data")
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// resolvePath expands ~ to the user home directory and returns an absolute path.
func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}

// ResolvedDataDir returns the data directory, resolving ~ if needed.
func (c *Config) ResolvedDataDir() string {
	if c.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "data"
		}
		return filepath.Join(home, ".dynsecrets", "data")
	}
	resolved, err := resolvePath(c.DataDir)
	if err != nil {
		return c.DataDir
	}
	return resolved
}

// DatabasePath returns the default SQLite database path under the data directory.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.ResolvedDataDir(), "dynsecrets.db")
}

// StorageDriverName returns the effective storage driver name.
func (c *Config) StorageDriverName() string {
	if c.Storage != nil {
		return c.Storage.StorageDriver()
	}
	return "sqlite"
}

// Profile returns the connection profile with the given name, or nil.
func (c *Config) Profile(name string) *ProfileConfig {
	for i := range c.Profiles {
		if c.Profiles[i].Name == name {
			return &c.Profiles[i]
		}
	}
	return nil
}

func (c *Config) validate() error {
	if c.Vault.Address == "" {
		return fmt.Errorf("vault.address is required (set VAULT_ADDR env var)")
	}
	switch c.Vault.Auth.AuthMethod() {
	case "token":
		// Token may also come from $HOME/.vault-token at login time.
	case "approle":
		if c.Vault.Auth.RoleID == "" {
			return fmt.Errorf("vault.auth.role_id is required for approle auth (set VAULT_ROLE_ID env var)")
		}
		if c.Vault.Auth.SecretID == "" {
			return fmt.Errorf("vault.auth.secret_id is required for approle auth (set VAULT_SECRET_ID env var)")
		}
	case "userpass":
		if c.Vault.Auth.Username == "" {
			return fmt.Errorf("vault.auth.username is required for userpass auth")
		}
		if c.Vault.Auth.Password == "" {
			return fmt.Errorf("vault.auth.password is required for userpass auth (set VAULT_AUTH_PASSWORD env var)")
		}
	default:
		return fmt.Errorf("vault.auth.method %q is not supported (use token, approle, or userpass)", c.Vault.Auth.Method)
	}

	// Profile names must be unique; interception settings are validated per
	// attempt (missing fields surface as configuration errors to the host).
	seen := make(map[string]bool, len(c.Profiles))
	for i, p := range c.Profiles {
		if p.Name == "" {
			return fmt.Errorf("profiles[%d].name is required", i)
		}
		if seen[p.Name] {
			return fmt.Errorf("profiles[%d]: duplicate profile name %q", i, p.Name)
		}
		seen[p.Name] = true
	}

	// Storage driver validation.
	if c.Storage != nil && c.Storage.Driver != "" {
		switch c.Storage.Driver {
		case "sqlite", "postgres":
			// valid
		default:
			return fmt.Errorf("storage.driver %q is not supported (use sqlite or postgres)", c.Storage.Driver)
		}
	}
	if c.StorageDriverName() == "postgres" {
		if c.Storage == nil || c.Storage.Postgres == nil || c.Storage.Postgres.DSN == "" {
			return fmt.Errorf("storage.postgres.dsn is required for the postgres driver (set DYNSECRETS_DB_DSN env var)")
		}
	}

	// Retention needs a parseable schedule; parsed again by the janitor.
	if c.Retention != nil && c.Retention.Enabled && c.Retention.MaxAgeDays < 0 {
		return fmt.Errorf("retention.max_age_days must not be negative")
	}
	return nil
}
