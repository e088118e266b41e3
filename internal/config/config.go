// Package config handles loading and validating switchyard configuration.
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

// Config is the root configuration for switchyard.
type Config struct {
	DataDir       string               `json:"data_dir,omitempty" yaml:"data_dir,omitempty"` // Persistent data directory. Default: ~/.switchyard/data. Override: SWITCHYARD_DATA_DIR env var.
	Server        ServerConfig         `json:"server" yaml:"server"`
	Routing       RoutingConfig        `json:"routing" yaml:"routing"`
	Approval      ApprovalConfig       `json:"approval" yaml:"approval"`
	Escalation    EscalationConfig     `json:"escalation" yaml:"escalation"`
	Budget        BudgetConfig         `json:"budget" yaml:"budget"`
	RateLimit     RateLimitConfig      `json:"rate_limit" yaml:"rate_limit"`
	Providers     []ProviderConfig     `json:"providers" yaml:"providers"`
	Connector     ConnectorConfig      `json:"connector" yaml:"connector"`
	Schedules     []ScheduleConfig     `json:"schedules,omitempty" yaml:"schedules,omitempty"`
	Storage       *StorageConfig       `json:"storage,omitempty" yaml:"storage,omitempty"`             // nil = in-memory state
	Observability *ObservabilityConfig `json:"observability,omitempty" yaml:"observability,omitempty"` // nil = metrics and tracing disabled
}

// ServerConfig configures the HTTP gateway.
type ServerConfig struct {
	Addr    string   `json:"addr" yaml:"addr"`         // Default: ":8080".
	APIKeys []string `json:"api_keys" yaml:"api_keys"` // Accepted X-API-Key values. SWITCHYARD_API_KEY env var appends one.
}

// RoutingConfig configures the intent switchboard.
type RoutingConfig struct {
	TablePath           string  `json:"table_path" yaml:"table_path"`                     // Path to the pattern table YAML.
	ConfidenceThreshold float64 `json:"confidence_threshold" yaml:"confidence_threshold"` // Forced-review bound. Default: 0.80.
}

// ApprovalConfig configures the approval queue.
type ApprovalConfig struct {
	TTLSeconds           int `json:"ttl_seconds" yaml:"ttl_seconds"`                       // Pending request lifetime. Default: 3600.
	SweepIntervalSeconds int `json:"sweep_interval_seconds" yaml:"sweep_interval_seconds"` // Expiry sweep cadence. Default: 60.
}

// TTL returns the pending request lifetime with a default of one hour.
func (a ApprovalConfig) TTL() time.Duration {
	if a.TTLSeconds > 0 {
		return time.Duration(a.TTLSeconds) * time.Second
	}
	return time.Hour
}

// SweepInterval returns the sweep cadence with a default of one minute.
func (a ApprovalConfig) SweepInterval() time.Duration {
	if a.SweepIntervalSeconds > 0 {
		return time.Duration(a.SweepIntervalSeconds) * time.Second
	}
	return time.Minute
}

// EscalationConfig configures the tier governor.
type EscalationConfig struct {
	DefaultTier          string             `json:"default_tier" yaml:"default_tier"` // Default: "free".
	Triggers             []TriggerRule      `json:"triggers,omitempty" yaml:"triggers,omitempty"`
	EstimatedCostUSD     map[string]float64 `json:"estimated_cost_usd" yaml:"estimated_cost_usd"`         // Per-tier reservation estimate.
	InvokeTimeoutSeconds int                `json:"invoke_timeout_seconds" yaml:"invoke_timeout_seconds"` // Default: 30.
	LocalRetries         int                `json:"local_retries" yaml:"local_retries"`                   // Same-tier retries before escalating. Default: 1.
}

// TriggerRule maps an intent label prefix to a starting tier.
type TriggerRule struct {
	LabelPrefix string `json:"label_prefix" yaml:"label_prefix"`
	Tier        string `json:"tier" yaml:"tier"`
	Reason      string `json:"reason" yaml:"reason"`
}

// InvokeTimeout returns the per-attempt timeout with a default of 30s.
func (e EscalationConfig) InvokeTimeout() time.Duration {
	if e.InvokeTimeoutSeconds > 0 {
		return time.Duration(e.InvokeTimeoutSeconds) * time.Second
	}
	return 30 * time.Second
}

// BudgetConfig configures per-tier monthly spend caps.
type BudgetConfig struct {
	MonthlyCapsUSD map[string]float64 `json:"monthly_caps_usd" yaml:"monthly_caps_usd"` // Absent tier = zero cap.
}

// RateLimitConfig configures the fixed-window limiter.
type RateLimitConfig struct {
	Limit         int `json:"limit" yaml:"limit"`                   // 0 = unlimited.
	WindowSeconds int `json:"window_seconds" yaml:"window_seconds"` // Default: 60.
}

// Window returns the limiter window with a default of one minute.
func (r RateLimitConfig) Window() time.Duration {
	if r.WindowSeconds > 0 {
		return time.Duration(r.WindowSeconds) * time.Second
	}
	return time.Minute
}

// ProviderConfig configures one model endpoint on the tier ladder.
type ProviderConfig struct {
	Name      string `json:"name" yaml:"name"`
	Tier      string `json:"tier" yaml:"tier"` // "free", "paid-low", "paid-high".
	BaseURL   string `json:"base_url" yaml:"base_url"`
	APIKey    string `json:"api_key,omitempty" yaml:"api_key,omitempty"` // Override: SWITCHYARD_PROVIDER_<NAME>_KEY env var.
	Alternate bool   `json:"alternate" yaml:"alternate"`                 // Lateral alternate rather than tier primary.
}

// ScheduleConfig is one recurring event fired on a cron expression.
type ScheduleConfig struct {
	Cron      string `json:"cron" yaml:"cron"` // Standard 5-field expression.
	ActorID   string `json:"actor_id" yaml:"actor_id"`
	ActorRole string `json:"actor_role" yaml:"actor_role"` // Default: "agent".
	Text      string `json:"text" yaml:"text"`
}

// ConnectorConfig selects the outbound integration.
type ConnectorConfig struct {
	Type     string `json:"type" yaml:"type"` // "loopback" (default) or "webhook".
	Endpoint string `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`
	Token    string `json:"token,omitempty" yaml:"token,omitempty"` // Override: SWITCHYARD_CONNECTOR_TOKEN env var.
}

// StorageConfig configures the persistence backend.
// When nil, approvals and budget state live in memory only.
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
	Path string `json:"path,omitempty" yaml:"path,omitempty"` // Database file path. Default: derived from data dir.
}

// PostgresStorageConfig holds PostgreSQL-specific settings.
type PostgresStorageConfig struct {
	DSN              string `json:"dsn" yaml:"dsn"` // Override: SWITCHYARD_DB_DSN env var.
	MaxOpenConns     int    `json:"max_open_conns" yaml:"max_open_conns"`           // Default: 25
	MaxIdleConns     int    `json:"max_idle_conns" yaml:"max_idle_conns"`           // Default: 5
	ConnMaxLifetimeS int    `json:"conn_max_lifetime_s" yaml:"conn_max_lifetime_s"` // Default: 1800 (30 min)
}

// ObservabilityConfig configures metrics and tracing.
// When nil, all observability features are disabled with zero overhead.
type ObservabilityConfig struct {
	Metrics *MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Tracing *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty"`
}

// MetricsConfig configures Prometheus metrics exposition.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"` // Default: "/metrics"
}

// TracingConfig configures OpenTelemetry distributed tracing.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`         // OTLP endpoint, e.g. "localhost:4317"
	Protocol    string  `json:"protocol" yaml:"protocol"`         // "grpc" or "http". Default: "grpc"
	ServiceName string  `json:"service_name" yaml:"service_name"` // Default: "switchyard"
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`   // 0.0–1.0. Default: 1.0
	Insecure    bool    `json:"insecure" yaml:"insecure"`         // Skip TLS for dev
}

// DefaultConfigPath returns the conventional config location.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "configs/switchyard.yaml" // fallback for environments without a home dir
	}
	return filepath.Join(home, ".switchyard", "config.yaml")
}

// Load reads a JSON or YAML config file and returns a validated Config.
// The format is detected by file extension: .yml/.yaml for YAML, everything
// else for JSON. Secrets can be set in the file or overridden by environment
// variables. Environment variables take precedence.
func Load(path string) (*Config, error) {
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

	cfg.applyEnvOverrides()

	if cfg.DataDir == "" {
		home, err := os.UserHomeDir()
		if err == nil {
			cfg.DataDir = filepath.Join(home, ".switchyard", "data")
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// applyEnvOverrides lets environment variables take precedence over file
// values, so secrets never need to live on disk.
func (c *Config) applyEnvOverrides() {
	if env := os.Getenv("SWITCHYARD_DATA_DIR"); env != "" {
		c.DataDir = env
	}
	if env := os.Getenv("SWITCHYARD_API_KEY"); env != "" {
		c.Server.APIKeys = append(c.Server.APIKeys, env)
	}
	if env := os.Getenv("SWITCHYARD_CONNECTOR_TOKEN"); env != "" {
		c.Connector.Token = env
	}
	if env := os.Getenv("SWITCHYARD_DB_DSN"); env != "" {
		if c.Storage == nil {
			c.Storage = &StorageConfig{Driver: "postgres"}
		}
		if c.Storage.Postgres == nil {
			c.Storage.Postgres = &PostgresStorageConfig{}
		}
		c.Storage.Postgres.DSN = env
	}
	for i := range c.Providers {
		key := "SWITCHYARD_PROVIDER_" + strings.ToUpper(strings.ReplaceAll(c.Providers[i].Name, "-", "_")) + "_KEY"
		if env := os.Getenv(key); env != "" {
			c.Providers[i].APIKey = env
		}
	}
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
		return filepath.Join(home, ".switchyard", "data")
	}
	resolved, err := resolvePath(c.DataDir)
	if err != nil {
		return c.DataDir
	}
	return resolved
}

// DatabasePath returns the default SQLite database path under the data directory.
func (c *Config) DatabasePath() string {
	if c.Storage != nil && c.Storage.SQLite != nil && c.Storage.SQLite.Path != "" {
		return c.Storage.SQLite.Path
	}
	return filepath.Join(c.ResolvedDataDir(), "switchyard.db")
}

// AuditLogPath returns the audit log path under the data directory.
func (c *Config) AuditLogPath() string {
	return filepath.Join(c.ResolvedDataDir(), "audit.log")
}

func (c *Config) validate() error {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Routing.TablePath == "" {
		return fmt.Errorf("routing.table_path is required")
	}
	if t := c.Routing.ConfidenceThreshold; t < 0 || t > 1 {
		return fmt.Errorf("routing.confidence_threshold %v is outside [0,1]", t)
	}
	if len(c.Providers) == 0 {
		return fmt.Errorf("at least one provider is required")
	}
	seen := make(map[string]bool, len(c.Providers))
	for i, p := range c.Providers {
		if p.Name == "" {
			return fmt.Errorf("providers[%d].name is required", i)
		}
		if seen[p.Name] {
			return fmt.Errorf("providers[%d]: duplicate provider name %q", i, p.Name)
		}
		seen[p.Name] = true
		switch p.Tier {
		case "free", "paid-low", "paid-high":
			// valid
		default:
			return fmt.Errorf("providers[%d] (%q): tier must be free, paid-low, or paid-high", i, p.Name)
		}
		if p.BaseURL == "" {
			return fmt.Errorf("providers[%d] (%q): base_url is required", i, p.Name)
		}
	}
	for tier := range c.Budget.MonthlyCapsUSD {
		switch tier {
		case "free", "paid-low", "paid-high":
		default:
			return fmt.Errorf("budget.monthly_caps_usd: unknown tier %q", tier)
		}
	}
	switch c.Connector.Type {
	case "", "loopback":
		// valid, default
	case "webhook":
		if c.Connector.Endpoint == "" {
			return fmt.Errorf("connector.endpoint is required for webhook connector")
		}
	default:
		return fmt.Errorf("connector.type %q is not supported (use loopback or webhook)", c.Connector.Type)
	}
	if c.Storage != nil && c.Storage.Driver != "" {
		switch c.Storage.Driver {
		case "sqlite", "postgres":
			// valid
		default:
			return fmt.Errorf("storage.driver %q is not supported (use sqlite or postgres)", c.Storage.Driver)
		}
	}
	if c.Storage != nil && c.Storage.StorageDriver() == "postgres" {
		if c.Storage.Postgres == nil || c.Storage.Postgres.DSN == "" {
			return fmt.Errorf("storage.postgres.dsn is required (set SWITCHYARD_DB_DSN env var)")
		}
	}
	for i, s := range c.Schedules {
		if s.Cron == "" || s.Text == "" {
			return fmt.Errorf("schedules[%d]: cron and text are required", i)
		}
	}
	if c.RateLimit.Limit < 0 {
		return fmt.Errorf("rate_limit.limit must not be negative")
	}
	return nil
}
