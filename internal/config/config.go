// Package config handles loading and validating Daraja configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

// Config is the root configuration for Daraja.
type Config struct {
	DataDir       string               `json:"data_dir,omitempty" yaml:"data_dir,omitempty"` // Persistent data directory. Default: ~/.daraja/data. Override: DARAJA_DATA_DIR env var.
	Storage       *StorageConfig       `json:"storage,omitempty" yaml:"storage,omitempty"`   // nil = SQLite default (derived from data dir)
	Sandbox       SandboxConfig        `json:"sandbox" yaml:"sandbox"`
	DataProxy     *DataProxyConfig     `json:"data_proxy,omitempty" yaml:"data_proxy,omitempty"`         // nil = run_query disabled
	Audit         AuditConfig          `json:"audit" yaml:"audit"`
	Gateway       *GatewayConfig       `json:"gateway,omitempty" yaml:"gateway,omitempty"`               // nil = HTTP gateway disabled
	MCP           *MCPConfig           `json:"mcp,omitempty" yaml:"mcp,omitempty"`                       // nil = MCP stdio server with defaults
	Observability *ObservabilityConfig `json:"observability,omitempty" yaml:"observability,omitempty"`   // nil = observability disabled
}

// StorageConfig configures the platform data store.
// When nil, defaults to SQLite with the database path derived from the data dir.
type StorageConfig struct {
	Driver                string `json:"driver" yaml:"driver"`                                                       // "sqlite" (default) or "postgres".
	Path                  string `json:"path,omitempty" yaml:"path,omitempty"`                                       // SQLite database file. Default: derived from data dir.
	DSN                   string `json:"dsn,omitempty" yaml:"dsn,omitempty"`                                         // PostgreSQL connection string. Override: DARAJA_DB_DSN env var.
	ReportWaitSeconds     int    `json:"report_wait_seconds,omitempty" yaml:"report_wait_seconds,omitempty"`         // Synchronous wait before a report run is queued. Default: 10.
	ReportCacheTTLSeconds int    `json:"report_cache_ttl_seconds,omitempty" yaml:"report_cache_ttl_seconds,omitempty"` // Completed-run cache lifetime. Default: 600.
}

// StorageDriver returns the configured driver, defaulting to "sqlite".
func (s *StorageConfig) StorageDriver() string {
	if s != nil && s.Driver != "" {
		return s.Driver
	}
	return "sqlite"
}

// SandboxConfig configures script execution defaults.
// Per-request limits are clamped by the executor; these set process-level knobs.
type SandboxConfig struct {
	PythonBin      string `json:"python_bin,omitempty" yaml:"python_bin,omitempty"`             // Interpreter binary. Default: "python3". Override: DARAJA_PYTHON_BIN env var.
	MaxOutputBytes int    `json:"max_output_bytes,omitempty" yaml:"max_output_bytes,omitempty"` // Captured stdout/stderr cap. Default: 1 MiB.
}

// DataProxyConfig configures the read-only SQL proxy used by run_query.
// When nil, the run_query operation reports the proxy as unconfigured.
type DataProxyConfig struct {
	DSN            string `json:"dsn" yaml:"dsn"`                         // Override: DARAJA_PROXY_DSN env var.
	MaxRows        int    `json:"max_rows" yaml:"max_rows"`               // Maximum rows per query. Default: 1000.
	TimeoutSeconds int    `json:"timeout_seconds" yaml:"timeout_seconds"` // Per-query timeout. Default: 30.
}

// AuditConfig configures the append-only execution audit log.
type AuditConfig struct {
	LogPath string `json:"log_path,omitempty" yaml:"log_path,omitempty"` // Default: derived from data dir.
}

// GatewayConfig configures the HTTP API gateway.
type GatewayConfig struct {
	Enabled             bool              `json:"enabled" yaml:"enabled"`
	EnableDocs          bool              `json:"enable_docs" yaml:"enable_docs"`
	ListenAddr          string            `json:"listen_addr" yaml:"listen_addr"` // Default: ":8080".
	MaxRequestSizeBytes int64             `json:"max_request_size_bytes" yaml:"max_request_size_bytes"`
	APIKeyUserMapping   map[string]string `json:"api_key_user_mapping" yaml:"api_key_user_mapping"` // API key → user ID.
	RateLimit           RateLimitConfig   `json:"rate_limit" yaml:"rate_limit"`
}

// Addr returns the listen address with a default of ":8080".
func (g *GatewayConfig) Addr() string {
	if g != nil && g.ListenAddr != "" {
		return g.ListenAddr
	}
	return ":8080"
}

// RateLimitConfig configures per-user rate limiting for the gateway.
type RateLimitConfig struct {
	RequestsPerMinute int `json:"requests_per_minute" yaml:"requests_per_minute"`
	BurstSize         int `json:"burst_size" yaml:"burst_size"`
}

// MCPConfig configures the MCP stdio server.
type MCPConfig struct {
	User string `json:"user" yaml:"user"` // Permission identity for the stdio session. Default: "system".
}

// SessionUser returns the MCP session user with a default of "system".
func (m *MCPConfig) SessionUser() string {
	if m != nil && m.User != "" {
		return m.User
	}
	return "system"
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
	Path    string `json:"path" yaml:"path"` // Default: "/metrics"
}

// TracingConfig configures OpenTelemetry distributed tracing.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`         // OTLP endpoint, e.g. "localhost:4317"
	Protocol    string  `json:"protocol" yaml:"protocol"`         // "grpc" or "http". Default: "grpc"
	ServiceName string  `json:"service_name" yaml:"service_name"` // Default: "daraja"
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`   // 0.0–1.0. Default: 1.0
	Insecure    bool    `json:"insecure" yaml:"insecure"`         // Skip TLS for dev
}

// HealthConfig configures dependency health checks for readiness probes.
type HealthConfig struct {
	IncludeDB      bool `json:"include_db" yaml:"include_db"`
	IncludeSandbox bool `json:"include_sandbox" yaml:"include_sandbox"`
}

// DefaultConfigPath returns the default config file path (~/.daraja/config.json).
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "configs/daraja.json" // fallback for environments without a home dir
	}
	return filepath.Join(home, ".daraja", "config.json")
}

// Load reads a JSON or YAML config file and returns a validated Config.
// The format is detected by file extension: .yml/.yaml for YAML, everything
// else for JSON. Connection strings and the data directory can be set in the
// config file or overridden by environment variables. Environment variables
// take precedence.
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

	cfg.applyEnvOverrides()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// applyEnvOverrides applies environment variables over loaded values.
func (c *Config) applyEnvOverrides() {
	if envDD := os.Getenv("DARAJA_DATA_DIR"); envDD != "" {
		c.DataDir = envDD
	}
	if envDSN := os.Getenv("DARAJA_DB_DSN"); envDSN != "" {
		if c.Storage == nil {
			c.Storage = &StorageConfig{Driver: "postgres"}
		}
		c.Storage.DSN = envDSN
	}
	if envDSN := os.Getenv("DARAJA_PROXY_DSN"); envDSN != "" {
		if c.DataProxy == nil {
			c.DataProxy = &DataProxyConfig{}
		}
		c.DataProxy.DSN = envDSN
	}
	if envBin := os.Getenv("DARAJA_PYTHON_BIN"); envBin != "" {
		c.Sandbox.PythonBin = envBin
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
		return filepath.Join(home, ".daraja", "data")
	}
	resolved, err := resolvePath(c.DataDir)
	if err != nil {
		return c.DataDir
	}
	return resolved
}

// DatabasePath returns the effective SQLite database path.
func (c *Config) DatabasePath() string {
	if c.Storage != nil && c.Storage.Path != "" {
		return c.Storage.Path
	}
	return filepath.Join(c.ResolvedDataDir(), "daraja.db")
}

// AuditLogPath returns the effective audit log path.
func (c *Config) AuditLogPath() string {
	if c.Audit.LogPath != "" {
		return c.Audit.LogPath
	}
	return filepath.Join(c.ResolvedDataDir(), "audit.jsonl")
}

// StorageDriverName returns the effective storage driver name.
func (c *Config) StorageDriverName() string {
	if c.Storage != nil {
		return c.Storage.StorageDriver()
	}
	return "sqlite"
}

func (c *Config) validate() error {
	// Storage driver validation.
	if c.Storage != nil && c.Storage.Driver != "" {
		switch c.Storage.Driver {
		case "sqlite", "postgres":
			// valid
		default:
			return fmt.Errorf("storage.driver %q is not supported (use sqlite or postgres)", c.Storage.Driver)
		}
	}
	if c.StorageDriverName() == "postgres" && (c.Storage == nil || c.Storage.DSN == "") {
		return fmt.Errorf("storage.dsn is required for the postgres driver (set DARAJA_DB_DSN env var)")
	}
	if c.Storage != nil {
		if c.Storage.ReportWaitSeconds < 0 {
			return fmt.Errorf("storage.report_wait_seconds must not be negative")
		}
		if c.Storage.ReportCacheTTLSeconds < 0 {
			return fmt.Errorf("storage.report_cache_ttl_seconds must not be negative")
		}
	}
	if c.Sandbox.MaxOutputBytes < 0 {
		return fmt.Errorf("sandbox.max_output_bytes must not be negative")
	}
	if c.DataProxy != nil {
		if c.DataProxy.DSN == "" {
			return fmt.Errorf("data_proxy.dsn is required when the data proxy is configured (set DARAJA_PROXY_DSN env var)")
		}
		if c.DataProxy.MaxRows < 0 {
			return fmt.Errorf("data_proxy.max_rows must not be negative")
		}
	}
	if c.Gateway != nil && c.Gateway.Enabled {
		if len(c.Gateway.APIKeyUserMapping) == 0 {
			return fmt.Errorf("gateway.api_key_user_mapping must contain at least one key when the gateway is enabled")
		}
		if c.Gateway.RateLimit.RequestsPerMinute < 0 {
			return fmt.Errorf("gateway.rate_limit.requests_per_minute must not be negative")
		}
	}
	if c.Observability != nil && c.Observability.Tracing != nil && c.Observability.Tracing.Enabled {
		t := c.Observability.Tracing
		if t.Endpoint == "" {
			return fmt.Errorf("observability.tracing.endpoint is required when tracing is enabled")
		}
		switch t.Protocol {
		case "", "grpc", "http":
			// valid
		default:
			return fmt.Errorf("observability.tracing.protocol %q is not supported (use grpc or http)", t.Protocol)
		}
		if t.SampleRate < 0 || t.SampleRate > 1 {
			return fmt.Errorf("observability.tracing.sample_rate must be between 0.0 and 1.0")
		}
	}
	return nil
}
