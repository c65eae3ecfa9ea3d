package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

func TestLoadJSON(t *testing.T) {
	path := writeConfig(t, "config.json", `{
		"data_dir": "/tmp/daraja-test",
		"sandbox": {"python_bin": "python3.12"},
		"storage": {"driver": "sqlite", "report_wait_seconds": 5},
		"gateway": {
			"enabled": true,
			"listen_addr": ":9090",
			"api_key_user_mapping": {"k1": "analyst@example.com"}
		}
	}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Sandbox.PythonBin != "python3.12" {
		t.Errorf("PythonBin = %q", cfg.Sandbox.PythonBin)
	}
	if cfg.Storage.ReportWaitSeconds != 5 {
		t.Errorf("ReportWaitSeconds = %d", cfg.Storage.ReportWaitSeconds)
	}
	if cfg.Gateway.Addr() != ":9090" {
		t.Errorf("Addr = %q", cfg.Gateway.Addr())
	}
	if got := cfg.DatabasePath(); !strings.HasSuffix(got, "daraja.db") {
		t.Errorf("DatabasePath = %q", got)
	}
}

func TestLoadYAML(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
data_dir: /tmp/daraja-test
storage:
  driver: sqlite
observability:
  metrics:
    enabled: true
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Observability == nil || cfg.Observability.Metrics == nil || !cfg.Observability.Metrics.Enabled {
		t.Error("metrics should be enabled")
	}
	if cfg.StorageDriverName() != "sqlite" {
		t.Errorf("driver = %q", cfg.StorageDriverName())
	}
}

func TestValidateRejectsBadConfigs(t *testing.T) {
	tests := []struct {
		name string
		json string
	}{
		{"unknown storage driver", `{"storage": {"driver": "mysql"}}`},
		{"postgres without dsn", `{"storage": {"driver": "postgres"}}`},
		{"gateway without api keys", `{"gateway": {"enabled": true}}`},
		{"data proxy without dsn", `{"data_proxy": {"max_rows": 10}}`},
		{"tracing without endpoint", `{"observability": {"tracing": {"enabled": true}}}`},
		{"bad sample rate", `{"observability": {"tracing": {"enabled": true, "endpoint": "localhost:4317", "sample_rate": 2.0}}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, "config.json", tt.json)
			if _, err := Load(path); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("DARAJA_DATA_DIR", "/tmp/daraja-env")
	t.Setenv("DARAJA_PYTHON_BIN", "python3.13")

	path := writeConfig(t, "config.json", `{"data_dir": "/tmp/ignored"}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DataDir != "/tmp/daraja-env" {
		t.Errorf("DataDir = %q", cfg.DataDir)
	}
	if cfg.Sandbox.PythonBin != "python3.13" {
		t.Errorf("PythonBin = %q", cfg.Sandbox.PythonBin)
	}
}

func TestDefaults(t *testing.T) {
	cfg := &Config{DataDir: "/tmp/daraja-test"}

	if cfg.StorageDriverName() != "sqlite" {
		t.Errorf("driver = %q", cfg.StorageDriverName())
	}
	if got := cfg.AuditLogPath(); got != "/tmp/daraja-test/audit.jsonl" {
		t.Errorf("AuditLogPath = %q", got)
	}
	var mcp *MCPConfig
	if mcp.SessionUser() != "system" {
		t.Errorf("SessionUser = %q", mcp.SessionUser())
	}
	var gw *GatewayConfig
	if gw.Addr() != ":8080" {
		t.Errorf("Addr = %q", gw.Addr())
	}
}
