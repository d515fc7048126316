package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// withConfigFile writes yamlContent to config.yaml in a temp dir and chdirs into it.
func withConfigFile(t *testing.T, yamlContent string) {
	t.Helper()

	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(configPath, []byte(yamlContent), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	originalDir, err := os.Getwd()
	if err != nil {
		t.Fatalf("failed to get working directory: %v", err)
	}
	if err := os.Chdir(tmpDir); err != nil {
		t.Fatalf("failed to change directory: %v", err)
	}
	t.Cleanup(func() {
		os.Chdir(originalDir)
	})
}

func clearEnv(keys ...string) {
	for _, k := range keys {
		os.Unsetenv(k)
	}
}

func TestLoad_EnvOverridesYAML(t *testing.T) {
	withConfigFile(t, `
port: "3450"
env: "test"
database:
  host: "db.example.com"
  port: 5432
  user: "testuser"
  database: "testdb"
nifi:
  base_url: "https://nifi.example.com/nifi-api"
  username: "admin"
`)
	clearEnv("PGHOST", "NIFI_BASE_URL", "NIFI_TEMPLATES")

	t.Setenv("PORT", "4450")
	t.Setenv("ENVIRONMENT", "production")
	t.Setenv("NIFI_PASSWORD", "s3cret")

	cfg, err := Load("test-version")
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.Port != "4450" {
		t.Errorf("expected Port=4450 (from env), got %s", cfg.Port)
	}
	if cfg.Env != "production" {
		t.Errorf("expected Env=production (from env), got %s", cfg.Env)
	}
	if cfg.Version != "test-version" {
		t.Errorf("expected Version=test-version, got %s", cfg.Version)
	}
	if cfg.Database.Host != "db.example.com" {
		t.Errorf("expected Database.Host=db.example.com (from yaml), got %s", cfg.Database.Host)
	}
	if cfg.NiFi.BaseURL != "https://nifi.example.com/nifi-api" {
		t.Errorf("expected NiFi.BaseURL from yaml, got %s", cfg.NiFi.BaseURL)
	}
	if cfg.NiFi.Password != "s3cret" {
		t.Errorf("expected NiFi.Password from env, got %q", cfg.NiFi.Password)
	}
}

func TestLoad_Defaults(t *testing.T) {
	withConfigFile(t, `
env: "test"
`)
	clearEnv("NIFI_BASE_URL", "MONITOR_POLL_INTERVAL", "MONITOR_MAX_POLLS", "MONITOR_DEADLINE",
		"NIFI_SERVICE_SETTLE_INTERVAL", "NIFI_REVISION_RETRIES", "STORAGE_BACKEND", "STORAGE_ROOT",
		"INGESTION_BATCH_SIZE", "INGESTION_MAX_CONCURRENT", "MONITOR_LEASE_TTL", "NIFI_CLEANUP_TIMEOUT",
		"TASK_MAX_RETRIES", "TASK_INITIAL_BACKOFF", "TASK_MAX_BACKOFF", "REDIS_HOST")

	cfg, err := Load("dev")
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.Monitor.PollInterval != 10*time.Second {
		t.Errorf("expected PollInterval=10s, got %v", cfg.Monitor.PollInterval)
	}
	if cfg.Monitor.MaxPolls != 0 || cfg.Monitor.Deadline != 0 {
		t.Errorf("expected unbounded monitor by default, got max_polls=%d deadline=%v", cfg.Monitor.MaxPolls, cfg.Monitor.Deadline)
	}
	if cfg.NiFi.ServiceSettleInterval != 5*time.Second {
		t.Errorf("expected ServiceSettleInterval=5s, got %v", cfg.NiFi.ServiceSettleInterval)
	}
	if cfg.NiFi.RevisionRetries != 2 {
		t.Errorf("expected RevisionRetries=2, got %d", cfg.NiFi.RevisionRetries)
	}
	if cfg.Storage.Backend != "objectstore" {
		t.Errorf("expected Storage.Backend=objectstore, got %s", cfg.Storage.Backend)
	}
	if cfg.Storage.Root != "DataLake" {
		t.Errorf("expected Storage.Root=DataLake, got %s", cfg.Storage.Root)
	}
	if cfg.Ingestion.BatchSize != 500 {
		t.Errorf("expected BatchSize=500, got %d", cfg.Ingestion.BatchSize)
	}
	if cfg.Ingestion.MaxConcurrent != 2 {
		t.Errorf("expected MaxConcurrent=2, got %d", cfg.Ingestion.MaxConcurrent)
	}
	if cfg.Monitor.LeaseTTL != time.Minute {
		t.Errorf("expected LeaseTTL=1m, got %v", cfg.Monitor.LeaseTTL)
	}
	if cfg.NiFi.CleanupTimeout != 2*time.Minute {
		t.Errorf("expected CleanupTimeout=2m, got %v", cfg.NiFi.CleanupTimeout)
	}
	if cfg.Tasks.MaxRetries != 3 || cfg.Tasks.InitialBackoff != 2*time.Second || cfg.Tasks.MaxBackoff != 30*time.Second {
		t.Errorf("expected task retries 3 with 2s..30s backoff, got %+v", cfg.Tasks)
	}
	if cfg.Redis.Host != "" {
		t.Errorf("expected Redis disabled by default, got host %q", cfg.Redis.Host)
	}
}

func TestLoad_TemplatesFromEnv(t *testing.T) {
	withConfigFile(t, `
env: "test"
`)
	t.Setenv("NIFI_TEMPLATES", "RelationalSource=tpl-123, OtherSource = tpl-456")

	cfg, err := Load("dev")
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if got := cfg.NiFi.Templates["RelationalSource"]; got != "tpl-123" {
		t.Errorf("expected RelationalSource template tpl-123, got %q", got)
	}
	if got := cfg.NiFi.Templates["OtherSource"]; got != "tpl-456" {
		t.Errorf("expected OtherSource template tpl-456, got %q", got)
	}
}

func TestLoad_MissingConfigFile(t *testing.T) {
	tmpDir := t.TempDir()
	originalDir, err := os.Getwd()
	if err != nil {
		t.Fatalf("failed to get working directory: %v", err)
	}
	if err := os.Chdir(tmpDir); err != nil {
		t.Fatalf("failed to change directory: %v", err)
	}
	t.Cleanup(func() {
		os.Chdir(originalDir)
	})

	_, err = Load("dev")
	if err == nil {
		t.Fatal("expected error when config.yaml is missing")
	}
	if !strings.Contains(err.Error(), "config.yaml") {
		t.Errorf("expected error to mention config.yaml, got %v", err)
	}
}

func TestLoad_InvalidSettings(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		wantErr string
	}{
		{
			name:    "relative nifi url",
			env:     map[string]string{"NIFI_BASE_URL": "nifi-api"},
			wantErr: "nifi.base_url",
		},
		{
			name:    "unsupported scheme",
			env:     map[string]string{"NIFI_BASE_URL": "ftp://nifi:21/api"},
			wantErr: "scheme",
		},
		{
			name:    "missing CA file",
			env:     map[string]string{"NIFI_CA_CERT_PATH": "/nonexistent/ca.pem"},
			wantErr: "CA cert",
		},
		{
			name:    "negative revision retries",
			env:     map[string]string{"NIFI_REVISION_RETRIES": "-1"},
			wantErr: "revision_retries",
		},
		{
			name:    "negative monitor bound",
			env:     map[string]string{"MONITOR_MAX_POLLS": "-3"},
			wantErr: "monitor bounds",
		},
		{
			name:    "zero lease ttl",
			env:     map[string]string{"MONITOR_LEASE_TTL": "0s"},
			wantErr: "monitor.lease_ttl",
		},
		{
			name:    "negative lease ttl",
			env:     map[string]string{"MONITOR_LEASE_TTL": "-30s"},
			wantErr: "monitor.lease_ttl",
		},
		{
			name:    "zero ingestion concurrency",
			env:     map[string]string{"INGESTION_MAX_CONCURRENT": "0"},
			wantErr: "ingestion.max_concurrent",
		},
		{
			name:    "negative ingestion concurrency",
			env:     map[string]string{"INGESTION_MAX_CONCURRENT": "-2"},
			wantErr: "ingestion.max_concurrent",
		},
		{
			name:    "zero cleanup timeout",
			env:     map[string]string{"NIFI_CLEANUP_TIMEOUT": "0s"},
			wantErr: "nifi.cleanup_timeout",
		},
		{
			name:    "negative task retries",
			env:     map[string]string{"TASK_MAX_RETRIES": "-1"},
			wantErr: "tasks.max_retries",
		},
		{
			name:    "task backoff cap below initial",
			env:     map[string]string{"TASK_INITIAL_BACKOFF": "10s", "TASK_MAX_BACKOFF": "1s"},
			wantErr: "tasks backoff",
		},
		{
			name:    "unknown storage backend",
			env:     map[string]string{"STORAGE_BACKEND": "hdfs"},
			wantErr: "storage.backend",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			withConfigFile(t, `
env: "test"
`)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			_, err := Load("dev")
			if err == nil {
				t.Fatalf("expected error containing %q, got nil", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error containing %q, got %q", tt.wantErr, err.Error())
			}
		})
	}
}

func TestParseTemplates(t *testing.T) {
	got := parseTemplates("a=1,b=2=3,malformed,,c = 4")

	if len(got) != 3 {
		t.Fatalf("expected 3 templates, got %d: %v", len(got), got)
	}
	if got["a"] != "1" || got["b"] != "2=3" || got["c"] != "4" {
		t.Errorf("unexpected templates: %v", got)
	}
	if len(parseTemplates("")) != 0 {
		t.Error("expected empty map for empty input")
	}
}

func TestDatabaseConfig_URL(t *testing.T) {
	cfg := DatabaseConfig{
		Host:     "db",
		Port:     5433,
		User:     "ekaya",
		Password: "p@ss word",
		Database: "ingest",
		SSLMode:  "disable",
	}

	got := cfg.URL()
	want := "postgres://ekaya:p%40ss%20word@db:5433/ingest?sslmode=disable"
	if got != want {
		t.Errorf("expected %s, got %s", want, got)
	}
}
