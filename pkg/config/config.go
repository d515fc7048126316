package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

// Config holds all configuration for ekaya-ingest.
// Configuration can come from YAML file (config.yaml) or environment variables.
// Environment variables always override YAML values for fields that support both.
// Secrets (passwords, keys, tokens) must only come from environment variables.
type Config struct {
	// Server configuration
	BindAddr string `yaml:"bind_addr" env:"BIND_ADDR" env-default:"127.0.0.1"`
	Port     string `yaml:"port" env:"PORT" env-default:"3450"`
	Env      string `yaml:"env" env:"ENVIRONMENT" env-default:"local"`
	Version  string `yaml:"-"` // Set at load time, not from config

	// Database configuration (PostgreSQL metadata store)
	Database DatabaseConfig `yaml:"database"`

	// Flow engine (NiFi) configuration
	NiFi NiFiConfig `yaml:"nifi"`

	// Completion monitor configuration
	Monitor MonitorConfig `yaml:"monitor"`

	// Stream ingestion configuration
	Ingestion IngestionConfig `yaml:"ingestion"`

	// Background task retry configuration
	Tasks TasksConfig `yaml:"tasks"`

	// NATS JetStream connection (topic source and object storage)
	NATS NATSConfig `yaml:"nats"`

	// Artifact storage configuration
	Storage StorageConfig `yaml:"storage"`

	// Redis is optional; when Host is empty monitor leases are held in-process.
	Redis RedisConfig `yaml:"redis"`

	// Credential encryption key for connection secrets (source database passwords).
	// Must be a 32-byte key, base64 encoded. Generate with: openssl rand -base64 32
	CredentialsKey string `yaml:"-" env:"CREDENTIALS_KEY"` // Secret - not in YAML
}

// DatabaseConfig holds PostgreSQL database configuration.
type DatabaseConfig struct {
	Host           string `yaml:"host" env:"PGHOST" env-default:"localhost"`
	Port           int    `yaml:"port" env:"PGPORT" env-default:"5432"`
	User           string `yaml:"user" env:"PGUSER" env-default:"ekaya"`
	Password       string `yaml:"-" env:"PGPASSWORD"` // Secret - not in YAML
	Database       string `yaml:"database" env:"PGDATABASE" env-default:"ekaya_ingest"`
	MaxConnections int32  `yaml:"max_connections" env:"PGMAX_CONNECTIONS" env-default:"25"`
	SSLMode        string `yaml:"ssl_mode" env:"PGSSLMODE" env-default:"disable"`
}

// NiFiConfig holds flow engine REST API settings.
type NiFiConfig struct {
	BaseURL     string `yaml:"base_url" env:"NIFI_BASE_URL" env-default:"https://localhost:8443/nifi-api"`
	Username    string `yaml:"username" env:"NIFI_USERNAME" env-default:""`
	Password    string `yaml:"-" env:"NIFI_PASSWORD"` // Secret - not in YAML
	RootGroupID string `yaml:"root_group_id" env:"NIFI_ROOT_GROUP_ID" env-default:"root"`

	// CACertPath points to a PEM bundle for a private CA. TLS verification is never disabled.
	CACertPath string        `yaml:"ca_cert_path" env:"NIFI_CA_CERT_PATH" env-default:""`
	Timeout    time.Duration `yaml:"timeout" env:"NIFI_TIMEOUT" env-default:"30s"`

	// Templates maps a source type to the flow template instantiated for it.
	// Format in env: "RelationalSource=template-id,OtherSource=template-id"
	TemplatesStr string            `yaml:"templates" env:"NIFI_TEMPLATES" env-default:""`
	Templates    map[string]string `yaml:"-"`

	// ServiceSettleInterval is how long provisioning waits after enabling controller services.
	ServiceSettleInterval time.Duration `yaml:"service_settle_interval" env:"NIFI_SERVICE_SETTLE_INTERVAL" env-default:"5s"`
	// RevisionRetries bounds re-fetch attempts after a stale-revision (409) rejection.
	RevisionRetries int `yaml:"revision_retries" env:"NIFI_REVISION_RETRIES" env-default:"2"`
	// CleanupTimeout bounds teardown and record writes after a provisioning request ends.
	CleanupTimeout time.Duration `yaml:"cleanup_timeout" env:"NIFI_CLEANUP_TIMEOUT" env-default:"2m"`
}

// MonitorConfig holds completion monitor settings.
type MonitorConfig struct {
	PollInterval time.Duration `yaml:"poll_interval" env:"MONITOR_POLL_INTERVAL" env-default:"10s"`
	// MaxPolls and Deadline bound how long a flow may take to drain. Zero means unbounded.
	MaxPolls int           `yaml:"max_polls" env:"MONITOR_MAX_POLLS" env-default:"0"`
	Deadline time.Duration `yaml:"deadline" env:"MONITOR_DEADLINE" env-default:"0s"`
	// MaxPollErrors is the number of consecutive failed polls tolerated before giving up.
	MaxPollErrors int           `yaml:"max_poll_errors" env:"MONITOR_MAX_POLL_ERRORS" env-default:"5"`
	LeaseTTL      time.Duration `yaml:"lease_ttl" env:"MONITOR_LEASE_TTL" env-default:"1m"`
}

// IngestionConfig holds stream-to-storage pipeline settings.
type IngestionConfig struct {
	BatchSize     int           `yaml:"batch_size" env:"INGESTION_BATCH_SIZE" env-default:"500"`
	FetchWait     time.Duration `yaml:"fetch_wait" env:"INGESTION_FETCH_WAIT" env-default:"2s"`
	MaxConcurrent int           `yaml:"max_concurrent" env:"INGESTION_MAX_CONCURRENT" env-default:"2"`
}

// TasksConfig controls how monitor and ingestion tasks retry infrastructure errors.
type TasksConfig struct {
	MaxRetries     int           `yaml:"max_retries" env:"TASK_MAX_RETRIES" env-default:"3"`
	InitialBackoff time.Duration `yaml:"initial_backoff" env:"TASK_INITIAL_BACKOFF" env-default:"2s"`
	MaxBackoff     time.Duration `yaml:"max_backoff" env:"TASK_MAX_BACKOFF" env-default:"30s"`
}

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL   string `yaml:"url" env:"NATS_URL" env-default:"nats://localhost:4222"`
	Token string `yaml:"-" env:"NATS_TOKEN"` // Secret - not in YAML
}

// StorageConfig selects and configures the artifact store.
type StorageConfig struct {
	// Backend is "objectstore" (NATS ObjectStore bucket) or "filesystem".
	Backend   string `yaml:"backend" env:"STORAGE_BACKEND" env-default:"objectstore"`
	Root      string `yaml:"root" env:"STORAGE_ROOT" env-default:"DataLake"`
	Bucket    string `yaml:"bucket" env:"STORAGE_BUCKET" env-default:"datalake"`
	LocalPath string `yaml:"local_path" env:"STORAGE_LOCAL_PATH" env-default:"/var/lib/ekaya-ingest"`
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Host     string `yaml:"host" env:"REDIS_HOST" env-default:""`
	Port     int    `yaml:"port" env:"REDIS_PORT" env-default:"6379"`
	Password string `yaml:"-" env:"REDIS_PASSWORD"` // Secret - not in YAML
	DB       int    `yaml:"db" env:"REDIS_DB" env-default:"0"`
}

// Load reads configuration from config.yaml with environment variable overrides.
// The version parameter is injected at build time and set on the returned Config.
func Load(version string) (*Config, error) {
	cfg := &Config{
		Version: version,
	}

	if err := cleanenv.ReadConfig("config.yaml", cfg); err != nil {
		return nil, fmt.Errorf("failed to read config.yaml: %w", err)
	}

	cfg.NiFi.Templates = parseTemplates(cfg.NiFi.TemplatesStr)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// validate checks settings that cleanenv cannot express as defaults.
func (c *Config) validate() error {
	u, err := url.Parse(c.NiFi.BaseURL)
	if err != nil || u.Host == "" {
		return fmt.Errorf("nifi.base_url must be an absolute URL, got %q", c.NiFi.BaseURL)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return fmt.Errorf("nifi.base_url scheme must be http or https, got %q", u.Scheme)
	}

	if c.NiFi.CACertPath != "" {
		if _, err := os.Stat(c.NiFi.CACertPath); err != nil {
			return fmt.Errorf("nifi CA cert file does not exist: %w", err)
		}
	}

	if c.NiFi.RevisionRetries < 0 {
		return fmt.Errorf("nifi.revision_retries must not be negative")
	}
	if c.NiFi.CleanupTimeout <= 0 {
		return fmt.Errorf("nifi.cleanup_timeout must be positive")
	}
	if c.Monitor.PollInterval <= 0 {
		return fmt.Errorf("monitor.poll_interval must be positive")
	}
	if c.Monitor.MaxPolls < 0 || c.Monitor.Deadline < 0 {
		return fmt.Errorf("monitor bounds must not be negative")
	}
	// Leases with a non-positive TTL never hold.
	if c.Monitor.LeaseTTL <= 0 {
		return fmt.Errorf("monitor.lease_ttl must be positive")
	}
	if c.Ingestion.BatchSize <= 0 {
		return fmt.Errorf("ingestion.batch_size must be positive")
	}
	// Zero leaves the ingestion lane unthrottled.
	if c.Ingestion.MaxConcurrent <= 0 {
		return fmt.Errorf("ingestion.max_concurrent must be positive")
	}
	if c.Tasks.MaxRetries < 0 {
		return fmt.Errorf("tasks.max_retries must not be negative")
	}
	if c.Tasks.MaxRetries > 0 && (c.Tasks.InitialBackoff <= 0 || c.Tasks.MaxBackoff < c.Tasks.InitialBackoff) {
		return fmt.Errorf("tasks backoff must be positive with max_backoff >= initial_backoff")
	}

	switch c.Storage.Backend {
	case "objectstore", "filesystem":
	default:
		return fmt.Errorf("storage.backend must be objectstore or filesystem, got %q", c.Storage.Backend)
	}

	return nil
}

// parseTemplates parses the templates string into a map.
// Format: "sourceType1=templateID1,sourceType2=templateID2"
func parseTemplates(value string) map[string]string {
	templates := make(map[string]string)
	if value == "" {
		return templates
	}

	for _, pair := range strings.Split(value, ",") {
		parts := strings.SplitN(pair, "=", 2)
		if len(parts) == 2 {
			templates[strings.TrimSpace(parts[0])] = strings.TrimSpace(parts[1])
		}
	}
	return templates
}

// ConnectionString returns a PostgreSQL connection string.
func (c *DatabaseConfig) ConnectionString() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// URL returns the PostgreSQL connection URL used by pgxpool and migrations.
func (c *DatabaseConfig) URL() string {
	u := &url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.User, c.Password),
		Host:     fmt.Sprintf("%s:%d", c.Host, c.Port),
		Path:     c.Database,
		RawQuery: url.Values{"sslmode": []string{c.SSLMode}}.Encode(),
	}
	return u.String()
}

// Addr returns the Redis address.
func (c *RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
