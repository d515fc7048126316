package mssql

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/ekaya-inc/ekaya-ingest/pkg/apperrors"
)

// Connection property keys for a relational source.
const (
	PropURL      = "db_url"
	PropDatabase = "db_name"
	PropUsername = "db_username"
	PropPassword = "db_password"
	PropTables   = "tables"
)

// Config contains the SQL Server connection options carried in connection properties.
type Config struct {
	// Server is the SQL Server address as entered: host, host:port, host,port or host\instance.
	Server   string
	Database string
	Username string
	Password string
	Tables   []string

	Encrypt                bool
	TrustServerCertificate bool
	ConnectionTimeout      int
}

// DefaultPort returns the default SQL Server port.
func DefaultPort() int {
	return 1433
}

// DefaultConnectionTimeout returns the default connection timeout in seconds.
func DefaultConnectionTimeout() int {
	return 30
}

// FromMap creates a Config from connection properties.
func FromMap(props map[string]any) (*Config, error) {
	cfg := &Config{
		Encrypt:           true,
		ConnectionTimeout: DefaultConnectionTimeout(),
	}

	var err error
	if cfg.Server, err = requiredString(props, PropURL); err != nil {
		return nil, err
	}
	if cfg.Database, err = databaseName(props); err != nil {
		return nil, err
	}
	if cfg.Username, err = requiredString(props, PropUsername); err != nil {
		return nil, err
	}
	if password, ok := props[PropPassword].(string); ok {
		cfg.Password = password
	}

	cfg.Tables, err = tableList(props)
	if err != nil {
		return nil, err
	}

	if encrypt, ok := props["encrypt"].(bool); ok {
		cfg.Encrypt = encrypt
	} else if encryptStr, ok := props["encrypt"].(string); ok {
		cfg.Encrypt = encryptStr == "true" || encryptStr == "strict"
	}
	if trust, ok := props["trust_server_certificate"].(bool); ok {
		cfg.TrustServerCertificate = trust
	}
	if timeout, ok := props["connection_timeout"].(float64); ok { // JSON numbers are float64
		cfg.ConnectionTimeout = int(timeout)
	} else if timeout, ok := props["connection_timeout"].(int); ok {
		cfg.ConnectionTimeout = timeout
	}

	return cfg, nil
}

func requiredString(props map[string]any, key string) (string, error) {
	v, ok := props[key].(string)
	if !ok || strings.TrimSpace(v) == "" {
		return "", fmt.Errorf("%w: %s is required", apperrors.ErrInvalidProperties, key)
	}
	return strings.TrimSpace(v), nil
}

// databaseName returns db_name. It becomes a directory of every artifact path.
func databaseName(props map[string]any) (string, error) {
	name, err := requiredString(props, PropDatabase)
	if err != nil {
		return "", err
	}
	if err := checkPathName(PropDatabase, name); err != nil {
		return "", err
	}
	return name, nil
}

// tableList returns the selected tables. Each names a directory and a file of
// its artifact path.
func tableList(props map[string]any) ([]string, error) {
	tables, err := stringList(props[PropTables])
	if err != nil {
		return nil, err
	}
	for _, t := range tables {
		if err := checkPathName(PropTables, t); err != nil {
			return nil, err
		}
	}
	return tables, nil
}

// checkPathName rejects names that could leave their directory once joined
// into an artifact path.
func checkPathName(key, name string) error {
	if name == "." || name == ".." || strings.ContainsAny(name, "/\\\x00") {
		return fmt.Errorf("%w: %s entry %q is not a valid name", apperrors.ErrInvalidProperties, key, name)
	}
	return nil
}

// stringList accepts []string or the []any produced by JSON decoding.
func stringList(v any) ([]string, error) {
	switch list := v.(type) {
	case nil:
		return nil, nil
	case []string:
		return list, nil
	case []any:
		out := make([]string, 0, len(list))
		for _, item := range list {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("%w: %s must be a list of strings", apperrors.ErrInvalidProperties, PropTables)
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: %s must be a list of strings", apperrors.ErrInvalidProperties, PropTables)
	}
}

// hostPort splits Server into a host (possibly with instance) and a port.
func (c *Config) hostPort() (string, int, error) {
	server := c.Server
	for _, sep := range []string{",", ":"} {
		if i := strings.LastIndex(server, sep); i > 0 {
			port, err := strconv.Atoi(strings.TrimSpace(server[i+1:]))
			if err != nil || port <= 0 || port > 65535 {
				return "", 0, fmt.Errorf("%w: invalid port in %s %q", apperrors.ErrInvalidProperties, PropURL, c.Server)
			}
			return strings.TrimSpace(server[:i]), port, nil
		}
	}
	return server, DefaultPort(), nil
}

// connectionString builds a go-mssqldb URL for SQL authentication.
func (c *Config) connectionString() (string, error) {
	host, port, err := c.hostPort()
	if err != nil {
		return "", err
	}

	query := url.Values{}
	query.Add("database", c.Database)
	if c.Encrypt {
		query.Add("encrypt", "true")
	} else {
		query.Add("encrypt", "false")
	}
	if c.TrustServerCertificate {
		query.Add("TrustServerCertificate", "true")
	}
	if c.ConnectionTimeout > 0 {
		query.Add("connection timeout", strconv.Itoa(c.ConnectionTimeout))
	}

	u := &url.URL{
		Scheme:   "sqlserver",
		User:     url.UserPassword(c.Username, c.Password),
		Host:     fmt.Sprintf("%s:%d", host, port),
		RawQuery: query.Encode(),
	}

	// Named instances travel in the path: sqlserver://host/instance
	if i := strings.Index(host, `\`); i > 0 {
		u.Host = fmt.Sprintf("%s:%d", host[:i], port)
		u.Path = host[i+1:]
	}

	return u.String(), nil
}
