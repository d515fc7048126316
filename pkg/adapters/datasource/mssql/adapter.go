package mssql

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/microsoft/go-mssqldb" // SQL Server driver

	"github.com/ekaya-inc/ekaya-ingest/pkg/adapters/datasource"
	"github.com/ekaya-inc/ekaya-ingest/pkg/apperrors"
)

// SourceType is the discriminator stored on connection records for SQL Server sources.
const SourceType = "RelationalSource"

// Flow template variable names.
const (
	VarServer   = "DB"
	VarDatabase = "DB_NAME"
	VarUsername = "USER"
	VarPassword = "PASS"
	VarTables   = "TABLES"
)

// Adapter is the SQL Server relational source.
type Adapter struct {
	// open is replaced in tests.
	open func(cfg *Config) (*sql.DB, error)
}

// NewAdapter creates a SQL Server source adapter.
func NewAdapter() *Adapter {
	return &Adapter{open: createSQLAuthConnection}
}

func (a *Adapter) Type() string {
	return SourceType
}

func (a *Adapter) Validate(props map[string]any) error {
	cfg, err := FromMap(props)
	if err != nil {
		return err
	}
	if len(cfg.Tables) == 0 {
		return fmt.Errorf("%w: at least one table must be selected", apperrors.ErrInvalidProperties)
	}
	seen := make(map[string]bool, len(cfg.Tables))
	for _, t := range cfg.Tables {
		if t == "" {
			return fmt.Errorf("%w: table names must not be empty", apperrors.ErrInvalidProperties)
		}
		if seen[t] {
			return fmt.Errorf("%w: table %q selected twice", apperrors.ErrInvalidProperties, t)
		}
		seen[t] = true
	}
	if _, _, err := cfg.hostPort(); err != nil {
		return err
	}
	return nil
}

// Variables maps the connection properties onto the template's variables.
// TABLES is the JSON array of selected table names.
func (a *Adapter) Variables(props map[string]any) (map[string]string, error) {
	cfg, err := FromMap(props)
	if err != nil {
		return nil, err
	}

	tables := cfg.Tables
	if tables == nil {
		tables = []string{}
	}
	tablesJSON, err := json.Marshal(tables)
	if err != nil {
		return nil, fmt.Errorf("failed to encode tables: %w", err)
	}

	return map[string]string{
		VarServer:   cfg.Server,
		VarDatabase: cfg.Database,
		VarUsername: cfg.Username,
		VarPassword: cfg.Password,
		VarTables:   string(tablesJSON),
	}, nil
}

func (a *Adapter) Datasets(props map[string]any) ([]string, error) {
	return tableList(props)
}

// TopicPrefix is the database name; the flow publishes table t of database d to topic d+t.
func (a *Adapter) TopicPrefix(props map[string]any) (string, error) {
	return databaseName(props)
}

func (a *Adapter) SecretFields() []string {
	return []string{PropPassword}
}

// ListTables returns the base tables visible to the configured login.
func (a *Adapter) ListTables(ctx context.Context, props map[string]any) ([]string, error) {
	cfg, err := FromMap(props)
	if err != nil {
		return nil, err
	}

	db, err := a.open(cfg)
	if err != nil {
		return nil, fmt.Errorf("create connection: %w", err)
	}
	defer db.Close()

	rows, err := db.QueryContext(ctx, `
	SET NOCOUNT ON;
	SELECT TABLE_NAME
	FROM INFORMATION_SCHEMA.TABLES
	WHERE TABLE_TYPE = 'BASE TABLE'
	ORDER BY TABLE_NAME
	`)
	if err != nil {
		return nil, fmt.Errorf("query tables: %w", err)
	}
	defer rows.Close()

	tables := make([]string, 0)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan table row: %w", err)
		}
		tables = append(tables, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate table rows: %w", err)
	}

	return tables, nil
}

// createSQLAuthConnection opens a connection using SQL Server authentication.
func createSQLAuthConnection(cfg *Config) (*sql.DB, error) {
	connStr, err := cfg.connectionString()
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlserver", connStr)
	if err != nil {
		return nil, fmt.Errorf("open SQL auth connection: %w", err)
	}

	return db, nil
}

var _ datasource.Source = (*Adapter)(nil)
