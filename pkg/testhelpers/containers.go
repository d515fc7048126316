package testhelpers

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // PostgreSQL driver for database/sql (migrations)
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-ingest/migrations"
	"github.com/ekaya-inc/ekaya-ingest/pkg/database"
)

// PostgresImage is the image used for the metadata store in integration tests.
const PostgresImage = "postgres:16-alpine"

// IngestDB holds a migrated metadata database shared by integration tests.
type IngestDB struct {
	Container testcontainers.Container
	DB        *database.DB
	ConnStr   string
}

// Scopes returns a ScopeProvider over the shared pool.
func (d *IngestDB) Scopes() *database.PoolScopeProvider {
	return database.NewScopeProvider(d.DB)
}

var (
	sharedIngestDB     *IngestDB
	sharedIngestDBOnce sync.Once
	sharedIngestDBErr  error
)

// GetIngestDB returns a shared PostgreSQL container with migrations applied.
// The container is created once and reused across all tests in the run.
func GetIngestDB(t *testing.T) *IngestDB {
	t.Helper()

	if testing.Short() {
		t.Skip("Skipping integration test in short mode (requires Docker)")
	}

	sharedIngestDBOnce.Do(func() {
		sharedIngestDB, sharedIngestDBErr = setupIngestDB()
	})

	if sharedIngestDBErr != nil {
		t.Fatalf("Failed to setup test database: %v", sharedIngestDBErr)
	}

	return sharedIngestDB
}

func setupIngestDB() (*IngestDB, error) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        PostgresImage,
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_DB":       "ekaya_ingest_test",
			"POSTGRES_USER":     "ekaya",
			"POSTGRES_PASSWORD": "test_password",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start test container: %w", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get container host: %w", err)
	}

	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		return nil, fmt.Errorf("failed to get container port: %w", err)
	}

	connStr := fmt.Sprintf("postgres://ekaya:test_password@%s:%s/ekaya_ingest_test?sslmode=disable",
		host, port.Port())

	db, err := database.NewConnection(ctx, &database.Config{
		URL:            connStr,
		MaxConnections: 5,
	}, zap.NewNop())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to test database: %w", err)
	}

	// golang-migrate needs database/sql
	sqlDB, err := sql.Open("pgx", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open sql connection: %w", err)
	}
	defer sqlDB.Close()

	if err := database.RunMigrations(sqlDB, migrations.FS, zap.NewNop()); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &IngestDB{
		Container: container,
		DB:        db,
		ConnStr:   connStr,
	}, nil
}
