package handlers

import (
	"context"

	"github.com/google/uuid"

	"github.com/ekaya-inc/ekaya-ingest/pkg/models"
	"github.com/ekaya-inc/ekaya-ingest/pkg/services"
)

// mockConnectionService returns canned values and records the last call.
type mockConnectionService struct {
	conn     *models.Connection
	conns    []*models.Connection
	datasets []models.DatasetResult
	tables   []string
	err      error

	createdName       string
	createdSourceType string
	createdProps      map[string]any
	deletedID         uuid.UUID
	tablesSourceType  string
}

func (m *mockConnectionService) Create(ctx context.Context, name, sourceType string, properties map[string]any) (*models.Connection, error) {
	m.createdName = name
	m.createdSourceType = sourceType
	m.createdProps = properties
	return m.conn, m.err
}

func (m *mockConnectionService) List(ctx context.Context) ([]*models.Connection, error) {
	return m.conns, m.err
}

func (m *mockConnectionService) Get(ctx context.Context, id uuid.UUID) (*models.Connection, error) {
	return m.conn, m.err
}

func (m *mockConnectionService) Delete(ctx context.Context, id uuid.UUID) error {
	m.deletedID = id
	return m.err
}

func (m *mockConnectionService) ListDatasets(ctx context.Context, id uuid.UUID) ([]models.DatasetResult, error) {
	return m.datasets, m.err
}

func (m *mockConnectionService) ListTables(ctx context.Context, sourceType string, properties map[string]any) ([]string, error) {
	m.tablesSourceType = sourceType
	return m.tables, m.err
}

func (m *mockConnectionService) Recover(ctx context.Context) error {
	return m.err
}

var _ services.ConnectionService = (*mockConnectionService)(nil)
