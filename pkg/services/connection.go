package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-ingest/pkg/adapters/datasource"
	"github.com/ekaya-inc/ekaya-ingest/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-ingest/pkg/database"
	"github.com/ekaya-inc/ekaya-ingest/pkg/logging"
	"github.com/ekaya-inc/ekaya-ingest/pkg/models"
	"github.com/ekaya-inc/ekaya-ingest/pkg/repositories"
)

// RedactedValue replaces secret properties in records returned to callers.
const RedactedValue = "********"

// ConnectionService defines the operations behind the connections API.
type ConnectionService interface {
	// Create validates the properties and provisions the flow. The returned
	// record is persisted in Loading or Failed; a provisioning failure is also
	// returned as the error.
	Create(ctx context.Context, name, sourceType string, properties map[string]any) (*models.Connection, error)

	// List returns every connection with secrets redacted, newest first.
	List(ctx context.Context) ([]*models.Connection, error)

	// Get returns one connection with secrets redacted.
	Get(ctx context.Context, id uuid.UUID) (*models.Connection, error)

	// Delete stops the connection's monitor, removes a still-running flow and
	// deletes the record together with its dataset results.
	Delete(ctx context.Context, id uuid.UUID) error

	// ListDatasets returns the dataset results of the connection's last ingestion.
	ListDatasets(ctx context.Context, id uuid.UUID) ([]models.DatasetResult, error)

	// ListTables introspects a source before a connection is created.
	ListTables(ctx context.Context, sourceType string, properties map[string]any) ([]string, error)

	// Recover resumes the background work of connections left in Loading or Storing.
	Recover(ctx context.Context) error
}

type connectionService struct {
	provisioner *FlowProvisioner
	monitor     *CompletionMonitor
	pipeline    *IngestionPipeline
	teardown    *TeardownCoordinator
	engine      FlowEngine
	scopes      database.ScopeProvider
	connRepo    repositories.ConnectionRepository
	datasetRepo repositories.DatasetRepository
	logger      *zap.Logger
}

// NewConnectionService wires the lifecycle components behind ConnectionService.
func NewConnectionService(
	provisioner *FlowProvisioner,
	monitor *CompletionMonitor,
	pipeline *IngestionPipeline,
	teardown *TeardownCoordinator,
	engine FlowEngine,
	scopes database.ScopeProvider,
	connRepo repositories.ConnectionRepository,
	datasetRepo repositories.DatasetRepository,
	logger *zap.Logger,
) ConnectionService {
	return &connectionService{
		provisioner: provisioner,
		monitor:     monitor,
		pipeline:    pipeline,
		teardown:    teardown,
		engine:      engine,
		scopes:      scopes,
		connRepo:    connRepo,
		datasetRepo: datasetRepo,
		logger:      logger.Named("connections"),
	}
}

func (s *connectionService) Create(ctx context.Context, name, sourceType string, properties map[string]any) (*models.Connection, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("%w: connection name is required", apperrors.ErrInvalidProperties)
	}
	src, err := datasource.Get(sourceType)
	if err != nil {
		return nil, err
	}
	if properties == nil {
		properties = make(map[string]any)
	}
	if err := src.Validate(properties); err != nil {
		return nil, err
	}

	conn := &models.Connection{
		Name:       name,
		SourceType: sourceType,
		Properties: properties,
	}
	result, err := s.provisioner.Provision(ctx, conn)
	if result == nil {
		return nil, err
	}

	s.logger.Info("Created connection",
		zap.String("connection_id", result.Connection.ID.String()),
		zap.String("name", name),
		zap.String("source_type", sourceType),
		zap.String("state", string(result.Connection.State)))

	return redact(result.Connection, src.SecretFields()), err
}

func (s *connectionService) List(ctx context.Context) ([]*models.Connection, error) {
	var conns []*models.Connection
	err := s.scopes.WithScope(ctx, func(ctx context.Context) error {
		var err error
		conns, err = s.connRepo.List(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}

	for i, c := range conns {
		conns[i] = redact(c, secretFieldsFor(c.SourceType))
	}
	return conns, nil
}

func (s *connectionService) Get(ctx context.Context, id uuid.UUID) (*models.Connection, error) {
	conn, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	return redact(conn, secretFieldsFor(conn.SourceType)), nil
}

func (s *connectionService) Delete(ctx context.Context, id uuid.UUID) error {
	conn, err := s.load(ctx, id)
	if err != nil {
		return err
	}

	if s.monitor.Cancel(id) {
		s.logger.Info("Cancelled monitor", zap.String("connection_id", id.String()))
	}

	// A Loading record still owns a running flow. Removing it is best effort.
	if conn.State == models.ConnectionStateLoading && conn.NiFiProcessID != "" {
		if err := s.removeFlow(ctx, conn.NiFiProcessID); err != nil {
			s.logger.Warn("Failed to remove flow of deleted connection",
				zap.String("connection_id", id.String()),
				zap.String("group_id", conn.NiFiProcessID),
				zap.String("error", logging.SanitizeError(err)))
		}
	}

	if err := s.scopes.WithScope(ctx, func(ctx context.Context) error {
		return s.connRepo.Delete(ctx, id)
	}); err != nil {
		return err
	}

	s.logger.Info("Deleted connection", zap.String("connection_id", id.String()))
	return nil
}

func (s *connectionService) removeFlow(ctx context.Context, groupID string) error {
	token, err := s.engine.Authenticate(ctx)
	if err != nil {
		return err
	}
	return s.teardown.Teardown(ctx, s.engine.Session(token), groupID, StageRunning)
}

func (s *connectionService) ListDatasets(ctx context.Context, id uuid.UUID) ([]models.DatasetResult, error) {
	var results []models.DatasetResult
	err := s.scopes.WithScope(ctx, func(ctx context.Context) error {
		if _, err := s.connRepo.GetByID(ctx, id); err != nil {
			return err
		}
		var err error
		results, err = s.datasetRepo.ListByConnection(ctx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

func (s *connectionService) ListTables(ctx context.Context, sourceType string, properties map[string]any) ([]string, error) {
	src, err := datasource.Get(sourceType)
	if err != nil {
		return nil, err
	}
	if properties == nil {
		properties = make(map[string]any)
	}
	tables, err := src.ListTables(ctx, properties)
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	return tables, nil
}

func (s *connectionService) Recover(ctx context.Context) error {
	var conns []*models.Connection
	err := s.scopes.WithScope(ctx, func(ctx context.Context) error {
		var err error
		conns, err = s.connRepo.ListByState(ctx, models.ConnectionStateLoading, models.ConnectionStateStoring)
		return err
	})
	if err != nil {
		return fmt.Errorf("list unfinished connections: %w", err)
	}

	monitors, ingestions := 0, 0
	for _, c := range conns {
		switch c.State {
		case models.ConnectionStateLoading:
			s.monitor.Enqueue(c)
			monitors++
		case models.ConnectionStateStoring:
			s.pipeline.Enqueue(c.ID)
			ingestions++
		}
	}

	s.logger.Info("Resumed unfinished connections",
		zap.Int("monitors", monitors),
		zap.Int("ingestions", ingestions))
	return nil
}

func (s *connectionService) load(ctx context.Context, id uuid.UUID) (*models.Connection, error) {
	var conn *models.Connection
	err := s.scopes.WithScope(ctx, func(ctx context.Context) error {
		var err error
		conn, err = s.connRepo.GetByID(ctx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// secretFieldsFor returns the secret fields of a source type, or none when
// the type is no longer registered.
func secretFieldsFor(sourceType string) []string {
	src, err := datasource.Get(sourceType)
	if err != nil {
		return nil
	}
	return src.SecretFields()
}

// redact returns a copy of conn with every present secret field masked.
func redact(conn *models.Connection, fields []string) *models.Connection {
	out := *conn
	out.Properties = make(map[string]any, len(conn.Properties))
	for k, v := range conn.Properties {
		out.Properties[k] = v
	}
	for _, f := range fields {
		if _, ok := out.Properties[f]; ok {
			out.Properties[f] = RedactedValue
		}
	}
	return &out
}

var _ ConnectionService = (*connectionService)(nil)

// IsProvisionFailure reports whether err came from a provisioning attempt
// that still produced a persisted record.
func IsProvisionFailure(err error) bool {
	var provErr *ProvisionError
	return errors.As(err, &provErr)
}
