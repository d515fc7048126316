package repositories

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ekaya-inc/ekaya-ingest/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-ingest/pkg/database"
	"github.com/ekaya-inc/ekaya-ingest/pkg/models"
)

// ConnectionRepository defines data access for ingestion connections.
// Properties are stored as JSONB exactly as given; secret fields must already be
// encrypted by the service layer.
type ConnectionRepository interface {
	// Create inserts a new connection in its initial state (Loading or Failed)
	// and sets ID and CreateDate on conn.
	Create(ctx context.Context, conn *models.Connection) error

	// GetByID retrieves a connection. Returns apperrors.ErrNotFound if absent.
	GetByID(ctx context.Context, id uuid.UUID) (*models.Connection, error)

	// List retrieves all connections, newest first.
	List(ctx context.Context) ([]*models.Connection, error)

	// ListByState retrieves connections in any of the given states, oldest first.
	ListByState(ctx context.Context, states ...models.ConnectionState) ([]*models.Connection, error)

	// Transition moves a connection to target if its current state allows it.
	// Returns apperrors.ErrInvalidTransition when the stored state does not permit
	// the move, and apperrors.ErrNotFound when the row does not exist.
	Transition(ctx context.Context, id uuid.UUID, target models.ConnectionState) error

	// Delete removes a connection and, by cascade, its dataset results.
	Delete(ctx context.Context, id uuid.UUID) error
}

type connectionRepository struct{}

// NewConnectionRepository creates a new connection repository.
func NewConnectionRepository() ConnectionRepository {
	return &connectionRepository{}
}

const connectionColumns = `id, connection_name, source_type, connection_properties, state,
	COALESCE(nifi_process_id, ''), create_date, updated_at`

func (r *connectionRepository) Create(ctx context.Context, conn *models.Connection) error {
	scope, ok := database.GetScope(ctx)
	if !ok {
		return fmt.Errorf("no database scope in context")
	}

	if conn.IsPersisted() {
		return fmt.Errorf("connection %s is already persisted", conn.ID)
	}
	if !models.IsInitialConnectionState(conn.State) {
		return fmt.Errorf("%w: cannot create connection in state %q", apperrors.ErrInvalidTransition, conn.State)
	}

	props, err := json.Marshal(conn.Properties)
	if err != nil {
		return fmt.Errorf("failed to marshal connection properties: %w", err)
	}

	var processID *string
	if conn.NiFiProcessID != "" {
		processID = &conn.NiFiProcessID
	}

	query := `
		INSERT INTO ingest_connections (connection_name, source_type, connection_properties, state, nifi_process_id)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, create_date, updated_at`

	err = scope.Conn.QueryRow(ctx, query,
		conn.Name,
		conn.SourceType,
		props,
		string(conn.State),
		processID,
	).Scan(&conn.ID, &conn.CreateDate, &conn.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create connection: %w", err)
	}

	return nil
}

func (r *connectionRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Connection, error) {
	scope, ok := database.GetScope(ctx)
	if !ok {
		return nil, fmt.Errorf("no database scope in context")
	}

	query := `SELECT ` + connectionColumns + ` FROM ingest_connections WHERE id = $1`

	conn, err := scanConnection(scope.Conn.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get connection: %w", err)
	}

	return conn, nil
}

func (r *connectionRepository) List(ctx context.Context) ([]*models.Connection, error) {
	scope, ok := database.GetScope(ctx)
	if !ok {
		return nil, fmt.Errorf("no database scope in context")
	}

	query := `SELECT ` + connectionColumns + ` FROM ingest_connections ORDER BY create_date DESC`

	rows, err := scope.Conn.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list connections: %w", err)
	}
	defer rows.Close()

	return collectConnections(rows)
}

func (r *connectionRepository) ListByState(ctx context.Context, states ...models.ConnectionState) ([]*models.Connection, error) {
	scope, ok := database.GetScope(ctx)
	if !ok {
		return nil, fmt.Errorf("no database scope in context")
	}

	query := `SELECT ` + connectionColumns + ` FROM ingest_connections
		WHERE state = ANY($1)
		ORDER BY create_date ASC`

	rows, err := scope.Conn.Query(ctx, query, stateStrings(states))
	if err != nil {
		return nil, fmt.Errorf("failed to list connections by state: %w", err)
	}
	defer rows.Close()

	return collectConnections(rows)
}

func (r *connectionRepository) Transition(ctx context.Context, id uuid.UUID, target models.ConnectionState) error {
	scope, ok := database.GetScope(ctx)
	if !ok {
		return fmt.Errorf("no database scope in context")
	}

	from := models.SourceStatesFor(target)
	if len(from) == 0 {
		return fmt.Errorf("%w: nothing transitions to %q", apperrors.ErrInvalidTransition, target)
	}

	// The state guard in WHERE makes the check and the write one atomic step,
	// so two writers racing on the same row cannot both succeed.
	query := `
		UPDATE ingest_connections
		SET state = $2, updated_at = now()
		WHERE id = $1 AND state = ANY($3)`

	result, err := scope.Conn.Exec(ctx, query, id, string(target), stateStrings(from))
	if err != nil {
		return fmt.Errorf("failed to transition connection: %w", err)
	}
	if result.RowsAffected() > 0 {
		return nil
	}

	var current string
	err = scope.Conn.QueryRow(ctx, `SELECT state FROM ingest_connections WHERE id = $1`, id).Scan(&current)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return apperrors.ErrNotFound
		}
		return fmt.Errorf("failed to read connection state: %w", err)
	}

	return fmt.Errorf("%w: %s -> %s", apperrors.ErrInvalidTransition, current, target)
}

func (r *connectionRepository) Delete(ctx context.Context, id uuid.UUID) error {
	scope, ok := database.GetScope(ctx)
	if !ok {
		return fmt.Errorf("no database scope in context")
	}

	result, err := scope.Conn.Exec(ctx, `DELETE FROM ingest_connections WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete connection: %w", err)
	}
	if result.RowsAffected() == 0 {
		return apperrors.ErrNotFound
	}

	return nil
}

func scanConnection(row pgx.Row) (*models.Connection, error) {
	var conn models.Connection
	var props []byte
	var state string

	err := row.Scan(
		&conn.ID,
		&conn.Name,
		&conn.SourceType,
		&props,
		&state,
		&conn.NiFiProcessID,
		&conn.CreateDate,
		&conn.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	conn.State = models.ConnectionState(state)
	if err := json.Unmarshal(props, &conn.Properties); err != nil {
		return nil, fmt.Errorf("failed to unmarshal connection properties: %w", err)
	}

	return &conn, nil
}

func collectConnections(rows pgx.Rows) ([]*models.Connection, error) {
	conns := make([]*models.Connection, 0)
	for rows.Next() {
		conn, err := scanConnection(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan connection: %w", err)
		}
		conns = append(conns, conn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating connections: %w", err)
	}
	return conns, nil
}

func stateStrings(states []models.ConnectionState) []string {
	out := make([]string, len(states))
	for i, s := range states {
		out[i] = string(s)
	}
	return out
}

var _ ConnectionRepository = (*connectionRepository)(nil)
