package repositories

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ekaya-inc/ekaya-ingest/pkg/database"
	"github.com/ekaya-inc/ekaya-ingest/pkg/models"
)

// DatasetRepository stores per-dataset ingestion results.
type DatasetRepository interface {
	// ReplaceForConnection atomically swaps the stored results of a connection for results.
	// A re-run after restart therefore never leaves duplicate rows behind.
	ReplaceForConnection(ctx context.Context, connectionID uuid.UUID, results []models.DatasetResult) error

	// ListByConnection returns the results of a connection ordered by dataset name.
	ListByConnection(ctx context.Context, connectionID uuid.UUID) ([]models.DatasetResult, error)
}

type datasetRepository struct{}

// NewDatasetRepository creates a new dataset result repository.
func NewDatasetRepository() DatasetRepository {
	return &datasetRepository{}
}

func (r *datasetRepository) ReplaceForConnection(ctx context.Context, connectionID uuid.UUID, results []models.DatasetResult) error {
	scope, ok := database.GetScope(ctx)
	if !ok {
		return fmt.Errorf("no database scope in context")
	}

	tx, err := scope.Conn.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback on defer is best-effort

	if _, err := tx.Exec(ctx, `DELETE FROM ingest_datasets WHERE connection_id = $1`, connectionID); err != nil {
		return fmt.Errorf("failed to clear dataset results: %w", err)
	}

	if len(results) > 0 {
		batch := &pgx.Batch{}
		for _, res := range results {
			batch.Queue(`
				INSERT INTO ingest_datasets (connection_id, dataset_name, topic, artifact_path, record_count, status)
				VALUES ($1, $2, $3, $4, $5, $6)`,
				connectionID, res.DatasetName, res.Topic, res.ArtifactPath, res.RecordCount, string(res.Status))
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("failed to insert dataset results: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

func (r *datasetRepository) ListByConnection(ctx context.Context, connectionID uuid.UUID) ([]models.DatasetResult, error) {
	scope, ok := database.GetScope(ctx)
	if !ok {
		return nil, fmt.Errorf("no database scope in context")
	}

	query := `
		SELECT id, connection_id, dataset_name, topic, artifact_path, record_count, status, create_date
		FROM ingest_datasets
		WHERE connection_id = $1
		ORDER BY dataset_name`

	rows, err := scope.Conn.Query(ctx, query, connectionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list dataset results: %w", err)
	}
	defer rows.Close()

	results := make([]models.DatasetResult, 0)
	for rows.Next() {
		var res models.DatasetResult
		var status string
		if err := rows.Scan(&res.ID, &res.ConnectionID, &res.DatasetName, &res.Topic,
			&res.ArtifactPath, &res.RecordCount, &status, &res.CreateDate); err != nil {
			return nil, fmt.Errorf("failed to scan dataset result: %w", err)
		}
		res.Status = models.DatasetStatus(status)
		results = append(results, res)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating dataset results: %w", err)
	}

	return results, nil
}

var _ DatasetRepository = (*datasetRepository)(nil)
