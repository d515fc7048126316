package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-ingest/pkg/adapters/datasource"
	"github.com/ekaya-inc/ekaya-ingest/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-ingest/pkg/database"
	"github.com/ekaya-inc/ekaya-ingest/pkg/logging"
	"github.com/ekaya-inc/ekaya-ingest/pkg/metrics"
	"github.com/ekaya-inc/ekaya-ingest/pkg/models"
	"github.com/ekaya-inc/ekaya-ingest/pkg/repositories"
	"github.com/ekaya-inc/ekaya-ingest/pkg/services/workqueue"
	"github.com/ekaya-inc/ekaya-ingest/pkg/storage"
	"github.com/ekaya-inc/ekaya-ingest/pkg/stream"
)

// IngestionConfig holds the pipeline settings.
type IngestionConfig struct {
	BatchSize   int
	StorageRoot string
}

// IngestionPipeline copies every dataset topic of a drained connection into
// durable storage and settles the connection's terminal state.
type IngestionPipeline struct {
	cfg         IngestionConfig
	queue       *workqueue.Queue
	source      stream.Source
	store       storage.Store
	scopes      database.ScopeProvider
	connRepo    repositories.ConnectionRepository
	datasetRepo repositories.DatasetRepository
	metrics     *metrics.Metrics
	logger      *zap.Logger
}

// NewIngestionPipeline creates a pipeline that schedules its runs on queue.
func NewIngestionPipeline(
	cfg IngestionConfig,
	queue *workqueue.Queue,
	source stream.Source,
	store storage.Store,
	scopes database.ScopeProvider,
	connRepo repositories.ConnectionRepository,
	datasetRepo repositories.DatasetRepository,
	m *metrics.Metrics,
	logger *zap.Logger,
) *IngestionPipeline {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	return &IngestionPipeline{
		cfg:         cfg,
		queue:       queue,
		source:      source,
		store:       store,
		scopes:      scopes,
		connRepo:    connRepo,
		datasetRepo: datasetRepo,
		metrics:     m,
		logger:      logger.Named("ingestion"),
	}
}

// Task returns the queue task that ingests connID.
func (p *IngestionPipeline) Task(connID uuid.UUID) workqueue.Task {
	return &ingestionTask{
		BaseTask: workqueue.NewBaseTask("Ingest "+connID.String(), workqueue.KindIngestion, connID.String()),
		pipeline: p,
		connID:   connID,
	}
}

// Enqueue schedules ingestion of connID unless it is already queued or running.
func (p *IngestionPipeline) Enqueue(connID uuid.UUID) {
	if p.queue.HasActive(workqueue.KindIngestion, connID.String()) {
		return
	}
	p.queue.Enqueue(p.Task(connID))
}

type ingestionTask struct {
	workqueue.BaseTask
	pipeline *IngestionPipeline
	connID   uuid.UUID
}

func (t *ingestionTask) Execute(ctx context.Context, _ workqueue.TaskEnqueuer) error {
	_, err := t.pipeline.Run(ctx, t.connID)
	return err
}

// Run ingests every dataset of a connection in Storing and moves it to
// Stored, Loaded or Failed. A failing dataset never stops its siblings.
func (p *IngestionPipeline) Run(ctx context.Context, connID uuid.UUID) (models.ConnectionState, error) {
	logger := p.logger.With(zap.String("connection_id", connID.String()))

	var conn *models.Connection
	err := p.scopes.WithScope(ctx, func(ctx context.Context) error {
		var err error
		conn, err = p.connRepo.GetByID(ctx, connID)
		return err
	})
	if errors.Is(err, apperrors.ErrNotFound) {
		logger.Warn("Connection deleted before ingestion")
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("load connection %s: %w", connID, err)
	}
	if conn.State != models.ConnectionStateStoring {
		logger.Warn("Connection is not awaiting ingestion", zap.String("state", string(conn.State)))
		return conn.State, nil
	}

	results, err := p.ingest(ctx, logger, conn)
	if err != nil {
		logger.Error("Ingestion could not start", zap.String("error", logging.SanitizeError(err)))
		return p.finish(ctx, logger, connID, nil, models.ConnectionStateFailed)
	}
	if ctx.Err() != nil {
		// Stopped part way: leave the record in Storing for the next run.
		return models.ConnectionStateStoring, ctx.Err()
	}

	return p.finish(ctx, logger, connID, results, models.PipelineOutcome(results))
}

// ingest materializes each dataset. The error is only set when the datasets
// themselves cannot be determined.
func (p *IngestionPipeline) ingest(ctx context.Context, logger *zap.Logger, conn *models.Connection) ([]models.DatasetResult, error) {
	src, err := datasource.Get(conn.SourceType)
	if err != nil {
		return nil, err
	}
	datasets, err := src.Datasets(conn.Properties)
	if err != nil {
		return nil, err
	}
	prefix, err := src.TopicPrefix(conn.Properties)
	if err != nil {
		return nil, err
	}

	results := make([]models.DatasetResult, 0, len(datasets))
	for _, dataset := range datasets {
		if ctx.Err() != nil {
			break
		}
		result, err := p.ingestDataset(ctx, conn.ID, prefix, dataset)
		if err != nil {
			logger.Warn("Dataset not stored", zap.String("error", logging.SanitizeError(err)))
		} else {
			logger.Info("Dataset stored",
				zap.String("dataset", dataset),
				zap.Int("records", result.RecordCount),
				zap.String("path", result.ArtifactPath))
		}
		p.metrics.RecordDataset(string(result.Status))
		results = append(results, result)
	}
	return results, nil
}

// ingestDataset reads every message pending on the dataset's topic and writes
// them as one JSON-lines artifact. An empty topic writes nothing.
func (p *IngestionPipeline) ingestDataset(ctx context.Context, connID uuid.UUID, prefix, dataset string) (models.DatasetResult, error) {
	topicName := datasource.TopicName(prefix, dataset)
	result := models.DatasetResult{
		ConnectionID: connID,
		DatasetName:  dataset,
		Topic:        topicName,
		CreateDate:   time.Now().UTC(),
	}

	fail := func(status models.DatasetStatus, err error) (models.DatasetResult, error) {
		result.Status = status
		return result, &IngestionError{Dataset: dataset, Topic: topicName, Status: status, Err: err}
	}

	topic, err := p.source.Open(ctx, topicName)
	if err != nil {
		return fail(models.DatasetStatusOpenFailed, err)
	}
	messages, err := stream.ReadAll(ctx, topic, p.cfg.BatchSize)
	topic.Close()
	if err != nil {
		return fail(models.DatasetStatusOpenFailed, err)
	}

	result.RecordCount = len(messages)
	if len(messages) == 0 {
		result.Status = models.DatasetStatusStored
		return result, nil
	}

	data, err := encodeRecords(messages)
	if err != nil {
		return fail(models.DatasetStatusWriteFailed, err)
	}
	artifactPath := storage.ArtifactPath(p.cfg.StorageRoot, prefix, dataset)
	if err := p.store.Put(ctx, artifactPath, data); err != nil {
		return fail(models.DatasetStatusWriteFailed, err)
	}

	result.ArtifactPath = artifactPath
	result.Status = models.DatasetStatusStored
	return result, nil
}

// finish replaces the dataset results, then moves the connection to outcome.
// The two writes commit separately: when the state write fails the connection
// stays in Storing with the new results, and a re-run replaces them.
func (p *IngestionPipeline) finish(ctx context.Context, logger *zap.Logger, connID uuid.UUID, results []models.DatasetResult, outcome models.ConnectionState) (models.ConnectionState, error) {
	err := p.scopes.WithScope(ctx, func(ctx context.Context) error {
		if err := p.datasetRepo.ReplaceForConnection(ctx, connID, results); err != nil {
			return err
		}
		return p.connRepo.Transition(ctx, connID, outcome)
	})
	if errors.Is(err, apperrors.ErrNotFound) || errors.Is(err, apperrors.ErrInvalidTransition) {
		logger.Warn("Connection state not updated", zap.String("target", string(outcome)), zap.Error(err))
		return outcome, nil
	}
	if err != nil {
		return "", fmt.Errorf("record ingestion outcome for %s: %w", connID, err)
	}

	p.metrics.RecordPipeline(string(outcome))
	logger.Info("Ingestion finished",
		zap.String("state", string(outcome)),
		zap.Int("datasets", len(results)))
	return outcome, nil
}

// record is one line of a dataset artifact.
type record struct {
	Value string `json:"value"`
}

// encodeRecords renders messages as JSON lines.
func encodeRecords(messages [][]byte) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	for _, msg := range messages {
		if err := enc.Encode(record{Value: string(msg)}); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}
