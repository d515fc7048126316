package models

import (
	"time"

	"github.com/google/uuid"
)

// DatasetStatus is the outcome of materializing one dataset.
type DatasetStatus string

const (
	DatasetStatusStored      DatasetStatus = "stored"
	DatasetStatusWriteFailed DatasetStatus = "write_failed"
	DatasetStatusOpenFailed  DatasetStatus = "open_failed"
)

// DatasetResult records what one ingestion run did with one dataset.
type DatasetResult struct {
	ID           uuid.UUID     `json:"id"`
	ConnectionID uuid.UUID     `json:"connection_id"`
	DatasetName  string        `json:"dataset_name"`
	Topic        string        `json:"topic"`
	ArtifactPath string        `json:"artifact_path,omitempty"`
	RecordCount  int           `json:"record_count"`
	Status       DatasetStatus `json:"status"`
	CreateDate   time.Time     `json:"create_date"`
}

// PipelineOutcome folds per-dataset results into the connection's terminal state.
// Any dataset that could not be opened fails the whole run. Otherwise any failed
// write degrades it to Loaded. An empty result set counts as fully stored.
func PipelineOutcome(results []DatasetResult) ConnectionState {
	outcome := ConnectionStateStored
	for _, r := range results {
		switch r.Status {
		case DatasetStatusOpenFailed:
			return ConnectionStateFailed
		case DatasetStatusWriteFailed:
			outcome = ConnectionStateLoaded
		}
	}
	return outcome
}
