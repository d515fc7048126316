package models

import (
	"time"

	"github.com/google/uuid"
)

// ============================================================================
// Connection States
// ============================================================================

// ConnectionState is the lifecycle state of an ingestion connection.
type ConnectionState string

const (
	// ConnectionStateLoading: the remote flow is running and pulling source rows.
	ConnectionStateLoading ConnectionState = "Loading"
	// ConnectionStateStoring: the flow drained and the datasets are being written to storage.
	ConnectionStateStoring ConnectionState = "Storing"
	// ConnectionStateStored: every dataset was written.
	ConnectionStateStored ConnectionState = "Stored"
	// ConnectionStateLoaded: the flow drained but at least one dataset write failed.
	ConnectionStateLoaded ConnectionState = "Loaded"
	// ConnectionStateFailed: unrecoverable error at any stage.
	ConnectionStateFailed ConnectionState = "Failed"
)

// ValidConnectionStates contains all valid connection state values.
var ValidConnectionStates = []ConnectionState{
	ConnectionStateLoading,
	ConnectionStateStoring,
	ConnectionStateStored,
	ConnectionStateLoaded,
	ConnectionStateFailed,
}

// IsValidConnectionState checks if the given state is valid.
func IsValidConnectionState(s ConnectionState) bool {
	for _, v := range ValidConnectionStates {
		if v == s {
			return true
		}
	}
	return false
}

// IsInitialConnectionState reports whether a record may be first persisted in s.
func IsInitialConnectionState(s ConnectionState) bool {
	return s == ConnectionStateLoading || s == ConnectionStateFailed
}

// IsTerminal returns true if no further transition is possible.
func (s ConnectionState) IsTerminal() bool {
	return s == ConnectionStateStored || s == ConnectionStateLoaded || s == ConnectionStateFailed
}

// CanTransitionTo returns true if transitioning from this state to the target is valid.
func (s ConnectionState) CanTransitionTo(target ConnectionState) bool {
	switch s {
	case ConnectionStateLoading:
		return target == ConnectionStateStoring || target == ConnectionStateFailed
	case ConnectionStateStoring:
		return target == ConnectionStateStored || target == ConnectionStateLoaded || target == ConnectionStateFailed
	case ConnectionStateStored, ConnectionStateLoaded, ConnectionStateFailed:
		return false
	default:
		return false
	}
}

// SourceStatesFor returns every state from which target is reachable in one step.
func SourceStatesFor(target ConnectionState) []ConnectionState {
	var from []ConnectionState
	for _, s := range ValidConnectionStates {
		if s.CanTransitionTo(target) {
			from = append(from, s)
		}
	}
	return from
}

// ============================================================================
// Connection
// ============================================================================

// Connection is a user-declared ingestion from one source into the data lake.
// Properties hold source-specific settings. Secret fields are encrypted at rest
// by the service layer and are plaintext only in memory.
type Connection struct {
	ID            uuid.UUID       `json:"id"`
	Name          string          `json:"connection_name"`
	SourceType    string          `json:"source_type"`
	Properties    map[string]any  `json:"connection_properties"`
	NiFiProcessID string          `json:"nifi_process_id,omitempty"`
	State         ConnectionState `json:"state"`
	CreateDate    time.Time       `json:"create_date"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// IsPersisted reports whether the record has been inserted.
func (c *Connection) IsPersisted() bool {
	return c.ID != uuid.Nil
}
