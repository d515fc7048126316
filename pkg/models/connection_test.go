package models

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestConnectionState_CanTransitionTo(t *testing.T) {
	allowed := map[ConnectionState][]ConnectionState{
		ConnectionStateLoading: {ConnectionStateStoring, ConnectionStateFailed},
		ConnectionStateStoring: {ConnectionStateStored, ConnectionStateLoaded, ConnectionStateFailed},
	}

	for _, from := range ValidConnectionStates {
		for _, to := range ValidConnectionStates {
			want := false
			for _, a := range allowed[from] {
				if a == to {
					want = true
				}
			}
			assert.Equal(t, want, from.CanTransitionTo(to), "%s -> %s", from, to)
		}
	}
}

func TestConnectionState_NoWayOutOfTerminal(t *testing.T) {
	for _, s := range []ConnectionState{ConnectionStateStored, ConnectionStateLoaded, ConnectionStateFailed} {
		assert.True(t, s.IsTerminal())
		for _, to := range ValidConnectionStates {
			assert.False(t, s.CanTransitionTo(to), "%s must be terminal", s)
		}
	}
	assert.False(t, ConnectionStateLoading.IsTerminal())
	assert.False(t, ConnectionStateStoring.IsTerminal())
}

func TestConnectionState_UnknownState(t *testing.T) {
	unknown := ConnectionState("Paused")
	assert.False(t, IsValidConnectionState(unknown))
	assert.False(t, unknown.CanTransitionTo(ConnectionStateFailed))
}

func TestSourceStatesFor(t *testing.T) {
	assert.ElementsMatch(t, []ConnectionState{ConnectionStateLoading, ConnectionStateStoring}, SourceStatesFor(ConnectionStateFailed))
	assert.ElementsMatch(t, []ConnectionState{ConnectionStateLoading}, SourceStatesFor(ConnectionStateStoring))
	assert.ElementsMatch(t, []ConnectionState{ConnectionStateStoring}, SourceStatesFor(ConnectionStateLoaded))
	assert.Empty(t, SourceStatesFor(ConnectionStateLoading))
}

func TestIsInitialConnectionState(t *testing.T) {
	assert.True(t, IsInitialConnectionState(ConnectionStateLoading))
	assert.True(t, IsInitialConnectionState(ConnectionStateFailed))
	assert.False(t, IsInitialConnectionState(ConnectionStateStoring))
	assert.False(t, IsInitialConnectionState(ConnectionStateStored))
}

func TestConnection_IsPersisted(t *testing.T) {
	c := &Connection{}
	assert.False(t, c.IsPersisted())
	c.ID = uuid.New()
	assert.True(t, c.IsPersisted())
}

func TestPipelineOutcome(t *testing.T) {
	tests := []struct {
		name     string
		statuses []DatasetStatus
		want     ConnectionState
	}{
		{"no datasets", nil, ConnectionStateStored},
		{"all stored", []DatasetStatus{DatasetStatusStored, DatasetStatusStored}, ConnectionStateStored},
		{"one write failed", []DatasetStatus{DatasetStatusStored, DatasetStatusWriteFailed}, ConnectionStateLoaded},
		{"one open failed", []DatasetStatus{DatasetStatusStored, DatasetStatusOpenFailed}, ConnectionStateFailed},
		{"open failure beats write failure", []DatasetStatus{DatasetStatusWriteFailed, DatasetStatusOpenFailed}, ConnectionStateFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			results := make([]DatasetResult, len(tt.statuses))
			for i, s := range tt.statuses {
				results[i] = DatasetResult{Status: s}
			}
			assert.Equal(t, tt.want, PipelineOutcome(results))
		})
	}
}
