package services

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/ekaya-inc/ekaya-ingest/pkg/nifi"
	"github.com/ekaya-inc/ekaya-ingest/pkg/nifi/nifitest"
)

func TestTeardown_Running(t *testing.T) {
	h := newHarness(t, scheduleOnly)
	_, groupID := h.provisionRunning(t)
	h.srv.ResetCalls()

	err := h.teardown.Teardown(context.Background(), h.session(t), groupID, StageRunning)
	require.NoError(t, err)

	assert.Equal(t, 2, h.srv.Count(nifitest.OpSetProcessor))
	assert.Equal(t, 2, h.srv.Count(nifitest.OpUpdateService))
	assert.Equal(t, 2, h.srv.Count(nifitest.OpDropQueue))
	assert.Equal(t, 1, h.srv.Count(nifitest.OpDeleteGroup))
	assert.Contains(t, h.srv.Deleted(), groupID)
	_, ok := h.srv.Group(groupID)
	assert.False(t, ok)
}

func TestTeardown_NoneCreated(t *testing.T) {
	h := newHarness(t, scheduleOnly)

	err := h.teardown.Teardown(context.Background(), h.session(t), "never-created", StageNoneCreated)
	require.NoError(t, err)
	assert.Equal(t, 0, h.srv.MutationCount())
}

func TestTeardown_GroupCreatedOnlyDeletes(t *testing.T) {
	h := newHarness(t, scheduleOnly)
	s := h.session(t)
	groupID, err := s.CreateProcessGroupFromTemplate(context.Background(), testTemplateID)
	require.NoError(t, err)
	h.srv.ResetCalls()

	require.NoError(t, h.teardown.Teardown(context.Background(), s, groupID, StageGroupCreated))

	assert.Equal(t, 0, h.srv.Count(nifitest.OpListProcessors))
	assert.Equal(t, 0, h.srv.Count(nifitest.OpListServices))
	assert.Equal(t, 0, h.srv.Count(nifitest.OpListConnections))
	assert.Equal(t, 1, h.srv.Count(nifitest.OpDeleteGroup))
	assert.Contains(t, h.srv.Deleted(), groupID)
}

func TestStopAllProcessors_Idempotent(t *testing.T) {
	h := newHarness(t, scheduleOnly)
	_, groupID := h.provisionRunning(t)
	s := h.session(t)

	require.NoError(t, h.teardown.StopAllProcessors(context.Background(), s, groupID))
	group, ok := h.srv.Group(groupID)
	require.True(t, ok)
	for _, p := range group.Processors {
		assert.Equal(t, nifi.StateStopped, p.State)
	}

	h.srv.ResetCalls()
	require.NoError(t, h.teardown.StopAllProcessors(context.Background(), s, groupID))
	assert.Equal(t, 0, h.srv.MutationCount())
}

func TestStopAllProcessors_StaleRevision(t *testing.T) {
	h := newHarness(t, scheduleOnly)
	_, groupID := h.provisionRunning(t)
	h.srv.FailOn(nifitest.OpSetProcessor, 409, 1)

	require.NoError(t, h.teardown.StopAllProcessors(context.Background(), h.session(t), groupID))

	group, _ := h.srv.Group(groupID)
	for _, p := range group.Processors {
		assert.Equal(t, nifi.StateStopped, p.State)
	}
	assert.Equal(t, 3, h.srv.Count(nifitest.OpSetProcessor))
}

func TestDisableAllServices_LeavesInheritedServices(t *testing.T) {
	h := newHarness(t, scheduleOnly)
	inherited := h.srv.AddInheritedService(nifitest.ServiceSpec{
		Name:  "shared-pool",
		Type:  nifi.DBCPConnectionPoolType,
		State: nifi.StateEnabled,
	})
	_, groupID := h.provisionRunning(t)
	s := h.session(t)
	require.NoError(t, h.teardown.StopAllProcessors(context.Background(), s, groupID))

	require.NoError(t, h.teardown.DisableAllServices(context.Background(), s, groupID))

	for _, svc := range h.srv.Services(groupID) {
		assert.Equal(t, nifi.StateDisabled, svc.State, svc.Name)
	}
	assert.Equal(t, nifi.StateEnabled, h.srv.Service(inherited.ID).State)

	h.srv.ResetCalls()
	require.NoError(t, h.teardown.DisableAllServices(context.Background(), s, groupID))
	assert.Equal(t, 0, h.srv.MutationCount())
}

// loggedCount returns the count field of the only entry logged with msg.
func loggedCount(t *testing.T, logs *observer.ObservedLogs, msg string) int64 {
	t.Helper()
	entries := logs.FilterMessage(msg).All()
	require.Len(t, entries, 1)
	count, ok := entries[0].ContextMap()["count"].(int64)
	require.True(t, ok)
	return count
}

func TestTeardown_CountsOnlySentStateChanges(t *testing.T) {
	h := newHarness(t, scheduleOnly)
	_, groupID := h.provisionRunning(t)
	s := h.session(t)

	core, logs := observer.New(zapcore.DebugLevel)
	teardown := NewTeardownCoordinator(2, nil, zap.New(core))

	// The first processor disappears between listing and re-reading it.
	h.srv.FailOn(nifitest.OpGetProcessor, 404, 1)
	h.srv.ResetCalls()
	require.NoError(t, teardown.StopAllProcessors(context.Background(), s, groupID))
	assert.Equal(t, 1, h.srv.Count(nifitest.OpSetProcessor))
	assert.Equal(t, int64(1), loggedCount(t, logs, "Stopped processors"))

	h.srv.FailOn(nifitest.OpGetService, 404, 1)
	h.srv.ResetCalls()
	require.NoError(t, teardown.DisableAllServices(context.Background(), s, groupID))
	assert.Equal(t, 1, h.srv.Count(nifitest.OpUpdateService))
	assert.Equal(t, int64(1), loggedCount(t, logs, "Disabled controller services"))
}

func TestDeleteProcessGroup_RereadsRevision(t *testing.T) {
	h := newHarness(t, scheduleOnly)
	s := h.session(t)
	groupID, err := s.CreateProcessGroupFromTemplate(context.Background(), testTemplateID)
	require.NoError(t, err)
	h.srv.BumpGroupVersion(groupID)
	h.srv.FailOn(nifitest.OpDeleteGroup, 409, 1)
	h.srv.ResetCalls()

	require.NoError(t, h.teardown.DeleteProcessGroup(context.Background(), s, groupID))

	assert.Equal(t, 2, h.srv.Count(nifitest.OpGetGroup))
	assert.Equal(t, 2, h.srv.Count(nifitest.OpDeleteGroup))
	assert.Contains(t, h.srv.Deleted(), groupID)
}

func TestDeleteProcessGroup_AlreadyGone(t *testing.T) {
	h := newHarness(t, scheduleOnly)
	require.NoError(t, h.teardown.DeleteProcessGroup(context.Background(), h.session(t), "missing-group"))
}

func TestTeardown_StopsAtFirstFailure(t *testing.T) {
	h := newHarness(t, scheduleOnly)
	_, groupID := h.provisionRunning(t)
	h.srv.FailOn(nifitest.OpListProcessors, 500, 1)

	err := h.teardown.Teardown(context.Background(), h.session(t), groupID, StageRunning)

	var teardownErr *TeardownError
	require.True(t, errors.As(err, &teardownErr))
	assert.Equal(t, OpStopProcessors, teardownErr.Op)
	assert.Equal(t, groupID, teardownErr.GroupID)
	assert.Equal(t, 0, h.srv.Count(nifitest.OpDeleteGroup))
	_, ok := h.srv.Group(groupID)
	assert.True(t, ok)
}
