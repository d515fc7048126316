package services

import (
	"context"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-ingest/pkg/logging"
	"github.com/ekaya-inc/ekaya-ingest/pkg/metrics"
	"github.com/ekaya-inc/ekaya-ingest/pkg/nifi"
	"github.com/ekaya-inc/ekaya-ingest/pkg/retry"
)

// Teardown operation names, used in TeardownError and metrics.
const (
	OpStopProcessors  = "stop_processors"
	OpDisableServices = "disable_services"
	OpDropQueues      = "drop_queues"
	OpDeleteGroup     = "delete_group"
)

// TeardownCoordinator removes a partially or fully provisioned flow.
// Every operation is idempotent: components already in the target state are
// left alone, and a group that no longer exists counts as deleted.
type TeardownCoordinator struct {
	revisionRetries int
	metrics         *metrics.Metrics
	logger          *zap.Logger
}

// NewTeardownCoordinator creates a coordinator. revisionRetries bounds the
// re-fetches after a stale-revision rejection.
func NewTeardownCoordinator(revisionRetries int, m *metrics.Metrics, logger *zap.Logger) *TeardownCoordinator {
	return &TeardownCoordinator{
		revisionRetries: revisionRetries,
		metrics:         m,
		logger:          logger.Named("teardown"),
	}
}

// OperationsFor returns the cleanup operations stage requires, in order.
func OperationsFor(stage Stage) []string {
	switch stage {
	case StageNoneCreated:
		return nil
	case StageGroupCreated, StageVariablesSet:
		return []string{OpDeleteGroup}
	case StageServicesEnabled:
		return []string{OpDisableServices, OpDeleteGroup}
	case StageRunning:
		return []string{OpStopProcessors, OpDisableServices, OpDropQueues, OpDeleteGroup}
	default:
		return nil
	}
}

// Teardown runs the cleanup suffix for stage against groupID. It stops at the
// first failing operation and returns it as a *TeardownError.
func (t *TeardownCoordinator) Teardown(ctx context.Context, s *nifi.Session, groupID string, stage Stage) error {
	ops := OperationsFor(stage)
	if len(ops) == 0 {
		return nil
	}

	t.logger.Info("Tearing down flow",
		zap.String("group_id", groupID),
		zap.Stringer("stage", stage),
		zap.Strings("operations", ops))

	for _, op := range ops {
		var err error
		switch op {
		case OpStopProcessors:
			err = t.StopAllProcessors(ctx, s, groupID)
		case OpDisableServices:
			err = t.DisableAllServices(ctx, s, groupID)
		case OpDropQueues:
			err = t.DropAllQueuedFlowFiles(ctx, s, groupID)
		case OpDeleteGroup:
			err = t.DeleteProcessGroup(ctx, s, groupID)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// StopAllProcessors stops every processor of the group that is RUNNING.
func (t *TeardownCoordinator) StopAllProcessors(ctx context.Context, s *nifi.Session, groupID string) error {
	processors, err := s.ListProcessors(ctx, groupID)
	if err != nil {
		return t.fail(OpStopProcessors, groupID, err)
	}

	stopped := 0
	for _, p := range processors {
		if p.Component.State != nifi.StateRunning {
			continue
		}
		id := p.ID
		sent := false
		err := t.withRevisionRetry(ctx, func() error {
			current, err := s.GetProcessor(ctx, id)
			if err != nil {
				return err
			}
			if current.Component.State != nifi.StateRunning {
				return nil
			}
			if err := s.SetProcessorState(ctx, id, current.Revision, nifi.StateStopped); err != nil {
				return err
			}
			sent = true
			return nil
		})
		if err != nil && !nifi.IsNotFound(err) {
			return t.fail(OpStopProcessors, groupID, err)
		}
		if sent {
			stopped++
		}
	}

	t.logger.Debug("Stopped processors", zap.String("group_id", groupID), zap.Int("count", stopped))
	return nil
}

// DisableAllServices disables the ENABLED or ENABLING services owned by the group.
// Services inherited from ancestor groups are never touched.
func (t *TeardownCoordinator) DisableAllServices(ctx context.Context, s *nifi.Session, groupID string) error {
	listed, err := s.ListControllerServices(ctx, groupID)
	if err != nil {
		return t.fail(OpDisableServices, groupID, err)
	}

	disabled := 0
	for _, svc := range nifi.FilterByParentGroup(listed, groupID) {
		if !isActiveService(svc.Component.State) {
			continue
		}
		id := svc.ID
		sent := false
		err := t.withRevisionRetry(ctx, func() error {
			current, err := s.GetControllerService(ctx, id)
			if err != nil {
				return err
			}
			if !isActiveService(current.Component.State) {
				return nil
			}
			if err := s.SetControllerServiceState(ctx, id, current.Revision, nifi.StateDisabled, nil); err != nil {
				return err
			}
			sent = true
			return nil
		})
		if err != nil && !nifi.IsNotFound(err) {
			return t.fail(OpDisableServices, groupID, err)
		}
		if sent {
			disabled++
		}
	}

	t.logger.Debug("Disabled controller services", zap.String("group_id", groupID), zap.Int("count", disabled))
	return nil
}

// DropAllQueuedFlowFiles requests a drop for every queue of the group. It does
// not wait for the drops to finish.
func (t *TeardownCoordinator) DropAllQueuedFlowFiles(ctx context.Context, s *nifi.Session, groupID string) error {
	conns, err := s.ListConnections(ctx, groupID)
	if err != nil {
		return t.fail(OpDropQueues, groupID, err)
	}

	for _, c := range conns {
		if err := s.DropQueuedFlowFiles(ctx, c.ID); err != nil && !nifi.IsNotFound(err) {
			return t.fail(OpDropQueues, groupID, err)
		}
	}
	return nil
}

// DeleteProcessGroup deletes the group, re-reading its revision right before
// each attempt.
func (t *TeardownCoordinator) DeleteProcessGroup(ctx context.Context, s *nifi.Session, groupID string) error {
	err := t.withRevisionRetry(ctx, func() error {
		group, err := s.GetProcessGroup(ctx, groupID)
		if err != nil {
			return err
		}
		return s.DeleteProcessGroup(ctx, groupID, group.Revision)
	})
	if err != nil && !nifi.IsNotFound(err) {
		return t.fail(OpDeleteGroup, groupID, err)
	}

	t.logger.Info("Deleted process group", zap.String("group_id", groupID))
	return nil
}

func (t *TeardownCoordinator) withRevisionRetry(ctx context.Context, fn func() error) error {
	return retry.DoIf(ctx, retry.RevisionConfig(t.revisionRetries), nifi.IsStaleRevision, fn)
}

func (t *TeardownCoordinator) fail(op, groupID string, err error) error {
	t.metrics.RecordTeardownFailure(op)
	t.logger.Error("Teardown operation failed",
		zap.String("op", op),
		zap.String("group_id", groupID),
		zap.String("error", logging.SanitizeError(err)))
	return &TeardownError{Op: op, GroupID: groupID, Err: err}
}

func isActiveService(state string) bool {
	return state == nifi.StateEnabled || state == nifi.StateEnabling
}
