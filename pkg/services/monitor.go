package services

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-ingest/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-ingest/pkg/config"
	"github.com/ekaya-inc/ekaya-ingest/pkg/database"
	"github.com/ekaya-inc/ekaya-ingest/pkg/lease"
	"github.com/ekaya-inc/ekaya-ingest/pkg/logging"
	"github.com/ekaya-inc/ekaya-ingest/pkg/metrics"
	"github.com/ekaya-inc/ekaya-ingest/pkg/models"
	"github.com/ekaya-inc/ekaya-ingest/pkg/nifi"
	"github.com/ekaya-inc/ekaya-ingest/pkg/repositories"
	"github.com/ekaya-inc/ekaya-ingest/pkg/services/workqueue"
)

// Poll results reported to metrics.
const (
	pollQueued  = "queued"
	pollDrained = "drained"
	pollError   = "error"
)

// IngestionScheduler builds the ingestion task that follows a drained flow.
type IngestionScheduler interface {
	Task(connID uuid.UUID) workqueue.Task
}

// CompletionMonitor watches running flows until their queues drain, then tears
// them down and hands the connection to ingestion. Each connection is watched
// by one queue task keyed by its id.
type CompletionMonitor struct {
	cfg       config.MonitorConfig
	queue     *workqueue.Queue
	engine    FlowEngine
	teardown  *TeardownCoordinator
	scopes    database.ScopeProvider
	connRepo  repositories.ConnectionRepository
	leases    lease.Manager
	ingestion IngestionScheduler
	metrics   *metrics.Metrics
	logger    *zap.Logger
}

// NewCompletionMonitor creates a monitor that schedules its tasks on queue.
func NewCompletionMonitor(
	cfg config.MonitorConfig,
	queue *workqueue.Queue,
	engine FlowEngine,
	teardown *TeardownCoordinator,
	scopes database.ScopeProvider,
	connRepo repositories.ConnectionRepository,
	leases lease.Manager,
	ingestion IngestionScheduler,
	m *metrics.Metrics,
	logger *zap.Logger,
) *CompletionMonitor {
	return &CompletionMonitor{
		cfg:       cfg,
		queue:     queue,
		engine:    engine,
		teardown:  teardown,
		scopes:    scopes,
		connRepo:  connRepo,
		leases:    leases,
		ingestion: ingestion,
		metrics:   m,
		logger:    logger.Named("monitor"),
	}
}

// Enqueue starts watching conn unless a monitor for it is already queued or running.
func (m *CompletionMonitor) Enqueue(conn *models.Connection) {
	key := conn.ID.String()
	if m.queue.HasActive(workqueue.KindMonitor, key) {
		m.logger.Debug("Monitor already active", zap.String("connection_id", key))
		return
	}
	m.queue.Enqueue(&monitorTask{
		BaseTask: workqueue.NewBaseTask("Monitor "+conn.Name, workqueue.KindMonitor, key),
		monitor:  m,
		connID:   conn.ID,
		groupID:  conn.NiFiProcessID,
	})
}

// Cancel stops the monitor of a connection. The record stays in Loading.
func (m *CompletionMonitor) Cancel(connID uuid.UUID) bool {
	return m.queue.CancelKey(connID.String()) > 0
}

type monitorTask struct {
	workqueue.BaseTask
	monitor *CompletionMonitor
	connID  uuid.UUID
	groupID string
}

func (t *monitorTask) Execute(ctx context.Context, enqueuer workqueue.TaskEnqueuer) error {
	return t.monitor.watch(ctx, enqueuer, t.connID, t.groupID)
}

// watch holds the connection's lease while it polls. Without a process group
// there is nothing to wait for and the connection fails.
func (m *CompletionMonitor) watch(ctx context.Context, enqueuer workqueue.TaskEnqueuer, connID uuid.UUID, groupID string) error {
	logger := m.logger.With(zap.String("connection_id", connID.String()), zap.String("group_id", groupID))

	if groupID == "" {
		logger.Error("Connection has no process group to monitor")
		return m.transition(ctx, logger, connID, models.ConnectionStateFailed)
	}

	l, err := m.leases.Acquire(ctx, "monitor:"+connID.String(), m.cfg.LeaseTTL)
	if errors.Is(err, lease.ErrHeld) {
		logger.Info("Connection is monitored by another instance")
		return nil
	}
	if err != nil {
		return fmt.Errorf("acquire monitor lease: %w", err)
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := l.Release(releaseCtx); err != nil {
			logger.Warn("Failed to release monitor lease", zap.Error(err))
		}
	}()

	pollCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go lease.KeepAlive(pollCtx, l, m.cfg.LeaseTTL, logger, cancel)

	m.metrics.MonitorStarted()
	defer m.metrics.MonitorStopped()

	err = m.poll(pollCtx, logger, groupID)
	switch {
	case err == nil:
		return m.complete(ctx, enqueuer, logger, connID, groupID)
	case errors.Is(err, ErrDrainTimeout):
		logger.Warn("Flow did not drain in time, tearing down")
		if err := m.teardownGroup(ctx, logger, groupID); err != nil {
			logger.Error("Teardown after drain timeout failed", zap.String("error", logging.SanitizeError(err)))
		}
		return m.transition(ctx, logger, connID, models.ConnectionStateFailed)
	case pollCtx.Err() != nil:
		// Cancelled, shut down, or the lease was lost: the record stays in
		// Loading and the next owner resumes it.
		logger.Info("Monitor stopped", zap.NamedError("reason", context.Cause(pollCtx)))
		return ctx.Err()
	default:
		logger.Error("Monitor gave up polling", zap.String("error", logging.SanitizeError(err)))
		return m.transition(ctx, logger, connID, models.ConnectionStateFailed)
	}
}

// poll waits until the group's aggregate queued count is zero. It returns
// ErrDrainTimeout when a bound is hit, the last poll error once MaxPollErrors
// consecutive polls failed, or the context error when stopped.
func (m *CompletionMonitor) poll(ctx context.Context, logger *zap.Logger, groupID string) error {
	var (
		session    *nifi.Session
		polls      int
		pollErrors int
		started    = time.Now()
	)

	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		if session == nil {
			token, err := m.engine.Authenticate(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				pollErrors++
				m.metrics.RecordPoll(pollError, 0)
				logger.Warn("Monitor authentication failed", zap.Int("consecutive_errors", pollErrors), zap.Error(err))
				if m.cfg.MaxPollErrors > 0 && pollErrors >= m.cfg.MaxPollErrors {
					return err
				}
				continue
			}
			session = m.engine.Session(token)
		}

		count, err := session.GetAggregateQueuedCount(ctx, groupID)
		polls++
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			pollErrors++
			m.metrics.RecordPoll(pollError, 0)
			logger.Warn("Queue poll failed",
				zap.Int("consecutive_errors", pollErrors),
				zap.String("error", logging.SanitizeError(err)))
			if isUnauthorized(err) {
				session = nil
			}
			if m.cfg.MaxPollErrors > 0 && pollErrors >= m.cfg.MaxPollErrors {
				return err
			}
		} else {
			pollErrors = 0
			if count == 0 {
				m.metrics.RecordPoll(pollDrained, 0)
				logger.Info("Flow drained", zap.Int("polls", polls))
				return nil
			}
			m.metrics.RecordPoll(pollQueued, count)
			logger.Debug("Flowfiles still queued", zap.Int("count", count), zap.Int("polls", polls))
		}

		if m.cfg.MaxPolls > 0 && polls >= m.cfg.MaxPolls {
			return ErrDrainTimeout
		}
		if m.cfg.Deadline > 0 && time.Since(started) >= m.cfg.Deadline {
			return ErrDrainTimeout
		}
	}
}

// complete removes the drained flow and moves the connection to Storing.
func (m *CompletionMonitor) complete(ctx context.Context, enqueuer workqueue.TaskEnqueuer, logger *zap.Logger, connID uuid.UUID, groupID string) error {
	if err := m.teardownGroup(ctx, logger, groupID); err != nil {
		logger.Error("Teardown of drained flow failed", zap.String("error", logging.SanitizeError(err)))
		return m.transition(ctx, logger, connID, models.ConnectionStateFailed)
	}

	applied, err := m.tryTransition(ctx, logger, connID, models.ConnectionStateStoring)
	if err != nil || !applied {
		return err
	}
	enqueuer.Enqueue(m.ingestion.Task(connID))
	return nil
}

func (m *CompletionMonitor) teardownGroup(ctx context.Context, logger *zap.Logger, groupID string) error {
	token, err := m.engine.Authenticate(ctx)
	if err != nil {
		return &TeardownError{Op: "authenticate", GroupID: groupID, Err: err}
	}
	return m.teardown.Teardown(ctx, m.engine.Session(token), groupID, StageRunning)
}

// transition writes the new state. A record deleted or already moved by
// someone else is logged and left alone.
func (m *CompletionMonitor) transition(ctx context.Context, logger *zap.Logger, connID uuid.UUID, target models.ConnectionState) error {
	_, err := m.tryTransition(ctx, logger, connID, target)
	return err
}

// tryTransition is transition that also reports whether the state changed.
func (m *CompletionMonitor) tryTransition(ctx context.Context, logger *zap.Logger, connID uuid.UUID, target models.ConnectionState) (bool, error) {
	err := m.scopes.WithScope(ctx, func(ctx context.Context) error {
		return m.connRepo.Transition(ctx, connID, target)
	})
	if errors.Is(err, apperrors.ErrNotFound) || errors.Is(err, apperrors.ErrInvalidTransition) {
		logger.Warn("Connection state not updated", zap.String("target", string(target)), zap.Error(err))
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("transition connection %s to %s: %w", connID, target, err)
	}
	logger.Info("Connection state changed", zap.String("state", string(target)))
	return true, nil
}

func isUnauthorized(err error) bool {
	var apiErr *nifi.APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusUnauthorized
}
