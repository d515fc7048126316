package services

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-ingest/pkg/adapters/datasource"
	"github.com/ekaya-inc/ekaya-ingest/pkg/crypto"
	"github.com/ekaya-inc/ekaya-ingest/pkg/database"
	"github.com/ekaya-inc/ekaya-ingest/pkg/logging"
	"github.com/ekaya-inc/ekaya-ingest/pkg/metrics"
	"github.com/ekaya-inc/ekaya-ingest/pkg/models"
	"github.com/ekaya-inc/ekaya-ingest/pkg/nifi"
	"github.com/ekaya-inc/ekaya-ingest/pkg/repositories"
	"github.com/ekaya-inc/ekaya-ingest/pkg/retry"
)

// CredentialPlaceholder replaces the password of credential-bearing services so
// the engine resolves it from the PASS variable.
const CredentialPlaceholder = "${PASS}"

// passwordProperty is the DBCP connection pool property holding the password.
const passwordProperty = "Password"

// FlowEngine issues sessions against the flow engine. *nifi.Client implements it.
type FlowEngine interface {
	Authenticate(ctx context.Context) (nifi.Token, error)
	Session(token nifi.Token) *nifi.Session
}

// MonitorScheduler starts background monitoring of a provisioned connection.
type MonitorScheduler interface {
	Enqueue(conn *models.Connection)
}

// ProvisionerConfig holds the provisioning settings.
type ProvisionerConfig struct {
	// Templates maps a source type to the template instantiated for it.
	Templates             map[string]string
	ServiceSettleInterval time.Duration
	RevisionRetries       int
	// CleanupTimeout bounds the teardown and record writes that follow the
	// steps. They run even when the caller has gone away.
	CleanupTimeout time.Duration
}

// defaultCleanupTimeout applies when ProvisionerConfig.CleanupTimeout is unset.
const defaultCleanupTimeout = 2 * time.Minute

// ProvisionResult describes a provisioning attempt. Connection is the persisted
// record, in Loading on success and Failed otherwise.
type ProvisionResult struct {
	Connection *models.Connection
	GroupID    string
	Reached    int
	Stage      Stage
}

// FlowProvisioner instantiates and starts the flow for a connection and
// persists the resulting record.
type FlowProvisioner struct {
	cfg       ProvisionerConfig
	engine    FlowEngine
	teardown  *TeardownCoordinator
	scopes    database.ScopeProvider
	connRepo  repositories.ConnectionRepository
	encryptor *crypto.CredentialEncryptor
	monitors  MonitorScheduler
	metrics   *metrics.Metrics
	logger    *zap.Logger
}

// NewFlowProvisioner creates a provisioner.
func NewFlowProvisioner(
	cfg ProvisionerConfig,
	engine FlowEngine,
	teardown *TeardownCoordinator,
	scopes database.ScopeProvider,
	connRepo repositories.ConnectionRepository,
	encryptor *crypto.CredentialEncryptor,
	monitors MonitorScheduler,
	m *metrics.Metrics,
	logger *zap.Logger,
) *FlowProvisioner {
	return &FlowProvisioner{
		cfg:       cfg,
		engine:    engine,
		teardown:  teardown,
		scopes:    scopes,
		connRepo:  connRepo,
		encryptor: encryptor,
		monitors:  monitors,
		metrics:   m,
		logger:    logger.Named("provisioner"),
	}
}

// provisionRun tracks how far one attempt got.
type provisionRun struct {
	session         *nifi.Session
	groupID         string
	reached         int
	servicesEnabled int
}

func (r *provisionRun) stage() Stage {
	// A partially completed step 5 has still left enabled services behind.
	if r.reached == StepWriteVariables && r.servicesEnabled > 0 {
		return StageServicesEnabled
	}
	return StageAfter(r.reached)
}

// Provision runs the six provisioning steps for conn, whose properties must be
// plaintext and valid for its source type.
//
// On success the record is inserted in Loading with the process group id and
// its monitor is scheduled. On failure the partial flow is torn down, the
// record is inserted in Failed and the step error is returned alongside the
// result: a *nifi.AuthError for step 1, a *ProvisionError otherwise.
//
// Cancelling ctx stops the steps but not the teardown and insert that follow,
// so an abandoned request never leaves a flow without a record.
func (p *FlowProvisioner) Provision(ctx context.Context, conn *models.Connection) (*ProvisionResult, error) {
	start := time.Now()

	src, err := datasource.Get(conn.SourceType)
	if err != nil {
		return nil, err
	}
	templateID, ok := p.cfg.Templates[conn.SourceType]
	if !ok || templateID == "" {
		return nil, fmt.Errorf("no flow template configured for source type %q", conn.SourceType)
	}
	variables, err := src.Variables(conn.Properties)
	if err != nil {
		return nil, err
	}

	run := &provisionRun{}
	step, stepErr := p.run(ctx, run, templateID, variables)

	cleanupCtx, cancel := p.cleanupContext(ctx)
	defer cancel()

	if stepErr == nil {
		conn.NiFiProcessID = run.groupID
		conn.State = models.ConnectionStateLoading
		if err := p.insert(cleanupCtx, conn, src); err != nil {
			return nil, p.abandon(cleanupCtx, run, conn, err)
		}

		p.metrics.RecordProvision("success", strconv.Itoa(StepStartFlow), time.Since(start))
		p.logger.Info("Flow provisioned",
			zap.String("connection_id", conn.ID.String()),
			zap.String("group_id", run.groupID),
			zap.Duration("elapsed", time.Since(start)))

		p.monitors.Enqueue(conn)
		return &ProvisionResult{Connection: conn, GroupID: run.groupID, Reached: run.reached, Stage: StageRunning}, nil
	}

	stage := run.stage()
	p.logger.Warn("Provisioning failed",
		zap.Int("step", step),
		zap.String("step_name", StepName(step)),
		zap.Stringer("stage", stage),
		zap.String("group_id", run.groupID),
		zap.String("error", logging.SanitizeError(stepErr)))

	var teardownErr error
	if run.session != nil && run.groupID != "" {
		teardownErr = p.teardown.Teardown(cleanupCtx, run.session, run.groupID, stage)
	}

	conn.State = models.ConnectionStateFailed
	conn.NiFiProcessID = ""
	if teardownErr != nil {
		// The group survived; keep its id so an operator can find it.
		conn.NiFiProcessID = run.groupID
	}
	if err := p.insert(cleanupCtx, conn, src); err != nil {
		return nil, fmt.Errorf("failed to record failed connection: %w", err)
	}
	p.metrics.RecordProvision("failure", strconv.Itoa(step), time.Since(start))

	result := &ProvisionResult{Connection: conn, GroupID: run.groupID, Reached: run.reached, Stage: stage}

	var authErr *nifi.AuthError
	if step == StepAuthenticate && errors.As(stepErr, &authErr) {
		return result, authErr
	}
	return result, &ProvisionError{Step: step, Reached: run.reached, Stage: stage, Err: stepErr, Teardown: teardownErr}
}

// cleanupContext keeps ctx's values but not its cancellation.
func (p *FlowProvisioner) cleanupContext(ctx context.Context) (context.Context, context.CancelFunc) {
	timeout := p.cfg.CleanupTimeout
	if timeout <= 0 {
		timeout = defaultCleanupTimeout
	}
	return context.WithTimeout(context.WithoutCancel(ctx), timeout)
}

// run executes steps 1 to 6 and returns the failing step with its error.
func (p *FlowProvisioner) run(ctx context.Context, run *provisionRun, templateID string, variables map[string]string) (int, error) {
	token, err := p.engine.Authenticate(ctx)
	if err != nil {
		return StepAuthenticate, err
	}
	run.session = p.engine.Session(token)
	run.reached = StepAuthenticate

	groupID, err := run.session.CreateProcessGroupFromTemplate(ctx, templateID)
	if err != nil {
		return StepInstantiate, err
	}
	run.groupID = groupID
	run.reached = StepInstantiate

	registry, err := run.session.ReadVariableRegistry(ctx, groupID)
	if err != nil {
		return StepReadVariables, err
	}
	run.reached = StepReadVariables

	if err := p.writeVariables(ctx, run.session, registry, variables); err != nil {
		return StepWriteVariables, err
	}
	run.reached = StepWriteVariables

	if err := p.enableServices(ctx, run); err != nil {
		return StepEnableServices, err
	}
	run.reached = StepEnableServices

	if err := run.session.SetProcessGroupState(ctx, groupID, nifi.StateRunning); err != nil {
		return StepStartFlow, err
	}
	run.reached = StepStartFlow

	return 0, nil
}

// writeVariables writes with the revision read in step 3 and re-reads it after
// a stale-revision rejection.
func (p *FlowProvisioner) writeVariables(ctx context.Context, s *nifi.Session, registry *nifi.VariableRegistry, variables map[string]string) error {
	revision := registry.Revision
	first := true
	return retry.DoIf(ctx, retry.RevisionConfig(p.cfg.RevisionRetries), nifi.IsStaleRevision, func() error {
		if !first {
			fresh, err := s.ReadVariableRegistry(ctx, registry.GroupID)
			if err != nil {
				return err
			}
			revision = fresh.Revision
		}
		first = false
		return s.WriteVariableRegistry(ctx, registry.GroupID, revision, variables)
	})
}

// enableServices points credential-bearing services at the PASS variable and
// enables every DISABLED service owned by the group, then waits for them to settle.
func (p *FlowProvisioner) enableServices(ctx context.Context, run *provisionRun) error {
	listed, err := run.session.ListControllerServices(ctx, run.groupID)
	if err != nil {
		return err
	}

	for _, svc := range nifi.FilterByParentGroup(listed, run.groupID) {
		if svc.Component.State != nifi.StateDisabled {
			continue
		}

		var props map[string]string
		if svc.CarriesCredential() {
			props = map[string]string{passwordProperty: CredentialPlaceholder}
		}

		id := svc.ID
		err := retry.DoIf(ctx, retry.RevisionConfig(p.cfg.RevisionRetries), nifi.IsStaleRevision, func() error {
			current, err := run.session.GetControllerService(ctx, id)
			if err != nil {
				return err
			}
			return run.session.SetControllerServiceState(ctx, id, current.Revision, nifi.StateEnabled, props)
		})
		if err != nil {
			return fmt.Errorf("enable controller service %s: %w", id, err)
		}
		run.servicesEnabled++
	}

	if p.cfg.ServiceSettleInterval <= 0 {
		return nil
	}

	timer := time.NewTimer(p.cfg.ServiceSettleInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// insert persists conn with its secret fields encrypted. conn keeps plaintext
// properties and receives the generated id and timestamps.
func (p *FlowProvisioner) insert(ctx context.Context, conn *models.Connection, src datasource.Source) error {
	stored := *conn
	props, err := p.encryptor.EncryptFields(conn.Properties, src.SecretFields()...)
	if err != nil {
		return fmt.Errorf("failed to encrypt connection properties: %w", err)
	}
	stored.Properties = props

	if err := p.scopes.WithScope(ctx, func(ctx context.Context) error {
		return p.connRepo.Create(ctx, &stored)
	}); err != nil {
		return err
	}

	conn.ID = stored.ID
	conn.CreateDate = stored.CreateDate
	conn.UpdatedAt = stored.UpdatedAt
	return nil
}

// abandon tears down a running flow whose record could not be written.
func (p *FlowProvisioner) abandon(ctx context.Context, run *provisionRun, conn *models.Connection, cause error) error {
	p.logger.Error("Failed to record provisioned connection, removing flow",
		zap.String("group_id", run.groupID),
		zap.String("error", logging.SanitizeError(cause)))

	if err := p.teardown.Teardown(ctx, run.session, run.groupID, StageRunning); err != nil {
		p.logger.Error("Teardown of unrecorded flow failed",
			zap.String("group_id", run.groupID),
			zap.String("error", logging.SanitizeError(err)))
	}
	conn.NiFiProcessID = ""
	return fmt.Errorf("failed to record connection: %w", cause)
}
