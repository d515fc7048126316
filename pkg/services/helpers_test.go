package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	_ "github.com/ekaya-inc/ekaya-ingest/pkg/adapters/datasource/mssql"
	"github.com/ekaya-inc/ekaya-ingest/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-ingest/pkg/config"
	"github.com/ekaya-inc/ekaya-ingest/pkg/crypto"
	"github.com/ekaya-inc/ekaya-ingest/pkg/lease"
	"github.com/ekaya-inc/ekaya-ingest/pkg/models"
	"github.com/ekaya-inc/ekaya-ingest/pkg/nifi"
	"github.com/ekaya-inc/ekaya-ingest/pkg/nifi/nifitest"
	"github.com/ekaya-inc/ekaya-ingest/pkg/services/workqueue"
	"github.com/ekaya-inc/ekaya-ingest/pkg/storage"
	"github.com/ekaya-inc/ekaya-ingest/pkg/stream/streamtest"
)

// Test encryption key (32 bytes, base64 encoded) - same as crypto/credentials_test.go
const testEncryptionKey = "dGVzdC1rZXktZm9yLXVuaXQtdGVzdHMtMzItYnl0ZXM="

const (
	testTemplateID = "tmpl-relational"
	testSourceType = "RelationalSource"
	testPassword   = "p@ss"
)

func testProperties() map[string]any {
	return map[string]any{
		"db_url":      "sql01.example.com",
		"db_name":     "sales",
		"db_username": "reader",
		"db_password": testPassword,
		"tables":      []any{"orders", "customers"},
	}
}

func relationalTemplate(queueCounts ...int) nifitest.Template {
	return nifitest.Template{
		Services: []nifitest.ServiceSpec{
			{Name: "pool", Type: nifi.DBCPConnectionPoolType, State: nifi.StateDisabled},
			{Name: "writer", Type: "org.apache.nifi.json.JsonRecordSetWriter", State: nifi.StateDisabled},
		},
		Processors:  []string{"QueryDatabaseTable", "PublishKafka"},
		Connections: 2,
		QueueCounts: queueCounts,
	}
}

// passthroughScopes runs fn without a database connection; the fake
// repositories do not need one.
type passthroughScopes struct{}

func (passthroughScopes) WithScope(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

// poolScopes refuses to run fn once ctx is done, the way acquiring a pooled
// connection does.
type poolScopes struct{}

func (poolScopes) WithScope(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("failed to acquire database connection: %w", err)
	}
	return fn(ctx)
}

// fakeConnectionRepository keeps records in memory and enforces the state graph.
type fakeConnectionRepository struct {
	mu        sync.Mutex
	conns     map[uuid.UUID]*models.Connection
	createErr error
	// transitionErrs fail the next len(transitionErrs) transitions in order.
	transitionErrs []error
	history        map[uuid.UUID][]models.ConnectionState
}

func newFakeConnectionRepository() *fakeConnectionRepository {
	return &fakeConnectionRepository{
		conns:   make(map[uuid.UUID]*models.Connection),
		history: make(map[uuid.UUID][]models.ConnectionState),
	}
}

func copyConnection(c *models.Connection) *models.Connection {
	out := *c
	out.Properties = make(map[string]any, len(c.Properties))
	for k, v := range c.Properties {
		out.Properties[k] = v
	}
	return &out
}

func (r *fakeConnectionRepository) Create(ctx context.Context, conn *models.Connection) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.createErr != nil {
		return r.createErr
	}
	if !models.IsInitialConnectionState(conn.State) {
		return fmt.Errorf("%w: cannot create connection in state %s", apperrors.ErrInvalidTransition, conn.State)
	}
	conn.ID = uuid.New()
	conn.CreateDate = time.Now()
	conn.UpdatedAt = conn.CreateDate
	r.conns[conn.ID] = copyConnection(conn)
	r.history[conn.ID] = []models.ConnectionState{conn.State}
	return nil
}

// seed stores conn in any state, bypassing the initial-state rule.
func (r *fakeConnectionRepository) seed(conn *models.Connection) *models.Connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	if conn.ID == uuid.Nil {
		conn.ID = uuid.New()
	}
	r.conns[conn.ID] = copyConnection(conn)
	r.history[conn.ID] = []models.ConnectionState{conn.State}
	return conn
}

func (r *fakeConnectionRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Connection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[id]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	return copyConnection(c), nil
}

func (r *fakeConnectionRepository) List(ctx context.Context) ([]*models.Connection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*models.Connection, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, copyConnection(c))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreateDate.After(out[j].CreateDate) })
	return out, nil
}

func (r *fakeConnectionRepository) ListByState(ctx context.Context, states ...models.ConnectionState) ([]*models.Connection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.Connection
	for _, c := range r.conns {
		for _, s := range states {
			if c.State == s {
				out = append(out, copyConnection(c))
			}
		}
	}
	return out, nil
}

func (r *fakeConnectionRepository) Transition(ctx context.Context, id uuid.UUID, target models.ConnectionState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.transitionErrs) > 0 {
		err := r.transitionErrs[0]
		r.transitionErrs = r.transitionErrs[1:]
		return err
	}
	c, ok := r.conns[id]
	if !ok {
		return apperrors.ErrNotFound
	}
	if !c.State.CanTransitionTo(target) {
		return fmt.Errorf("%w: %s -> %s", apperrors.ErrInvalidTransition, c.State, target)
	}
	c.State = target
	c.UpdatedAt = time.Now()
	r.history[id] = append(r.history[id], target)
	return nil
}

func (r *fakeConnectionRepository) Delete(ctx context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conns[id]; !ok {
		return apperrors.ErrNotFound
	}
	delete(r.conns, id)
	return nil
}

func (r *fakeConnectionRepository) state(t *testing.T, id uuid.UUID) models.ConnectionState {
	t.Helper()
	c, err := r.GetByID(context.Background(), id)
	require.NoError(t, err)
	return c.State
}

func (r *fakeConnectionRepository) states(id uuid.UUID) []models.ConnectionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.ConnectionState(nil), r.history[id]...)
}

type fakeDatasetRepository struct {
	mu         sync.Mutex
	results    map[uuid.UUID][]models.DatasetResult
	replaceErr error
}

func newFakeDatasetRepository() *fakeDatasetRepository {
	return &fakeDatasetRepository{results: make(map[uuid.UUID][]models.DatasetResult)}
}

func (r *fakeDatasetRepository) ReplaceForConnection(ctx context.Context, connectionID uuid.UUID, results []models.DatasetResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.replaceErr != nil {
		return r.replaceErr
	}
	r.results[connectionID] = append([]models.DatasetResult(nil), results...)
	return nil
}

func (r *fakeDatasetRepository) ListByConnection(ctx context.Context, connectionID uuid.UUID) ([]models.DatasetResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.DatasetResult(nil), r.results[connectionID]...), nil
}

// recordingScheduler captures monitor requests instead of running them.
type recordingScheduler struct {
	mu    sync.Mutex
	conns []*models.Connection
}

func (s *recordingScheduler) Enqueue(conn *models.Connection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conns = append(s.conns, copyConnection(conn))
}

func (s *recordingScheduler) enqueued() []*models.Connection {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*models.Connection(nil), s.conns...)
}

// failingStore wraps a store and rejects writes whose path contains match.
type failingStore struct {
	storage.Store
	match string
}

func (s *failingStore) Put(ctx context.Context, artifactPath string, data []byte) error {
	if strings.Contains(artifactPath, s.match) {
		return errors.New("disk quota exceeded")
	}
	return s.Store.Put(ctx, artifactPath, data)
}

// harness wires every lifecycle component against in-memory fakes and a
// fake flow engine.
type harness struct {
	srv         *nifitest.Server
	client      *nifi.Client
	queue       *workqueue.Queue
	conns       *fakeConnectionRepository
	datasets    *fakeDatasetRepository
	source      *streamtest.Source
	store       storage.Store
	storeDir    string
	leases      *lease.MemoryManager
	encryptor   *crypto.CredentialEncryptor
	scheduler   *recordingScheduler
	teardown    *TeardownCoordinator
	monitor     *CompletionMonitor
	pipeline    *IngestionPipeline
	service     ConnectionService
	provisioner *FlowProvisioner
}

type harnessOptions struct {
	template nifitest.Template
	monitor  config.MonitorConfig
	// scheduleOnly records monitor requests instead of running monitors.
	scheduleOnly bool
	password     string
	wrapStore    func(storage.Store) storage.Store
}

func defaultHarnessOptions() harnessOptions {
	return harnessOptions{
		template: relationalTemplate(42, 17, 0),
		monitor: config.MonitorConfig{
			PollInterval:  5 * time.Millisecond,
			MaxPollErrors: 3,
			LeaseTTL:      time.Minute,
		},
	}
}

func newHarness(t *testing.T, opts ...func(*harnessOptions)) *harness {
	t.Helper()

	o := defaultHarnessOptions()
	for _, opt := range opts {
		opt(&o)
	}

	logger := zap.NewNop()
	h := &harness{
		srv:       nifitest.NewServer(t),
		conns:     newFakeConnectionRepository(),
		datasets:  newFakeDatasetRepository(),
		source:    streamtest.NewSource(),
		leases:    lease.NewMemoryManager(),
		scheduler: &recordingScheduler{},
		storeDir:  t.TempDir(),
	}
	h.srv.AddTemplate(testTemplateID, o.template)

	password := h.srv.Password
	if o.password != "" {
		password = o.password
	}
	client, err := nifi.NewClient(nifi.Config{
		BaseURL:  h.srv.BaseURL(),
		Username: h.srv.Username,
		Password: password,
	}, logger)
	require.NoError(t, err)
	h.client = client

	h.encryptor, err = crypto.NewCredentialEncryptor(testEncryptionKey)
	require.NoError(t, err)

	fileStore, err := storage.NewFileStore(h.storeDir, nil, logger)
	require.NoError(t, err)
	h.store = fileStore
	if o.wrapStore != nil {
		h.store = o.wrapStore(fileStore)
	}

	h.queue = workqueue.New(logger,
		workqueue.WithStrategy(workqueue.NewLimitedStrategy(map[workqueue.Kind]int{workqueue.KindIngestion: 2})),
		workqueue.WithRetryConfig(workqueue.RetryConfig{MaxRetries: 0}))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.queue.Shutdown(ctx)
	})

	scopes := passthroughScopes{}
	h.teardown = NewTeardownCoordinator(2, nil, logger)
	h.pipeline = NewIngestionPipeline(IngestionConfig{BatchSize: 2, StorageRoot: "DataLake"},
		h.queue, h.source, h.store, scopes, h.conns, h.datasets, nil, logger)
	h.monitor = NewCompletionMonitor(o.monitor, h.queue, h.client, h.teardown, scopes, h.conns,
		h.leases, h.pipeline, nil, logger)

	var monitors MonitorScheduler = h.monitor
	if o.scheduleOnly {
		monitors = h.scheduler
	}
	h.provisioner = NewFlowProvisioner(ProvisionerConfig{
		Templates:       map[string]string{testSourceType: testTemplateID},
		RevisionRetries: 2,
	}, h.client, h.teardown, scopes, h.conns, h.encryptor, monitors, nil, logger)

	h.service = NewConnectionService(h.provisioner, h.monitor, h.pipeline, h.teardown, h.client,
		scopes, h.conns, h.datasets, logger)
	return h
}

func withTemplate(tmpl nifitest.Template) func(*harnessOptions) {
	return func(o *harnessOptions) { o.template = tmpl }
}

func withMonitorConfig(fn func(*config.MonitorConfig)) func(*harnessOptions) {
	return func(o *harnessOptions) { fn(&o.monitor) }
}

func scheduleOnly(o *harnessOptions) {
	o.scheduleOnly = true
}

// session returns an authenticated session against the fake engine.
func (h *harness) session(t *testing.T) *nifi.Session {
	t.Helper()
	token, err := h.client.Authenticate(context.Background())
	require.NoError(t, err)
	return h.client.Session(token)
}

// provisionRunning provisions a flow without starting its monitor and returns
// the process group id.
func (h *harness) provisionRunning(t *testing.T) (*models.Connection, string) {
	t.Helper()
	conn := &models.Connection{Name: "sales", SourceType: testSourceType, Properties: testProperties()}
	result, err := h.provisioner.Provision(context.Background(), conn)
	require.NoError(t, err)
	return result.Connection, result.GroupID
}

// waitQueue blocks until every queued task has finished and none failed.
func (h *harness) waitQueue(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool {
		p := h.queue.Progress()
		return p.Pending == 0 && p.Running == 0
	}, 10*time.Second, 10*time.Millisecond)
	for _, task := range h.queue.GetTasks() {
		require.NotEqual(t, workqueue.TaskStatusFailed, task.Status, "task %s: %s", task.Name, task.Error)
	}
}
