package nifi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
)

// Session is a sequence of calls made with one bearer token.
type Session struct {
	client *Client
	token  Token
}

func (s *Session) call(ctx context.Context, op, method string, payload, out any, want []int, pathSegments ...string) error {
	endpoint, err := buildURL(s.client.cfg.BaseURL, pathSegments...)
	if err != nil {
		return fmt.Errorf("failed to build URL: %w", err)
	}
	return s.send(ctx, op, method, endpoint, payload, out, want)
}

func (s *Session) send(ctx context.Context, op, method, endpoint string, payload, out any, want []int) error {
	body, err := s.client.do(ctx, s.token, op, method, endpoint, payload, want...)
	if err != nil {
		return err
	}
	if out == nil || len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to parse %s response: %w", op, err)
	}
	return nil
}

func (s *Session) revision(version int64) Revision {
	return Revision{Version: version, ClientID: s.client.clientID}
}

var ok200 = []int{http.StatusOK}

// CreateProcessGroupFromTemplate instantiates templateID in the root group at
// the origin and returns the id of the new process group.
func (s *Session) CreateProcessGroupFromTemplate(ctx context.Context, templateID string) (string, error) {
	var flow flowEntity
	err := s.call(ctx, "create process group", http.MethodPost,
		templateInstanceRequest{OriginX: 0, OriginY: 0, TemplateID: templateID},
		&flow, []int{http.StatusCreated},
		"process-groups", s.client.cfg.RootGroupID, "template-instance")
	if err != nil {
		return "", err
	}

	if len(flow.Flow.ProcessGroups) == 0 || flow.Flow.ProcessGroups[0].ID == "" {
		return "", fmt.Errorf("template %s instantiated without a process group", templateID)
	}
	return flow.Flow.ProcessGroups[0].ID, nil
}

// ReadVariableRegistry returns the variables of a group and the group's current revision.
func (s *Session) ReadVariableRegistry(ctx context.Context, groupID string) (*VariableRegistry, error) {
	var entity variableRegistryEntity
	err := s.call(ctx, "read variable registry", http.MethodGet, nil, &entity, ok200,
		"process-groups", groupID, "variable-registry")
	if err != nil {
		return nil, err
	}

	reg := &VariableRegistry{
		GroupID:   groupID,
		Revision:  entity.ProcessGroupRevision,
		Variables: make(map[string]string, len(entity.VariableRegistry.Variables)),
	}
	for _, v := range entity.VariableRegistry.Variables {
		reg.Variables[v.Variable.Name] = v.Variable.Value
	}
	return reg, nil
}

// WriteVariableRegistry sets variables on a group using revision.
func (s *Session) WriteVariableRegistry(ctx context.Context, groupID string, revision Revision, variables map[string]string) error {
	var entity variableRegistryEntity
	entity.ProcessGroupRevision = s.revision(revision.Version)
	entity.VariableRegistry.ProcessGroupID = groupID
	for _, name := range sortedKeys(variables) {
		var v variableEntry
		v.Variable.Name = name
		v.Variable.Value = variables[name]
		entity.VariableRegistry.Variables = append(entity.VariableRegistry.Variables, v)
	}

	return s.call(ctx, "write variable registry", http.MethodPut, entity, nil, ok200,
		"process-groups", groupID, "variable-registry")
}

// ListControllerServices returns every service visible from groupID, including
// those owned by ancestor groups. See FilterByParentGroup.
func (s *Session) ListControllerServices(ctx context.Context, groupID string) ([]ControllerService, error) {
	var entity controllerServicesEntity
	err := s.call(ctx, "list controller services", http.MethodGet, nil, &entity, ok200,
		"flow", "process-groups", groupID, "controller-services")
	if err != nil {
		return nil, err
	}
	return entity.ControllerServices, nil
}

// GetControllerService re-reads a service, including its current revision.
func (s *Session) GetControllerService(ctx context.Context, id string) (*ControllerService, error) {
	var svc ControllerService
	if err := s.call(ctx, "get controller service", http.MethodGet, nil, &svc, ok200,
		"controller-services", id); err != nil {
		return nil, err
	}
	return &svc, nil
}

// SetControllerServiceState changes a service's state and optionally some of its properties.
// An empty state leaves the state untouched.
func (s *Session) SetControllerServiceState(ctx context.Context, id string, revision Revision, state string, properties map[string]string) error {
	update := controllerServiceUpdate{
		Revision: s.revision(revision.Version),
		Component: controllerServiceUpdateFields{
			ID:         id,
			State:      state,
			Properties: properties,
		},
	}
	return s.call(ctx, "set controller service state", http.MethodPut, update, nil, ok200,
		"controller-services", id)
}

// SetProcessGroupState schedules every component of a group to state.
func (s *Session) SetProcessGroupState(ctx context.Context, groupID, state string) error {
	return s.call(ctx, "set process group state", http.MethodPut,
		scheduleComponentsRequest{ID: groupID, State: state}, nil, ok200,
		"flow", "process-groups", groupID)
}

// ListProcessors returns the processors of a group.
func (s *Session) ListProcessors(ctx context.Context, groupID string) ([]Processor, error) {
	var entity processorsEntity
	err := s.call(ctx, "list processors", http.MethodGet, nil, &entity, ok200,
		"process-groups", groupID, "processors")
	if err != nil {
		return nil, err
	}
	return entity.Processors, nil
}

// GetProcessor re-reads a processor, including its current revision.
func (s *Session) GetProcessor(ctx context.Context, id string) (*Processor, error) {
	var proc Processor
	if err := s.call(ctx, "get processor", http.MethodGet, nil, &proc, ok200,
		"processors", id); err != nil {
		return nil, err
	}
	return &proc, nil
}

// SetProcessorState changes a processor's run status.
func (s *Session) SetProcessorState(ctx context.Context, id string, revision Revision, state string) error {
	return s.call(ctx, "set processor state", http.MethodPut,
		runStatusRequest{Revision: s.revision(revision.Version), State: state}, nil, ok200,
		"processors", id, "run-status")
}

// ListConnections returns the queues of a group.
func (s *Session) ListConnections(ctx context.Context, groupID string) ([]FlowConnection, error) {
	var entity connectionsEntity
	err := s.call(ctx, "list connections", http.MethodGet, nil, &entity, ok200,
		"process-groups", groupID, "connections")
	if err != nil {
		return nil, err
	}
	return entity.Connections, nil
}

// DropQueuedFlowFiles asks the engine to empty one queue. The drop runs
// asynchronously; the call returns once the request is accepted.
func (s *Session) DropQueuedFlowFiles(ctx context.Context, connectionID string) error {
	return s.call(ctx, "drop queued flowfiles", http.MethodPost, nil, nil,
		[]int{http.StatusAccepted, http.StatusOK},
		"flowfile-queues", connectionID, "drop-requests")
}

// GetAggregateQueuedCount returns the number of flowfiles queued anywhere in the group.
func (s *Session) GetAggregateQueuedCount(ctx context.Context, groupID string) (int, error) {
	var entity processGroupStatusEntity
	err := s.call(ctx, "get process group status", http.MethodGet, nil, &entity, ok200,
		"flow", "process-groups", groupID, "status")
	if err != nil {
		return 0, err
	}
	return entity.ProcessGroupStatus.AggregateSnapshot.FlowFilesQueued, nil
}

// GetProcessGroup re-reads a group, including its current revision.
func (s *Session) GetProcessGroup(ctx context.Context, groupID string) (*ProcessGroup, error) {
	var group ProcessGroup
	if err := s.call(ctx, "get process group", http.MethodGet, nil, &group, ok200,
		"process-groups", groupID); err != nil {
		return nil, err
	}
	return &group, nil
}

// DeleteProcessGroup removes a group. The group must be stopped with no
// enabled services and empty queues.
func (s *Session) DeleteProcessGroup(ctx context.Context, groupID string, revision Revision) error {
	endpoint, err := buildURL(s.client.cfg.BaseURL, "process-groups", groupID)
	if err != nil {
		return fmt.Errorf("failed to build URL: %w", err)
	}

	u, err := url.Parse(endpoint)
	if err != nil {
		return fmt.Errorf("failed to build URL: %w", err)
	}
	q := url.Values{}
	q.Set("version", strconv.FormatInt(revision.Version, 10))
	q.Set("clientId", s.client.clientID)
	u.RawQuery = q.Encode()

	return s.send(ctx, "delete process group", http.MethodDelete, u.String(), nil, nil, ok200)
}
