// Package nifitest provides an in-memory flow engine for tests.
package nifitest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"

	"github.com/google/uuid"
)

// Operation names recorded by the server, one per REST route.
const (
	OpToken           = "token"
	OpCreateGroup     = "create-group"
	OpReadVariables   = "read-variables"
	OpWriteVariables  = "write-variables"
	OpListServices    = "list-services"
	OpGetService      = "get-service"
	OpUpdateService   = "update-service"
	OpRunGroup        = "run-group"
	OpListProcessors  = "list-processors"
	OpGetProcessor    = "get-processor"
	OpSetProcessor    = "set-processor"
	OpListConnections = "list-connections"
	OpDropQueue       = "drop-queue"
	OpStatus          = "status"
	OpGetGroup        = "get-group"
	OpDeleteGroup     = "delete-group"
)

// mutatingOps are the calls that change remote state.
var mutatingOps = map[string]bool{
	OpCreateGroup:    true,
	OpWriteVariables: true,
	OpUpdateService:  true,
	OpRunGroup:       true,
	OpSetProcessor:   true,
	OpDropQueue:      true,
	OpDeleteGroup:    true,
}

// ServiceSpec describes a controller service created with a template.
type ServiceSpec struct {
	Name  string
	Type  string
	State string
}

// Template is the blueprint a process group is instantiated from.
type Template struct {
	Services    []ServiceSpec
	Processors  []string
	Connections int
	// QueueCounts is returned by successive status polls; the last value repeats.
	QueueCounts []int
}

// Service is a controller service held by the server.
type Service struct {
	ID            string
	ParentGroupID string
	Name          string
	Type          string
	State         string
	Version       int64
	Properties    map[string]string
}

// Processor is a processor held by the server.
type Processor struct {
	ID      string
	Name    string
	State   string
	Version int64
}

// Group is a process group held by the server.
type Group struct {
	ID          string
	Version     int64
	Variables   map[string]string
	Processors  []*Processor
	Connections []string
	Dropped     []string
	queueCounts []int
	polls       int
}

// Call is one request received by the server.
type Call struct {
	Op string
	ID string
}

type failure struct {
	status    int
	remaining int
}

// Server is a fake flow engine speaking the subset of the REST API the client uses.
type Server struct {
	*httptest.Server

	Username    string
	Password    string
	Token       string
	RootGroupID string

	mu            sync.Mutex
	templates     map[string]Template
	groups        map[string]*Group
	services      map[string]*Service
	processors    map[string]*Processor
	inheritedSvcs []*Service
	failures      map[string]*failure
	calls         []Call
	deletedGroups []string
}

// NewServer starts a fake flow engine that is closed when the test ends.
func NewServer(t testing.TB) *Server {
	t.Helper()

	s := &Server{
		Username:    "admin",
		Password:    "secret",
		Token:       "token-" + uuid.NewString(),
		RootGroupID: "root",
		templates:   make(map[string]Template),
		groups:      make(map[string]*Group),
		services:    make(map[string]*Service),
		processors:  make(map[string]*Processor),
		failures:    make(map[string]*failure),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /nifi-api/access/token", s.handleToken)
	mux.HandleFunc("POST /nifi-api/process-groups/{id}/template-instance", s.authed(OpCreateGroup, s.handleCreateGroup))
	mux.HandleFunc("GET /nifi-api/process-groups/{id}/variable-registry", s.authed(OpReadVariables, s.handleReadVariables))
	mux.HandleFunc("PUT /nifi-api/process-groups/{id}/variable-registry", s.authed(OpWriteVariables, s.handleWriteVariables))
	mux.HandleFunc("GET /nifi-api/flow/process-groups/{id}/controller-services", s.authed(OpListServices, s.handleListServices))
	mux.HandleFunc("GET /nifi-api/controller-services/{id}", s.authed(OpGetService, s.handleGetService))
	mux.HandleFunc("PUT /nifi-api/controller-services/{id}", s.authed(OpUpdateService, s.handleUpdateService))
	mux.HandleFunc("PUT /nifi-api/flow/process-groups/{id}", s.authed(OpRunGroup, s.handleRunGroup))
	mux.HandleFunc("GET /nifi-api/process-groups/{id}/processors", s.authed(OpListProcessors, s.handleListProcessors))
	mux.HandleFunc("GET /nifi-api/processors/{id}", s.authed(OpGetProcessor, s.handleGetProcessor))
	mux.HandleFunc("PUT /nifi-api/processors/{id}/run-status", s.authed(OpSetProcessor, s.handleSetProcessor))
	mux.HandleFunc("GET /nifi-api/process-groups/{id}/connections", s.authed(OpListConnections, s.handleListConnections))
	mux.HandleFunc("POST /nifi-api/flowfile-queues/{id}/drop-requests", s.authed(OpDropQueue, s.handleDrop))
	mux.HandleFunc("GET /nifi-api/flow/process-groups/{id}/status", s.authed(OpStatus, s.handleStatus))
	mux.HandleFunc("GET /nifi-api/process-groups/{id}", s.authed(OpGetGroup, s.handleGetGroup))
	mux.HandleFunc("DELETE /nifi-api/process-groups/{id}", s.authed(OpDeleteGroup, s.handleDeleteGroup))

	s.Server = httptest.NewServer(mux)
	t.Cleanup(s.Close)
	return s
}

// BaseURL returns the API root for nifi.Config.
func (s *Server) BaseURL() string {
	return s.URL + "/nifi-api"
}

// AddTemplate registers a template under id.
func (s *Server) AddTemplate(id string, tmpl Template) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.templates[id] = tmpl
}

// AddInheritedService adds a service owned by the root group. It appears in
// every group's listing, as services of ancestor groups do.
func (s *Server) AddInheritedService(spec ServiceSpec) *Service {
	s.mu.Lock()
	defer s.mu.Unlock()
	svc := &Service{
		ID:            uuid.NewString(),
		ParentGroupID: s.RootGroupID,
		Name:          spec.Name,
		Type:          spec.Type,
		State:         spec.State,
		Properties:    map[string]string{},
	}
	s.services[svc.ID] = svc
	s.inheritedSvcs = append(s.inheritedSvcs, svc)
	return svc
}

// FailOn makes the next times calls of op answer with status. times < 0 fails forever.
func (s *Server) FailOn(op string, status, times int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[op] = &failure{status: status, remaining: times}
}

// Calls returns every request received so far, in order.
func (s *Server) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Call, len(s.calls))
	copy(out, s.calls)
	return out
}

// Count returns how many times op was called.
func (s *Server) Count(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		if c.Op == op {
			n++
		}
	}
	return n
}

// MutationCount returns how many state-changing calls were received.
func (s *Server) MutationCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		if mutatingOps[c.Op] {
			n++
		}
	}
	return n
}

// ResetCalls clears the call log.
func (s *Server) ResetCalls() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = nil
}

// Group returns a copy of the live group with id. ok is false once it is deleted.
func (s *Server) Group(id string) (Group, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.groups[id]
	if !ok {
		return Group{}, false
	}
	cp := Group{
		ID:          g.ID,
		Version:     g.Version,
		Variables:   make(map[string]string, len(g.Variables)),
		Connections: append([]string(nil), g.Connections...),
		Dropped:     append([]string(nil), g.Dropped...),
	}
	for k, v := range g.Variables {
		cp.Variables[k] = v
	}
	for _, p := range g.Processors {
		pc := *p
		cp.Processors = append(cp.Processors, &pc)
	}
	return cp, true
}

// GroupIDs returns the ids of all live groups.
func (s *Server) GroupIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.groups))
	for id := range s.groups {
		ids = append(ids, id)
	}
	return ids
}

// Deleted returns the ids of deleted groups.
func (s *Server) Deleted() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.deletedGroups...)
}

// Services returns the services owned by groupID.
func (s *Server) Services(groupID string) []Service {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Service
	for _, svc := range s.services {
		if svc.ParentGroupID == groupID {
			out = append(out, *svc)
		}
	}
	return out
}

// Service returns a copy of the service with id.
func (s *Server) Service(id string) Service {
	s.mu.Lock()
	defer s.mu.Unlock()
	if svc, ok := s.services[id]; ok {
		return *svc
	}
	return Service{}
}

// SetProcessorStates forces every processor of a group into state.
func (s *Server) SetProcessorStates(groupID, state string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if g, ok := s.groups[groupID]; ok {
		for _, p := range g.Processors {
			p.State = state
			p.Version++
		}
	}
}

// BumpGroupVersion simulates a concurrent writer changing the group.
func (s *Server) BumpGroupVersion(groupID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if g, ok := s.groups[groupID]; ok {
		g.Version++
	}
}

func (s *Server) record(op, id string) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, Call{Op: op, ID: id})
	f, ok := s.failures[op]
	if !ok || f.remaining == 0 {
		return 0, false
	}
	if f.remaining > 0 {
		f.remaining--
	}
	return f.status, true
}

func (s *Server) authed(op string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+s.Token {
			http.Error(w, "Unable to validate the access token.", http.StatusUnauthorized)
			return
		}
		if status, fail := s.record(op, r.PathValue("id")); fail {
			http.Error(w, fmt.Sprintf("injected failure for %s", op), status)
			return
		}
		h(w, r)
	}
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if status, fail := s.record(OpToken, ""); fail {
		http.Error(w, "injected failure", status)
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if r.PostForm.Get("username") != s.Username || r.PostForm.Get("password") != s.Password {
		http.Error(w, "The supplied username and password are not valid.", http.StatusBadRequest)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusCreated)
	_, _ = w.Write([]byte(s.Token))
}

func (s *Server) handleCreateGroup(w http.ResponseWriter, r *http.Request) {
	var req struct {
		OriginX    float64 `json:"originX"`
		OriginY    float64 `json:"originY"`
		TemplateID string  `json:"templateId"`
	}
	if !decode(w, r, &req) {
		return
	}

	s.mu.Lock()
	tmpl, ok := s.templates[req.TemplateID]
	if !ok || r.PathValue("id") != s.RootGroupID {
		s.mu.Unlock()
		http.Error(w, "Unable to find template", http.StatusNotFound)
		return
	}

	g := &Group{
		ID:          uuid.NewString(),
		Version:     0,
		Variables:   map[string]string{},
		queueCounts: append([]int(nil), tmpl.QueueCounts...),
	}
	for _, spec := range tmpl.Services {
		svc := &Service{
			ID:            uuid.NewString(),
			ParentGroupID: g.ID,
			Name:          spec.Name,
			Type:          spec.Type,
			State:         spec.State,
			Properties:    map[string]string{"Password": "literal"},
		}
		if svc.State == "" {
			svc.State = "DISABLED"
		}
		s.services[svc.ID] = svc
	}
	for _, name := range tmpl.Processors {
		p := &Processor{ID: uuid.NewString(), Name: name, State: "STOPPED"}
		g.Processors = append(g.Processors, p)
		s.processors[p.ID] = p
	}
	for i := 0; i < tmpl.Connections; i++ {
		g.Connections = append(g.Connections, uuid.NewString())
	}
	s.groups[g.ID] = g
	s.mu.Unlock()

	writeJSON(w, http.StatusCreated, map[string]any{
		"flow": map[string]any{
			"processGroups": []map[string]any{{"id": g.ID}},
		},
	})
}

func (s *Server) handleReadVariables(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	g, ok := s.groups[r.PathValue("id")]
	if !ok {
		s.mu.Unlock()
		notFound(w)
		return
	}
	vars := make([]map[string]any, 0, len(g.Variables))
	for name, value := range g.Variables {
		vars = append(vars, map[string]any{"variable": map[string]string{"name": name, "value": value}})
	}
	resp := map[string]any{
		"processGroupRevision": map[string]any{"version": g.Version},
		"variableRegistry": map[string]any{
			"processGroupId": g.ID,
			"variables":      vars,
		},
	}
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleWriteVariables(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ProcessGroupRevision struct {
			Version int64 `json:"version"`
		} `json:"processGroupRevision"`
		VariableRegistry struct {
			Variables []struct {
				Variable struct {
					Name  string `json:"name"`
					Value string `json:"value"`
				} `json:"variable"`
			} `json:"variables"`
		} `json:"variableRegistry"`
	}
	if !decode(w, r, &req) {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.groups[r.PathValue("id")]
	if !ok {
		notFound(w)
		return
	}
	if req.ProcessGroupRevision.Version != g.Version {
		staleRevision(w, g.Version)
		return
	}
	for _, v := range req.VariableRegistry.Variables {
		g.Variables[v.Variable.Name] = v.Variable.Value
	}
	g.Version++
	writeJSON(w, http.StatusOK, map[string]any{"processGroupRevision": map[string]any{"version": g.Version}})
}

func (s *Server) serviceJSON(svc *Service) map[string]any {
	props := make(map[string]any, len(svc.Properties))
	for k, v := range svc.Properties {
		props[k] = v
	}
	return map[string]any{
		"id":            svc.ID,
		"parentGroupId": svc.ParentGroupID,
		"revision":      map[string]any{"version": svc.Version},
		"component": map[string]any{
			"id":            svc.ID,
			"parentGroupId": svc.ParentGroupID,
			"name":          svc.Name,
			"type":          svc.Type,
			"state":         svc.State,
			"properties":    props,
		},
	}
}

func (s *Server) handleListServices(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	groupID := r.PathValue("id")
	if _, ok := s.groups[groupID]; !ok {
		s.mu.Unlock()
		notFound(w)
		return
	}
	list := make([]map[string]any, 0)
	for _, svc := range s.inheritedSvcs {
		list = append(list, s.serviceJSON(svc))
	}
	for _, svc := range s.services {
		if svc.ParentGroupID == groupID {
			list = append(list, s.serviceJSON(svc))
		}
	}
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"controllerServices": list})
}

func (s *Server) handleGetService(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	svc, ok := s.services[r.PathValue("id")]
	if !ok {
		s.mu.Unlock()
		notFound(w)
		return
	}
	resp := s.serviceJSON(svc)
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleUpdateService(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Revision struct {
			Version int64 `json:"version"`
		} `json:"revision"`
		Component struct {
			State      string            `json:"state"`
			Properties map[string]string `json:"properties"`
		} `json:"component"`
	}
	if !decode(w, r, &req) {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	svc, ok := s.services[r.PathValue("id")]
	if !ok {
		notFound(w)
		return
	}
	if req.Revision.Version != svc.Version {
		staleRevision(w, svc.Version)
		return
	}
	for k, v := range req.Component.Properties {
		svc.Properties[k] = v
	}
	if req.Component.State != "" {
		svc.State = req.Component.State
	}
	svc.Version++
	writeJSON(w, http.StatusOK, s.serviceJSON(svc))
}

func (s *Server) handleRunGroup(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID    string `json:"id"`
		State string `json:"state"`
	}
	if !decode(w, r, &req) {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.groups[r.PathValue("id")]
	if !ok {
		notFound(w)
		return
	}
	for _, p := range g.Processors {
		p.State = req.State
		p.Version++
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": g.ID, "state": req.State})
}

func processorJSON(p *Processor) map[string]any {
	return map[string]any{
		"id":        p.ID,
		"revision":  map[string]any{"version": p.Version},
		"component": map[string]any{"id": p.ID, "name": p.Name, "state": p.State},
	}
}

func (s *Server) handleListProcessors(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	g, ok := s.groups[r.PathValue("id")]
	if !ok {
		s.mu.Unlock()
		notFound(w)
		return
	}
	list := make([]map[string]any, 0, len(g.Processors))
	for _, p := range g.Processors {
		list = append(list, processorJSON(p))
	}
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"processors": list})
}

func (s *Server) handleGetProcessor(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	p, ok := s.processors[r.PathValue("id")]
	if !ok {
		s.mu.Unlock()
		notFound(w)
		return
	}
	resp := processorJSON(p)
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSetProcessor(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Revision struct {
			Version int64 `json:"version"`
		} `json:"revision"`
		State string `json:"state"`
	}
	if !decode(w, r, &req) {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.processors[r.PathValue("id")]
	if !ok {
		notFound(w)
		return
	}
	if req.Revision.Version != p.Version {
		staleRevision(w, p.Version)
		return
	}
	p.State = req.State
	p.Version++
	writeJSON(w, http.StatusOK, processorJSON(p))
}

func (s *Server) handleListConnections(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	g, ok := s.groups[r.PathValue("id")]
	if !ok {
		s.mu.Unlock()
		notFound(w)
		return
	}
	list := make([]map[string]any, 0, len(g.Connections))
	for _, id := range g.Connections {
		list = append(list, map[string]any{"id": id, "revision": map[string]any{"version": 0}})
	}
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"connections": list})
}

func (s *Server) handleDrop(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	connID := r.PathValue("id")
	for _, g := range s.groups {
		for _, id := range g.Connections {
			if id == connID {
				g.Dropped = append(g.Dropped, connID)
				writeJSON(w, http.StatusAccepted, map[string]any{"dropRequest": map[string]any{"id": uuid.NewString()}})
				return
			}
		}
	}
	notFound(w)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	g, ok := s.groups[r.PathValue("id")]
	if !ok {
		s.mu.Unlock()
		notFound(w)
		return
	}
	count := 0
	if n := len(g.queueCounts); n > 0 {
		idx := g.polls
		if idx >= n {
			idx = n - 1
		}
		count = g.queueCounts[idx]
	}
	g.polls++
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{
		"processGroupStatus": map[string]any{
			"id": g.ID,
			"aggregateSnapshot": map[string]any{
				"flowFilesQueued": count,
			},
		},
	})
}

func (s *Server) handleGetGroup(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	g, ok := s.groups[r.PathValue("id")]
	if !ok {
		s.mu.Unlock()
		notFound(w)
		return
	}
	resp := map[string]any{
		"id":        g.ID,
		"revision":  map[string]any{"version": g.Version},
		"component": map[string]any{"id": g.ID, "name": "flow"},
	}
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleDeleteGroup(w http.ResponseWriter, r *http.Request) {
	version, err := strconv.ParseInt(r.URL.Query().Get("version"), 10, 64)
	if err != nil {
		http.Error(w, "version is required", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.groups[r.PathValue("id")]
	if !ok {
		notFound(w)
		return
	}
	if version != g.Version {
		staleRevision(w, g.Version)
		return
	}
	for _, p := range g.Processors {
		if p.State == "RUNNING" {
			http.Error(w, "Cannot delete a process group with running components", http.StatusConflict)
			return
		}
	}
	for _, svc := range s.services {
		if svc.ParentGroupID == g.ID && (svc.State == "ENABLED" || svc.State == "ENABLING") {
			http.Error(w, "Cannot delete a process group with enabled services", http.StatusConflict)
			return
		}
	}
	for id, svc := range s.services {
		if svc.ParentGroupID == g.ID {
			delete(s.services, id)
		}
	}
	for _, p := range g.Processors {
		delete(s.processors, p.ID)
	}
	delete(s.groups, g.ID)
	s.deletedGroups = append(s.deletedGroups, g.ID)
	writeJSON(w, http.StatusOK, map[string]any{"id": g.ID})
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func notFound(w http.ResponseWriter) {
	http.Error(w, "Unable to find component", http.StatusNotFound)
}

func staleRevision(w http.ResponseWriter, current int64) {
	http.Error(w, fmt.Sprintf("Revision is not current, expected version %d", current), http.StatusConflict)
}
