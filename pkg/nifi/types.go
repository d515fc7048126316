package nifi

import "sort"

// Token is a bearer token issued by the access endpoint.
type Token string

// Component run states used by the flow engine.
const (
	StateRunning   = "RUNNING"
	StateStopped   = "STOPPED"
	StateEnabled   = "ENABLED"
	StateEnabling  = "ENABLING"
	StateDisabled  = "DISABLED"
	StateDisabling = "DISABLING"
)

// DBCPConnectionPoolType is the controller service type that stores a database password.
const DBCPConnectionPoolType = "org.apache.nifi.dbcp.DBCPConnectionPool"

// Revision is the optimistic-concurrency token every mutation must carry.
type Revision struct {
	Version  int64  `json:"version"`
	ClientID string `json:"clientId,omitempty"`
}

// VariableRegistry is a process group's variables together with the group revision.
type VariableRegistry struct {
	GroupID   string
	Revision  Revision
	Variables map[string]string
}

// ControllerService is one entry of a controller-service listing.
type ControllerService struct {
	ID            string                     `json:"id"`
	ParentGroupID string                     `json:"parentGroupId"`
	Revision      Revision                   `json:"revision"`
	Component     ControllerServiceComponent `json:"component"`
}

// ControllerServiceComponent holds the configurable part of a controller service.
type ControllerServiceComponent struct {
	ID            string             `json:"id"`
	ParentGroupID string             `json:"parentGroupId,omitempty"`
	Name          string             `json:"name,omitempty"`
	Type          string             `json:"type,omitempty"`
	State         string             `json:"state,omitempty"`
	Properties    map[string]*string `json:"properties,omitempty"`
}

// GroupID returns the owning process group, preferring the entity-level field.
func (s ControllerService) GroupID() string {
	if s.ParentGroupID != "" {
		return s.ParentGroupID
	}
	return s.Component.ParentGroupID
}

// CarriesCredential reports whether the service type stores a password property.
func (s ControllerService) CarriesCredential() bool {
	return s.Component.Type == DBCPConnectionPoolType
}

// FilterByParentGroup keeps only services owned directly by groupID.
// Listings include services inherited from ancestor groups, which must never be touched.
func FilterByParentGroup(services []ControllerService, groupID string) []ControllerService {
	scoped := make([]ControllerService, 0, len(services))
	for _, svc := range services {
		if svc.GroupID() == groupID {
			scoped = append(scoped, svc)
		}
	}
	return scoped
}

// Processor is one processor of a process group.
type Processor struct {
	ID        string             `json:"id"`
	Revision  Revision           `json:"revision"`
	Component ProcessorComponent `json:"component"`
}

// ProcessorComponent holds the processor's name and run state.
type ProcessorComponent struct {
	ID    string `json:"id"`
	Name  string `json:"name,omitempty"`
	State string `json:"state,omitempty"`
}

// FlowConnection is a queue between two components of a process group.
type FlowConnection struct {
	ID       string   `json:"id"`
	Revision Revision `json:"revision"`
}

// ProcessGroup is the subset of a process group entity needed for deletion.
type ProcessGroup struct {
	ID        string   `json:"id"`
	Revision  Revision `json:"revision"`
	Component struct {
		Name string `json:"name,omitempty"`
	} `json:"component"`
}

// Wire envelopes.

type variableEntry struct {
	Variable struct {
		Name  string `json:"name"`
		Value string `json:"value"`
	} `json:"variable"`
}

type variableRegistryEntity struct {
	ProcessGroupRevision Revision `json:"processGroupRevision"`
	VariableRegistry     struct {
		ProcessGroupID string          `json:"processGroupId"`
		Variables      []variableEntry `json:"variables"`
	} `json:"variableRegistry"`
}

type templateInstanceRequest struct {
	OriginX    float64 `json:"originX"`
	OriginY    float64 `json:"originY"`
	TemplateID string  `json:"templateId"`
}

type flowEntity struct {
	Flow struct {
		ProcessGroups []struct {
			ID string `json:"id"`
		} `json:"processGroups"`
	} `json:"flow"`
}

type controllerServicesEntity struct {
	ControllerServices []ControllerService `json:"controllerServices"`
}

type controllerServiceUpdate struct {
	Revision  Revision                      `json:"revision"`
	Component controllerServiceUpdateFields `json:"component"`
}

type controllerServiceUpdateFields struct {
	ID         string            `json:"id"`
	State      string            `json:"state,omitempty"`
	Properties map[string]string `json:"properties,omitempty"`
}

type scheduleComponentsRequest struct {
	ID    string `json:"id"`
	State string `json:"state"`
}

type processorsEntity struct {
	Processors []Processor `json:"processors"`
}

type runStatusRequest struct {
	Revision Revision `json:"revision"`
	State    string   `json:"state"`
}

type connectionsEntity struct {
	Connections []FlowConnection `json:"connections"`
}

type processGroupStatusEntity struct {
	ProcessGroupStatus struct {
		AggregateSnapshot struct {
			FlowFilesQueued int `json:"flowFilesQueued"`
		} `json:"aggregateSnapshot"`
	} `json:"processGroupStatus"`
}

// sortedKeys keeps variable registry payloads deterministic.
func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
