package handlers

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-ingest/pkg/adapters/datasource"
	"github.com/ekaya-inc/ekaya-ingest/pkg/services"
)

// ListSourcesResponse wraps the registered source types.
type ListSourcesResponse struct {
	Sources []datasource.SourceInfo `json:"sources"`
}

// ListTablesRequest carries the connection properties to introspect with.
type ListTablesRequest struct {
	Properties map[string]any `json:"connection_properties"`
}

// ListTablesResponse wraps the table names of a source.
type ListTablesResponse struct {
	Tables []string `json:"tables"`
}

// SourcesHandler serves source type discovery and introspection.
type SourcesHandler struct {
	service services.ConnectionService
	logger  *zap.Logger
}

// NewSourcesHandler creates a new sources handler.
func NewSourcesHandler(service services.ConnectionService, logger *zap.Logger) *SourcesHandler {
	return &SourcesHandler{service: service, logger: logger}
}

// RegisterRoutes registers the sources handler's routes on the given mux.
func (h *SourcesHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/sources", h.List)
	mux.HandleFunc("POST /api/sources/{type}/tables", h.ListTables)
}

// List handles GET /api/sources
func (h *SourcesHandler) List(w http.ResponseWriter, r *http.Request) {
	writeData(w, h.logger, http.StatusOK, ListSourcesResponse{Sources: datasource.RegisteredSources()})
}

// ListTables handles POST /api/sources/{type}/tables
// Connects to the source with the posted properties and lists its tables.
func (h *SourcesHandler) ListTables(w http.ResponseWriter, r *http.Request) {
	var req ListTablesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		if err := ErrorResponse(w, http.StatusBadRequest, "invalid_request", "Invalid request body"); err != nil {
			h.logger.Error("Failed to write error response", zap.Error(err))
		}
		return
	}

	tables, err := h.service.ListTables(r.Context(), r.PathValue("type"), req.Properties)
	if err != nil {
		writeServiceError(w, h.logger, err, "Failed to list tables")
		return
	}
	if tables == nil {
		tables = []string{}
	}
	writeData(w, h.logger, http.StatusOK, ListTablesResponse{Tables: tables})
}
