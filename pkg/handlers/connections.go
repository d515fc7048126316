package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-ingest/pkg/models"
	"github.com/ekaya-inc/ekaya-ingest/pkg/nifi"
	"github.com/ekaya-inc/ekaya-ingest/pkg/services"
)

// CreateConnectionRequest for POST body.
type CreateConnectionRequest struct {
	Name       string         `json:"connection_name"`
	SourceType string         `json:"source_type"`
	Properties map[string]any `json:"connection_properties"`
}

// ListConnectionsResponse wraps the connection array.
type ListConnectionsResponse struct {
	Connections []*models.Connection `json:"connections"`
}

// ListDatasetsResponse wraps the dataset results of one connection.
type ListDatasetsResponse struct {
	Datasets []models.DatasetResult `json:"datasets"`
}

// ConnectionsHandler handles connection lifecycle requests.
type ConnectionsHandler struct {
	service services.ConnectionService
	logger  *zap.Logger
}

// NewConnectionsHandler creates a new connections handler.
func NewConnectionsHandler(service services.ConnectionService, logger *zap.Logger) *ConnectionsHandler {
	return &ConnectionsHandler{
		service: service,
		logger:  logger,
	}
}

// RegisterRoutes registers the connections handler's routes on the given mux.
func (h *ConnectionsHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/connections", h.List)
	mux.HandleFunc("POST /api/connections", h.Create)
	mux.HandleFunc("GET /api/connections/{id}", h.Get)
	mux.HandleFunc("DELETE /api/connections/{id}", h.Delete)
	mux.HandleFunc("GET /api/connections/{id}/datasets", h.ListDatasets)
}

// Create handles POST /api/connections
// Provisions the flow synchronously. A provisioning failure still answers 201
// with the Failed record; a rejected flow engine login answers 502.
func (h *ConnectionsHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req CreateConnectionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		if err := ErrorResponse(w, http.StatusBadRequest, "invalid_request", "Invalid request body"); err != nil {
			h.logger.Error("Failed to write error response", zap.Error(err))
		}
		return
	}

	if req.SourceType == "" {
		if err := ErrorResponse(w, http.StatusBadRequest, "missing_source_type", "Source type is required"); err != nil {
			h.logger.Error("Failed to write error response", zap.Error(err))
		}
		return
	}

	conn, err := h.service.Create(r.Context(), req.Name, req.SourceType, req.Properties)
	if err != nil {
		var authErr *nifi.AuthError
		switch {
		case conn != nil && errors.As(err, &authErr):
			h.logger.Warn("Flow engine rejected credentials",
				zap.String("connection_id", conn.ID.String()),
				zap.Error(err))
			response := ApiResponse{
				Success: false,
				Data:    conn,
				Error:   "flow_engine_auth_failed",
				Message: "The flow engine rejected the configured credentials",
			}
			if err := WriteJSON(w, http.StatusBadGateway, response); err != nil {
				h.logger.Error("Failed to write response", zap.Error(err))
			}
		case conn != nil && services.IsProvisionFailure(err):
			h.logger.Warn("Connection created in Failed state",
				zap.String("connection_id", conn.ID.String()),
				zap.Error(err))
			writeData(w, h.logger, http.StatusCreated, conn)
		default:
			writeServiceError(w, h.logger, err, "Failed to create connection")
		}
		return
	}

	writeData(w, h.logger, http.StatusCreated, conn)
}

// List handles GET /api/connections
func (h *ConnectionsHandler) List(w http.ResponseWriter, r *http.Request) {
	conns, err := h.service.List(r.Context())
	if err != nil {
		writeServiceError(w, h.logger, err, "Failed to list connections")
		return
	}
	if conns == nil {
		conns = []*models.Connection{}
	}
	writeData(w, h.logger, http.StatusOK, ListConnectionsResponse{Connections: conns})
}

// Get handles GET /api/connections/{id}
func (h *ConnectionsHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := ParseConnectionID(w, r, h.logger)
	if !ok {
		return
	}

	conn, err := h.service.Get(r.Context(), id)
	if err != nil {
		writeServiceError(w, h.logger, err, "Failed to get connection")
		return
	}
	writeData(w, h.logger, http.StatusOK, conn)
}

// Delete handles DELETE /api/connections/{id}
// Stops monitoring, removes a still-running flow and deletes the record.
func (h *ConnectionsHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := ParseConnectionID(w, r, h.logger)
	if !ok {
		return
	}

	if err := h.service.Delete(r.Context(), id); err != nil {
		writeServiceError(w, h.logger, err, "Failed to delete connection")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListDatasets handles GET /api/connections/{id}/datasets
func (h *ConnectionsHandler) ListDatasets(w http.ResponseWriter, r *http.Request) {
	id, ok := ParseConnectionID(w, r, h.logger)
	if !ok {
		return
	}

	results, err := h.service.ListDatasets(r.Context(), id)
	if err != nil {
		writeServiceError(w, h.logger, err, "Failed to list datasets")
		return
	}
	if results == nil {
		results = []models.DatasetResult{}
	}
	writeData(w, h.logger, http.StatusOK, ListDatasetsResponse{Datasets: results})
}
