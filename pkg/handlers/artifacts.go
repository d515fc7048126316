package handlers

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-ingest/pkg/storage"
)

// ListArtifactsResponse wraps the artifact listing.
type ListArtifactsResponse struct {
	Backend   string             `json:"backend"`
	Artifacts []storage.Artifact `json:"artifacts"`
}

// ArtifactsHandler lists what ingestion wrote to storage.
type ArtifactsHandler struct {
	store  storage.Store
	logger *zap.Logger
}

// NewArtifactsHandler creates a new artifacts handler.
func NewArtifactsHandler(store storage.Store, logger *zap.Logger) *ArtifactsHandler {
	return &ArtifactsHandler{store: store, logger: logger}
}

// RegisterRoutes registers the artifacts handler's routes on the given mux.
func (h *ArtifactsHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/artifacts", h.List)
}

// List handles GET /api/artifacts?prefix=/DataLake/sales
func (h *ArtifactsHandler) List(w http.ResponseWriter, r *http.Request) {
	artifacts, err := h.store.List(r.Context(), r.URL.Query().Get("prefix"))
	if err != nil {
		writeServiceError(w, h.logger, err, "Failed to list artifacts")
		return
	}
	if artifacts == nil {
		artifacts = []storage.Artifact{}
	}
	writeData(w, h.logger, http.StatusOK, ListArtifactsResponse{
		Backend:   h.store.Backend(),
		Artifacts: artifacts,
	})
}
