package handlers

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-ingest/pkg/services/workqueue"
)

// ListTasksResponse wraps the background task snapshots.
type ListTasksResponse struct {
	Tasks    []workqueue.TaskSnapshot `json:"tasks"`
	Progress workqueue.Progress       `json:"progress"`
}

// TasksHandler exposes the monitor and ingestion tasks.
type TasksHandler struct {
	queue  *workqueue.Queue
	logger *zap.Logger
}

// NewTasksHandler creates a new tasks handler.
func NewTasksHandler(queue *workqueue.Queue, logger *zap.Logger) *TasksHandler {
	return &TasksHandler{queue: queue, logger: logger}
}

// RegisterRoutes registers the tasks handler's routes on the given mux.
func (h *TasksHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/tasks", h.List)
}

// List handles GET /api/tasks
func (h *TasksHandler) List(w http.ResponseWriter, r *http.Request) {
	writeData(w, h.logger, http.StatusOK, ListTasksResponse{
		Tasks:    h.queue.GetTasks(),
		Progress: h.queue.Progress(),
	})
}
