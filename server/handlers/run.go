package handlers

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// RunHandler submits an operation on a topology.
//
//	POST /api/topologies/{id}/{operation}
//
// Responds 202 with the initial status; the operation runs in the
// background.
type RunHandler struct {
	logger *slog.Logger
	ops    Operations
}

// NewRunHandler creates a new RunHandler.
func NewRunHandler(logger *slog.Logger, ops Operations) *RunHandler {
	return &RunHandler{logger: logger, ops: ops}
}

// ServeHTTP implements http.Handler.
func (h *RunHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	topologyID := chi.URLParam(r, "id")
	op, err := parseOperation(chi.URLParam(r, "operation"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}

	status, err := h.ops.Run(topologyID, op)
	if err != nil {
		h.logger.Warn("operation rejected", "topology", topologyID, "operation", op, "error", err)
		writeError(w, err)
		return
	}
	h.logger.Info("operation submitted", "id", status.ID, "topology", topologyID, "operation", op)
	writeJSON(w, http.StatusAccepted, status)
}
