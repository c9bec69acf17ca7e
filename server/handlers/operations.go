package handlers

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nomis52/goactivate/orchestrator"
)

// OperationsHandler lists the operations of this process, refreshed.
type OperationsHandler struct {
	ops Operations
}

// NewOperationsHandler creates a new OperationsHandler.
func NewOperationsHandler(ops Operations) *OperationsHandler {
	return &OperationsHandler{ops: ops}
}

// ServeHTTP implements http.Handler.
func (h *OperationsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	statuses := h.ops.RefreshAll(r.Context())
	if statuses == nil {
		statuses = []orchestrator.AggregateStatus{}
	}
	writeJSON(w, http.StatusOK, statuses)
}

// OperationHandler returns one operation. Operations from earlier runs of
// the server are served from history.
type OperationHandler struct {
	ops     Operations
	history HistoryProvider
}

// NewOperationHandler creates a new OperationHandler.
func NewOperationHandler(ops Operations, history HistoryProvider) *OperationHandler {
	return &OperationHandler{ops: ops, history: history}
}

// ServeHTTP implements http.Handler.
func (h *OperationHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	status, err := h.ops.Refresh(r.Context(), id)
	if errors.Is(err, orchestrator.ErrUnknownRequest) {
		if record, ok := h.history.Get(id); ok {
			writeJSON(w, http.StatusOK, record.Status)
			return
		}
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}
