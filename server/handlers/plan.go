package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// PlanHandler returns the process graph an operation would run, without
// running it.
//
//	GET /api/topologies/{id}/plan?operation=stop
type PlanHandler struct {
	ops Operations
}

// NewPlanHandler creates a new PlanHandler.
func NewPlanHandler(ops Operations) *PlanHandler {
	return &PlanHandler{ops: ops}
}

// ServeHTTP implements http.Handler.
func (h *PlanHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	op, err := parseOperation(r.URL.Query().Get("operation"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}

	g, err := h.ops.Plan(r.Context(), chi.URLParam(r, "id"), op)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}
