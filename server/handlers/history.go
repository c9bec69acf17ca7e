package handlers

import (
	"net/http"

	"github.com/nomis52/goactivate/orchestrator"
)

// HistoryHandler handles requests for the archived operations.
type HistoryHandler struct {
	provider HistoryProvider
}

// NewHistoryHandler creates a new HistoryHandler.
func NewHistoryHandler(provider HistoryProvider) *HistoryHandler {
	return &HistoryHandler{
		provider: provider,
	}
}

// ServeHTTP implements http.Handler.
func (h *HistoryHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	statuses := h.provider.List()
	if statuses == nil {
		statuses = []orchestrator.AggregateStatus{}
	}
	writeJSON(w, http.StatusOK, statuses)
}
