package handlers

import (
	"net/http"

	"github.com/nomis52/goactivate/server/cron"
)

// SchedulesHandler lists the cron schedules and their next run.
type SchedulesHandler struct {
	provider ScheduleProvider
}

// NewSchedulesHandler creates a new SchedulesHandler.
func NewSchedulesHandler(provider ScheduleProvider) *SchedulesHandler {
	return &SchedulesHandler{provider: provider}
}

// ServeHTTP implements http.Handler.
func (h *SchedulesHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	entries := h.provider.Entries()
	if entries == nil {
		entries = []cron.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}
