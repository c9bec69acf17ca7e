package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nomis52/goactivate/logging"
)

// LogsHandler returns the handler logs captured for an operation. Logs of a
// running operation come from the collector; once archived they come from
// history.
type LogsHandler struct {
	ops     Operations
	logs    LogProvider
	history HistoryProvider
}

// NewLogsHandler creates a new LogsHandler.
func NewLogsHandler(ops Operations, logs LogProvider, history HistoryProvider) *LogsHandler {
	return &LogsHandler{ops: ops, logs: logs, history: history}
}

// ServeHTTP implements http.Handler.
func (h *LogsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if entries := h.logs.Entries(id); entries != nil {
		writeJSON(w, http.StatusOK, entries)
		return
	}
	if record, ok := h.history.Get(id); ok {
		writeJSON(w, http.StatusOK, nonNil(record.Logs))
		return
	}
	if _, err := h.ops.Status(id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, []logging.Entry{})
}

func nonNil(entries []logging.Entry) []logging.Entry {
	if entries == nil {
		return []logging.Entry{}
	}
	return entries
}
