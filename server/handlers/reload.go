package handlers

import (
	"log/slog"
	"net/http"
)

// ReloadResponse lists the topologies saved by a reload. Files that failed
// to load are reported in Error and leave their stored topology unchanged.
type ReloadResponse struct {
	Loaded []string `json:"loaded"`
	Error  string   `json:"error,omitempty"`
}

// ReloadHandler re-reads the topology documents into the store. Operations
// already running keep the topology they were planned with.
type ReloadHandler struct {
	logger   *slog.Logger
	reloader Reloader
}

// NewReloadHandler creates a new ReloadHandler.
func NewReloadHandler(logger *slog.Logger, reloader Reloader) *ReloadHandler {
	return &ReloadHandler{logger: logger, reloader: reloader}
}

// ServeHTTP implements http.Handler.
func (h *ReloadHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	loaded, err := h.reloader.ReloadTopologies(r.Context())
	resp := ReloadResponse{Loaded: loaded}
	if resp.Loaded == nil {
		resp.Loaded = []string{}
	}
	if err != nil {
		h.logger.Error("topology reload incomplete", "loaded", loaded, "error", err)
		resp.Error = err.Error()
		writeJSON(w, http.StatusInternalServerError, resp)
		return
	}
	h.logger.Info("topologies reloaded", "loaded", loaded)
	writeJSON(w, http.StatusOK, resp)
}
