package handlers

import (
	"net/http"
	"time"

	"github.com/nomis52/goactivate/buildinfo"
)

// ServerProperties describes the running server instance.
type ServerProperties struct {
	Build       buildinfo.Properties `json:"build"`
	StartedAt   time.Time            `json:"started_at"`
	Hostname    string               `json:"hostname"`
	StoreDriver string               `json:"store"`
	Parallel    bool                 `json:"parallel"`
}

// HealthResponse is the JSON response for /health.
type HealthResponse struct {
	Status string `json:"status"`
	ServerProperties
	Uptime string `json:"uptime"`
}

// HealthHandler reports that the server is up.
type HealthHandler struct {
	props ServerProperties
	now   func() time.Time
}

// NewHealthHandler creates a new HealthHandler.
func NewHealthHandler(props ServerProperties) *HealthHandler {
	return &HealthHandler{props: props, now: time.Now}
}

// ServeHTTP implements http.Handler.
func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:           "ok",
		ServerProperties: h.props,
		Uptime:           h.now().Sub(h.props.StartedAt).Truncate(time.Second).String(),
	})
}
