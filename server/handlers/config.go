package handlers

import (
	"log/slog"
	"net/http"

	"gopkg.in/yaml.v3"
)

// ConfigHandler serves the running configuration with credentials blanked.
// It answers in YAML, the format the file is written in, unless
// ?format=json is given.
type ConfigHandler struct {
	provider ConfigProvider
}

// NewConfigHandler creates a new ConfigHandler.
func NewConfigHandler(provider ConfigProvider) *ConfigHandler {
	return &ConfigHandler{provider: provider}
}

// ServeHTTP implements http.Handler.
func (h *ConfigHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	cfg := h.provider.Config().Redacted()

	switch r.URL.Query().Get("format") {
	case "", "yaml":
		w.Header().Set("Content-Type", "application/yaml")
		w.WriteHeader(http.StatusOK)
		enc := yaml.NewEncoder(w)
		defer enc.Close()
		if err := enc.Encode(cfg); err != nil {
			slog.Error("failed to encode config", "error", err)
		}
	case "json":
		writeJSON(w, http.StatusOK, cfg)
	default:
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "format must be yaml or json"})
	}
}
