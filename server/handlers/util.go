package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/nomis52/goactivate/depgraph"
	"github.com/nomis52/goactivate/lifecycle"
	"github.com/nomis52/goactivate/orchestrator"
	"github.com/nomis52/goactivate/plugin"
	"github.com/nomis52/goactivate/store"
)

// ErrorResponse is returned when an error occurs.
type ErrorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), ErrorResponse{Error: err.Error()})
}

// statusFor maps domain errors to HTTP status codes. Planning errors caused
// by the topology or the handler configuration are unprocessable rather
// than server faults.
func statusFor(err error) int {
	var (
		ambiguous *plugin.ConfigurationError
		unmanaged *plugin.NoHandlerError
		cycle     *depgraph.CyclicDependencyError
	)
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, orchestrator.ErrUnknownRequest):
		return http.StatusNotFound
	case errors.Is(err, orchestrator.ErrOperationInProgress):
		return http.StatusConflict
	case errors.As(err, &ambiguous), errors.As(err, &unmanaged), errors.As(err, &cycle):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// parseOperation parses name, defaulting to activate when empty.
func parseOperation(name string) (lifecycle.Operation, error) {
	if name == "" {
		return lifecycle.OperationActivate, nil
	}
	return lifecycle.ParseOperation(name)
}
