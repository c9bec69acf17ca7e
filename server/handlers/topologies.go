package handlers

import (
	"net/http"

	"github.com/nomis52/goactivate/topology"
)

// TopologiesHandler lists the stored topologies as documents.
type TopologiesHandler struct {
	lister TopologyLister
}

// NewTopologiesHandler creates a new TopologiesHandler.
func NewTopologiesHandler(lister TopologyLister) *TopologiesHandler {
	return &TopologiesHandler{lister: lister}
}

// ServeHTTP implements http.Handler.
func (h *TopologiesHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	topologies, err := h.lister.ListTopologies(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	docs := make([]topology.Document, 0, len(topologies))
	for _, t := range topologies {
		docs = append(docs, t.Document())
	}
	writeJSON(w, http.StatusOK, docs)
}
