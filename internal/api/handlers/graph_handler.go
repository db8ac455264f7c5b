package handlers

import (
	"context"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/Studio-Elephant-and-Rope/steward/internal/api/dto"
	"github.com/Studio-Elephant-and-Rope/steward/internal/core/domain"
	"github.com/Studio-Elephant-and-Rope/steward/internal/evidence"
	"github.com/Studio-Elephant-and-Rope/steward/internal/logging"
)

// GraphReader loads and verifies evidence graphs.
type GraphReader interface {
	GetGraph(ctx context.Context, detectionID string) (*domain.EvidenceGraph, error)
	VerifyGraph(ctx context.Context, graph *domain.EvidenceGraph, mode evidence.Mode) evidence.VerificationResult
}

// GraphHandler serves evidence graph inspection.
type GraphHandler struct {
	graphs GraphReader
	logger *logging.Logger
}

// NewGraphHandler creates a graph handler.
func NewGraphHandler(graphs GraphReader, logger *logging.Logger) (*GraphHandler, error) {
	if graphs == nil {
		return nil, fmt.Errorf("graph service cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	return &GraphHandler{graphs: graphs, logger: logger.WithComponent("graph_handler")}, nil
}

// RegisterRoutes registers:
//   - GET /api/v1/detections/{id}/graph?mode=structural|referential
func (h *GraphHandler) RegisterRoutes(r chi.Router) {
	// @Summary Get and verify a detection's evidence graph
	// @Param mode query string false "Verification mode" default(structural) Enums(structural,referential)
	// @Success 200 {object} dto.GraphResponse
	// @Failure 422 {object} dto.GraphResponse "Graph failed verification"
	// @Router /api/v1/detections/{id}/graph [get]
	r.Get("/api/v1/detections/{id}/graph", h.GetGraph)
}

// GetGraph handles GET /api/v1/detections/{id}/graph.
func (h *GraphHandler) GetGraph(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	logger := requestLogger(h.logger, r).WithFields("detection_id", id)

	mode, err := evidence.ParseMode(r.URL.Query().Get("mode"))
	if err != nil {
		writeError(w, r, logger, err)
		return
	}

	graph, err := h.graphs.GetGraph(r.Context(), id)
	if err != nil {
		writeError(w, r, logger, err)
		return
	}

	result := h.graphs.VerifyGraph(r.Context(), graph, mode)
	status := http.StatusOK
	if !result.Valid {
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, logger, status, &dto.GraphResponse{Graph: graph, Verification: result})
}
