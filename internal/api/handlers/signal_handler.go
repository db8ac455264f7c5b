package handlers

import (
	"context"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/Studio-Elephant-and-Rope/steward/internal/api/dto"
	"github.com/Studio-Elephant-and-Rope/steward/internal/core/domain"
	"github.com/Studio-Elephant-and-Rope/steward/internal/core/services"
	"github.com/Studio-Elephant-and-Rope/steward/internal/logging"
)

// SignalIngester stores and evaluates one raw signal.
type SignalIngester interface {
	Ingest(ctx context.Context, signal domain.Signal) (*services.IngestResult, error)
}

// SignalHandler serves signal ingestion.
type SignalHandler struct {
	signals SignalIngester
	logger  *logging.Logger
}

// NewSignalHandler creates a signal handler.
//
// Returns an error if either dependency is nil.
func NewSignalHandler(signals SignalIngester, logger *logging.Logger) (*SignalHandler, error) {
	if signals == nil {
		return nil, fmt.Errorf("signal service cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	return &SignalHandler{signals: signals, logger: logger.WithComponent("signal_handler")}, nil
}

// RegisterRoutes registers:
//   - POST /api/v1/signals - ingest a raw signal
func (h *SignalHandler) RegisterRoutes(r chi.Router) {
	// @Summary Ingest a signal
	// @Accept json
	// @Produce json
	// @Param signal body dto.IngestSignalRequest true "Raw signal"
	// @Success 201 {object} dto.IngestSignalResponse "New signal"
	// @Success 200 {object} dto.IngestSignalResponse "Duplicate signal"
	// @Success 202 {object} dto.IngestSignalResponse "Stored but not normalized"
	// @Failure 400 {object} dto.ErrorResponse "Malformed request body"
	// @Router /api/v1/signals [post]
	r.Post("/api/v1/signals", h.IngestSignal)
}

// IngestSignal handles POST /api/v1/signals.
//
// A new signal answers 201 and a duplicate 200. A signal that was stored but
// failed normalization answers 202 with the classified failure in the body.
func (h *SignalHandler) IngestSignal(w http.ResponseWriter, r *http.Request) {
	logger := requestLogger(h.logger, r)

	var req dto.IngestSignalRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, logger, err)
		return
	}
	result, err := h.signals.Ingest(r.Context(), req.ToSignal())
	if err != nil {
		writeError(w, r, logger, err)
		return
	}

	status := http.StatusCreated
	switch {
	case result.NormalizationError != nil:
		status = http.StatusAccepted
	case result.Duplicate:
		status = http.StatusOK
	}
	writeJSON(w, logger, status, dto.FromIngestResult(result))
}
