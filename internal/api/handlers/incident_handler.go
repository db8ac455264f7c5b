package handlers

import (
	"context"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/Studio-Elephant-and-Rope/steward/internal/api/dto"
	"github.com/Studio-Elephant-and-Rope/steward/internal/core/domain"
	"github.com/Studio-Elephant-and-Rope/steward/internal/core/ports"
	"github.com/Studio-Elephant-and-Rope/steward/internal/core/services"
	"github.com/Studio-Elephant-and-Rope/steward/internal/logging"
)

// IncidentManager reads and transitions incidents.
type IncidentManager interface {
	GetIncident(ctx context.Context, id string) (*domain.Incident, error)
	ListIncidents(ctx context.Context, filter ports.ListFilter) (*ports.ListResult, error)
	Transition(ctx context.Context, req services.TransitionRequest) (*domain.Incident, error)
	Approve(ctx context.Context, id string, expectedVersion int, actor string) (*domain.Incident, error)
}

// IncidentHandler handles HTTP requests for incident operations.
//
// Incidents are never created over HTTP; they are materialized by the
// promotion path. This handler reads them and drives the state machine.
type IncidentHandler struct {
	incidents IncidentManager
	logger    *logging.Logger
}

// NewIncidentHandler creates a new incident handler.
//
// Returns an error if either service or logger is nil.
func NewIncidentHandler(incidents IncidentManager, logger *logging.Logger) (*IncidentHandler, error) {
	if incidents == nil {
		return nil, fmt.Errorf("incident service cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	return &IncidentHandler{incidents: incidents, logger: logger.WithComponent("incident_handler")}, nil
}

// RegisterRoutes registers all incident routes.
//
// Registered routes:
//   - GET  /api/v1/incidents                   - List incidents
//   - GET  /api/v1/incidents/{id}              - Get incident
//   - POST /api/v1/incidents/{id}/transitions  - Change status
//   - POST /api/v1/incidents/{id}/approve      - Approve a PENDING incident
func (h *IncidentHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1/incidents", func(r chi.Router) {
		// @Summary List incidents
		// @Param status query string false "Filter by status (comma-separated)"
		// @Param severity query string false "Filter by severity (comma-separated)"
		// @Param service query string false "Filter by service"
		// @Param correlation_key query string false "Filter by correlation key"
		// @Param created_after query string false "RFC 3339 lower bound"
		// @Param created_before query string false "RFC 3339 upper bound"
		// @Param limit query int false "Maximum number of results (1-1000)" default(50)
		// @Param offset query int false "Number of results to skip" default(0)
		// @Param sort_by query string false "Field to sort by" default(created_at) Enums(created_at,updated_at,severity,status)
		// @Param sort_order query string false "Sort direction" default(desc) Enums(asc,desc)
		// @Success 200 {object} dto.ListIncidentsResponse
		// @Router /api/v1/incidents [get]
		r.Get("/", h.ListIncidents)

		// @Summary Get an incident by ID
		// @Success 200 {object} dto.IncidentResponse
		// @Failure 404 {object} dto.ErrorResponse "Incident not found"
		// @Router /api/v1/incidents/{id} [get]
		r.Get("/{id}", h.GetIncident)

		// @Summary Transition an incident
		// @Param transition body dto.TransitionRequest true "Target status"
		// @Success 200 {object} dto.IncidentResponse
		// @Failure 409 {object} dto.ErrorResponse "Stale version or illegal transition"
		// @Router /api/v1/incidents/{id}/transitions [post]
		r.Post("/{id}/transitions", h.Transition)

		// @Summary Approve a pending incident
		// @Param approval body dto.ApproveRequest true "Approver"
		// @Success 200 {object} dto.IncidentResponse
		// @Failure 409 {object} dto.ErrorResponse "Not pending or stale version"
		// @Router /api/v1/incidents/{id}/approve [post]
		r.Post("/{id}/approve", h.Approve)
	})
}

// GetIncident handles GET /api/v1/incidents/{id}.
func (h *IncidentHandler) GetIncident(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	logger := requestLogger(h.logger, r).WithIncident(id)

	incident, err := h.incidents.GetIncident(r.Context(), id)
	if err != nil {
		writeError(w, r, logger, err)
		return
	}
	writeJSON(w, logger, http.StatusOK, dto.FromIncident(incident))
}

// ListIncidents handles GET /api/v1/incidents.
func (h *IncidentHandler) ListIncidents(w http.ResponseWriter, r *http.Request) {
	logger := requestLogger(h.logger, r)

	filter, err := dto.ParseListFilter(r.URL.Query())
	if err != nil {
		writeError(w, r, logger, err)
		return
	}

	result, err := h.incidents.ListIncidents(r.Context(), filter)
	if err != nil {
		writeError(w, r, logger, err)
		return
	}
	writeJSON(w, logger, http.StatusOK, dto.FromListResult(result))
}

// Transition handles POST /api/v1/incidents/{id}/transitions.
func (h *IncidentHandler) Transition(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	logger := requestLogger(h.logger, r).WithIncident(id)

	var req dto.TransitionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, logger, err)
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, r, logger, err)
		return
	}

	incident, err := h.incidents.Transition(r.Context(), req.ToTransitionRequest(id))
	if err != nil {
		writeError(w, r, logger, err)
		return
	}
	writeJSON(w, logger, http.StatusOK, dto.FromIncident(incident))
}

// Approve handles POST /api/v1/incidents/{id}/approve.
func (h *IncidentHandler) Approve(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	logger := requestLogger(h.logger, r).WithIncident(id)

	var req dto.ApproveRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, logger, err)
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, r, logger, err)
		return
	}

	incident, err := h.incidents.Approve(r.Context(), id, req.ExpectedVersion, req.Actor)
	if err != nil {
		writeError(w, r, logger, err)
		return
	}
	writeJSON(w, logger, http.StatusOK, dto.FromIncident(incident))
}
