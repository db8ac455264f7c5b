package handlers

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/Studio-Elephant-and-Rope/steward/internal/api/dto"
	"github.com/Studio-Elephant-and-Rope/steward/internal/core/domain"
	"github.com/Studio-Elephant-and-Rope/steward/internal/core/ports"
	"github.com/Studio-Elephant-and-Rope/steward/internal/core/services"
	"github.com/Studio-Elephant-and-Rope/steward/internal/logging"
	"github.com/Studio-Elephant-and-Rope/steward/internal/orchestrator"
	"github.com/Studio-Elephant-and-Rope/steward/internal/replay"
)

// CandidateGenerator creates and reads incident candidates.
type CandidateGenerator interface {
	GenerateCandidate(ctx context.Context, req services.CandidateRequest) (*services.CandidateResult, error)
	GetCandidate(ctx context.Context, id string) (*domain.IncidentCandidate, error)
	Decisions(ctx context.Context, candidateID string) ([]*domain.PromotionDecision, error)
}

// CandidateProcessor runs one promotion attempt.
type CandidateProcessor interface {
	ProcessCandidate(ctx context.Context, candidateID string, authority domain.AuthorityContext, now time.Time) (*orchestrator.Outcome, error)
}

// ReplayVerifier re-derives a candidate's chain from its stored evidence.
type ReplayVerifier interface {
	Verify(ctx context.Context, candidateID string) (*replay.Report, error)
}

// CandidateHandler serves candidate generation, promotion and replay.
type CandidateHandler struct {
	candidates CandidateGenerator
	processor  CandidateProcessor
	verifier   ReplayVerifier
	clock      ports.Clock
	logger     *logging.Logger
}

// NewCandidateHandler creates a candidate handler. A nil clock selects the
// system clock.
func NewCandidateHandler(candidates CandidateGenerator, processor CandidateProcessor, verifier ReplayVerifier, clock ports.Clock, logger *logging.Logger) (*CandidateHandler, error) {
	switch {
	case candidates == nil:
		return nil, fmt.Errorf("candidate service cannot be nil")
	case processor == nil:
		return nil, fmt.Errorf("orchestrator cannot be nil")
	case verifier == nil:
		return nil, fmt.Errorf("replay verifier cannot be nil")
	case logger == nil:
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if clock == nil {
		clock = ports.SystemClock()
	}
	return &CandidateHandler{
		candidates: candidates,
		processor:  processor,
		verifier:   verifier,
		clock:      clock,
		logger:     logger.WithComponent("candidate_handler"),
	}, nil
}

// RegisterRoutes registers:
//   - POST /api/v1/candidates              - generate a candidate
//   - GET  /api/v1/candidates/{id}         - candidate with its decisions
//   - POST /api/v1/candidates/{id}/promote - run a promotion attempt
//   - GET  /api/v1/candidates/{id}/replay  - verify the evidence chain
func (h *CandidateHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1/candidates", func(r chi.Router) {
		// @Summary Generate a candidate from stored detections
		// @Param request body dto.GenerateCandidateRequest true "Detection selection"
		// @Success 201 {object} dto.CandidateResponse
		// @Success 200 {object} dto.CandidateResponse "Candidate already existed"
		// @Router /api/v1/candidates [post]
		r.Post("/", h.GenerateCandidate)

		// @Summary Get a candidate and its promotion decisions
		// @Success 200 {object} dto.CandidateDetailResponse
		// @Failure 404 {object} dto.ErrorResponse
		// @Router /api/v1/candidates/{id} [get]
		r.Get("/{id}", h.GetCandidate)

		// @Summary Evaluate a candidate for promotion
		// @Param request body dto.PromoteRequest true "Authority"
		// @Success 200 {object} dto.PromoteResponse
		// @Failure 400 {object} dto.ErrorResponse "Invalid authority or justification"
		// @Router /api/v1/candidates/{id}/promote [post]
		r.Post("/{id}/promote", h.Promote)

		// @Summary Verify a candidate's evidence chain
		// @Success 200 {object} dto.ReplayResponse
		// @Failure 422 {object} dto.ReplayResponse "Chain broken"
		// @Router /api/v1/candidates/{id}/replay [get]
		r.Get("/{id}/replay", h.Replay)
	})
}

// GenerateCandidate handles POST /api/v1/candidates.
func (h *CandidateHandler) GenerateCandidate(w http.ResponseWriter, r *http.Request) {
	logger := requestLogger(h.logger, r)

	var req dto.GenerateCandidateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, logger, err)
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, r, logger, err)
		return
	}

	result, err := h.candidates.GenerateCandidate(r.Context(), req.ToCandidateRequest())
	if err != nil {
		writeError(w, r, logger, err)
		return
	}

	status := http.StatusOK
	if result.Created {
		status = http.StatusCreated
	}
	logger.WithCandidate(result.Candidate.ID).Info("Candidate generated",
		"created", result.Created,
		"band", string(result.Candidate.Band))
	writeJSON(w, logger, status, dto.FromCandidateResult(result))
}

// GetCandidate handles GET /api/v1/candidates/{id}.
func (h *CandidateHandler) GetCandidate(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	logger := requestLogger(h.logger, r).WithCandidate(id)

	candidate, err := h.candidates.GetCandidate(r.Context(), id)
	if err != nil {
		writeError(w, r, logger, err)
		return
	}
	decisions, err := h.candidates.Decisions(r.Context(), id)
	if err != nil {
		writeError(w, r, logger, err)
		return
	}
	if decisions == nil {
		decisions = []*domain.PromotionDecision{}
	}
	writeJSON(w, logger, http.StatusOK, &dto.CandidateDetailResponse{Candidate: candidate, Decisions: decisions})
}

// Promote handles POST /api/v1/candidates/{id}/promote.
//
// Every evaluated attempt answers 200, including REJECT and DEFER; the
// outcome is in the decision. Authority and justification failures answer
// 400 and trust failures 403.
func (h *CandidateHandler) Promote(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	logger := requestLogger(h.logger, r).WithCandidate(id)

	var req dto.PromoteRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, logger, err)
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, r, logger, err)
		return
	}

	outcome, err := h.processor.ProcessCandidate(r.Context(), id, req.ToAuthority(), h.clock.Now())
	if err != nil {
		writeError(w, r, logger, err)
		return
	}
	writeJSON(w, logger, http.StatusOK, dto.FromOutcome(outcome))
}

// Replay handles GET /api/v1/candidates/{id}/replay.
func (h *CandidateHandler) Replay(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	logger := requestLogger(h.logger, r).WithCandidate(id)

	report, err := h.verifier.Verify(r.Context(), id)
	if err != nil {
		if report != nil && domain.IsCode(err, domain.CodeReplayIntegrityViolation) {
			logger.WithError(err).Warn("Replay integrity violation")
			writeJSON(w, logger, http.StatusUnprocessableEntity, &dto.ReplayResponse{Report: report, Error: err.Error()})
			return
		}
		writeError(w, r, logger, err)
		return
	}
	writeJSON(w, logger, http.StatusOK, &dto.ReplayResponse{Report: report})
}
