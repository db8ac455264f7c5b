package dto

import (
	"time"

	"github.com/Studio-Elephant-and-Rope/steward/internal/core/domain"
	"github.com/Studio-Elephant-and-Rope/steward/internal/core/services"
	"github.com/Studio-Elephant-and-Rope/steward/internal/orchestrator"
)

// GenerateCandidateRequest is the body of POST /api/v1/candidates.
//
// @Description Selects the detections to correlate into a candidate
type GenerateCandidateRequest struct {
	// Service whose detections are correlated
	Service string `json:"service"`

	// WindowStart and WindowEnd bound the detections, inclusive
	WindowStart time.Time `json:"window_start"`
	WindowEnd   time.Time `json:"window_end"`

	// DetectionIDs restricts the candidate to the listed detections
	DetectionIDs []string `json:"detection_ids,omitempty"`
}

// Validate checks that a service and an ordered window are present.
func (r *GenerateCandidateRequest) Validate() error {
	if err := required("service", r.Service); err != nil {
		return err
	}
	if r.WindowStart.IsZero() || r.WindowEnd.IsZero() {
		return domain.Validation("window_start and window_end are required")
	}
	if r.WindowEnd.Before(r.WindowStart) {
		return domain.Validation("window_end must not be before window_start")
	}
	if len(r.DetectionIDs) > domain.MaxCandidateDetections {
		return domain.Validation("at most %d detection_ids are allowed, got %d", domain.MaxCandidateDetections, len(r.DetectionIDs))
	}
	for i, id := range r.DetectionIDs {
		if id == "" {
			return domain.Validation("detection_ids[%d] is empty", i)
		}
	}
	return nil
}

// ToCandidateRequest converts the body into a service request.
func (r *GenerateCandidateRequest) ToCandidateRequest() services.CandidateRequest {
	return services.CandidateRequest{
		Service:      r.Service,
		WindowStart:  r.WindowStart.UTC(),
		WindowEnd:    r.WindowEnd.UTC(),
		DetectionIDs: r.DetectionIDs,
	}
}

// CandidateResponse is returned when a candidate is generated.
type CandidateResponse struct {
	Candidate  *domain.IncidentCandidate   `json:"candidate"`
	Bundle     *domain.EvidenceBundle      `json:"bundle"`
	Assessment *domain.CandidateAssessment `json:"assessment"`
	Created    bool                        `json:"created"`
}

// FromCandidateResult converts a service result into its response body.
func FromCandidateResult(res *services.CandidateResult) *CandidateResponse {
	return &CandidateResponse{
		Candidate:  res.Candidate,
		Bundle:     res.Bundle,
		Assessment: res.Assessment,
		Created:    res.Created,
	}
}

// CandidateDetailResponse is returned by GET /api/v1/candidates/{id}.
type CandidateDetailResponse struct {
	Candidate *domain.IncidentCandidate   `json:"candidate"`
	Decisions []*domain.PromotionDecision `json:"decisions"`
}

// PromoteRequest is the body of POST /api/v1/candidates/{id}/promote.
//
// @Description Authority requesting promotion
type PromoteRequest struct {
	// AuthorityType is who is asking
	// @Enum AUTO_ENGINE,HUMAN_OPERATOR,ON_CALL_SRE,EMERGENCY_OVERRIDE
	AuthorityType string `json:"authority_type"`

	// AuthorityID identifies the engine or person
	AuthorityID string `json:"authority_id"`

	// Justification is required for, and only allowed with, EMERGENCY_OVERRIDE
	Justification string `json:"justification,omitempty"`
}

// Validate checks the request shape. Justification rules are enforced by the
// promotion gate so they are reported with their own error codes.
func (r *PromoteRequest) Validate() error {
	if err := joinValidation(
		required("authority_type", r.AuthorityType),
		required("authority_id", r.AuthorityID),
	); err != nil {
		return err
	}
	if !domain.AuthorityType(r.AuthorityType).IsValid() {
		return domain.Validation("authority_type %q is not recognised", r.AuthorityType)
	}
	return nil
}

// ToAuthority converts the body into an authority context.
func (r *PromoteRequest) ToAuthority() domain.AuthorityContext {
	return domain.AuthorityContext{
		Type:          domain.AuthorityType(r.AuthorityType),
		ID:            r.AuthorityID,
		Justification: r.Justification,
	}
}

// PromoteResponse is returned by a promotion attempt.
type PromoteResponse struct {
	AttemptID       string                    `json:"attempt_id"`
	Decision        *domain.PromotionDecision `json:"decision"`
	Incident        *IncidentResponse         `json:"incident,omitempty"`
	IncidentCreated bool                      `json:"incident_created"`
}

// FromOutcome converts an orchestration outcome into its response body.
func FromOutcome(out *orchestrator.Outcome) *PromoteResponse {
	resp := &PromoteResponse{
		AttemptID:       out.AttemptID,
		Decision:        out.Decision,
		IncidentCreated: out.IncidentCreated,
	}
	if out.Incident != nil {
		resp.Incident = FromIncident(out.Incident)
	}
	return resp
}
