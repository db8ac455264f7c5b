package dto

import (
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Studio-Elephant-and-Rope/steward/internal/core/domain"
	"github.com/Studio-Elephant-and-Rope/steward/internal/core/ports"
	"github.com/Studio-Elephant-and-Rope/steward/internal/core/services"
)

// IncidentResponse represents an incident on the wire.
//
// @Description Incident details response
type IncidentResponse struct {
	ID             string             `json:"id"`
	DecisionID     string             `json:"decision_id"`
	CandidateID    string             `json:"candidate_id"`
	CorrelationKey string             `json:"correlation_key"`
	Title          string             `json:"title"`
	Service        string             `json:"service"`
	Severity       string             `json:"severity"`
	SEV            string             `json:"sev"`
	Status         string             `json:"status"`
	Version        int                `json:"version"`
	Resolution     *domain.Resolution `json:"resolution,omitempty"`
	CreatedAt      time.Time          `json:"created_at"`
	UpdatedAt      time.Time          `json:"updated_at"`

	// LegalTransitions lists the statuses reachable in one step
	LegalTransitions []string `json:"legal_transitions"`

	Events []EventResponse `json:"events,omitempty"`
}

// EventResponse represents one timeline entry of an incident.
type EventResponse struct {
	ID          string            `json:"id"`
	Type        string            `json:"type"`
	Actor       string            `json:"actor"`
	Description string            `json:"description"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	OccurredAt  time.Time         `json:"occurred_at"`
}

// ListIncidentsResponse is the paginated body of GET /api/v1/incidents.
type ListIncidentsResponse struct {
	Incidents []*IncidentResponse `json:"incidents"`
	Total     int                 `json:"total"`
	Limit     int                 `json:"limit"`
	Offset    int                 `json:"offset"`
	HasMore   bool                `json:"has_more"`
}

// FromIncident converts a domain incident to its response form.
func FromIncident(incident *domain.Incident) *IncidentResponse {
	resp := &IncidentResponse{
		ID:               incident.ID,
		DecisionID:       incident.DecisionID,
		CandidateID:      incident.CandidateID,
		CorrelationKey:   incident.CorrelationKey,
		Title:            incident.Title,
		Service:          incident.Service,
		Severity:         string(incident.Severity),
		SEV:              incident.Severity.SEV(),
		Status:           string(incident.Status),
		Version:          incident.Version,
		Resolution:       incident.Resolution,
		CreatedAt:        incident.CreatedAt,
		UpdatedAt:        incident.UpdatedAt,
		LegalTransitions: []string{},
	}
	for _, s := range domain.LegalTransitions(incident.Status) {
		resp.LegalTransitions = append(resp.LegalTransitions, string(s))
	}
	for _, e := range incident.Events {
		resp.Events = append(resp.Events, EventResponse{
			ID:          e.ID,
			Type:        e.Type,
			Actor:       e.Actor,
			Description: e.Description,
			Metadata:    e.Metadata,
			OccurredAt:  e.OccurredAt,
		})
	}
	return resp
}

// FromListResult converts a repository page to its response form. Events
// are omitted from list entries.
func FromListResult(result *ports.ListResult) *ListIncidentsResponse {
	resp := &ListIncidentsResponse{
		Incidents: make([]*IncidentResponse, 0, len(result.Incidents)),
		Total:     result.Total,
		Limit:     result.Limit,
		Offset:    result.Offset,
		HasMore:   result.HasMore,
	}
	for _, incident := range result.Incidents {
		item := FromIncident(incident)
		item.Events = nil
		resp.Incidents = append(resp.Incidents, item)
	}
	return resp
}

// ParseListFilter reads list query parameters.
//
// status and severity accept comma separated values. created_after and
// created_before are RFC 3339 timestamps.
func ParseListFilter(q url.Values) (ports.ListFilter, error) {
	filter := ports.ListFilter{
		Service:        q.Get("service"),
		CorrelationKey: q.Get("correlation_key"),
		SortBy:         q.Get("sort_by"),
		SortOrder:      q.Get("sort_order"),
	}

	for _, raw := range splitList(q.Get("status")) {
		s, err := parseStatus("status", strings.ToUpper(raw))
		if err != nil {
			return filter, err
		}
		filter.Status = append(filter.Status, s)
	}
	for _, raw := range splitList(q.Get("severity")) {
		s, err := parseSeverity("severity", strings.ToLower(raw))
		if err != nil {
			return filter, err
		}
		filter.Severity = append(filter.Severity, s)
	}

	var err error
	if filter.Limit, err = intParam(q, "limit"); err != nil {
		return filter, err
	}
	if filter.Offset, err = intParam(q, "offset"); err != nil {
		return filter, err
	}
	if filter.CreatedAfter, err = timeParam(q, "created_after"); err != nil {
		return filter, err
	}
	if filter.CreatedBefore, err = timeParam(q, "created_before"); err != nil {
		return filter, err
	}
	return filter, nil
}

func splitList(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func intParam(q url.Values, name string) (int, error) {
	raw := q.Get(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, domain.WrapError(domain.CodeValidation, err, "invalid %s parameter %q", name, raw)
	}
	return n, nil
}

func timeParam(q url.Values, name string) (*time.Time, error) {
	raw := q.Get(name)
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, domain.WrapError(domain.CodeValidation, err, "invalid %s parameter %q", name, raw)
	}
	return &t, nil
}

// TransitionRequest is the body of POST /api/v1/incidents/{id}/transitions.
//
// @Description Requested status change
type TransitionRequest struct {
	// To is the target status
	// @Enum OPEN,MITIGATING,RESOLVED,CLOSED
	To string `json:"to"`

	// ExpectedVersion is the version the caller last read
	ExpectedVersion int `json:"expected_version"`

	// Actor records who made the change
	Actor string `json:"actor"`

	// Resolution is required when moving to RESOLVED
	Resolution *ResolutionRequest `json:"resolution,omitempty"`
}

// ResolutionRequest describes how an incident was resolved.
type ResolutionRequest struct {
	Summary   string `json:"summary"`
	RootCause string `json:"root_cause,omitempty"`
}

// Validate checks the request shape. Whether the step is legal is decided by
// the incident state machine.
func (r *TransitionRequest) Validate() error {
	if err := joinValidation(required("to", r.To), required("actor", r.Actor)); err != nil {
		return err
	}
	if _, err := parseStatus("to", r.To); err != nil {
		return err
	}
	if r.ExpectedVersion < 1 {
		return domain.Validation("expected_version must be at least 1")
	}
	return nil
}

// ToTransitionRequest converts the body into a service request.
func (r *TransitionRequest) ToTransitionRequest(incidentID string) services.TransitionRequest {
	req := services.TransitionRequest{
		IncidentID:      incidentID,
		To:              domain.Status(r.To),
		ExpectedVersion: r.ExpectedVersion,
		Actor:           r.Actor,
	}
	if r.Resolution != nil {
		req.Resolution = &domain.Resolution{
			Summary:    r.Resolution.Summary,
			RootCause:  r.Resolution.RootCause,
			ResolvedBy: r.Actor,
		}
	}
	return req
}

// ApproveRequest is the body of POST /api/v1/incidents/{id}/approve.
type ApproveRequest struct {
	ExpectedVersion int    `json:"expected_version"`
	Actor           string `json:"actor"`
}

// Validate checks that an actor and version are present.
func (r *ApproveRequest) Validate() error {
	if err := required("actor", r.Actor); err != nil {
		return err
	}
	if r.ExpectedVersion < 1 {
		return domain.Validation("expected_version must be at least 1")
	}
	return nil
}
