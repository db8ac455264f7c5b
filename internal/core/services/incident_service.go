// Package services provides business logic orchestration for the steward control plane.
//
// This package contains service implementations that coordinate between the pure
// pipeline stages and the repository interfaces. Services handle persistence,
// idempotency, event generation and cross-cutting concerns like logging and metrics.
//
// All services follow dependency injection patterns and are designed for testability
// with proper error handling and context awareness.
package services

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/Studio-Elephant-and-Rope/steward/internal/core/domain"
	"github.com/Studio-Elephant-and-Rope/steward/internal/core/ports"
	"github.com/Studio-Elephant-and-Rope/steward/internal/identity"
	"github.com/Studio-Elephant-and-Rope/steward/internal/logging"
	"github.com/Studio-Elephant-and-Rope/steward/internal/metrics"
)

const entityIncident = "incident"

// Actor recorded on events the control plane generates itself.
const SystemActor = "steward"

// IncidentService manages the incident lifecycle.
//
// Incidents are created only from PROMOTE decisions. The incident id is a hash
// of the decision id, so materializing the same decision twice yields the same
// incident. Every later change goes through the state machine and is
// conditioned on the version the caller last read.
type IncidentService struct {
	repo   ports.IncidentRepository
	events ports.EventSink
	clock  ports.Clock
	logger *logging.Logger
}

// NewIncidentService creates a new incident service with the provided dependencies.
//
// events may be nil, in which case no domain events are published. clock may be
// nil, in which case the system clock is used.
//
// Possible errors:
//   - ErrInvalidInput: repository or logger is nil
func NewIncidentService(repo ports.IncidentRepository, events ports.EventSink, clock ports.Clock, logger *logging.Logger) (*IncidentService, error) {
	if repo == nil {
		return nil, fmt.Errorf("%w: repository cannot be nil", ports.ErrInvalidInput)
	}
	if logger == nil {
		return nil, fmt.Errorf("%w: logger cannot be nil", ports.ErrInvalidInput)
	}
	if clock == nil {
		clock = ports.SystemClock()
	}

	return &IncidentService{
		repo:   repo,
		events: events,
		clock:  clock,
		logger: logger.WithComponent("incident_manager"),
	}, nil
}

// IncidentID derives the incident id of a PROMOTE decision.
func IncidentID(decisionID string) string {
	return identity.HashParts(decisionID)
}

// InitialStatus is PENDING for engine promotions, which await human approval,
// and OPEN for promotions by a person.
func InitialStatus(authority domain.AuthorityType) domain.Status {
	if authority == domain.AuthorityAutoEngine {
		return domain.StatusPending
	}
	return domain.StatusOpen
}

// Materialize creates the incident for a PROMOTE decision if it does not exist.
// It returns the incident and whether this call created it.
//
// Possible errors:
//   - VALIDATION_ERROR: the decision is not PROMOTE or does not belong to the candidate
//   - repository errors other than ErrAlreadyExists
func (s *IncidentService) Materialize(ctx context.Context, decision *domain.PromotionDecision, candidate *domain.IncidentCandidate, now time.Time) (*domain.Incident, bool, error) {
	if decision == nil || candidate == nil {
		return nil, false, domain.Validation("materializing an incident needs a decision and its candidate")
	}
	if decision.Decision != domain.DecisionPromote {
		return nil, false, domain.Validation("decision %s is %s, only PROMOTE decisions create incidents", decision.ID, decision.Decision)
	}
	if decision.CandidateID != candidate.ID {
		return nil, false, domain.Validation("decision %s is for candidate %s, not %s", decision.ID, decision.CandidateID, candidate.ID)
	}

	id := IncidentID(decision.ID)
	logger := s.logger.WithIncident(id).WithFields("operation", "materialize", "decision_id", decision.ID)
	now = now.UTC()

	incident := &domain.Incident{
		ID:             id,
		DecisionID:     decision.ID,
		CandidateID:    candidate.ID,
		CorrelationKey: candidate.CorrelationKey,
		Title:          candidate.Title(),
		Service:        candidate.Service,
		Severity:       candidate.Severity,
		Status:         InitialStatus(decision.AuthorityType),
		Version:        1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := incident.RecordEvent(domain.Event{
		ID:          eventID(id, incident.Version),
		Type:        "incident_created",
		Actor:       actorOf(decision),
		Description: fmt.Sprintf("Incident created in %s from decision %s", incident.Status, decision.ID),
		Metadata: map[string]string{
			"candidate_id":   candidate.ID,
			"authority_type": string(decision.AuthorityType),
			"initial_status": string(incident.Status),
		},
		OccurredAt: now,
	}); err != nil {
		return nil, false, domain.WrapError(domain.CodeValidation, err, "incident %s creation event is invalid", id)
	}
	if err := incident.Validate(); err != nil {
		return nil, false, domain.WrapError(domain.CodeValidation, err, "incident %s is invalid", id)
	}

	if err := s.repo.Create(ctx, incident); err != nil {
		if errors.Is(err, ports.ErrAlreadyExists) {
			existing, getErr := s.repo.Get(ctx, id)
			if getErr != nil {
				return nil, false, translateRepoError(getErr, id)
			}
			logger.Debug("Incident already materialized")
			return existing, false, nil
		}
		logger.WithError(err).Error("Failed to store incident")
		return nil, false, translateRepoError(err, id)
	}

	logger.Info("Incident materialized", "status", string(incident.Status), "severity", string(incident.Severity))
	s.emit(ctx, domain.DomainEvent{
		Type:        domain.EventIncidentCreated,
		CandidateID: candidate.ID,
		DecisionID:  decision.ID,
		IncidentID:  id,
		Service:     incident.Service,
		Severity:    incident.Severity,
		Status:      incident.Status,
		Actor:       actorOf(decision),
	})
	return incident, true, nil
}

// TransitionRequest asks for one state machine step.
type TransitionRequest struct {
	IncidentID      string
	To              domain.Status
	ExpectedVersion int
	Resolution      *domain.Resolution
	Actor           string
}

// Transition moves an incident to a new status.
//
// Possible errors:
//   - NOT_FOUND: the incident does not exist
//   - CONFLICT: the incident's version is not ExpectedVersion
//   - ILLEGAL_TRANSITION, TERMINAL_STATE: the state machine rejects the step
//   - VALIDATION_ERROR: a required resolution is missing or invalid
func (s *IncidentService) Transition(ctx context.Context, req TransitionRequest) (*domain.Incident, error) {
	if req.IncidentID == "" {
		return nil, domain.Validation("incident id is required")
	}
	if req.Actor == "" {
		req.Actor = SystemActor
	}

	logger := s.logger.WithIncident(req.IncidentID).WithFields(
		"operation", "transition",
		"target_status", string(req.To),
		"expected_version", req.ExpectedVersion,
	)

	incident, err := s.repo.Get(ctx, req.IncidentID)
	if err != nil {
		return nil, translateRepoError(err, req.IncidentID)
	}
	if incident.Version != req.ExpectedVersion {
		logger.Warn("Transition rejected: stale version", "current_version", incident.Version)
		return nil, domain.Conflict(entityIncident, incident.ID, req.ExpectedVersion, incident.Version)
	}

	now := s.clock.Now().UTC()
	resolution := req.Resolution
	if resolution != nil {
		r := *resolution
		if r.ResolvedBy == "" {
			r.ResolvedBy = req.Actor
		}
		if r.ResolvedAt.IsZero() {
			r.ResolvedAt = now
		}
		resolution = &r
	}

	from := incident.Status
	if err := incident.Transition(req.To, resolution, now); err != nil {
		logger.WithError(err).Warn("Transition rejected by state machine", "current_status", string(from))
		return nil, err
	}

	if err := incident.RecordEvent(domain.Event{
		ID:          eventID(incident.ID, incident.Version),
		Type:        "status_changed",
		Actor:       req.Actor,
		Description: fmt.Sprintf("Status changed from %s to %s", from, req.To),
		Metadata: map[string]string{
			"old_status": string(from),
			"new_status": string(req.To),
			"version":    strconv.Itoa(incident.Version),
		},
		OccurredAt: now,
	}); err != nil {
		return nil, domain.WrapError(domain.CodeValidation, err, "transition event for incident %s is invalid", incident.ID)
	}

	if err := s.repo.Update(ctx, incident, req.ExpectedVersion); err != nil {
		logger.WithError(err).Warn("Failed to store transition")
		return nil, translateRepoError(err, incident.ID)
	}

	metrics.ObserveTransition(string(from), string(req.To))
	logger.Info("Incident transitioned", "old_status", string(from), "new_status", string(req.To), "version", incident.Version)

	s.emit(ctx, domain.DomainEvent{
		Type:       domain.EventIncidentTransitioned,
		DecisionID: incident.DecisionID,
		IncidentID: incident.ID,
		Service:    incident.Service,
		Severity:   incident.Severity,
		Status:     incident.Status,
		Actor:      req.Actor,
		Attributes: map[string]string{
			"old_status": string(from),
			"version":    strconv.Itoa(incident.Version),
		},
	})
	return incident, nil
}

// Approve opens an incident awaiting human approval (PENDING to OPEN).
func (s *IncidentService) Approve(ctx context.Context, id string, expectedVersion int, actor string) (*domain.Incident, error) {
	return s.Transition(ctx, TransitionRequest{
		IncidentID:      id,
		To:              domain.StatusOpen,
		ExpectedVersion: expectedVersion,
		Actor:           actor,
	})
}

// GetIncident retrieves an incident by its unique identifier.
//
// Possible errors:
//   - VALIDATION_ERROR: id is empty
//   - NOT_FOUND: incident does not exist
func (s *IncidentService) GetIncident(ctx context.Context, id string) (*domain.Incident, error) {
	if id == "" {
		return nil, domain.Validation("incident id is required")
	}
	incident, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, translateRepoError(err, id)
	}
	return incident, nil
}

// ListIncidents retrieves incidents based on the provided filter criteria.
//
// Possible errors:
//   - VALIDATION_ERROR: filter parameters are invalid
func (s *IncidentService) ListIncidents(ctx context.Context, filter ports.ListFilter) (*ports.ListResult, error) {
	logger := s.logger.WithFields("operation", "list_incidents", "limit", filter.Limit, "offset", filter.Offset)

	if err := filter.Validate(); err != nil {
		logger.WithError(err).Debug("Invalid filter parameters")
		return nil, domain.WrapError(domain.CodeValidation, err, "invalid incident filter")
	}

	result, err := s.repo.List(ctx, filter)
	if err != nil {
		logger.WithError(err).Error("Failed to list incidents")
		return nil, err
	}

	logger.Debug("Incidents listed", "total", result.Total, "returned", len(result.Incidents))
	return result, nil
}

// emit publishes a domain event. Failures are logged and never undo the change.
func (s *IncidentService) emit(ctx context.Context, event domain.DomainEvent) {
	if s.events == nil {
		return
	}
	event.ID = uuid.New().String()
	event.OccurredAt = s.clock.Now().UTC()
	if err := s.events.Emit(ctx, event); err != nil {
		s.logger.WithError(err).Warn("Failed to emit domain event",
			"event_type", string(event.Type),
			"incident_id", event.IncidentID)
	}
}

// eventID derives the id of the incident event recorded at a version.
func eventID(incidentID string, version int) string {
	return identity.HashParts(incidentID, "event", strconv.Itoa(version))
}

func actorOf(d *domain.PromotionDecision) string {
	if d.AuthorityID == "" {
		return SystemActor
	}
	return string(d.AuthorityType) + ":" + d.AuthorityID
}

// translateRepoError maps repository sentinels onto domain codes.
func translateRepoError(err error, id string) error {
	var derr *domain.Error
	switch {
	case errors.As(err, &derr):
		return err
	case errors.Is(err, ports.ErrNotFound):
		return domain.NotFound(entityIncident, id)
	case errors.Is(err, ports.ErrConflict):
		return &domain.Error{
			Code:     domain.CodeConflict,
			Reason:   fmt.Sprintf("%s %s was modified concurrently", entityIncident, id),
			Entity:   entityIncident,
			EntityID: id,
			Err:      err,
		}
	case errors.Is(err, ports.ErrInvalidInput):
		return domain.WrapError(domain.CodeValidation, err, "%s %s was rejected by storage", entityIncident, id)
	default:
		return err
	}
}
