// Package orchestrator runs a promotion request end to end.
//
// A request fetches the candidate, runs the promotion gate and, when the gate
// promotes, materializes the incident. Every attempt is written to the audit
// log and every decision is published as a domain event. Neither the audit
// write nor the event publish can undo a decision that has been recorded.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Studio-Elephant-and-Rope/steward/internal/core/domain"
	"github.com/Studio-Elephant-and-Rope/steward/internal/core/ports"
	"github.com/Studio-Elephant-and-Rope/steward/internal/logging"
	"github.com/Studio-Elephant-and-Rope/steward/internal/metrics"
)

// CandidateReader fetches stored candidates.
type CandidateReader interface {
	Get(ctx context.Context, id string) (*domain.IncidentCandidate, error)
}

// Gate decides on a candidate.
type Gate interface {
	Evaluate(ctx context.Context, candidate *domain.IncidentCandidate, authority domain.AuthorityContext, now time.Time) (*domain.PromotionDecision, error)
}

// IncidentManager creates incidents from PROMOTE decisions.
type IncidentManager interface {
	Materialize(ctx context.Context, decision *domain.PromotionDecision, candidate *domain.IncidentCandidate, now time.Time) (*domain.Incident, bool, error)
}

// Outcome is the result of one promotion request.
type Outcome struct {
	AttemptID       string                    `json:"attempt_id"`
	Candidate       *domain.IncidentCandidate `json:"candidate"`
	Decision        *domain.PromotionDecision `json:"decision"`
	Incident        *domain.Incident          `json:"incident,omitempty"`
	IncidentCreated bool                      `json:"incident_created"`
}

// Orchestrator coordinates the promotion pipeline.
type Orchestrator struct {
	candidates CandidateReader
	gate       Gate
	incidents  IncidentManager
	attempts   ports.AttemptLog
	events     ports.EventSink
	clock      ports.Clock
	logger     *logging.Logger
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithAttemptLog records every attempt in log.
func WithAttemptLog(log ports.AttemptLog) Option {
	return func(o *Orchestrator) { o.attempts = log }
}

// WithEventSink publishes decision events to sink.
func WithEventSink(sink ports.EventSink) Option {
	return func(o *Orchestrator) { o.events = sink }
}

// WithClock stamps events with clock.
func WithClock(clock ports.Clock) Option {
	return func(o *Orchestrator) { o.clock = clock }
}

// New creates an orchestrator.
//
// Possible errors:
//   - ErrInvalidInput: a required dependency is nil
func New(candidates CandidateReader, gate Gate, incidents IncidentManager, logger *logging.Logger, opts ...Option) (*Orchestrator, error) {
	if candidates == nil {
		return nil, fmt.Errorf("%w: candidate reader cannot be nil", ports.ErrInvalidInput)
	}
	if gate == nil {
		return nil, fmt.Errorf("%w: gate cannot be nil", ports.ErrInvalidInput)
	}
	if incidents == nil {
		return nil, fmt.Errorf("%w: incident manager cannot be nil", ports.ErrInvalidInput)
	}
	if logger == nil {
		return nil, fmt.Errorf("%w: logger cannot be nil", ports.ErrInvalidInput)
	}

	o := &Orchestrator{
		candidates: candidates,
		gate:       gate,
		incidents:  incidents,
		clock:      ports.SystemClock(),
		logger:     logger.WithComponent("orchestrator"),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// ProcessCandidate runs a promotion request for a stored candidate.
//
// The request is idempotent: a repeated PROMOTE returns the stored decision
// and the existing incident, and once that incident is active further
// requests are deferred to it.
//
// Possible errors:
//   - NOT_FOUND: the candidate does not exist
//   - any error of the gate or the incident manager
func (o *Orchestrator) ProcessCandidate(ctx context.Context, candidateID string, authority domain.AuthorityContext, now time.Time) (outcome *Outcome, err error) {
	start := time.Now()
	attempt := domain.AttemptRecord{
		ID:          uuid.New().String(),
		CandidateID: candidateID,
		Authority:   authority.Type,
		AuthorityID: authority.ID,
		AttemptedAt: now.UTC(),
	}
	logger := o.logger.WithCandidate(candidateID).WithFields(
		"operation", "process_candidate",
		"attempt_id", attempt.ID,
		"authority_type", string(authority.Type),
	)

	defer func() {
		if err != nil {
			attempt.ErrorCode = domain.CodeOf(err)
			attempt.Error = err.Error()
			logger.WithError(err).Warn("Promotion attempt failed", "code", string(attempt.ErrorCode))
		}
		o.logAttempt(ctx, attempt, logger)
		metrics.ObserveOrchestration(time.Since(start), err)
	}()

	if candidateID == "" {
		return nil, domain.Validation("candidate id is required")
	}

	candidate, err := o.candidates.Get(ctx, candidateID)
	if err != nil {
		return nil, err
	}

	decision, err := o.gate.Evaluate(ctx, candidate, authority, now)
	if err != nil {
		return nil, err
	}
	attempt.DecisionID = decision.ID
	attempt.Decision = decision.Decision
	attempt.DecisionHash = decision.DecisionHash

	outcome = &Outcome{
		AttemptID: attempt.ID,
		Candidate: candidate,
		Decision:  decision,
	}

	if decision.Decision == domain.DecisionPromote {
		incident, created, err := o.incidents.Materialize(ctx, decision, candidate, now)
		if err != nil {
			return nil, err
		}
		attempt.IncidentID = incident.ID
		outcome.Incident = incident
		outcome.IncidentCreated = created
	}

	o.emit(ctx, outcome, authority, logger)
	logger.Info("Promotion attempt processed",
		"decision", string(decision.Decision),
		"decision_id", decision.ID,
		"incident_id", attempt.IncidentID,
		"incident_created", outcome.IncidentCreated)
	return outcome, nil
}

func (o *Orchestrator) logAttempt(ctx context.Context, attempt domain.AttemptRecord, logger *logging.Logger) {
	if o.attempts == nil {
		return
	}
	if err := o.attempts.LogAttempt(ctx, attempt); err != nil {
		logger.WithError(err).Warn("Failed to record promotion attempt")
	}
}

func (o *Orchestrator) emit(ctx context.Context, outcome *Outcome, authority domain.AuthorityContext, logger *logging.Logger) {
	if o.events == nil {
		return
	}
	d := outcome.Decision
	event := domain.DomainEvent{
		ID:          uuid.New().String(),
		Type:        domain.EventTypeForDecision(d.Decision),
		CandidateID: d.CandidateID,
		DecisionID:  d.ID,
		Service:     outcome.Candidate.Service,
		Severity:    outcome.Candidate.Severity,
		Actor:       string(authority.Type) + ":" + authority.ID,
		Attributes: map[string]string{
			"policy_version": d.PolicyVersion,
			"reason":         d.Reason,
		},
		OccurredAt: o.clock.Now().UTC(),
	}
	if d.RejectionCode != "" {
		event.Attributes["rejection_code"] = string(d.RejectionCode)
	}
	if d.ExistingIncidentID != "" {
		event.IncidentID = d.ExistingIncidentID
	}
	if outcome.Incident != nil {
		event.IncidentID = outcome.Incident.ID
		event.Status = outcome.Incident.Status
	}

	if err := o.events.Emit(ctx, event); err != nil {
		logger.WithError(err).Warn("Failed to emit domain event", "event_type", string(event.Type))
	}
}
