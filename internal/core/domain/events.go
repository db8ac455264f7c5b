package domain

import "time"

// EventType names a domain event emitted to the event sinks.
type EventType string

// Domain event types.
const (
	EventCandidatePromoted    EventType = "candidate.promoted"
	EventCandidateRejected    EventType = "candidate.rejected"
	EventCandidateDeferred    EventType = "candidate.deferred"
	EventIncidentCreated      EventType = "incident.created"
	EventIncidentTransitioned EventType = "incident.transitioned"
)

// EventTypeForDecision maps a promotion outcome to its domain event.
func EventTypeForDecision(d Decision) EventType {
	switch d {
	case DecisionPromote:
		return EventCandidatePromoted
	case DecisionDefer:
		return EventCandidateDeferred
	default:
		return EventCandidateRejected
	}
}

// DomainEvent is published after a state change has been committed.
// Delivery is fire-and-forget; a failed emit never rolls anything back.
type DomainEvent struct {
	ID          string            `json:"id"`
	Type        EventType         `json:"type"`
	CandidateID string            `json:"candidate_id,omitempty"`
	DecisionID  string            `json:"decision_id,omitempty"`
	IncidentID  string            `json:"incident_id,omitempty"`
	Service     string            `json:"service,omitempty"`
	Severity    Severity          `json:"severity,omitempty"`
	Status      Status            `json:"status,omitempty"`
	Actor       string            `json:"actor,omitempty"`
	Attributes  map[string]string `json:"attributes,omitempty"`
	OccurredAt  time.Time         `json:"occurred_at"`
}

// AttemptRecord is the audit entry written for every promotion attempt.
type AttemptRecord struct {
	ID           string        `json:"id"`
	CandidateID  string        `json:"candidate_id"`
	DecisionID   string        `json:"decision_id,omitempty"`
	Decision     Decision      `json:"decision,omitempty"`
	DecisionHash string        `json:"decision_hash,omitempty"`
	IncidentID   string        `json:"incident_id,omitempty"`
	Authority    AuthorityType `json:"authority_type"`
	AuthorityID  string        `json:"authority_id"`
	ErrorCode    ErrorCode     `json:"error_code,omitempty"`
	Error        string        `json:"error,omitempty"`
	AttemptedAt  time.Time     `json:"attempted_at"`
}
