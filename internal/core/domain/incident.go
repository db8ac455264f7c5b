package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Status represents the current lifecycle state of an incident.
type Status string

// Status constants define the incident lifecycle.
const (
	StatusPending    Status = "PENDING"
	StatusOpen       Status = "OPEN"
	StatusMitigating Status = "MITIGATING"
	StatusResolved   Status = "RESOLVED"
	StatusClosed     Status = "CLOSED"
)

// AllStatuses lists every status in lifecycle order.
var AllStatuses = []Status{StatusPending, StatusOpen, StatusMitigating, StatusResolved, StatusClosed}

// legalTransitions is the complete transition table. CLOSED has no entry.
var legalTransitions = map[Status][]Status{
	StatusPending:    {StatusOpen},
	StatusOpen:       {StatusMitigating, StatusResolved},
	StatusMitigating: {StatusResolved},
	StatusResolved:   {StatusClosed},
}

// String returns the string representation of the status.
func (s Status) String() string {
	return string(s)
}

// IsValid checks if the status is one of the defined valid statuses.
func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusOpen, StatusMitigating, StatusResolved, StatusClosed:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether no transition may leave s.
func (s Status) IsTerminal() bool {
	return s == StatusClosed
}

// IsActive reports whether an incident in s blocks promotion of a duplicate.
func (s Status) IsActive() bool {
	return s == StatusOpen || s == StatusMitigating
}

// LegalTransitions returns the statuses reachable from s in one step.
func LegalTransitions(from Status) []Status {
	next := legalTransitions[from]
	out := make([]Status, len(next))
	copy(out, next)
	return out
}

// TransitionCheck is the result of validating a status change.
type TransitionCheck struct {
	Allowed bool
	Reason  string
}

// ValidateTransition reports whether from -> to is legal.
//
// The reason names the transition. On failure it either cites terminality or
// enumerates the legal next states; callers surface it verbatim.
func ValidateTransition(from, to Status) TransitionCheck {
	if !from.IsValid() {
		return TransitionCheck{Reason: fmt.Sprintf("transition from %s to %s is not allowed: unknown current status %s", from, to, from)}
	}
	if !to.IsValid() {
		return TransitionCheck{Reason: fmt.Sprintf("transition from %s to %s is not allowed: unknown target status %s", from, to, to)}
	}
	if from.IsTerminal() {
		return TransitionCheck{Reason: fmt.Sprintf("transition from %s to %s is not allowed: %s is a terminal state with no legal next states", from, to, from)}
	}

	next := legalTransitions[from]
	for _, s := range next {
		if s == to {
			return TransitionCheck{Allowed: true, Reason: fmt.Sprintf("transition from %s to %s is allowed", from, to)}
		}
	}

	names := make([]string, len(next))
	for i, s := range next {
		names[i] = s.String()
	}
	return TransitionCheck{Reason: fmt.Sprintf("transition from %s to %s is not allowed; legal next states: %s", from, to, strings.Join(names, ", "))}
}

// Resolution records how an incident was resolved.
type Resolution struct {
	Summary    string    `json:"summary"`
	RootCause  string    `json:"root_cause,omitempty"`
	ResolvedBy string    `json:"resolved_by"`
	ResolvedAt time.Time `json:"resolved_at"`
}

// Validate checks that the resolution carries its required fields.
func (r *Resolution) Validate() error {
	if strings.TrimSpace(r.Summary) == "" {
		return errors.New("resolution summary is required")
	}
	if r.ResolvedBy == "" {
		return errors.New("resolution resolved_by is required")
	}
	if r.ResolvedAt.IsZero() {
		return errors.New("resolution resolved_at timestamp is required")
	}
	return nil
}

// Event represents a recorded action or change within an incident.
type Event struct {
	ID          string            `json:"id"`
	IncidentID  string            `json:"incident_id"`
	Type        string            `json:"type"`
	Actor       string            `json:"actor"`
	Description string            `json:"description"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	OccurredAt  time.Time         `json:"occurred_at"`
}

// Validate checks if the event has all required fields.
func (e *Event) Validate() error {
	if e.ID == "" {
		return errors.New("event ID is required")
	}
	if e.IncidentID == "" {
		return errors.New("event incident_id is required")
	}
	if e.Type == "" {
		return errors.New("event type is required")
	}
	if e.Actor == "" {
		return errors.New("event actor is required")
	}
	if e.OccurredAt.IsZero() {
		return errors.New("event occurred_at timestamp is required")
	}
	return nil
}

// Incident is the governed entity humans act on.
//
// Incidents are created from a PROMOTE decision and change only through
// Transition, which bumps Version.
type Incident struct {
	ID             string      `json:"id"`
	DecisionID     string      `json:"decision_id"`
	CandidateID    string      `json:"candidate_id"`
	CorrelationKey string      `json:"correlation_key"`
	Title          string      `json:"title"`
	Service        string      `json:"service"`
	Severity       Severity    `json:"severity"`
	Status         Status      `json:"status"`
	Resolution     *Resolution `json:"resolution,omitempty"`
	Version        int         `json:"version"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
	Events         []Event     `json:"events,omitempty"`
}

// Validate checks if the incident has all required fields and valid values.
func (i *Incident) Validate() error {
	if i.ID == "" {
		return errors.New("incident ID is required")
	}
	if i.DecisionID == "" {
		return errors.New("incident decision_id is required")
	}
	if i.Title == "" {
		return errors.New("incident title is required")
	}
	if len(i.Title) > 200 {
		return errors.New("incident title exceeds maximum length of 200 characters")
	}
	if i.Service == "" {
		return errors.New("incident service is required")
	}
	if !i.Status.IsValid() {
		return fmt.Errorf("invalid status: %s", i.Status)
	}
	if !i.Severity.IsValid() {
		return fmt.Errorf("invalid severity: %s", i.Severity)
	}
	if i.Version < 1 {
		return errors.New("incident version must be at least 1")
	}
	if i.CreatedAt.IsZero() || i.UpdatedAt.IsZero() {
		return errors.New("incident created_at and updated_at timestamps are required")
	}
	if i.UpdatedAt.Before(i.CreatedAt) {
		return errors.New("incident updated_at cannot be before created_at")
	}
	if (i.Status == StatusResolved || i.Status == StatusClosed) && i.Resolution == nil {
		return fmt.Errorf("%s incidents must carry a resolution", i.Status)
	}
	for idx, event := range i.Events {
		if err := event.Validate(); err != nil {
			return fmt.Errorf("invalid event at index %d: %w", idx, err)
		}
		if event.IncidentID != i.ID {
			return fmt.Errorf("event at index %d has mismatched incident_id", idx)
		}
	}
	return nil
}

// Transition moves the incident to the target status.
//
// RESOLVED requires a resolution payload; CLOSED requires that a resolution
// already exists. On success the version increments and UpdatedAt becomes at.
func (i *Incident) Transition(to Status, resolution *Resolution, at time.Time) error {
	check := ValidateTransition(i.Status, to)
	if !check.Allowed {
		if i.Status.IsTerminal() {
			return NewError(CodeTerminalState, "%s", check.Reason)
		}
		return NewError(CodeIllegalTransition, "%s", check.Reason)
	}

	switch to {
	case StatusResolved:
		if resolution == nil {
			return Validation("transition from %s to %s requires a resolution payload", i.Status, to)
		}
		if err := resolution.Validate(); err != nil {
			return WrapError(CodeValidation, err, "transition from %s to %s carries an invalid resolution", i.Status, to)
		}
		r := *resolution
		i.Resolution = &r
	case StatusClosed:
		if i.Resolution == nil {
			return Validation("transition from %s to %s requires an existing resolution", i.Status, to)
		}
	}

	i.Status = to
	i.Version++
	i.UpdatedAt = at.UTC()
	return nil
}

// RecordEvent adds an event to the incident's history.
func (i *Incident) RecordEvent(event Event) error {
	event.IncidentID = i.ID
	if err := event.Validate(); err != nil {
		return fmt.Errorf("cannot record invalid event: %w", err)
	}
	i.Events = append(i.Events, event)
	return nil
}
