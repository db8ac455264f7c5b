package domain

import "time"

// AuthorityType identifies who is asking for a candidate to be promoted.
type AuthorityType string

// Authority types, least trusted first.
const (
	AuthorityAutoEngine        AuthorityType = "AUTO_ENGINE"
	AuthorityHumanOperator     AuthorityType = "HUMAN_OPERATOR"
	AuthorityOnCallSRE         AuthorityType = "ON_CALL_SRE"
	AuthorityEmergencyOverride AuthorityType = "EMERGENCY_OVERRIDE"
)

// IsValid checks if the authority type is known.
func (a AuthorityType) IsValid() bool {
	switch a {
	case AuthorityAutoEngine, AuthorityHumanOperator, AuthorityOnCallSRE, AuthorityEmergencyOverride:
		return true
	default:
		return false
	}
}

// IsHuman reports whether the authority is a person rather than the engine.
func (a AuthorityType) IsHuman() bool {
	return a.IsValid() && a != AuthorityAutoEngine
}

// AuthorityContext carries the identity behind a promotion request.
type AuthorityContext struct {
	Type          AuthorityType `json:"type"`
	ID            string        `json:"id"`
	Justification string        `json:"justification,omitempty"`
}

// Decision is the outcome of a promotion evaluation.
type Decision string

// Promotion outcomes.
const (
	DecisionPromote Decision = "PROMOTE"
	DecisionReject  Decision = "REJECT"
	DecisionDefer   Decision = "DEFER"
)

// RejectionCode explains a REJECT decision.
type RejectionCode string

// Rejection codes produced by policy evaluation.
const (
	RejectionConfidenceBelowThreshold RejectionCode = "CONFIDENCE_BELOW_THRESHOLD"
	RejectionInsufficientEvidence     RejectionCode = "INSUFFICIENT_EVIDENCE"
	RejectionSeverityNotPromotable    RejectionCode = "SEVERITY_NOT_PROMOTABLE"
)

// PromotionDecision is the authority and policy verdict on a candidate.
//
// DecisionHash covers every field except EvaluatedAt, so two decisions with
// equal hashes are the same decision.
type PromotionDecision struct {
	ID                 string        `json:"id"`
	RequestID          string        `json:"request_id"`
	CandidateID        string        `json:"candidate_id"`
	Decision           Decision      `json:"decision"`
	Reason             string        `json:"reason"`
	RejectionCode      RejectionCode `json:"rejection_code,omitempty"`
	ExistingIncidentID string        `json:"existing_incident_id,omitempty"`
	AuthorityType      AuthorityType `json:"authority_type"`
	AuthorityID        string        `json:"authority_id"`
	PolicyVersion      string        `json:"policy_version"`
	EvaluatedAt        time.Time     `json:"evaluated_at"`
	DecisionHash       string        `json:"decision_hash"`
}
