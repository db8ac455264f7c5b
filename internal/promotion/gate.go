// Package promotion decides whether an incident candidate becomes an incident.
//
// The gate validates who is asking, checks that they are trusted for the
// candidate's severity, defers to an already active incident for the same
// correlation key, and finally applies the versioned promotion policy. Every
// decision is content-addressed and stored write-once, so evaluating the same
// candidate again returns the stored decision.
package promotion

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Studio-Elephant-and-Rope/steward/internal/core/domain"
	"github.com/Studio-Elephant-and-Rope/steward/internal/core/ports"
	"github.com/Studio-Elephant-and-Rope/steward/internal/identity"
	"github.com/Studio-Elephant-and-Rope/steward/internal/logging"
	"github.com/Studio-Elephant-and-Rope/steward/internal/metrics"
)

// IncidentLookup finds the active incident raised from a correlation key.
type IncidentLookup interface {
	FindActiveByCorrelationKey(ctx context.Context, correlationKey string) (*domain.Incident, error)
}

// DecisionStore persists decisions write-once.
type DecisionStore interface {
	PutDecision(ctx context.Context, d *domain.PromotionDecision) (*domain.PromotionDecision, bool, error)
}

// Gate evaluates promotion requests.
type Gate struct {
	policy    Policy
	incidents IncidentLookup
	decisions DecisionStore
	logger    *logging.Logger
}

// NewGate creates a promotion gate.
//
// Possible errors:
//   - ErrInvalidInput: a dependency is nil or the policy is invalid
func NewGate(policy Policy, incidents IncidentLookup, decisions DecisionStore, logger *logging.Logger) (*Gate, error) {
	if incidents == nil {
		return nil, fmt.Errorf("%w: incident lookup cannot be nil", ports.ErrInvalidInput)
	}
	if decisions == nil {
		return nil, fmt.Errorf("%w: decision store cannot be nil", ports.ErrInvalidInput)
	}
	if logger == nil {
		return nil, fmt.Errorf("%w: logger cannot be nil", ports.ErrInvalidInput)
	}
	if err := policy.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ports.ErrInvalidInput, err)
	}
	return &Gate{
		policy:    policy,
		incidents: incidents,
		decisions: decisions,
		logger:    logger.WithComponent("promotion_gate"),
	}, nil
}

// Policy returns the gate's policy.
func (g *Gate) Policy() Policy {
	return g.policy
}

// Evaluate decides on a candidate for the given authority.
//
// Authority and trust failures are returned as errors and no decision is
// recorded. Otherwise the outcome is DEFER when an active incident already
// tracks the candidate's correlation key, and PROMOTE or REJECT per policy.
func (g *Gate) Evaluate(ctx context.Context, candidate *domain.IncidentCandidate, authority domain.AuthorityContext, now time.Time) (*domain.PromotionDecision, error) {
	if candidate == nil {
		return nil, domain.Validation("candidate is required")
	}
	logger := g.logger.WithCandidate(candidate.ID).WithFields(
		"operation", "evaluate_promotion",
		"authority_type", string(authority.Type),
	)

	if err := candidate.Validate(); err != nil {
		return nil, err
	}
	if err := ValidateAuthority(authority); err != nil {
		logger.WithError(err).Warn("Promotion request rejected: invalid authority")
		return nil, err
	}
	if err := CheckTrust(authority.Type, candidate.Severity); err != nil {
		logger.WithError(err).Warn("Promotion request rejected: authority not trusted")
		return nil, err
	}

	var verdict Verdict
	existing := g.activeIncident(ctx, candidate.CorrelationKey, logger)
	if existing != nil {
		verdict = Verdict{
			Decision: domain.DecisionDefer,
			Reason:   fmt.Sprintf("incident %s is already %s for this correlation key", existing.ID, existing.Status),
		}
	} else {
		verdict = g.policy.Evaluate(candidate, authority.Type)
	}

	decision := &domain.PromotionDecision{
		RequestID:     RequestID(candidate.ID, authority.Type, authority.ID),
		CandidateID:   candidate.ID,
		Decision:      verdict.Decision,
		Reason:        verdict.Reason,
		RejectionCode: verdict.RejectionCode,
		AuthorityType: authority.Type,
		AuthorityID:   authority.ID,
		PolicyVersion: g.policy.Version,
		EvaluatedAt:   now.UTC(),
	}
	if existing != nil {
		decision.ExistingIncidentID = existing.ID
	}
	decision.ID = DecisionID(candidate.ID, decision.Decision, decision.PolicyVersion, decision.ExistingIncidentID)

	hash, err := ComputeDecisionHash(decision)
	if err != nil {
		return nil, fmt.Errorf("failed to hash decision: %w", err)
	}
	decision.DecisionHash = hash

	stored, created, err := g.decisions.PutDecision(ctx, decision)
	if err != nil {
		logger.WithError(err).Error("Failed to store promotion decision")
		return nil, err
	}

	metrics.ObservePromotionDecision(string(stored.Decision), string(authority.Type))
	logger.Info("Promotion decision recorded",
		"decision_id", stored.ID,
		"decision", string(stored.Decision),
		"rejection_code", string(stored.RejectionCode),
		"duplicate", !created)
	return stored, nil
}

// activeIncident returns the active incident for key, or nil. Lookup failures
// are logged and treated as no active incident.
func (g *Gate) activeIncident(ctx context.Context, key string, logger *logging.Logger) *domain.Incident {
	inc, err := g.incidents.FindActiveByCorrelationKey(ctx, key)
	if err != nil {
		if !errors.Is(err, ports.ErrNotFound) && !domain.IsCode(err, domain.CodeNotFound) {
			logger.WithError(err).Warn("Active incident lookup failed, continuing as if none exists",
				"correlation_key", key)
		}
		return nil
	}
	if inc == nil || !inc.Status.IsActive() {
		return nil
	}
	return inc
}

// DecisionID derives the id of a decision. It does not depend on who asked,
// so equivalent requests converge on one decision.
func DecisionID(candidateID string, decision domain.Decision, policyVersion, existingIncidentID string) string {
	return identity.HashParts(candidateID, string(decision), policyVersion, existingIncidentID)
}

// RequestID derives the id of a promotion request.
func RequestID(candidateID string, authorityType domain.AuthorityType, authorityID string) string {
	return identity.HashParts(candidateID, string(authorityType), authorityID)
}

// hashedDecision lists the fields covered by the decision hash.
type hashedDecision struct {
	ID                 string               `json:"id"`
	RequestID          string               `json:"request_id"`
	CandidateID        string               `json:"candidate_id"`
	Decision           domain.Decision      `json:"decision"`
	Reason             string               `json:"reason"`
	RejectionCode      domain.RejectionCode `json:"rejection_code"`
	ExistingIncidentID string               `json:"existing_incident_id"`
	AuthorityType      domain.AuthorityType `json:"authority_type"`
	AuthorityID        string               `json:"authority_id"`
	PolicyVersion      string               `json:"policy_version"`
}

// ComputeDecisionHash hashes the canonical JSON of the decision's
// deterministic fields. EvaluatedAt and the hash itself are excluded.
func ComputeDecisionHash(d *domain.PromotionDecision) (string, error) {
	return identity.HashJSON(hashedDecision{
		ID:                 d.ID,
		RequestID:          d.RequestID,
		CandidateID:        d.CandidateID,
		Decision:           d.Decision,
		Reason:             d.Reason,
		RejectionCode:      d.RejectionCode,
		ExistingIncidentID: d.ExistingIncidentID,
		AuthorityType:      d.AuthorityType,
		AuthorityID:        d.AuthorityID,
		PolicyVersion:      d.PolicyVersion,
	})
}

// VerifyDecision recomputes a stored decision's id and hash.
func VerifyDecision(d *domain.PromotionDecision) error {
	if d == nil {
		return domain.Validation("decision is nil")
	}
	if want := DecisionID(d.CandidateID, d.Decision, d.PolicyVersion, d.ExistingIncidentID); want != d.ID {
		return domain.NewError(domain.CodeReplayIntegrityViolation, "decision id %s does not match its content, recomputed %s", d.ID, want)
	}
	hash, err := ComputeDecisionHash(d)
	if err != nil {
		return fmt.Errorf("failed to hash decision: %w", err)
	}
	if hash != d.DecisionHash {
		return domain.NewError(domain.CodeReplayIntegrityViolation, "decision %s hash %s does not match its content, recomputed %s", d.ID, d.DecisionHash, hash)
	}
	return nil
}
