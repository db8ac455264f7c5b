package promotion

import (
	"fmt"

	"github.com/Studio-Elephant-and-Rope/steward/internal/core/domain"
)

// Policy is the versioned rule set a candidate must satisfy to be promoted.
type Policy struct {
	Version              string                `mapstructure:"policy_version" json:"policy_version"`
	MinDetections        int                   `mapstructure:"min_detections" json:"min_detections"`
	MinScore             float64               `mapstructure:"min_score" json:"min_score"`
	MinBand              domain.ConfidenceBand `mapstructure:"min_band" json:"min_band"`
	PromotableSeverities []domain.Severity     `mapstructure:"promotable_severities" json:"promotable_severities"`
}

// DefaultPolicy returns the default promotion policy.
func DefaultPolicy() Policy {
	return Policy{
		Version:       "v1",
		MinDetections: 2,
		MinScore:      0.40,
		MinBand:       domain.BandMedium,
		PromotableSeverities: []domain.Severity{
			domain.SeverityCritical,
			domain.SeverityHigh,
			domain.SeverityMedium,
			domain.SeverityLow,
		},
	}
}

// Validate checks the policy.
func (p Policy) Validate() error {
	if p.Version == "" {
		return fmt.Errorf("policy version is required")
	}
	if p.MinDetections < 1 {
		return fmt.Errorf("policy min_detections must be at least 1, got %d", p.MinDetections)
	}
	if p.MinScore < 0 || p.MinScore > 1 {
		return fmt.Errorf("policy min_score must be within [0,1], got %v", p.MinScore)
	}
	if !p.MinBand.IsValid() {
		return fmt.Errorf("policy min_band %q is unknown", p.MinBand)
	}
	if len(p.PromotableSeverities) == 0 {
		return fmt.Errorf("policy must list at least one promotable severity")
	}
	for _, s := range p.PromotableSeverities {
		if !s.IsValid() {
			return fmt.Errorf("policy lists invalid severity %q", s)
		}
	}
	return nil
}

// Verdict is the outcome of a policy evaluation.
type Verdict struct {
	Decision      domain.Decision
	RejectionCode domain.RejectionCode
	Reason        string
}

// Evaluate checks a candidate against the policy. EMERGENCY_OVERRIDE skips
// the confidence checks but not the evidence or severity checks.
func (p Policy) Evaluate(c *domain.IncidentCandidate, authority domain.AuthorityType) Verdict {
	n := len(c.DetectionIDs)
	if n < p.MinDetections {
		return reject(domain.RejectionInsufficientEvidence,
			"candidate has %d detections, policy %s requires %d", n, p.Version, p.MinDetections)
	}

	override := authority == domain.AuthorityEmergencyOverride
	if !override {
		if c.Confidence < p.MinScore {
			return reject(domain.RejectionConfidenceBelowThreshold,
				"candidate confidence %.3f is below the policy %s minimum %.3f", c.Confidence, p.Version, p.MinScore)
		}
		if c.Band.Rank() < p.MinBand.Rank() {
			return reject(domain.RejectionConfidenceBelowThreshold,
				"candidate band %s is below the policy %s minimum %s", c.Band, p.Version, p.MinBand)
		}
	}

	if !p.promotable(c.Severity) {
		return reject(domain.RejectionSeverityNotPromotable,
			"candidate severity %s is not promotable under policy %s", c.Severity.SEV(), p.Version)
	}

	reason := fmt.Sprintf("candidate meets policy %s with %d detections at confidence %.3f", p.Version, n, c.Confidence)
	if override {
		reason += ", confidence checks overridden"
	}
	return Verdict{Decision: domain.DecisionPromote, Reason: reason}
}

func (p Policy) promotable(s domain.Severity) bool {
	for _, allowed := range p.PromotableSeverities {
		if allowed == s {
			return true
		}
	}
	return false
}

func reject(code domain.RejectionCode, format string, args ...any) Verdict {
	return Verdict{Decision: domain.DecisionReject, RejectionCode: code, Reason: fmt.Sprintf(format, args...)}
}
