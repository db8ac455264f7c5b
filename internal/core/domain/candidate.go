package domain

import (
	"fmt"
	"math"
	"time"
)

// Hard caps on candidate contents. They bound storage and replay cost.
const (
	MaxCandidateDetections = 100
	MaxGenerationSteps     = 20
	MaxAffectedServices    = 50
	MaxAffectedResources   = 20
)

// ConfidenceBand is the coarse verdict derived from a confidence score.
type ConfidenceBand string

// Confidence bands, weakest first.
const (
	BandLow      ConfidenceBand = "LOW"
	BandMedium   ConfidenceBand = "MEDIUM"
	BandHigh     ConfidenceBand = "HIGH"
	BandCritical ConfidenceBand = "CRITICAL"
)

// IsValid checks if the band is known.
func (b ConfidenceBand) IsValid() bool {
	return b.Rank() > 0
}

// Rank orders bands from LOW (1) to CRITICAL (4); unknown bands rank 0.
func (b ConfidenceBand) Rank() int {
	switch b {
	case BandLow:
		return 1
	case BandMedium:
		return 2
	case BandHigh:
		return 3
	case BandCritical:
		return 4
	default:
		return 0
	}
}

// FactorScores holds the five independent confidence factors, each in [0,1].
type FactorScores struct {
	DetectionCount  float64 `json:"detection_count"`
	SeverityScore   float64 `json:"severity_score"`
	RuleDiversity   float64 `json:"rule_diversity"`
	TemporalDensity float64 `json:"temporal_density"`
	SignalVolume    float64 `json:"signal_volume"`
}

// Values returns the factors in their canonical order.
func (f FactorScores) Values() []float64 {
	return []float64{f.DetectionCount, f.SeverityScore, f.RuleDiversity, f.TemporalDensity, f.SignalVolume}
}

// CandidateAssessment is the confidence verdict over an evidence bundle.
type CandidateAssessment struct {
	EvidenceID string         `json:"evidence_id"`
	Score      float64        `json:"score"`
	Band       ConfidenceBand `json:"band"`
	Factors    FactorScores   `json:"factors"`
	Reasons    []string       `json:"reasons"`
	AssessedAt time.Time      `json:"assessed_at"`
}

// Validate checks the assessment's bounds.
func (a *CandidateAssessment) Validate() error {
	if a.EvidenceID == "" {
		return Validation("assessment evidence_id is required")
	}
	if math.IsNaN(a.Score) || a.Score < 0 || a.Score > 1 {
		return Validation("assessment score %v is outside [0,1]", a.Score)
	}
	if !a.Band.IsValid() {
		return Validation("assessment band %q is unknown", a.Band)
	}
	for i, v := range a.Factors.Values() {
		if math.IsNaN(v) || v < 0 || v > 1 {
			return Validation("assessment factor %d value %v is outside [0,1]", i, v)
		}
	}
	if len(a.Reasons) == 0 {
		return Validation("assessment must carry at least one reason")
	}
	if a.AssessedAt.IsZero() {
		return Validation("assessment assessed_at timestamp is required")
	}
	return nil
}

// BlastScope describes how far an incident candidate reaches.
type BlastScope string

// Blast radius scopes, narrowest first.
const (
	ScopeSingleResource BlastScope = "SINGLE_RESOURCE"
	ScopeService        BlastScope = "SERVICE"
	ScopeMultiService   BlastScope = "MULTI_SERVICE"
)

// ImpactLevel is the estimated impact of a candidate.
type ImpactLevel string

// Impact levels.
const (
	ImpactLow      ImpactLevel = "LOW"
	ImpactMedium   ImpactLevel = "MEDIUM"
	ImpactHigh     ImpactLevel = "HIGH"
	ImpactCritical ImpactLevel = "CRITICAL"
)

// BlastRadius is a deterministic estimate of what a candidate affects.
type BlastRadius struct {
	Scope             BlastScope    `json:"scope"`
	AffectedServices  []string      `json:"affected_services"`
	AffectedResources []ResourceRef `json:"affected_resources"`
	ImpactLevel       ImpactLevel   `json:"impact_level"`
}

// GenerationStep is one audited reasoning step taken while building a candidate.
type GenerationStep struct {
	Step   int    `json:"step"`
	Action string `json:"action"`
	Detail string `json:"detail"`
}

// IncidentCandidate is a recommendation to open an incident. It is never itself
// an incident: promotion creates a distinct Incident keyed off the decision.
type IncidentCandidate struct {
	ID               string           `json:"id"`
	CorrelationKey   string           `json:"correlation_key"`
	CandidateVersion string           `json:"candidate_version"`
	EvidenceID       string           `json:"evidence_id"`
	Service          string           `json:"service"`
	RuleID           string           `json:"rule_id"`
	RuleVersion      string           `json:"rule_version"`
	PolicyVersion    string           `json:"policy_version"`
	DetectionIDs     []string         `json:"detection_ids"`
	Severity         Severity         `json:"severity"`
	Confidence       float64          `json:"confidence"`
	Band             ConfidenceBand   `json:"band"`
	BlastRadius      BlastRadius      `json:"blast_radius"`
	GenerationTrace  []GenerationStep `json:"generation_trace"`
	WindowStart      time.Time        `json:"window_start"`
	WindowEnd        time.Time        `json:"window_end"`
	CreatedAt        time.Time        `json:"created_at"`
}

// Validate enforces the candidate's required fields and hard caps.
func (c *IncidentCandidate) Validate() error {
	switch {
	case c.ID == "":
		return Validation("candidate ID is required")
	case c.CorrelationKey == "":
		return Validation("candidate correlation_key is required")
	case c.CandidateVersion == "":
		return Validation("candidate candidate_version is required")
	case c.Service == "":
		return Validation("candidate service is required")
	case c.RuleID == "" || c.RuleVersion == "":
		return Validation("candidate rule_id and rule_version are required")
	case !c.Severity.IsValid():
		return Validation("candidate severity %q is invalid", c.Severity)
	case !c.Band.IsValid():
		return Validation("candidate band %q is invalid", c.Band)
	case math.IsNaN(c.Confidence) || c.Confidence < 0 || c.Confidence > 1:
		return Validation("candidate confidence %v is outside [0,1]", c.Confidence)
	}
	if len(c.DetectionIDs) == 0 {
		return Validation("candidate must reference at least one detection")
	}
	if len(c.DetectionIDs) > MaxCandidateDetections {
		return Validation("candidate references %d detections, limit is %d", len(c.DetectionIDs), MaxCandidateDetections)
	}
	if len(c.GenerationTrace) > MaxGenerationSteps {
		return Validation("candidate generation trace has %d steps, limit is %d", len(c.GenerationTrace), MaxGenerationSteps)
	}
	if n := len(c.BlastRadius.AffectedServices); n > MaxAffectedServices {
		return Validation("candidate affects %d services, limit is %d", n, MaxAffectedServices)
	}
	if n := len(c.BlastRadius.AffectedResources); n > MaxAffectedResources {
		return Validation("candidate affects %d resources, limit is %d", n, MaxAffectedResources)
	}
	if c.WindowEnd.Before(c.WindowStart) {
		return Validation("candidate window end %s precedes start %s", FormatTimestamp(c.WindowEnd), FormatTimestamp(c.WindowStart))
	}
	return nil
}

// Title renders a short human-readable title for an incident raised from the candidate.
func (c *IncidentCandidate) Title() string {
	return fmt.Sprintf("%s: %s on %s", c.Severity.SEV(), c.RuleID, c.Service)
}
