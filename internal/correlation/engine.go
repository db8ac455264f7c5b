// Package correlation turns assessed evidence bundles into incident candidates.
//
// Candidates are keyed by an order-independent correlation key derived from
// their detections, the primary rule and a set of grouping attributes. The
// candidate id adds only the candidate schema version, so regenerating a
// candidate from the same bundle yields the same id.
package correlation

import (
	"fmt"
	"sort"
	"time"

	"github.com/Studio-Elephant-and-Rope/steward/internal/core/domain"
	"github.com/Studio-Elephant-and-Rope/steward/internal/identity"
	"github.com/Studio-Elephant-and-Rope/steward/internal/logging"
)

// Config configures candidate generation.
type Config struct {
	// CandidateVersion is the candidate schema version mixed into candidate ids.
	CandidateVersion string `mapstructure:"candidate_version" json:"candidate_version"`
	// PolicyVersion is recorded on each candidate for the promotion gate.
	PolicyVersion string `mapstructure:"policy_version" json:"policy_version"`
	// WindowTruncation buckets the bundle window start in the correlation key.
	WindowTruncation time.Duration `mapstructure:"window_truncation" json:"window_truncation"`
}

// DefaultConfig returns the default candidate generation settings.
func DefaultConfig() Config {
	return Config{
		CandidateVersion: "v1",
		PolicyVersion:    "v1",
		WindowTruncation: 5 * time.Minute,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.CandidateVersion == "" {
		return fmt.Errorf("candidate version is required")
	}
	if c.PolicyVersion == "" {
		return fmt.Errorf("policy version is required")
	}
	if c.WindowTruncation <= 0 {
		return fmt.Errorf("window truncation must be positive")
	}
	return nil
}

// Engine builds incident candidates. It holds no state and is safe for
// concurrent use.
type Engine struct {
	config Config
	logger *logging.Logger
}

// NewEngine creates a correlation engine with the given configuration.
func NewEngine(config Config, logger *logging.Logger) (*Engine, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if err := config.Validate(); err != nil {
		return nil, domain.WrapError(domain.CodeValidation, err, "invalid correlation configuration")
	}
	return &Engine{config: config, logger: logger.WithComponent("correlation")}, nil
}

// Config returns the engine configuration.
func (e *Engine) Config() Config {
	return e.config
}

// GenerateCandidate builds the candidate for an assessed bundle.
//
// Every timestamp comes from the bundle: CreatedAt is BundledAt. Exceeding any
// content cap fails with VALIDATION_ERROR rather than truncating evidence.
func (e *Engine) GenerateCandidate(bundle *domain.EvidenceBundle, assessment *domain.CandidateAssessment) (*domain.IncidentCandidate, error) {
	if bundle == nil || assessment == nil {
		return nil, domain.Validation("candidate generation needs a bundle and its assessment")
	}
	if assessment.EvidenceID != bundle.ID {
		return nil, domain.Validation("assessment %s does not belong to evidence bundle %s", assessment.EvidenceID, bundle.ID)
	}
	if len(bundle.Detections) == 0 {
		return nil, domain.Validation("evidence bundle %s has no detections", bundle.ID)
	}
	if n := len(bundle.Detections); n > domain.MaxCandidateDetections {
		return nil, domain.Validation("evidence bundle %s has %d detections, limit is %d", bundle.ID, n, domain.MaxCandidateDetections)
	}

	trace := newTrace()

	primary, count := PrimaryRule(bundle.Detections)
	trace.add("select_primary_rule", "rule %s@%s has %d of %d detections", primary.ID, primary.Version, count, len(bundle.Detections))

	fields := KeyFields{
		Service:         bundle.Service,
		Source:          uniform(bundle.Detections, primary, func(d domain.DetectionResult) string { return d.Source }),
		RuleID:          primary.ID,
		SignalType:      uniform(bundle.Detections, primary, func(d domain.DetectionResult) string { return d.SignalType }),
		WindowTruncated: bundle.WindowStart.UTC().Truncate(e.config.WindowTruncation).Format(identity.WindowLayout),
	}
	detectionIDs := bundle.DetectionIDs()
	sort.Strings(detectionIDs)

	key := ComputeCorrelationKey(detectionIDs, primary.ID, primary.Version, fields)
	trace.add("compute_correlation_key", "key over %d detections and %d grouping fields", len(detectionIDs), len(fields.pairs()))

	trace.add("assess_confidence", "score %.3f from evidence %s", assessment.Score, assessment.EvidenceID)

	radius := EstimateBlastRadius(bundle.Detections)
	if n := len(radius.AffectedServices); n > domain.MaxAffectedServices {
		return nil, domain.Validation("candidate would affect %d services, limit is %d", n, domain.MaxAffectedServices)
	}
	if n := len(radius.AffectedResources); n > domain.MaxAffectedResources {
		return nil, domain.Validation("candidate would affect %d resources, limit is %d", n, domain.MaxAffectedResources)
	}
	trace.add("estimate_blast_radius", "scope %s across %d services and %d resources", radius.Scope, len(radius.AffectedServices), len(radius.AffectedResources))

	id := ComputeCandidateID(key, e.config.CandidateVersion)
	trace.add("derive_candidate_id", "candidate version %s", e.config.CandidateVersion)

	severity := bundle.Summary.HighestSeverity
	if !severity.IsValid() {
		severity = highestSeverity(bundle.Detections)
	}

	candidate := &domain.IncidentCandidate{
		ID:               id,
		CorrelationKey:   key,
		CandidateVersion: e.config.CandidateVersion,
		EvidenceID:       bundle.ID,
		Service:          bundle.Service,
		RuleID:           primary.ID,
		RuleVersion:      primary.Version,
		PolicyVersion:    e.config.PolicyVersion,
		DetectionIDs:     detectionIDs,
		Severity:         severity,
		Confidence:       assessment.Score,
		Band:             assessment.Band,
		BlastRadius:      radius,
		GenerationTrace:  trace.steps,
		WindowStart:      bundle.WindowStart.UTC(),
		WindowEnd:        bundle.WindowEnd.UTC(),
		CreatedAt:        bundle.BundledAt.UTC(),
	}
	if err := candidate.Validate(); err != nil {
		return nil, err
	}

	e.logger.Debug("Candidate generated",
		"candidate_id", candidate.ID,
		"evidence_id", bundle.ID,
		"rule_id", primary.ID,
		"band", string(candidate.Band))
	return candidate, nil
}

func highestSeverity(detections []domain.DetectionResult) domain.Severity {
	highest := detections[0].Severity
	for _, d := range detections[1:] {
		if d.Severity.MoreSevereThan(highest) {
			highest = d.Severity
		}
	}
	return highest
}

// trace accumulates the generation steps of one candidate.
type trace struct {
	steps []domain.GenerationStep
}

func newTrace() *trace {
	return &trace{steps: make([]domain.GenerationStep, 0, 8)}
}

func (t *trace) add(action, format string, args ...any) {
	if len(t.steps) >= domain.MaxGenerationSteps {
		return
	}
	t.steps = append(t.steps, domain.GenerationStep{
		Step:   len(t.steps) + 1,
		Action: action,
		Detail: fmt.Sprintf(format, args...),
	})
}
