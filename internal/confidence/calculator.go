// Package confidence scores evidence bundles.
//
// A score is the weighted sum of five independent factors, each in [0,1]. The
// score maps onto a band through ascending cut points. Assessments are pure
// functions of the bundle: AssessedAt is the bundle's BundledAt.
package confidence

import (
	"fmt"
	"math"

	"github.com/Studio-Elephant-and-Rope/steward/internal/core/domain"
)

// Saturation points of the factor formulas.
const (
	detectionsForFull   = 5.0
	rulesForFull        = 3.0
	signalsForFull      = 10.0
	densityForFull      = 2.0 // detections per minute
	weightSumTolerance  = 1e-6
	minimumSpanInMinute = 1.0
)

// Weights are the factor weights. They must sum to 1.
type Weights struct {
	DetectionCount  float64 `mapstructure:"detection_count" json:"detection_count"`
	SeverityScore   float64 `mapstructure:"severity_score" json:"severity_score"`
	RuleDiversity   float64 `mapstructure:"rule_diversity" json:"rule_diversity"`
	TemporalDensity float64 `mapstructure:"temporal_density" json:"temporal_density"`
	SignalVolume    float64 `mapstructure:"signal_volume" json:"signal_volume"`
}

func (w Weights) values() []float64 {
	return []float64{w.DetectionCount, w.SeverityScore, w.RuleDiversity, w.TemporalDensity, w.SignalVolume}
}

// Thresholds are the lower bounds of the MEDIUM, HIGH and CRITICAL bands.
type Thresholds struct {
	Medium   float64 `mapstructure:"medium" json:"medium"`
	High     float64 `mapstructure:"high" json:"high"`
	Critical float64 `mapstructure:"critical" json:"critical"`
}

// Config configures the calculator.
type Config struct {
	Weights    Weights    `mapstructure:"weights" json:"weights"`
	Thresholds Thresholds `mapstructure:"thresholds" json:"thresholds"`
}

// DefaultConfig returns the default weights and band cut points.
func DefaultConfig() Config {
	return Config{
		Weights: Weights{
			DetectionCount:  0.25,
			SeverityScore:   0.25,
			RuleDiversity:   0.20,
			TemporalDensity: 0.15,
			SignalVolume:    0.15,
		},
		Thresholds: Thresholds{
			Medium:   0.40,
			High:     0.65,
			Critical: 0.85,
		},
	}
}

// Validate checks that weights are in [0,1] and sum to 1, and that the cut
// points ascend strictly within (0,1].
func (c Config) Validate() error {
	sum := 0.0
	for i, w := range c.Weights.values() {
		if math.IsNaN(w) || w < 0 || w > 1 {
			return fmt.Errorf("confidence weight %d is %v, must be within [0,1]", i, w)
		}
		sum += w
	}
	if math.Abs(sum-1) > weightSumTolerance {
		return fmt.Errorf("confidence weights sum to %v, must sum to 1", sum)
	}

	t := c.Thresholds
	if !(t.Medium > 0 && t.Medium < t.High && t.High < t.Critical && t.Critical <= 1) {
		return fmt.Errorf("confidence thresholds must ascend within (0,1]: medium=%v high=%v critical=%v", t.Medium, t.High, t.Critical)
	}
	return nil
}

// Calculator assesses evidence bundles.
type Calculator struct {
	config Config
}

// NewCalculator creates a calculator with a validated configuration.
func NewCalculator(config Config) (*Calculator, error) {
	if err := config.Validate(); err != nil {
		return nil, domain.WrapError(domain.CodeValidation, err, "invalid confidence configuration")
	}
	return &Calculator{config: config}, nil
}

// Config returns the calculator's configuration.
func (c *Calculator) Config() Config {
	return c.config
}

// Assess scores a bundle. The returned assessment is validated; a bundle that
// cannot be scored fails with VALIDATION_ERROR.
func (c *Calculator) Assess(bundle *domain.EvidenceBundle) (*domain.CandidateAssessment, error) {
	if bundle == nil {
		return nil, domain.Validation("cannot assess a nil evidence bundle")
	}
	if bundle.ID == "" {
		return nil, domain.Validation("cannot assess an evidence bundle without an id")
	}
	if bundle.Summary.DetectionCount == 0 {
		return nil, domain.Validation("evidence bundle %s has no detections to assess", bundle.ID)
	}

	factors := Factors(bundle.Summary)
	score := c.Score(factors)

	assessment := &domain.CandidateAssessment{
		EvidenceID: bundle.ID,
		Score:      score,
		Band:       c.Band(score),
		Factors:    factors,
		Reasons:    reasons(bundle.Summary, score),
		AssessedAt: bundle.BundledAt.UTC(),
	}
	if err := assessment.Validate(); err != nil {
		return nil, err
	}
	return assessment, nil
}

// Score is the weighted sum of the factors, clamped to [0,1].
func (c *Calculator) Score(f domain.FactorScores) float64 {
	w := c.config.Weights
	score := f.DetectionCount*w.DetectionCount +
		f.SeverityScore*w.SeverityScore +
		f.RuleDiversity*w.RuleDiversity +
		f.TemporalDensity*w.TemporalDensity +
		f.SignalVolume*w.SignalVolume
	return clamp(score)
}

// Band maps a score onto its band.
func (c *Calculator) Band(score float64) domain.ConfidenceBand {
	t := c.config.Thresholds
	switch {
	case score < t.Medium:
		return domain.BandLow
	case score < t.High:
		return domain.BandMedium
	case score < t.Critical:
		return domain.BandHigh
	default:
		return domain.BandCritical
	}
}

// Factors computes the five factor scores of a summary.
func Factors(s domain.SignalSummary) domain.FactorScores {
	n := float64(s.DetectionCount)
	return domain.FactorScores{
		DetectionCount:  clamp(n / detectionsForFull),
		SeverityScore:   SeverityWeight(s.HighestSeverity),
		RuleDiversity:   clamp(float64(s.UniqueRuleCount) / rulesForFull),
		TemporalDensity: clamp((n / spanMinutes(s)) / densityForFull),
		SignalVolume:    clamp(float64(s.UniqueSignalCount) / signalsForFull),
	}
}

// SeverityWeight scores a severity from SEV1 (1.0) to SEV5 (0.1).
func SeverityWeight(s domain.Severity) float64 {
	switch s {
	case domain.SeverityCritical:
		return 1.0
	case domain.SeverityHigh:
		return 0.75
	case domain.SeverityMedium:
		return 0.5
	case domain.SeverityLow:
		return 0.25
	case domain.SeverityInfo:
		return 0.1
	default:
		return 0
	}
}

func spanMinutes(s domain.SignalSummary) float64 {
	return math.Max(s.LastDetectedAt.Sub(s.FirstDetectedAt).Minutes(), minimumSpanInMinute)
}

// reasons renders the facts behind a score. They never name a band.
func reasons(s domain.SignalSummary, score float64) []string {
	return []string{
		fmt.Sprintf("%d detections from %d distinct rules", s.DetectionCount, s.UniqueRuleCount),
		fmt.Sprintf("most severe detection is %s", s.HighestSeverity.SEV()),
		fmt.Sprintf("%d distinct raw signals", s.UniqueSignalCount),
		fmt.Sprintf("detections span %.1f minutes", s.LastDetectedAt.Sub(s.FirstDetectedAt).Minutes()),
		fmt.Sprintf("weighted score %.3f", score),
	}
}

func clamp(v float64) float64 {
	switch {
	case math.IsNaN(v) || v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
