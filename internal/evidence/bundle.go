package evidence

import (
	"sort"
	"strings"
	"time"

	"github.com/Studio-Elephant-and-Rope/steward/internal/core/domain"
	"github.com/Studio-Elephant-and-Rope/steward/internal/core/ports"
	"github.com/Studio-Elephant-and-Rope/steward/internal/identity"
)

// Bundler aggregates detections into evidence bundles.
type Bundler struct {
	clock ports.Clock
}

// NewBundler creates a bundler that stamps bundles with clock.
func NewBundler(clock ports.Clock) *Bundler {
	if clock == nil {
		clock = ports.SystemClock()
	}
	return &Bundler{clock: clock}
}

// BuildBundle validates detections against the service and the inclusive
// window [windowStart, windowEnd] and bundles them. Any violation fails with
// VALIDATION_ERROR and nothing is bundled.
func (b *Bundler) BuildBundle(detections []domain.DetectionResult, service string, windowStart, windowEnd time.Time) (*domain.EvidenceBundle, error) {
	if len(detections) == 0 {
		return nil, domain.Validation("evidence bundle needs at least one detection")
	}
	if service == "" {
		return nil, domain.Validation("evidence bundle service is required")
	}
	if windowStart.IsZero() || windowEnd.IsZero() {
		return nil, domain.Validation("evidence bundle window bounds are required")
	}
	if windowEnd.Before(windowStart) {
		return nil, domain.Validation("evidence bundle window end %s precedes start %s",
			domain.FormatTimestamp(windowEnd), domain.FormatTimestamp(windowStart))
	}

	seen := make(map[string]struct{}, len(detections))
	bundled := make([]domain.DetectionResult, 0, len(detections))
	for i := range detections {
		d := detections[i]
		if err := d.Validate(); err != nil {
			return nil, domain.WrapError(domain.CodeValidation, err, "detection at index %d is invalid", i)
		}
		if d.Service != service {
			return nil, domain.Validation("detection %s belongs to service %s, not %s", d.ID, d.Service, service)
		}
		if d.DetectedAt.Before(windowStart) || d.DetectedAt.After(windowEnd) {
			return nil, domain.Validation("detection %s at %s is outside the window %s to %s", d.ID,
				domain.FormatTimestamp(d.DetectedAt), domain.FormatTimestamp(windowStart), domain.FormatTimestamp(windowEnd))
		}
		if _, dup := seen[d.ID]; dup {
			return nil, domain.Validation("detection %s appears more than once", d.ID)
		}
		seen[d.ID] = struct{}{}
		d.DetectedAt = d.DetectedAt.UTC()
		bundled = append(bundled, d)
	}

	sort.Slice(bundled, func(i, j int) bool {
		if !bundled[i].DetectedAt.Equal(bundled[j].DetectedAt) {
			return bundled[i].DetectedAt.Before(bundled[j].DetectedAt)
		}
		return bundled[i].ID < bundled[j].ID
	})

	ids := make([]string, len(bundled))
	for i, d := range bundled {
		ids[i] = d.ID
	}

	return &domain.EvidenceBundle{
		ID:          EvidenceID(ids, windowStart, windowEnd),
		Service:     service,
		WindowStart: windowStart.UTC(),
		WindowEnd:   windowEnd.UTC(),
		Detections:  bundled,
		Summary:     Summarize(bundled),
		BundledAt:   b.clock.Now().UTC(),
	}, nil
}

// EvidenceID derives a bundle id from its detection ids, in any order, and
// its window.
func EvidenceID(detectionIDs []string, windowStart, windowEnd time.Time) string {
	sorted := append([]string(nil), detectionIDs...)
	sort.Strings(sorted)
	return identity.HashParts(
		strings.Join(sorted, ","),
		domain.FormatTimestamp(windowStart),
		domain.FormatTimestamp(windowEnd),
	)
}

// Summarize derives the signal summary of a set of detections.
func Summarize(detections []domain.DetectionResult) domain.SignalSummary {
	summary := domain.SignalSummary{
		DetectionCount:       len(detections),
		SeverityDistribution: make(map[domain.Severity]int),
	}
	if len(detections) == 0 {
		return summary
	}

	rules := make(map[string]struct{})
	signals := make(map[string]struct{})
	summary.HighestSeverity = detections[0].Severity
	summary.FirstDetectedAt = detections[0].DetectedAt.UTC()
	summary.LastDetectedAt = detections[0].DetectedAt.UTC()

	for _, d := range detections {
		rules[d.RuleID] = struct{}{}
		signals[d.SignalID] = struct{}{}
		summary.SeverityDistribution[d.Severity]++
		if d.Severity.MoreSevereThan(summary.HighestSeverity) {
			summary.HighestSeverity = d.Severity
		}
		if d.DetectedAt.Before(summary.FirstDetectedAt) {
			summary.FirstDetectedAt = d.DetectedAt.UTC()
		}
		if d.DetectedAt.After(summary.LastDetectedAt) {
			summary.LastDetectedAt = d.DetectedAt.UTC()
		}
	}

	summary.UniqueRuleCount = len(rules)
	summary.UniqueSignalCount = len(signals)
	return summary
}

// VerifyBundleID reports whether a stored bundle's id matches its contents.
func VerifyBundleID(b *domain.EvidenceBundle) error {
	if b == nil {
		return domain.Validation("evidence bundle is nil")
	}
	if want := EvidenceID(b.DetectionIDs(), b.WindowStart, b.WindowEnd); want != b.ID {
		return domain.NewError(domain.CodeReplayIntegrityViolation,
			"evidence bundle id %s does not match its detections and window, recomputed %s", b.ID, want)
	}
	return nil
}
