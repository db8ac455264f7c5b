package correlation

import (
	"fmt"
	"sort"
	"strings"

	"github.com/Studio-Elephant-and-Rope/steward/internal/core/domain"
	"github.com/Studio-Elephant-and-Rope/steward/internal/identity"
)

// KeyFields are the grouping attributes that take part in a correlation key.
// Empty fields are left out of the key.
type KeyFields struct {
	Service         string
	Source          string
	RuleID          string
	SignalType      string
	WindowTruncated string
}

// pairs renders the present fields as sorted key=value pairs.
func (k KeyFields) pairs() []string {
	fields := map[string]string{
		"service":         k.Service,
		"source":          k.Source,
		"ruleId":          k.RuleID,
		"signalType":      k.SignalType,
		"windowTruncated": k.WindowTruncated,
	}

	var parts []string
	for key, value := range fields {
		if value != "" {
			parts = append(parts, fmt.Sprintf("%s=%s", key, value))
		}
	}
	sort.Strings(parts)
	return parts
}

// ComputeCorrelationKey derives the grouping key of a set of detections.
// The order of detectionIDs does not matter.
func ComputeCorrelationKey(detectionIDs []string, ruleID, ruleVersion string, fields KeyFields) string {
	sorted := append([]string(nil), detectionIDs...)
	sort.Strings(sorted)
	return identity.HashParts(
		strings.Join(sorted, ","),
		ruleID,
		ruleVersion,
		strings.Join(fields.pairs(), ","),
	)
}

// ComputeCandidateID derives a candidate id from its correlation key and the
// candidate schema version.
func ComputeCandidateID(correlationKey, candidateVersion string) string {
	return identity.HashParts(correlationKey, candidateVersion)
}

// RuleRef identifies one version of a rule.
type RuleRef struct {
	ID      string
	Version string
}

// PrimaryRule returns the rule version with the most detections. Ties go to
// the smallest rule id, then the smallest version.
func PrimaryRule(detections []domain.DetectionResult) (RuleRef, int) {
	counts := make(map[RuleRef]int)
	for _, d := range detections {
		counts[RuleRef{ID: d.RuleID, Version: d.RuleVersion}]++
	}

	var (
		best      RuleRef
		bestCount int
	)
	for ref, n := range counts {
		tie := n == bestCount && (ref.ID < best.ID || (ref.ID == best.ID && ref.Version < best.Version))
		if n > bestCount || tie {
			best, bestCount = ref, n
		}
	}
	return best, bestCount
}

// uniform returns the value shared by every detection of the rule, or "" when
// they disagree.
func uniform(detections []domain.DetectionResult, rule RuleRef, field func(domain.DetectionResult) string) string {
	value, seen := "", false
	for _, d := range detections {
		if d.RuleID != rule.ID || d.RuleVersion != rule.Version {
			continue
		}
		v := field(d)
		if !seen {
			value, seen = v, true
			continue
		}
		if v != value {
			return ""
		}
	}
	return value
}
