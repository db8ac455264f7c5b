package detection

import (
	"strconv"
	"strings"

	"github.com/Studio-Elephant-and-Rope/steward/internal/core/domain"
	"github.com/Studio-Elephant-and-Rope/steward/internal/identity"
)

// Field names understood by conditions. Attribute and environment fields use
// a dotted prefix, for example attributes.error_rate or environment.region.
const (
	FieldService      = "service"
	FieldSource       = "source"
	FieldSignalType   = "signalType"
	FieldSeverity     = "severity"
	FieldConfidence   = "confidence"
	attributesPrefix  = "attributes."
	environmentPrefix = "environment."
	resourcePrefix    = "resource."
)

// DetectionID scopes a detection to the rule version and the normalized signal.
func DetectionID(ruleID, ruleVersion, normalizedSignalID string) string {
	return identity.HashParts(ruleID, ruleVersion, normalizedSignalID)
}

// Evaluate applies rule to a normalized signal. It reports false when the
// matcher or any condition does not hold, or when the signal carries no
// usable timestamp.
func Evaluate(rule *Rule, ns *domain.NormalizedSignal) (*domain.DetectionResult, bool) {
	if rule == nil || ns == nil {
		return nil, false
	}
	if !matches(rule.def.Matcher, ns) {
		return nil, false
	}
	for _, c := range rule.conditions {
		if !c.holds(ns) {
			return nil, false
		}
	}

	detectedAt, err := ns.ObservedAt()
	if err != nil {
		return nil, false
	}

	resources := make([]domain.ResourceRef, len(ns.Resources))
	copy(resources, ns.Resources)

	return &domain.DetectionResult{
		ID:                 DetectionID(rule.ID(), rule.Version(), ns.ID),
		RuleID:             rule.ID(),
		RuleVersion:        rule.Version(),
		Service:            ns.Service,
		Source:             ns.Source,
		SignalType:         ns.CanonicalType,
		Severity:           rule.def.Output.Severity,
		Confidence:         rule.def.Output.Confidence,
		NormalizedSignalID: ns.ID,
		SignalID:           ns.SourceSignalID,
		Resources:          resources,
		DetectedAt:         detectedAt,
	}, true
}

func matches(m SignalMatcher, ns *domain.NormalizedSignal) bool {
	if len(m.Sources) > 0 && !contains(m.Sources, ns.Source) {
		return false
	}
	if len(m.SignalTypes) > 0 && !contains(m.SignalTypes, ns.CanonicalType) {
		return false
	}
	if len(m.Services) > 0 && !contains(m.Services, ns.Service) {
		return false
	}
	if len(m.Severities) > 0 {
		found := false
		for _, s := range m.Severities {
			if s == ns.Severity {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func (c compiledCondition) holds(ns *domain.NormalizedSignal) bool {
	value, present := resolveField(ns, c.Field)

	switch c.Operator {
	case OpExists:
		return present
	case OpIn:
		return present && contains(c.choices, value)
	case OpContains:
		return present && strings.Contains(value, c.text)
	}

	if !present {
		return false
	}

	if !c.numeric {
		switch c.Operator {
		case OpEq:
			return value == c.text
		case OpNeq:
			return value != c.text
		}
		return false
	}

	actual, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return false
	}
	switch c.Operator {
	case OpEq:
		return actual == c.number
	case OpNeq:
		return actual != c.number
	case OpGt:
		return actual > c.number
	case OpGte:
		return actual >= c.number
	case OpLt:
		return actual < c.number
	case OpLte:
		return actual <= c.number
	}
	return false
}

// resolveField reads a field from the signal as text. Only explicit values
// are returned; absent attributes are reported as not present.
func resolveField(ns *domain.NormalizedSignal, field string) (string, bool) {
	switch field {
	case FieldService:
		return ns.Service, ns.Service != ""
	case FieldSource:
		return ns.Source, ns.Source != ""
	case FieldSignalType:
		return ns.CanonicalType, ns.CanonicalType != ""
	case FieldSeverity:
		return string(ns.Severity), ns.Severity != ""
	case FieldConfidence:
		return strconv.FormatFloat(ns.Confidence, 'f', -1, 64), true
	}

	switch {
	case strings.HasPrefix(field, attributesPrefix):
		v, ok := ns.Attributes[strings.TrimPrefix(field, attributesPrefix)]
		return v, ok
	case strings.HasPrefix(field, environmentPrefix):
		var v string
		switch strings.TrimPrefix(field, environmentPrefix) {
		case "account":
			v = ns.Environment.Account
		case "region":
			v = ns.Environment.Region
		case "stage":
			v = ns.Environment.Stage
		}
		return v, v != ""
	case strings.HasPrefix(field, resourcePrefix):
		resourceType := strings.TrimPrefix(field, resourcePrefix)
		for _, r := range ns.Resources {
			if r.Type == resourceType {
				return r.ID, true
			}
		}
	}
	return "", false
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
