// Package detection applies versioned, declarative rules to normalized signals.
//
// Rules are data. A rule names the signals it applies to through a
// SignalMatcher, narrows them with ordered Conditions and states the severity
// and confidence of the detection it produces. Evaluation is pure: one rule
// applied to one normalized signal yields zero or one DetectionResult.
package detection

import (
	"fmt"
	"sort"
	"strings"

	"github.com/hashicorp/go-version"

	"github.com/Studio-Elephant-and-Rope/steward/internal/core/domain"
	"github.com/Studio-Elephant-and-Rope/steward/internal/normalization"
)

// Operator is a condition comparison.
type Operator string

// Supported condition operators.
const (
	OpEq       Operator = "eq"
	OpNeq      Operator = "neq"
	OpGt       Operator = "gt"
	OpGte      Operator = "gte"
	OpLt       Operator = "lt"
	OpLte      Operator = "lte"
	OpIn       Operator = "in"
	OpContains Operator = "contains"
	OpExists   Operator = "exists"
)

// IsValid checks if the operator is supported.
func (o Operator) IsValid() bool {
	switch o {
	case OpEq, OpNeq, OpGt, OpGte, OpLt, OpLte, OpIn, OpContains, OpExists:
		return true
	default:
		return false
	}
}

// isOrdering reports whether the operator only makes sense on numbers.
func (o Operator) isOrdering() bool {
	return o == OpGt || o == OpGte || o == OpLt || o == OpLte
}

// ThresholdJustification records why a numeric threshold has the value it has.
type ThresholdJustification struct {
	Source    string `yaml:"source" json:"source"`
	Rationale string `yaml:"rationale" json:"rationale"`
	Owner     string `yaml:"owner" json:"owner"`
}

// SignalMatcher selects the signals a rule applies to. Values inside one list
// are alternatives; every non-empty list must match.
type SignalMatcher struct {
	Sources     []string          `yaml:"sources,omitempty" json:"sources,omitempty"`
	SignalTypes []string          `yaml:"signal_types,omitempty" json:"signal_types,omitempty"`
	Services    []string          `yaml:"services,omitempty" json:"services,omitempty"`
	Severities  []domain.Severity `yaml:"severities,omitempty" json:"severities,omitempty"`
}

// Condition compares one signal field against a value.
type Condition struct {
	Field         string                  `yaml:"field" json:"field"`
	Operator      Operator                `yaml:"operator" json:"operator"`
	Value         any                     `yaml:"value,omitempty" json:"value,omitempty"`
	Justification *ThresholdJustification `yaml:"justification,omitempty" json:"justification,omitempty"`
}

// Output is what a matching rule asserts about the signal.
type Output struct {
	Severity   domain.Severity `yaml:"severity" json:"severity"`
	Confidence float64         `yaml:"confidence" json:"confidence"`
}

// Definition is the serialized form of a rule.
type Definition struct {
	ID          string        `yaml:"id" json:"id"`
	Version     string        `yaml:"version" json:"version"`
	Name        string        `yaml:"name,omitempty" json:"name,omitempty"`
	Description string        `yaml:"description,omitempty" json:"description,omitempty"`
	Matcher     SignalMatcher `yaml:"match" json:"match"`
	Conditions  []Condition   `yaml:"conditions,omitempty" json:"conditions,omitempty"`
	Output      Output        `yaml:"output" json:"output"`
	Enabled     *bool         `yaml:"enabled,omitempty" json:"enabled,omitempty"`
}

// Rule is a parsed, validated rule. It can only be obtained through Parse.
type Rule struct {
	def        Definition
	conditions []compiledCondition
}

type compiledCondition struct {
	Condition
	numeric bool
	number  float64
	text    string
	choices []string
}

// Parse validates a definition and prepares it for evaluation.
//
// Every condition comparing against a number must carry a complete
// justification; a rule without one is refused with MISSING_JUSTIFICATION.
func Parse(def Definition) (*Rule, error) {
	def.ID = strings.TrimSpace(def.ID)
	if def.ID == "" {
		return nil, domain.Validation("rule id is required")
	}
	if _, err := version.NewSemver(def.Version); err != nil {
		return nil, domain.WrapError(domain.CodeValidation, err, "rule %s version %q is not a semantic version", def.ID, def.Version)
	}
	if def.Name == "" {
		def.Name = def.ID
	}
	if !def.Output.Severity.IsValid() {
		return nil, domain.Validation("rule %s output severity %q is invalid", def.ID, def.Output.Severity)
	}
	if def.Output.Confidence < 0 || def.Output.Confidence > 1 {
		return nil, domain.Validation("rule %s output confidence %v is outside [0,1]", def.ID, def.Output.Confidence)
	}
	for _, s := range def.Matcher.Severities {
		if !s.IsValid() {
			return nil, domain.Validation("rule %s matches unknown severity %q", def.ID, s)
		}
	}

	rule := &Rule{def: def}
	rule.def.Matcher = canonicalMatcher(def.Matcher)

	for i, c := range def.Conditions {
		compiled, err := compileCondition(c)
		if err != nil {
			err.Reason = fmt.Sprintf("rule %s condition %d: %s", def.ID, i, err.Reason)
			return nil, err
		}
		rule.conditions = append(rule.conditions, compiled)
	}

	return rule, nil
}

func compileCondition(c Condition) (compiledCondition, *domain.Error) {
	c.Field = strings.TrimSpace(c.Field)
	if c.Field == "" {
		return compiledCondition{}, domain.Validation("field is required")
	}
	if !c.Operator.IsValid() {
		return compiledCondition{}, domain.Validation("unsupported operator %q", c.Operator)
	}

	out := compiledCondition{Condition: c}

	switch c.Operator {
	case OpExists:
		return out, nil
	case OpIn:
		list, ok := c.Value.([]any)
		if !ok || len(list) == 0 {
			return out, domain.Validation("operator in needs a non-empty list value")
		}
		for _, v := range list {
			out.choices = append(out.choices, fmt.Sprint(v))
		}
		return out, nil
	}

	if c.Value == nil {
		return out, domain.Validation("operator %s needs a value", c.Operator)
	}

	number, isNumber := toNumber(c.Value)
	if c.Operator.isOrdering() && !isNumber {
		return out, domain.Validation("operator %s needs a numeric value, got %v", c.Operator, c.Value)
	}
	if isNumber && c.Operator != OpContains {
		if err := checkJustification(c.Justification); err != nil {
			return out, err
		}
		out.numeric = true
		out.number = number
		return out, nil
	}

	out.text = fmt.Sprint(c.Value)
	return out, nil
}

func checkJustification(j *ThresholdJustification) *domain.Error {
	if j == nil {
		return domain.NewError(domain.CodeMissingJustification, "numeric threshold has no justification")
	}
	var missing []string
	if strings.TrimSpace(j.Source) == "" {
		missing = append(missing, "source")
	}
	if strings.TrimSpace(j.Rationale) == "" {
		missing = append(missing, "rationale")
	}
	if strings.TrimSpace(j.Owner) == "" {
		missing = append(missing, "owner")
	}
	if len(missing) > 0 {
		return domain.NewError(domain.CodeMissingJustification, "threshold justification is missing %s", strings.Join(missing, ", "))
	}
	return nil
}

// toNumber accepts the numeric kinds produced by YAML and JSON decoding.
func toNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}

func canonicalMatcher(m SignalMatcher) SignalMatcher {
	out := SignalMatcher{Severities: m.Severities}
	for _, s := range m.Sources {
		out.Sources = append(out.Sources, strings.ToLower(strings.TrimSpace(s)))
	}
	for _, t := range m.SignalTypes {
		out.SignalTypes = append(out.SignalTypes, normalization.CanonicalizeType(t))
	}
	for _, s := range m.Services {
		out.Services = append(out.Services, strings.TrimSpace(s))
	}
	return out
}

// ID returns the rule id.
func (r *Rule) ID() string { return r.def.ID }

// Version returns the rule's semantic version as written.
func (r *Rule) Version() string { return r.def.Version }

// Name returns the human-readable rule name.
func (r *Rule) Name() string { return r.def.Name }

// Enabled reports whether the rule takes part in evaluation. Rules are enabled
// unless explicitly switched off.
func (r *Rule) Enabled() bool {
	return r.def.Enabled == nil || *r.def.Enabled
}

// Definition returns a copy of the rule's definition.
func (r *Rule) Definition() Definition {
	return r.def
}

// Key identifies a rule version.
func (r *Rule) Key() string {
	return r.def.ID + "@" + r.def.Version
}

// Ruleset is an ordered collection of rules with unique id and version pairs.
type Ruleset struct {
	rules []*Rule
}

// NewRuleset orders rules by id, then by ascending semantic version.
func NewRuleset(rules []*Rule) (*Ruleset, error) {
	seen := make(map[string]bool, len(rules))
	ordered := make([]*Rule, 0, len(rules))
	for _, r := range rules {
		if r == nil {
			return nil, domain.Validation("nil rule in ruleset")
		}
		if seen[r.Key()] {
			return nil, domain.Validation("duplicate rule %s", r.Key())
		}
		seen[r.Key()] = true
		ordered = append(ordered, r)
	}
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].ID() != ordered[j].ID() {
			return ordered[i].ID() < ordered[j].ID()
		}
		vi := version.Must(version.NewSemver(ordered[i].Version()))
		vj := version.Must(version.NewSemver(ordered[j].Version()))
		return vi.LessThan(vj)
	})
	return &Ruleset{rules: ordered}, nil
}

// Rules returns the enabled rules in evaluation order.
func (s *Ruleset) Rules() []*Rule {
	if s == nil {
		return nil
	}
	out := make([]*Rule, 0, len(s.rules))
	for _, r := range s.rules {
		if r.Enabled() {
			out = append(out, r)
		}
	}
	return out
}

// Len returns the number of rules, enabled or not.
func (s *Ruleset) Len() int {
	if s == nil {
		return 0
	}
	return len(s.rules)
}

// Latest returns the highest version of each rule id.
func (s *Ruleset) Latest() []*Rule {
	latest := make(map[string]*Rule)
	var ids []string
	for _, r := range s.Rules() {
		if _, ok := latest[r.ID()]; !ok {
			ids = append(ids, r.ID())
		}
		latest[r.ID()] = r
	}
	out := make([]*Rule, 0, len(ids))
	for _, id := range ids {
		out = append(out, latest[id])
	}
	return out
}
