package detection

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// RuleFile is the root structure of a rule file.
//
// Rules live in version-controlled YAML so that thresholds and their
// justifications are reviewed like code:
//
//	rules:
//	  - id: checkout-5xx
//	    version: 1.2.0
//	    match:
//	      sources: [cloudwatch]
//	      signal_types: [metric-breach]
//	    conditions:
//	      - field: attributes.error_rate
//	        operator: gte
//	        value: 0.05
//	        justification:
//	          source: SLO-42
//	          rationale: five percent errors burns the monthly budget in a day
//	          owner: payments-sre
//	    output:
//	      severity: high
//	      confidence: 0.8
type RuleFile struct {
	Rules []Definition `yaml:"rules"`
}

// LoadRulesFromFile reads and parses a rule file.
func LoadRulesFromFile(filename string) (*Ruleset, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read rule file %s: %w", filename, err)
	}

	return LoadRulesFromYAML(data)
}

// LoadRulesFromYAML parses rule definitions. Unknown keys are rejected and
// every rule must parse; a single bad rule fails the whole file.
func LoadRulesFromYAML(data []byte) (*Ruleset, error) {
	var file RuleFile

	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&file); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	rules := make([]*Rule, 0, len(file.Rules))
	for i, def := range file.Rules {
		rule, err := Parse(def)
		if err != nil {
			return nil, fmt.Errorf("failed to parse rule %d (%s): %w", i, def.ID, err)
		}
		rules = append(rules, rule)
	}

	return NewRuleset(rules)
}

// WriteRulesToYAML renders a ruleset back to the file format accepted by
// LoadRulesFromYAML.
func WriteRulesToYAML(set *Ruleset) ([]byte, error) {
	file := RuleFile{Rules: make([]Definition, 0, set.Len())}
	if set != nil {
		for _, r := range set.rules {
			file.Rules = append(file.Rules, r.Definition())
		}
	}
	return yaml.Marshal(file)
}
