package cmd

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRulesValidate(t *testing.T) {
	path := writeFile(t, "rules.yaml", testRules)

	out, err := execute(t, "rules", "validate", path)
	require.NoError(t, err)
	assert.Contains(t, out, "1 rule(s) valid")
	assert.Contains(t, out, "checkout-errors")
	assert.Contains(t, out, "1.0.0")
	assert.Contains(t, out, "Checkout error rate")
}

func TestRulesValidate_Empty(t *testing.T) {
	out, err := execute(t, "rules", "validate", writeFile(t, "empty.yaml", "rules: []\n"))
	require.NoError(t, err)
	assert.Contains(t, out, "0 rule(s) valid")
	assert.NotContains(t, out, "VERSION")
}

func TestRulesValidate_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{
			name: "threshold without justification",
			content: `
rules:
  - id: slow-checkout
    version: 1.0.0
    conditions:
      - field: attributes.latency_ms
        operator: gt
        value: 500
    output: {severity: low, confidence: 0.5}
`,
			want: "MISSING_JUSTIFICATION",
		},
		{
			name:    "unknown key",
			content: "rules:\n  - id: r\n    version: 1.0.0\n    threshold: 3\n",
			want:    "failed to parse YAML",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := execute(t, "rules", "validate", writeFile(t, "rules.yaml", tt.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), "is invalid")
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestRulesValidate_RequiresFile(t *testing.T) {
	_, err := execute(t, "rules", "validate")
	require.Error(t, err)

	_, err = execute(t, "rules", "validate", "/nonexistent/rules.yaml")
	require.Error(t, err)
}
