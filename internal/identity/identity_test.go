package identity

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Studio-Elephant-and-Rope/steward/internal/core/domain"
)

func TestComputeIdentityWindow(t *testing.T) {
	tests := []struct {
		name string
		at   time.Time
		want string
	}{
		{"rounds down seconds and millis", time.Date(2026, 1, 17, 10, 23, 45, 123_000_000, time.UTC), "2026-01-17T10:23Z"},
		{"exact minute", time.Date(2026, 1, 17, 10, 23, 0, 0, time.UTC), "2026-01-17T10:23Z"},
		{"last instant of minute", time.Date(2026, 1, 17, 10, 23, 59, 999_999_999, time.UTC), "2026-01-17T10:23Z"},
		{"converts to UTC", time.Date(2026, 1, 17, 11, 23, 30, 0, time.FixedZone("CET", 3600)), "2026-01-17T10:23Z"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ComputeIdentityWindow(tt.at))
		})
	}
}

func TestComputeSignalID_DuplicateWithinMinute(t *testing.T) {
	first, err := time.Parse(time.RFC3339Nano, "2026-01-17T10:23:45.123Z")
	require.NoError(t, err)
	second, err := time.Parse(time.RFC3339Nano, "2026-01-17T10:23:47.456Z")
	require.NoError(t, err)

	metadata := map[string]string{"alarm": "HighErrorRate", "region": "eu-west-1"}

	w1 := ComputeIdentityWindow(first)
	w2 := ComputeIdentityWindow(second)
	require.Equal(t, "2026-01-17T10:23Z", w1)
	require.Equal(t, w1, w2)

	id1 := ComputeSignalID("cloudwatch", "MetricBreach", "checkout", domain.SeverityHigh, w1, metadata)
	id2 := ComputeSignalID("cloudwatch", "MetricBreach", "checkout", domain.SeverityHigh, w2, metadata)
	assert.Equal(t, id1, id2)
	assert.True(t, IsDigest(id1))
}

func TestComputeSignalID_Sensitivity(t *testing.T) {
	window := "2026-01-17T10:23Z"
	base := ComputeSignalID("cloudwatch", "MetricBreach", "checkout", domain.SeverityHigh, window, map[string]string{"a": "1"})

	variants := map[string]string{
		"source":   ComputeSignalID("datadog", "MetricBreach", "checkout", domain.SeverityHigh, window, map[string]string{"a": "1"}),
		"type":     ComputeSignalID("cloudwatch", "LogError", "checkout", domain.SeverityHigh, window, map[string]string{"a": "1"}),
		"service":  ComputeSignalID("cloudwatch", "MetricBreach", "payments", domain.SeverityHigh, window, map[string]string{"a": "1"}),
		"severity": ComputeSignalID("cloudwatch", "MetricBreach", "checkout", domain.SeverityLow, window, map[string]string{"a": "1"}),
		"window":   ComputeSignalID("cloudwatch", "MetricBreach", "checkout", domain.SeverityHigh, "2026-01-17T10:24Z", map[string]string{"a": "1"}),
		"metadata": ComputeSignalID("cloudwatch", "MetricBreach", "checkout", domain.SeverityHigh, window, map[string]string{"a": "2"}),
	}
	for field, id := range variants {
		assert.NotEqual(t, base, id, "changing %s must change the id", field)
	}
}

func TestComputeSignalID_MetadataOrderIndependent(t *testing.T) {
	window := "2026-01-17T10:23Z"
	a := map[string]string{}
	b := map[string]string{}
	keys := []string{"zeta", "alpha", "mu", "beta"}
	for i, k := range keys {
		a[k] = k
		b[keys[len(keys)-1-i]] = keys[len(keys)-1-i]
	}
	assert.Equal(t,
		ComputeSignalID("s", "t", "svc", domain.SeverityInfo, window, a),
		ComputeSignalID("s", "t", "svc", domain.SeverityInfo, window, b),
	)
	assert.Equal(t,
		ComputeSignalID("s", "t", "svc", domain.SeverityInfo, window, nil),
		ComputeSignalID("s", "t", "svc", domain.SeverityInfo, window, map[string]string{}),
	)
}

func TestHashParts(t *testing.T) {
	assert.Equal(t, HashBytes([]byte("a|b|c")), HashParts("a", "b", "c"))
	assert.NotEqual(t, HashParts("ab", "c"), HashParts("a", "bc"))
	assert.Len(t, HashParts("x"), 64)
}

func TestCanonicalJSON(t *testing.T) {
	body, err := CanonicalJSON(map[string]any{"b": 1, "a": "<tag>"})
	require.NoError(t, err)
	assert.Equal(t, `{"a":"<tag>","b":1}`, string(body))
}

func TestIsDigest(t *testing.T) {
	assert.True(t, IsDigest(HashParts("x")))
	assert.False(t, IsDigest("abc"))
	assert.False(t, IsDigest("ZZ"+HashParts("x")[2:]))
}
