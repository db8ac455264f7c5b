package dto

import (
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Studio-Elephant-and-Rope/steward/internal/core/domain"
	"github.com/Studio-Elephant-and-Rope/steward/internal/core/ports"
)

var now = time.Date(2026, 1, 17, 10, 30, 0, 0, time.UTC)

func TestDecode(t *testing.T) {
	var req ApproveRequest
	require.NoError(t, Decode(strings.NewReader(`{"actor":"sam","expected_version":2}`), &req))
	assert.Equal(t, "sam", req.Actor)
	assert.Equal(t, 2, req.ExpectedVersion)

	for name, body := range map[string]string{
		"empty":         "",
		"unknown field": `{"actor":"sam","role":"admin"}`,
		"wrong type":    `{"actor":"sam","expected_version":"two"}`,
		"two documents": `{"actor":"sam"} {"actor":"kim"}`,
	} {
		t.Run(name, func(t *testing.T) {
			err := Decode(strings.NewReader(body), &ApproveRequest{})
			require.Error(t, err)
			assert.True(t, domain.IsCode(err, domain.CodeValidation))
		})
	}
}

func TestIngestSignalRequest_ToSignal(t *testing.T) {
	tests := []struct {
		name string
		req  IngestSignalRequest
	}{
		{
			name: "complete",
			req: IngestSignalRequest{
				ID:         "cw-alarm-123",
				Source:     "cloudwatch",
				Type:       "ErrorRateHigh",
				Service:    "checkout",
				Severity:   "high",
				Confidence: 0.9,
				ObservedAt: now,
				Tags:       map[string]string{"resource.host": "web-1"},
			},
		},
		{
			name: "malformed fields pass through",
			req:  IngestSignalRequest{Source: "cloudwatch", Severity: "HIGH", Confidence: 1.5},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sig := tt.req.ToSignal()
			assert.Equal(t, tt.req.ID, sig.ID)
			assert.Equal(t, tt.req.Type, sig.Type)
			assert.Equal(t, tt.req.Service, sig.Service)
			assert.Equal(t, domain.Severity(tt.req.Severity), sig.Severity)
			assert.Equal(t, tt.req.Confidence, sig.Confidence)
			assert.Equal(t, tt.req.ObservedAt, sig.ObservedAt)
			assert.Equal(t, tt.req.Tags, sig.Tags)
		})
	}
}

func TestGenerateCandidateRequest_Validate(t *testing.T) {
	req := GenerateCandidateRequest{Service: "checkout", WindowStart: now.Add(-time.Hour), WindowEnd: now}
	require.NoError(t, req.Validate())
	assert.Equal(t, time.UTC, req.ToCandidateRequest().WindowStart.Location())

	tooMany := req
	tooMany.DetectionIDs = make([]string, domain.MaxCandidateDetections+1)
	for i := range tooMany.DetectionIDs {
		tooMany.DetectionIDs[i] = "det"
	}
	assert.Error(t, tooMany.Validate())

	point := GenerateCandidateRequest{Service: "checkout", WindowStart: now, WindowEnd: now}
	assert.NoError(t, point.Validate(), "a zero length window is allowed")
}

func TestPromoteRequest(t *testing.T) {
	req := PromoteRequest{AuthorityType: "EMERGENCY_OVERRIDE", AuthorityID: "alex", Justification: "database primary lost"}
	require.NoError(t, req.Validate())
	auth := req.ToAuthority()
	assert.Equal(t, domain.AuthorityEmergencyOverride, auth.Type)
	assert.Equal(t, "database primary lost", auth.Justification)

	assert.Error(t, (&PromoteRequest{AuthorityType: "admin", AuthorityID: "alex"}).Validate())
	assert.Error(t, (&PromoteRequest{AuthorityType: "ON_CALL_SRE"}).Validate())
}

func TestTransitionRequest(t *testing.T) {
	req := TransitionRequest{
		To:              "RESOLVED",
		ExpectedVersion: 2,
		Actor:           "sam",
		Resolution:      &ResolutionRequest{Summary: "rolled back"},
	}
	require.NoError(t, req.Validate())

	svc := req.ToTransitionRequest("inc-1")
	assert.Equal(t, "inc-1", svc.IncidentID)
	assert.Equal(t, domain.StatusResolved, svc.To)
	require.NotNil(t, svc.Resolution)
	assert.Equal(t, "sam", svc.Resolution.ResolvedBy)
	assert.True(t, svc.Resolution.ResolvedAt.IsZero(), "resolution time is set by the service clock")

	assert.Error(t, (&TransitionRequest{To: "resolved", ExpectedVersion: 1, Actor: "sam"}).Validate())
	assert.Error(t, (&TransitionRequest{To: "OPEN", Actor: "sam"}).Validate())
}

func TestParseListFilter(t *testing.T) {
	q := url.Values{
		"status":         {"open, MITIGATING"},
		"severity":       {"Critical,high"},
		"service":        {"checkout"},
		"limit":          {"10"},
		"offset":         {"20"},
		"sort_by":        {"severity"},
		"sort_order":     {"asc"},
		"created_after":  {"2026-01-17T00:00:00Z"},
		"created_before": {"2026-01-18T00:00:00Z"},
	}

	f, err := ParseListFilter(q)
	require.NoError(t, err)
	assert.Equal(t, []domain.Status{domain.StatusOpen, domain.StatusMitigating}, f.Status)
	assert.Equal(t, []domain.Severity{domain.SeverityCritical, domain.SeverityHigh}, f.Severity)
	assert.Equal(t, "checkout", f.Service)
	assert.Equal(t, 10, f.Limit)
	assert.Equal(t, 20, f.Offset)
	require.NotNil(t, f.CreatedAfter)
	require.NotNil(t, f.CreatedBefore)
	assert.NoError(t, f.Validate())

	empty, err := ParseListFilter(url.Values{})
	require.NoError(t, err)
	assert.Equal(t, ports.ListFilter{}, empty)

	for _, bad := range []url.Values{
		{"status": {"TRIAGED"}},
		{"severity": {"p1"}},
		{"offset": {"x"}},
		{"created_before": {"2026-01-18"}},
	} {
		_, err := ParseListFilter(bad)
		assert.True(t, domain.IsCode(err, domain.CodeValidation), "%v: %v", bad, err)
	}
}

func TestFromIncident(t *testing.T) {
	inc := &domain.Incident{
		ID:        "inc-1",
		Service:   "checkout",
		Severity:  domain.SeverityCritical,
		Status:    domain.StatusPending,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
		Events:    []domain.Event{{ID: "ev-1", IncidentID: "inc-1", Type: "incident_created", Actor: "steward", OccurredAt: now}},
	}

	resp := FromIncident(inc)
	assert.Equal(t, "SEV1", resp.SEV)
	assert.Equal(t, []string{"OPEN"}, resp.LegalTransitions)
	require.Len(t, resp.Events, 1)

	page := FromListResult(&ports.ListResult{Incidents: []*domain.Incident{inc}, Total: 1, Limit: 50})
	require.Len(t, page.Incidents, 1)
	assert.Nil(t, page.Incidents[0].Events)
	assert.Equal(t, 50, page.Limit)

	inc.Status = domain.StatusClosed
	assert.Empty(t, FromIncident(inc).LegalTransitions)
	assert.NotNil(t, FromIncident(inc).LegalTransitions)
}
