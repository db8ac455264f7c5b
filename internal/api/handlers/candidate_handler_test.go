package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Studio-Elephant-and-Rope/steward/internal/api/dto"
	"github.com/Studio-Elephant-and-Rope/steward/internal/core/domain"
	"github.com/Studio-Elephant-and-Rope/steward/internal/core/ports"
	"github.com/Studio-Elephant-and-Rope/steward/internal/replay"
)

func TestGenerateCandidate(t *testing.T) {
	a := newAPI(t)
	created := a.seed(t)

	require.NotNil(t, created.Candidate)
	assert.True(t, created.Created)
	assert.Equal(t, "checkout", created.Candidate.Service)
	assert.Len(t, created.Candidate.DetectionIDs, 3)
	assert.Equal(t, created.Bundle.ID, created.Candidate.EvidenceID)

	rec := a.do(t, http.MethodPost, "/api/v1/candidates", map[string]any{
		"service":      "checkout",
		"window_start": now.Add(-15 * time.Minute),
		"window_end":   now,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	again := decode[dto.CandidateResponse](t, rec)
	assert.False(t, again.Created)
	assert.Equal(t, created.Candidate.ID, again.Candidate.ID)
}

func TestGenerateCandidate_Rejected(t *testing.T) {
	tests := []struct {
		name string
		body map[string]any
	}{
		{"missing service", map[string]any{"window_start": now.Add(-time.Hour), "window_end": now}},
		{"missing window", map[string]any{"service": "checkout"}},
		{"reversed window", map[string]any{"service": "checkout", "window_start": now, "window_end": now.Add(-time.Hour)}},
		{"empty detection id", map[string]any{"service": "checkout", "window_start": now.Add(-time.Hour), "window_end": now, "detection_ids": []string{""}}},
		{"no detections in window", map[string]any{"service": "checkout", "window_start": now.Add(-time.Hour), "window_end": now}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := newAPI(t).do(t, http.MethodPost, "/api/v1/candidates", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
		})
	}
}

func TestGetCandidate(t *testing.T) {
	a := newAPI(t)
	created := a.seed(t)

	rec := a.do(t, http.MethodGet, "/api/v1/candidates/"+created.Candidate.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	detail := decode[dto.CandidateDetailResponse](t, rec)
	assert.Equal(t, created.Candidate.ID, detail.Candidate.ID)
	assert.NotNil(t, detail.Decisions)
	assert.Empty(t, detail.Decisions)

	rec = a.do(t, http.MethodGet, "/api/v1/candidates/does-not-exist", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, string(domain.CodeNotFound), decode[dto.ErrorResponse](t, rec).Code)
}

func TestPromote(t *testing.T) {
	a := newAPI(t)
	id := a.seed(t).Candidate.ID
	operator := map[string]any{"authority_type": "HUMAN_OPERATOR", "authority_id": "alex"}

	rec := a.do(t, http.MethodPost, "/api/v1/candidates/"+id+"/promote", operator)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	first := decode[dto.PromoteResponse](t, rec)

	assert.Equal(t, domain.DecisionPromote, first.Decision.Decision)
	assert.True(t, first.IncidentCreated)
	require.NotNil(t, first.Incident)
	assert.Equal(t, string(domain.StatusOpen), first.Incident.Status)
	assert.Equal(t, "SEV2", first.Incident.SEV)
	assert.NotEmpty(t, first.AttemptID)

	rec = a.do(t, http.MethodPost, "/api/v1/candidates/"+id+"/promote", operator)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	second := decode[dto.PromoteResponse](t, rec)
	assert.Equal(t, domain.DecisionDefer, second.Decision.Decision)
	assert.Equal(t, first.Incident.ID, second.Decision.ExistingIncidentID)
	assert.Nil(t, second.Incident)

	rec = a.do(t, http.MethodGet, "/api/v1/candidates/"+id, nil)
	detail := decode[dto.CandidateDetailResponse](t, rec)
	assert.Len(t, detail.Decisions, 2)
}

func TestPromote_AutoEngineOpensPending(t *testing.T) {
	a := newAPI(t)
	id := a.seed(t).Candidate.ID

	rec := a.do(t, http.MethodPost, "/api/v1/candidates/"+id+"/promote",
		map[string]any{"authority_type": "AUTO_ENGINE", "authority_id": "steward"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	out := decode[dto.PromoteResponse](t, rec)
	require.NotNil(t, out.Incident)
	assert.Equal(t, string(domain.StatusPending), out.Incident.Status)
}

func TestPromote_AuthorityErrors(t *testing.T) {
	tests := []struct {
		name     string
		body     map[string]any
		wantCode domain.ErrorCode
	}{
		{
			"unknown authority",
			map[string]any{"authority_type": "ROOT", "authority_id": "alex"},
			domain.CodeValidation,
		},
		{
			"missing authority id",
			map[string]any{"authority_type": "HUMAN_OPERATOR"},
			domain.CodeValidation,
		},
		{
			"override without justification",
			map[string]any{"authority_type": "EMERGENCY_OVERRIDE", "authority_id": "alex"},
			domain.CodeMissingJustification,
		},
		{
			"override with short justification",
			map[string]any{"authority_type": "EMERGENCY_OVERRIDE", "authority_id": "alex", "justification": "urgent"},
			domain.CodeInvalidJustification,
		},
		{
			"justification on operator",
			map[string]any{"authority_type": "HUMAN_OPERATOR", "authority_id": "alex", "justification": "customer facing outage in progress"},
			domain.CodeInvalidJustification,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := newAPI(t)
			id := a.seed(t).Candidate.ID

			rec := a.do(t, http.MethodPost, "/api/v1/candidates/"+id+"/promote", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
			assert.Equal(t, string(tt.wantCode), decode[dto.ErrorResponse](t, rec).Code)
		})
	}
}

func TestPromote_UnknownCandidate(t *testing.T) {
	rec := newAPI(t).do(t, http.MethodPost, "/api/v1/candidates/missing/promote",
		map[string]any{"authority_type": "HUMAN_OPERATOR", "authority_id": "alex"})
	assert.Equal(t, http.StatusNotFound, rec.Code, rec.Body.String())
}

func TestReplay(t *testing.T) {
	a := newAPI(t)
	id := a.seed(t).Candidate.ID
	a.do(t, http.MethodPost, "/api/v1/candidates/"+id+"/promote",
		map[string]any{"authority_type": "HUMAN_OPERATOR", "authority_id": "alex"})

	rec := a.do(t, http.MethodGet, "/api/v1/candidates/"+id+"/replay", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	report := decode[dto.ReplayResponse](t, rec)
	require.NotNil(t, report.Report)
	assert.True(t, report.Valid)
	assert.NotEmpty(t, report.Links)
	assert.Empty(t, report.Error)
}

func TestReplay_TamperedChain(t *testing.T) {
	a := newAPI(t)
	id := a.seed(t).Candidate.ID

	ctx := context.Background()
	item, err := a.keyed.Get(ctx, ports.KindCandidate, id)
	require.NoError(t, err)
	var body map[string]any
	require.NoError(t, json.Unmarshal(item.Body, &body))
	body["confidence"] = 0.99
	item.Body, err = json.Marshal(body)
	require.NoError(t, err)
	_, err = a.keyed.Put(ctx, *item, ports.PutOptions{})
	require.NoError(t, err)

	rec := a.do(t, http.MethodGet, "/api/v1/candidates/"+id+"/replay", nil)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code, rec.Body.String())
	report := decode[dto.ReplayResponse](t, rec)
	require.NotNil(t, report.Report)
	assert.False(t, report.Valid)
	assert.Contains(t, report.Error, string(domain.CodeReplayIntegrityViolation))

	var violated bool
	for _, l := range report.Links {
		if l.Status == replay.StatusViolated {
			violated = true
		}
	}
	assert.True(t, violated)
}

func TestReplay_UnknownCandidate(t *testing.T) {
	rec := newAPI(t).do(t, http.MethodGet, "/api/v1/candidates/missing/replay", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
