package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Studio-Elephant-and-Rope/steward/internal/core/domain"
	"github.com/Studio-Elephant-and-Rope/steward/internal/core/ports"
	"github.com/Studio-Elephant-and-Rope/steward/internal/logging"
)

func ingestWindow(t *testing.T, p *pipeline) []string {
	t.Helper()
	ctx := context.Background()
	var ids []string
	for i, host := range []string{"web-1", "web-2", "web-3"} {
		res, err := p.signals.Ingest(ctx, rawSignal("ErrorRateHigh", fixedNow.Add(-time.Duration(10-i)*time.Minute), host))
		require.NoError(t, err)
		require.Len(t, res.Detections, 1)
		ids = append(ids, res.Detections[0].ID)
	}
	return ids
}

func TestCandidateService_GenerateFromWindow(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()
	ids := ingestWindow(t, p)

	req := CandidateRequest{
		Service:     "checkout",
		WindowStart: fixedNow.Add(-15 * time.Minute),
		WindowEnd:   fixedNow,
	}
	result, err := p.candidates.GenerateCandidate(ctx, req)
	require.NoError(t, err)

	assert.True(t, result.Created)
	c := result.Candidate
	require.NoError(t, c.Validate())
	assert.ElementsMatch(t, ids, c.DetectionIDs)
	assert.Equal(t, result.Bundle.ID, c.EvidenceID)
	assert.Equal(t, "checkout-errors", c.RuleID)
	assert.Equal(t, domain.SeverityHigh, c.Severity)
	assert.Equal(t, result.Assessment.Score, c.Confidence)
	assert.Len(t, c.BlastRadius.AffectedResources, 3)

	for _, id := range ids {
		exists, err := p.catalog.Graphs.Exists(ctx, id)
		require.NoError(t, err)
		assert.True(t, exists, "graph for %s", id)
	}

	stored, err := p.candidates.GetCandidate(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, c.ID, stored.ID)
}

func TestCandidateService_SubMillisecondWindow(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()
	ids := ingestWindow(t, p)

	result, err := p.candidates.GenerateCandidate(ctx, CandidateRequest{
		Service:     "checkout",
		WindowStart: fixedNow.Add(-10*time.Minute + 500*time.Microsecond),
		WindowEnd:   fixedNow.Add(700 * time.Microsecond),
	})
	require.NoError(t, err)
	assert.ElementsMatch(t, ids, result.Candidate.DetectionIDs)
	assert.True(t, fixedNow.Add(-10*time.Minute).Equal(result.Bundle.WindowStart))
	assert.True(t, fixedNow.Equal(result.Bundle.WindowEnd))
}

func TestCandidateService_RepeatedRequestsConverge(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()
	ids := ingestWindow(t, p)

	window := CandidateRequest{
		Service:     "checkout",
		WindowStart: fixedNow.Add(-15 * time.Minute),
		WindowEnd:   fixedNow,
	}
	first, err := p.candidates.GenerateCandidate(ctx, window)
	require.NoError(t, err)

	explicit := window
	explicit.DetectionIDs = []string{ids[2], ids[0], ids[1]}
	second, err := p.candidates.GenerateCandidate(ctx, explicit)
	require.NoError(t, err)

	assert.False(t, second.Created)
	assert.Equal(t, first.Candidate.ID, second.Candidate.ID)
	assert.Equal(t, first.Candidate.CreatedAt, second.Candidate.CreatedAt)
	assert.Equal(t, first.Bundle.ID, second.Bundle.ID)
}

func TestCandidateService_FailsClosed(t *testing.T) {
	tests := []struct {
		name string
		req  CandidateRequest
		code domain.ErrorCode
	}{
		{
			name: "missing service",
			req:  CandidateRequest{WindowStart: fixedNow.Add(-time.Hour), WindowEnd: fixedNow},
			code: domain.CodeValidation,
		},
		{
			name: "inverted window",
			req:  CandidateRequest{Service: "checkout", WindowStart: fixedNow, WindowEnd: fixedNow.Add(-time.Hour)},
			code: domain.CodeValidation,
		},
		{
			name: "no detections in window",
			req:  CandidateRequest{Service: "checkout", WindowStart: fixedNow.Add(-48 * time.Hour), WindowEnd: fixedNow.Add(-24 * time.Hour)},
			code: domain.CodeValidation,
		},
		{
			name: "unknown detection",
			req: CandidateRequest{
				Service:      "checkout",
				WindowStart:  fixedNow.Add(-time.Hour),
				WindowEnd:    fixedNow,
				DetectionIDs: []string{"does-not-exist"},
			},
			code: domain.CodeNotFound,
		},
		{
			name: "detection outside window",
			req: CandidateRequest{
				Service:     "checkout",
				WindowStart: fixedNow.Add(-2 * time.Minute),
				WindowEnd:   fixedNow,
			},
			code: domain.CodeValidation,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newPipeline(t)
			ids := ingestWindow(t, p)
			if tt.name == "detection outside window" {
				tt.req.DetectionIDs = ids
			}

			result, err := p.candidates.GenerateCandidate(context.Background(), tt.req)
			require.Error(t, err)
			assert.Nil(t, result)
			assert.Equal(t, tt.code, domain.CodeOf(err))
		})
	}
}

func TestCandidateService_GetCandidate_NotFound(t *testing.T) {
	p := newPipeline(t)

	_, err := p.candidates.GetCandidate(context.Background(), "missing")
	assert.True(t, domain.IsCode(err, domain.CodeNotFound))

	_, err = p.candidates.GetCandidate(context.Background(), "")
	assert.True(t, domain.IsCode(err, domain.CodeValidation))
}

func TestNewCandidateService_Validation(t *testing.T) {
	p := newPipeline(t)
	c := p.candidates

	_, err := NewCandidateService(nil, c.graphs, c.bundler, c.calculator, c.engine, 0, logging.NewNop())
	assert.True(t, errors.Is(err, ports.ErrInvalidInput))
	_, err = NewCandidateService(c.catalog, c.graphs, c.bundler, c.calculator, c.engine, -1, logging.NewNop())
	assert.True(t, errors.Is(err, ports.ErrInvalidInput))

	svc, err := NewCandidateService(c.catalog, c.graphs, c.bundler, c.calculator, c.engine, 0, logging.NewNop())
	require.NoError(t, err)
	assert.Equal(t, DefaultWorkers, svc.workers)
}
