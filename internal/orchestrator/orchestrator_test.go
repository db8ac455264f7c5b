package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Studio-Elephant-and-Rope/steward/internal/adapters/storage/memory"
	"github.com/Studio-Elephant-and-Rope/steward/internal/core/domain"
	"github.com/Studio-Elephant-and-Rope/steward/internal/core/ports"
	"github.com/Studio-Elephant-and-Rope/steward/internal/core/services"
	"github.com/Studio-Elephant-and-Rope/steward/internal/core/store"
	"github.com/Studio-Elephant-and-Rope/steward/internal/logging"
	"github.com/Studio-Elephant-and-Rope/steward/internal/promotion"
)

var now = time.Date(2026, 1, 17, 10, 30, 0, 0, time.UTC)

var errUnavailable = errors.New("unavailable")

type sink struct {
	mu     sync.Mutex
	events []domain.DomainEvent
	err    error
}

func (s *sink) Emit(_ context.Context, e domain.DomainEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.events = append(s.events, e)
	return nil
}

func (s *sink) types() []domain.EventType {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.EventType
	for _, e := range s.events {
		out = append(out, e.Type)
	}
	return out
}

type brokenAttemptLog struct{}

func (brokenAttemptLog) LogAttempt(context.Context, domain.AttemptRecord) error {
	return errUnavailable
}

type brokenManager struct{}

func (brokenManager) Materialize(context.Context, *domain.PromotionDecision, *domain.IncidentCandidate, time.Time) (*domain.Incident, bool, error) {
	return nil, false, errUnavailable
}

type fixture struct {
	catalog      *store.Catalog
	repo         *memory.IncidentRepository
	sink         *sink
	gate         *promotion.Gate
	orchestrator *Orchestrator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := logging.NewNop()
	clock := ports.FixedClock(now)
	catalog := store.NewCatalog(memory.NewKeyedStore())
	repo := memory.NewIncidentRepository()
	events := &sink{}

	gate, err := promotion.NewGate(promotion.DefaultPolicy(), repo, catalog, logger)
	require.NoError(t, err)
	incidents, err := services.NewIncidentService(repo, events, clock, logger)
	require.NoError(t, err)

	o, err := New(catalog.Candidates, gate, incidents, logger,
		WithAttemptLog(catalog),
		WithEventSink(events),
		WithClock(clock))
	require.NoError(t, err)

	return &fixture{catalog: catalog, repo: repo, sink: events, gate: gate, orchestrator: o}
}

func (f *fixture) store(t *testing.T, c *domain.IncidentCandidate) {
	t.Helper()
	_, _, err := f.catalog.PutCandidate(context.Background(), c)
	require.NoError(t, err)
}

func (f *fixture) attempts(t *testing.T, candidateID string) []*domain.AttemptRecord {
	t.Helper()
	records, err := f.catalog.AttemptsForCandidate(context.Background(), candidateID)
	require.NoError(t, err)
	return records
}

func candidate(id string, severity domain.Severity, score float64, band domain.ConfidenceBand) *domain.IncidentCandidate {
	return &domain.IncidentCandidate{
		ID:               id,
		CorrelationKey:   "key-" + id,
		CandidateVersion: "v1",
		EvidenceID:       "ev-" + id,
		Service:          "checkout",
		RuleID:           "checkout-errors",
		RuleVersion:      "1.0.0",
		PolicyVersion:    "v1",
		DetectionIDs:     []string{"det-1", "det-2", "det-3"},
		Severity:         severity,
		Confidence:       score,
		Band:             band,
		WindowStart:      now.Add(-15 * time.Minute),
		WindowEnd:        now,
		CreatedAt:        now,
	}
}

var operator = domain.AuthorityContext{Type: domain.AuthorityHumanOperator, ID: "alex"}

func TestNew_Validation(t *testing.T) {
	f := newFixture(t)
	logger := logging.NewNop()

	_, err := New(nil, f.gate, brokenManager{}, logger)
	assert.True(t, errors.Is(err, ports.ErrInvalidInput))
	_, err = New(f.catalog.Candidates, nil, brokenManager{}, logger)
	assert.True(t, errors.Is(err, ports.ErrInvalidInput))
	_, err = New(f.catalog.Candidates, f.gate, nil, logger)
	assert.True(t, errors.Is(err, ports.ErrInvalidInput))
	_, err = New(f.catalog.Candidates, f.gate, brokenManager{}, nil)
	assert.True(t, errors.Is(err, ports.ErrInvalidInput))
}

func TestProcessCandidate_Promote(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.store(t, candidate("c1", domain.SeverityHigh, 0.72, domain.BandHigh))

	out, err := f.orchestrator.ProcessCandidate(ctx, "c1", operator, now)
	require.NoError(t, err)

	assert.Equal(t, domain.DecisionPromote, out.Decision.Decision)
	require.NotNil(t, out.Incident)
	assert.True(t, out.IncidentCreated)
	assert.Equal(t, services.IncidentID(out.Decision.ID), out.Incident.ID)
	assert.Equal(t, domain.StatusOpen, out.Incident.Status)

	assert.Equal(t, []domain.EventType{domain.EventIncidentCreated, domain.EventCandidatePromoted}, f.sink.types())
	promoted := f.sink.events[1]
	assert.Equal(t, out.Incident.ID, promoted.IncidentID)
	assert.Equal(t, now, promoted.OccurredAt)
	assert.NotEmpty(t, promoted.ID)

	records := f.attempts(t, "c1")
	require.Len(t, records, 1)
	assert.Equal(t, out.AttemptID, records[0].ID)
	assert.Equal(t, out.Decision.ID, records[0].DecisionID)
	assert.Equal(t, out.Decision.DecisionHash, records[0].DecisionHash)
	assert.Equal(t, out.Incident.ID, records[0].IncidentID)
	assert.Empty(t, records[0].ErrorCode)
}

func TestProcessCandidate_RepeatDefersToActiveIncident(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.store(t, candidate("c1", domain.SeverityHigh, 0.72, domain.BandHigh))

	first, err := f.orchestrator.ProcessCandidate(ctx, "c1", operator, now)
	require.NoError(t, err)

	second, err := f.orchestrator.ProcessCandidate(ctx, "c1", operator, now.Add(time.Minute))
	require.NoError(t, err)

	assert.Equal(t, domain.DecisionDefer, second.Decision.Decision)
	assert.Equal(t, first.Incident.ID, second.Decision.ExistingIncidentID)
	assert.Nil(t, second.Incident)
	assert.Equal(t, 1, f.repo.Count())
	assert.Len(t, f.attempts(t, "c1"), 2)
	assert.Equal(t, domain.EventCandidateDeferred, f.sink.types()[2])
}

func TestProcessCandidate_Reject(t *testing.T) {
	f := newFixture(t)
	f.store(t, candidate("weak", domain.SeverityMedium, 0.30, domain.BandLow))

	out, err := f.orchestrator.ProcessCandidate(context.Background(), "weak", operator, now)
	require.NoError(t, err)

	assert.Equal(t, domain.DecisionReject, out.Decision.Decision)
	assert.Equal(t, domain.RejectionConfidenceBelowThreshold, out.Decision.RejectionCode)
	assert.Nil(t, out.Incident)
	assert.Equal(t, 0, f.repo.Count())
	require.Equal(t, []domain.EventType{domain.EventCandidateRejected}, f.sink.types())
	assert.Equal(t, string(domain.RejectionConfidenceBelowThreshold), f.sink.events[0].Attributes["rejection_code"])
}

func TestProcessCandidate_AutoEnginePromotesPending(t *testing.T) {
	f := newFixture(t)
	f.store(t, candidate("c3", domain.SeverityMedium, 0.70, domain.BandHigh))

	out, err := f.orchestrator.ProcessCandidate(context.Background(), "c3",
		domain.AuthorityContext{Type: domain.AuthorityAutoEngine, ID: "steward"}, now)
	require.NoError(t, err)
	require.NotNil(t, out.Incident)
	assert.Equal(t, domain.StatusPending, out.Incident.Status)
}

func TestProcessCandidate_Failures(t *testing.T) {
	tests := []struct {
		name        string
		candidateID string
		authority   domain.AuthorityContext
		code        domain.ErrorCode
	}{
		{
			name:        "unknown candidate",
			candidateID: "missing",
			authority:   operator,
			code:        domain.CodeNotFound,
		},
		{
			name:        "engine may not promote SEV2",
			candidateID: "c1",
			authority:   domain.AuthorityContext{Type: domain.AuthorityAutoEngine, ID: "steward"},
			code:        domain.CodePermissionDenied,
		},
		{
			name:        "override without justification",
			candidateID: "c1",
			authority:   domain.AuthorityContext{Type: domain.AuthorityEmergencyOverride, ID: "alex"},
			code:        domain.CodeMissingJustification,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.store(t, candidate("c1", domain.SeverityHigh, 0.72, domain.BandHigh))

			out, err := f.orchestrator.ProcessCandidate(context.Background(), tt.candidateID, tt.authority, now)
			require.Error(t, err)
			assert.Nil(t, out)
			assert.Equal(t, tt.code, domain.CodeOf(err))

			records := f.attempts(t, tt.candidateID)
			require.Len(t, records, 1, "failed attempts are audited")
			assert.Equal(t, tt.code, records[0].ErrorCode)
			assert.Empty(t, records[0].DecisionID)
			assert.Empty(t, f.sink.types())
		})
	}
}

func TestProcessCandidate_MaterializeFailureIsRetryable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.store(t, candidate("c1", domain.SeverityHigh, 0.72, domain.BandHigh))

	broken, err := New(f.catalog.Candidates, f.gate, brokenManager{}, logging.NewNop(), WithAttemptLog(f.catalog))
	require.NoError(t, err)

	_, err = broken.ProcessCandidate(ctx, "c1", operator, now)
	require.ErrorIs(t, err, errUnavailable)

	records := f.attempts(t, "c1")
	require.Len(t, records, 1)
	assert.NotEmpty(t, records[0].DecisionID, "the decision was recorded before materializing failed")
	assert.NotEmpty(t, records[0].Error)

	out, err := f.orchestrator.ProcessCandidate(ctx, "c1", operator, now)
	require.NoError(t, err)
	assert.Equal(t, domain.DecisionPromote, out.Decision.Decision)
	assert.Equal(t, records[0].DecisionID, out.Decision.ID)
	assert.True(t, out.IncidentCreated)
}

func TestProcessCandidate_SideEffectFailuresAreIgnored(t *testing.T) {
	f := newFixture(t)
	f.store(t, candidate("c1", domain.SeverityHigh, 0.72, domain.BandHigh))
	f.sink.err = errUnavailable

	o, err := New(f.catalog.Candidates, f.gate, incidentManager(t, f), logging.NewNop(),
		WithAttemptLog(brokenAttemptLog{}),
		WithEventSink(f.sink))
	require.NoError(t, err)

	out, err := o.ProcessCandidate(context.Background(), "c1", operator, now)
	require.NoError(t, err)
	assert.Equal(t, domain.DecisionPromote, out.Decision.Decision)
	assert.NotNil(t, out.Incident)
}

// incidentManager returns an incident service over the fixture's repository.
func incidentManager(t *testing.T, f *fixture) IncidentManager {
	t.Helper()
	m, err := services.NewIncidentService(f.repo, f.sink, ports.FixedClock(now), logging.NewNop())
	require.NoError(t, err)
	return m
}
