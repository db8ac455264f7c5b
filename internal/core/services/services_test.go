package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Studio-Elephant-and-Rope/steward/internal/adapters/storage/memory"
	"github.com/Studio-Elephant-and-Rope/steward/internal/confidence"
	"github.com/Studio-Elephant-and-Rope/steward/internal/core/domain"
	"github.com/Studio-Elephant-and-Rope/steward/internal/core/ports"
	"github.com/Studio-Elephant-and-Rope/steward/internal/core/store"
	"github.com/Studio-Elephant-and-Rope/steward/internal/correlation"
	"github.com/Studio-Elephant-and-Rope/steward/internal/detection"
	"github.com/Studio-Elephant-and-Rope/steward/internal/evidence"
	"github.com/Studio-Elephant-and-Rope/steward/internal/logging"
	"github.com/Studio-Elephant-and-Rope/steward/internal/normalization"
)

var fixedNow = time.Date(2026, 1, 17, 10, 30, 0, 0, time.UTC)

// recordingSink collects emitted events and can be told to fail.
type recordingSink struct {
	mu     sync.Mutex
	events []domain.DomainEvent
	err    error
}

func (s *recordingSink) Emit(_ context.Context, event domain.DomainEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.events = append(s.events, event)
	return nil
}

func (s *recordingSink) types() []domain.EventType {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.EventType, len(s.events))
	for i, e := range s.events {
		out[i] = e.Type
	}
	return out
}

// failingRepository wraps the memory repository and fails selected calls.
type failingRepository struct {
	*memory.IncidentRepository
	createErr error
}

func (r *failingRepository) Create(ctx context.Context, incident *domain.Incident) error {
	if r.createErr != nil {
		return r.createErr
	}
	return r.IncidentRepository.Create(ctx, incident)
}

var errBoom = errors.New("boom")

func testRules(t *testing.T) *detection.Ruleset {
	t.Helper()
	defs := []detection.Definition{
		{
			ID:      "checkout-errors",
			Version: "1.0.0",
			Matcher: detection.SignalMatcher{
				Sources:     []string{"cloudwatch"},
				SignalTypes: []string{"ErrorRateHigh"},
			},
			Output: detection.Output{Severity: domain.SeverityHigh, Confidence: 0.8},
		},
		{
			ID:      "latency",
			Version: "1.0.0",
			Matcher: detection.SignalMatcher{SignalTypes: []string{"LatencyHigh"}},
			Output:  detection.Output{Severity: domain.SeverityMedium, Confidence: 0.6},
		},
	}
	var rules []*detection.Rule
	for _, d := range defs {
		r, err := detection.Parse(d)
		require.NoError(t, err)
		rules = append(rules, r)
	}
	set, err := detection.NewRuleset(rules)
	require.NoError(t, err)
	return set
}

func rawSignal(signalType string, observedAt time.Time, host string) domain.Signal {
	return domain.Signal{
		Source:     "cloudwatch",
		Type:       signalType,
		Service:    "checkout",
		Severity:   domain.SeverityHigh,
		Confidence: 0.9,
		ObservedAt: observedAt,
		Metadata:   map[string]string{"host": host},
		Tags:       map[string]string{"resource.host": host, "region": "eu-west-1"},
		RawPayload: []byte(`{"error_rate":0.12}`),
	}
}

type pipeline struct {
	catalog    *store.Catalog
	signals    *SignalService
	candidates *CandidateService
	incidents  *IncidentService
	repo       *memory.IncidentRepository
	sink       *recordingSink
}

func newPipeline(t *testing.T) *pipeline {
	t.Helper()
	logger := logging.NewNop()
	clock := ports.FixedClock(fixedNow)
	catalog := store.NewCatalog(memory.NewKeyedStore())

	signals, err := NewSignalService(catalog, normalization.NewEngine(normalization.DefaultConfig()), testRules(t), clock, logger)
	require.NoError(t, err)

	graphs, err := evidence.NewGraphService(catalog, 0, logger)
	require.NoError(t, err)
	calculator, err := confidence.NewCalculator(confidence.DefaultConfig())
	require.NoError(t, err)
	engine, err := correlation.NewEngine(correlation.DefaultConfig(), logger)
	require.NoError(t, err)
	candidates, err := NewCandidateService(catalog, graphs, evidence.NewBundler(clock), calculator, engine, 2, logger)
	require.NoError(t, err)

	repo := memory.NewIncidentRepository()
	sink := &recordingSink{}
	incidents, err := NewIncidentService(repo, sink, clock, logger)
	require.NoError(t, err)

	return &pipeline{
		catalog:    catalog,
		signals:    signals,
		candidates: candidates,
		incidents:  incidents,
		repo:       repo,
		sink:       sink,
	}
}
