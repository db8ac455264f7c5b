package services

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Studio-Elephant-and-Rope/steward/internal/confidence"
	"github.com/Studio-Elephant-and-Rope/steward/internal/core/domain"
	"github.com/Studio-Elephant-and-Rope/steward/internal/core/ports"
	"github.com/Studio-Elephant-and-Rope/steward/internal/core/store"
	"github.com/Studio-Elephant-and-Rope/steward/internal/correlation"
	"github.com/Studio-Elephant-and-Rope/steward/internal/evidence"
	"github.com/Studio-Elephant-and-Rope/steward/internal/logging"
	"github.com/Studio-Elephant-and-Rope/steward/internal/metrics"
)

// DefaultWorkers bounds concurrent store reads when none is configured.
const DefaultWorkers = 8

// CandidateService turns stored detections into incident candidates.
type CandidateService struct {
	catalog    *store.Catalog
	graphs     *evidence.GraphService
	bundler    *evidence.Bundler
	calculator *confidence.Calculator
	engine     *correlation.Engine
	workers    int
	logger     *logging.Logger
}

// CandidateRequest selects the detections to correlate.
//
// When DetectionIDs is empty every detection of Service inside the inclusive
// window is used. Otherwise exactly the listed detections are used and each
// must belong to Service and fall inside the window.
type CandidateRequest struct {
	Service      string    `json:"service"`
	WindowStart  time.Time `json:"window_start"`
	WindowEnd    time.Time `json:"window_end"`
	DetectionIDs []string  `json:"detection_ids,omitempty"`
}

// CandidateResult carries a candidate with the evidence it was generated from.
type CandidateResult struct {
	Candidate  *domain.IncidentCandidate   `json:"candidate"`
	Bundle     *domain.EvidenceBundle      `json:"bundle"`
	Assessment *domain.CandidateAssessment `json:"assessment"`
	Created    bool                        `json:"created"`
}

// NewCandidateService creates a new candidate service. workers bounds the
// concurrent store reads of one request; zero selects DefaultWorkers.
//
// Possible errors:
//   - ErrInvalidInput: a dependency is nil or workers is negative
func NewCandidateService(
	catalog *store.Catalog,
	graphs *evidence.GraphService,
	bundler *evidence.Bundler,
	calculator *confidence.Calculator,
	engine *correlation.Engine,
	workers int,
	logger *logging.Logger,
) (*CandidateService, error) {
	switch {
	case catalog == nil:
		return nil, fmt.Errorf("%w: catalog cannot be nil", ports.ErrInvalidInput)
	case graphs == nil:
		return nil, fmt.Errorf("%w: graph service cannot be nil", ports.ErrInvalidInput)
	case bundler == nil:
		return nil, fmt.Errorf("%w: bundler cannot be nil", ports.ErrInvalidInput)
	case calculator == nil:
		return nil, fmt.Errorf("%w: calculator cannot be nil", ports.ErrInvalidInput)
	case engine == nil:
		return nil, fmt.Errorf("%w: correlation engine cannot be nil", ports.ErrInvalidInput)
	case logger == nil:
		return nil, fmt.Errorf("%w: logger cannot be nil", ports.ErrInvalidInput)
	case workers < 0:
		return nil, fmt.Errorf("%w: workers cannot be negative, got %d", ports.ErrInvalidInput, workers)
	}
	if workers == 0 {
		workers = DefaultWorkers
	}

	return &CandidateService{
		catalog:    catalog,
		graphs:     graphs,
		bundler:    bundler,
		calculator: calculator,
		engine:     engine,
		workers:    workers,
		logger:     logger.WithComponent("candidate_service"),
	}, nil
}

// GenerateCandidate bundles, assesses and correlates detections into a
// candidate.
//
// The evidence graph of every detection is built first; a detection whose
// chain back to its raw signal is broken fails the request. The bundle is
// stored before it is assessed and the candidate is generated from the stored
// copy, so repeating a request returns the candidate stored the first time.
//
// Possible errors:
//   - VALIDATION_ERROR: the request or the selected detections are invalid
//   - NOT_FOUND: a listed detection or part of its evidence chain is missing
func (s *CandidateService) GenerateCandidate(ctx context.Context, req CandidateRequest) (*CandidateResult, error) {
	logger := s.logger.WithFields(
		"operation", "generate_candidate",
		"service", req.Service,
		"requested_detections", len(req.DetectionIDs),
	)

	if req.Service == "" {
		return nil, domain.Validation("candidate request service is required")
	}
	if req.WindowStart.IsZero() || req.WindowEnd.IsZero() {
		return nil, domain.Validation("candidate request window bounds are required")
	}
	if req.WindowEnd.Before(req.WindowStart) {
		return nil, domain.Validation("candidate request window end precedes start")
	}
	// Stored times have millisecond precision; query and bundle on the same grid.
	req.WindowStart = req.WindowStart.UTC().Truncate(time.Millisecond)
	req.WindowEnd = req.WindowEnd.UTC().Truncate(time.Millisecond)
	if len(req.DetectionIDs) > domain.MaxCandidateDetections {
		return nil, domain.Validation("candidate request lists %d detections, limit is %d",
			len(req.DetectionIDs), domain.MaxCandidateDetections)
	}

	detections, err := s.selectDetections(ctx, req)
	if err != nil {
		logger.WithError(err).Warn("Failed to select detections")
		return nil, err
	}
	if err := s.buildGraphs(ctx, detections); err != nil {
		logger.WithError(err).Warn("Evidence chain is incomplete")
		return nil, err
	}

	bundle, err := s.bundler.BuildBundle(detections, req.Service, req.WindowStart, req.WindowEnd)
	if err != nil {
		return nil, err
	}
	bundle, _, err = s.catalog.PutBundle(ctx, bundle)
	if err != nil {
		logger.WithError(err).Error("Failed to store evidence bundle")
		return nil, err
	}

	assessment, err := s.calculator.Assess(bundle)
	if err != nil {
		return nil, err
	}
	candidate, err := s.engine.GenerateCandidate(bundle, assessment)
	if err != nil {
		return nil, err
	}

	stored, created, err := s.catalog.PutCandidate(ctx, candidate)
	if err != nil {
		logger.WithError(err).Error("Failed to store candidate")
		return nil, err
	}
	if created {
		metrics.ObserveCandidate(string(stored.Band))
	}

	logger.WithCandidate(stored.ID).Info("Candidate generated",
		"evidence_id", bundle.ID,
		"detections", len(stored.DetectionIDs),
		"confidence", stored.Confidence,
		"band", string(stored.Band),
		"new", created)

	return &CandidateResult{
		Candidate:  stored,
		Bundle:     bundle,
		Assessment: assessment,
		Created:    created,
	}, nil
}

// GetCandidate returns a stored candidate.
//
// Possible errors:
//   - NOT_FOUND: candidate does not exist
func (s *CandidateService) GetCandidate(ctx context.Context, id string) (*domain.IncidentCandidate, error) {
	if id == "" {
		return nil, domain.Validation("candidate id is required")
	}
	return s.catalog.Candidates.Get(ctx, id)
}

// Decisions returns every decision recorded for a candidate.
func (s *CandidateService) Decisions(ctx context.Context, candidateID string) ([]*domain.PromotionDecision, error) {
	return s.catalog.DecisionsForCandidate(ctx, candidateID)
}

func (s *CandidateService) selectDetections(ctx context.Context, req CandidateRequest) ([]domain.DetectionResult, error) {
	if len(req.DetectionIDs) == 0 {
		found, err := s.catalog.DetectionsForService(ctx, req.Service, store.TimeRange(req.WindowStart, req.WindowEnd))
		if err != nil {
			return nil, err
		}
		if len(found) == 0 {
			return nil, domain.Validation("no detections for service %s between %s and %s", req.Service,
				domain.FormatTimestamp(req.WindowStart), domain.FormatTimestamp(req.WindowEnd))
		}
		if len(found) > domain.MaxCandidateDetections {
			return nil, domain.Validation("service %s has %d detections in the window, limit is %d",
				req.Service, len(found), domain.MaxCandidateDetections)
		}
		return deref(found), nil
	}

	out := make([]domain.DetectionResult, len(req.DetectionIDs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)
	for i, id := range req.DetectionIDs {
		g.Go(func() error {
			d, err := s.catalog.Detections.Get(gctx, id)
			if err != nil {
				return err
			}
			out[i] = *d
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *CandidateService) buildGraphs(ctx context.Context, detections []domain.DetectionResult) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)
	for i := range detections {
		id := detections[i].ID
		g.Go(func() error {
			_, err := s.graphs.CreateGraph(gctx, id)
			return err
		})
	}
	return g.Wait()
}

func deref(in []*domain.DetectionResult) []domain.DetectionResult {
	out := make([]domain.DetectionResult, len(in))
	for i, d := range in {
		out[i] = *d
	}
	return out
}
