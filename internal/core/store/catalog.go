package store

import (
	"context"

	"github.com/Studio-Elephant-and-Rope/steward/internal/core/domain"
	"github.com/Studio-Elephant-and-Rope/steward/internal/core/ports"
)

// Entity names used in NOT_FOUND errors.
const (
	EntitySignal            = "signal"
	EntityNormalizedSignal  = "normalized signal"
	EntityDetection         = "detection"
	EntityEvidenceGraph     = "evidence graph"
	EntityEvidenceBundle    = "evidence bundle"
	EntityCandidate         = "candidate"
	EntityPromotionDecision = "promotion decision"
	EntityPromotionAttempt  = "promotion attempt"
)

// Catalog groups the typed collections of every pipeline entity.
type Catalog struct {
	Signals           *Collection[domain.Signal]
	NormalizedSignals *Collection[domain.NormalizedSignal]
	Detections        *Collection[domain.DetectionResult]
	Graphs            *Collection[domain.EvidenceGraph]
	Bundles           *Collection[domain.EvidenceBundle]
	Candidates        *Collection[domain.IncidentCandidate]
	Decisions         *Collection[domain.PromotionDecision]
	Attempts          *Collection[domain.AttemptRecord]
}

// NewCatalog creates the collections over one keyed store.
func NewCatalog(s ports.KeyedStore) *Catalog {
	return &Catalog{
		Signals:           NewCollection[domain.Signal](s, ports.KindSignal, EntitySignal),
		NormalizedSignals: NewCollection[domain.NormalizedSignal](s, ports.KindNormalizedSignal, EntityNormalizedSignal),
		Detections:        NewCollection[domain.DetectionResult](s, ports.KindDetection, EntityDetection),
		Graphs:            NewCollection[domain.EvidenceGraph](s, ports.KindEvidenceGraph, EntityEvidenceGraph),
		Bundles:           NewCollection[domain.EvidenceBundle](s, ports.KindEvidenceBundle, EntityEvidenceBundle),
		Candidates:        NewCollection[domain.IncidentCandidate](s, ports.KindCandidate, EntityCandidate),
		Decisions:         NewCollection[domain.PromotionDecision](s, ports.KindPromotionDecision, EntityPromotionDecision),
		Attempts:          NewCollection[domain.AttemptRecord](s, ports.KindPromotionAttempt, EntityPromotionAttempt),
	}
}

// PutSignal stores a raw signal indexed by service and observation time.
func (c *Catalog) PutSignal(ctx context.Context, s *domain.Signal) (*domain.Signal, bool, error) {
	return c.Signals.Create(ctx, Entry{
		Key:      s.ID,
		IndexKey: s.Service,
		SortKey:  SortKey(s.ObservedAt),
		At:       s.ObservedAt,
	}, s)
}

// PutNormalizedSignal stores a normalized signal indexed by its source signal.
func (c *Catalog) PutNormalizedSignal(ctx context.Context, ns *domain.NormalizedSignal) (*domain.NormalizedSignal, bool, error) {
	return c.NormalizedSignals.Create(ctx, Entry{
		Key:      ns.ID,
		IndexKey: ns.SourceSignalID,
		SortKey:  ns.CanonicalTimestamp,
		At:       ns.NormalizedAt,
	}, ns)
}

// PutDetection stores a detection indexed by service and detection time.
func (c *Catalog) PutDetection(ctx context.Context, d *domain.DetectionResult) (*domain.DetectionResult, bool, error) {
	return c.Detections.Create(ctx, Entry{
		Key:      d.ID,
		IndexKey: d.Service,
		SortKey:  SortKey(d.DetectedAt),
		At:       d.DetectedAt,
	}, d)
}

// DetectionsForService returns the detections of a service within [from, to].
func (c *Catalog) DetectionsForService(ctx context.Context, service string, r ports.Range) ([]*domain.DetectionResult, error) {
	return c.Detections.Query(ctx, service, r)
}

// PutGraph stores an evidence graph keyed by its detection.
func (c *Catalog) PutGraph(ctx context.Context, g *domain.EvidenceGraph) (*domain.EvidenceGraph, bool, error) {
	return c.Graphs.Create(ctx, Entry{
		Key:     g.DetectionID,
		SortKey: SortKey(g.CreatedAt),
		At:      g.CreatedAt,
	}, g)
}

// PutBundle stores an evidence bundle indexed by service.
func (c *Catalog) PutBundle(ctx context.Context, b *domain.EvidenceBundle) (*domain.EvidenceBundle, bool, error) {
	return c.Bundles.Create(ctx, Entry{
		Key:      b.ID,
		IndexKey: b.Service,
		SortKey:  SortKey(b.WindowStart),
		At:       b.BundledAt,
	}, b)
}

// PutCandidate stores a candidate indexed by its correlation key.
func (c *Catalog) PutCandidate(ctx context.Context, cand *domain.IncidentCandidate) (*domain.IncidentCandidate, bool, error) {
	return c.Candidates.Create(ctx, Entry{
		Key:      cand.ID,
		IndexKey: cand.CorrelationKey,
		SortKey:  SortKey(cand.CreatedAt),
		At:       cand.CreatedAt,
	}, cand)
}

// PutDecision stores a promotion decision indexed by candidate.
func (c *Catalog) PutDecision(ctx context.Context, d *domain.PromotionDecision) (*domain.PromotionDecision, bool, error) {
	return c.Decisions.Create(ctx, Entry{
		Key:      d.ID,
		IndexKey: d.CandidateID,
		SortKey:  SortKey(d.EvaluatedAt),
		At:       d.EvaluatedAt,
	}, d)
}

// DecisionsForCandidate returns every decision recorded for a candidate.
func (c *Catalog) DecisionsForCandidate(ctx context.Context, candidateID string) ([]*domain.PromotionDecision, error) {
	return c.Decisions.Query(ctx, candidateID, ports.Range{})
}

// LogAttempt stores a promotion attempt. It implements ports.AttemptLog.
func (c *Catalog) LogAttempt(ctx context.Context, record domain.AttemptRecord) error {
	_, _, err := c.Attempts.Create(ctx, Entry{
		Key:      record.ID,
		IndexKey: record.CandidateID,
		SortKey:  SortKey(record.AttemptedAt),
		At:       record.AttemptedAt,
	}, &record)
	return err
}

// AttemptsForCandidate returns the audit trail of a candidate's promotion attempts.
func (c *Catalog) AttemptsForCandidate(ctx context.Context, candidateID string) ([]*domain.AttemptRecord, error) {
	return c.Attempts.Query(ctx, candidateID, ports.Range{})
}
