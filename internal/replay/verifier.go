// Package replay re-derives every content-addressed identifier behind a stored
// candidate and checks it against what was stored.
//
// The chain runs from each raw signal through its normalized form, detection
// and evidence graph, to the bundle, the candidate, its promotion decisions
// and any incident they created. The first link whose recomputed value
// differs from the stored one fails the replay with REPLAY_INTEGRITY_VIOLATION.
package replay

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"

	"github.com/Studio-Elephant-and-Rope/steward/internal/confidence"
	"github.com/Studio-Elephant-and-Rope/steward/internal/core/domain"
	"github.com/Studio-Elephant-and-Rope/steward/internal/core/ports"
	"github.com/Studio-Elephant-and-Rope/steward/internal/core/services"
	"github.com/Studio-Elephant-and-Rope/steward/internal/core/store"
	"github.com/Studio-Elephant-and-Rope/steward/internal/correlation"
	"github.com/Studio-Elephant-and-Rope/steward/internal/detection"
	"github.com/Studio-Elephant-and-Rope/steward/internal/evidence"
	"github.com/Studio-Elephant-and-Rope/steward/internal/identity"
	"github.com/Studio-Elephant-and-Rope/steward/internal/logging"
	"github.com/Studio-Elephant-and-Rope/steward/internal/normalization"
	"github.com/Studio-Elephant-and-Rope/steward/internal/promotion"
)

// Link names, in chain order.
const (
	LinkRawSignal        = "raw_signal"
	LinkNormalizedSignal = "normalized_signal"
	LinkRenormalization  = "renormalization"
	LinkDetection        = "detection"
	LinkEvidenceGraph    = "evidence_graph"
	LinkEvidenceBundle   = "evidence_bundle"
	LinkCandidate        = "candidate"
	LinkRegeneration     = "regeneration"
	LinkDecision         = "decision"
	LinkIncident         = "incident"
)

// LinkStatus is the outcome of checking one link.
type LinkStatus string

// Link statuses.
const (
	StatusVerified LinkStatus = "verified"
	StatusSkipped  LinkStatus = "skipped"
	StatusAbsent   LinkStatus = "absent"
	StatusViolated LinkStatus = "violated"
)

// Link records the check of one stored entity.
type Link struct {
	Name     string     `json:"name"`
	EntityID string     `json:"entity_id"`
	Status   LinkStatus `json:"status"`
	Detail   string     `json:"detail,omitempty"`
}

// Report lists the links checked for a candidate, up to and including the
// first violation.
type Report struct {
	CandidateID string `json:"candidate_id"`
	Valid       bool   `json:"valid"`
	Links       []Link `json:"links"`
}

func (r *Report) pass(name, id string) {
	r.Links = append(r.Links, Link{Name: name, EntityID: id, Status: StatusVerified})
}

func (r *Report) note(name, id string, status LinkStatus, format string, args ...any) {
	r.Links = append(r.Links, Link{Name: name, EntityID: id, Status: status, Detail: fmt.Sprintf(format, args...)})
}

// violation records the failed link and returns the error describing it.
func (r *Report) violation(name, id, format string, args ...any) error {
	detail := fmt.Sprintf(format, args...)
	r.Links = append(r.Links, Link{Name: name, EntityID: id, Status: StatusViolated, Detail: detail})
	r.Valid = false
	return &domain.Error{
		Code:     domain.CodeReplayIntegrityViolation,
		Reason:   fmt.Sprintf("replay of candidate %s failed at link %s: %s", r.CandidateID, name, detail),
		Entity:   name,
		EntityID: id,
	}
}

// Verifier replays stored candidates.
type Verifier struct {
	catalog    *store.Catalog
	incidents  ports.IncidentRepository
	normalizer *normalization.Engine
	calculator *confidence.Calculator
	engine     *correlation.Engine
	logger     *logging.Logger
}

// NewVerifier creates a verifier. incidents may be nil, in which case the
// incident link is skipped.
//
// Possible errors:
//   - ErrInvalidInput: a required dependency is nil
func NewVerifier(catalog *store.Catalog, incidents ports.IncidentRepository, normalizer *normalization.Engine, calculator *confidence.Calculator, engine *correlation.Engine, logger *logging.Logger) (*Verifier, error) {
	switch {
	case catalog == nil:
		return nil, fmt.Errorf("%w: catalog cannot be nil", ports.ErrInvalidInput)
	case normalizer == nil:
		return nil, fmt.Errorf("%w: normalizer cannot be nil", ports.ErrInvalidInput)
	case calculator == nil:
		return nil, fmt.Errorf("%w: calculator cannot be nil", ports.ErrInvalidInput)
	case engine == nil:
		return nil, fmt.Errorf("%w: correlation engine cannot be nil", ports.ErrInvalidInput)
	case logger == nil:
		return nil, fmt.Errorf("%w: logger cannot be nil", ports.ErrInvalidInput)
	}
	return &Verifier{
		catalog:    catalog,
		incidents:  incidents,
		normalizer: normalizer,
		calculator: calculator,
		engine:     engine,
		logger:     logger.WithComponent("replay_verifier"),
	}, nil
}

// Verify replays the chain behind a candidate.
//
// A candidate that does not exist fails with NOT_FOUND and no report. A broken
// or tampered chain returns the report together with a
// REPLAY_INTEGRITY_VIOLATION naming the first failing link. Storage failures
// are returned as they are.
func (v *Verifier) Verify(ctx context.Context, candidateID string) (*Report, error) {
	if candidateID == "" {
		return nil, domain.Validation("candidate id is required")
	}
	logger := v.logger.WithCandidate(candidateID).WithFields("operation", "replay")

	candidate, err := v.catalog.Candidates.Get(ctx, candidateID)
	if err != nil {
		return nil, err
	}

	report := &Report{CandidateID: candidateID, Valid: true}
	if err := v.verify(ctx, report, candidate); err != nil {
		if domain.IsCode(err, domain.CodeReplayIntegrityViolation) {
			logger.WithError(err).Warn("Replay integrity violation")
			return report, err
		}
		logger.WithError(err).Error("Replay aborted")
		return nil, err
	}

	logger.Info("Replay verified", "links", len(report.Links))
	return report, nil
}

func (v *Verifier) verify(ctx context.Context, r *Report, c *domain.IncidentCandidate) error {
	if want := correlation.ComputeCandidateID(c.CorrelationKey, c.CandidateVersion); want != c.ID {
		return r.violation(LinkCandidate, c.ID, "id does not match correlation key and version %s, recomputed %s", c.CandidateVersion, want)
	}

	bundle, err := v.catalog.Bundles.Get(ctx, c.EvidenceID)
	if err != nil {
		return v.missing(r, LinkEvidenceBundle, c.EvidenceID, err)
	}

	for i := range bundle.Detections {
		if err := v.verifyDetection(ctx, r, &bundle.Detections[i]); err != nil {
			return err
		}
	}

	if err := evidence.VerifyBundleID(bundle); err != nil {
		return r.violation(LinkEvidenceBundle, bundle.ID, "%v", err)
	}
	if summary := evidence.Summarize(bundle.Detections); !summaryEqual(summary, bundle.Summary) {
		return r.violation(LinkEvidenceBundle, bundle.ID, "summary does not match the bundled detections")
	}
	if !slices.Equal(bundle.DetectionIDs(), c.DetectionIDs) {
		return r.violation(LinkEvidenceBundle, bundle.ID, "candidate detections differ from the bundle")
	}
	r.pass(LinkEvidenceBundle, bundle.ID)
	r.pass(LinkCandidate, c.ID)

	if err := v.regenerate(r, bundle, c); err != nil {
		return err
	}
	return v.verifyDecisions(ctx, r, c)
}

func (v *Verifier) verifyDetection(ctx context.Context, r *Report, d *domain.DetectionResult) error {
	stored, err := v.catalog.Detections.Get(ctx, d.ID)
	if err != nil {
		return v.missing(r, LinkDetection, d.ID, err)
	}
	ns, err := v.catalog.NormalizedSignals.Get(ctx, stored.NormalizedSignalID)
	if err != nil {
		return v.missing(r, LinkNormalizedSignal, stored.NormalizedSignalID, err)
	}
	raw, err := v.catalog.Signals.Get(ctx, ns.SourceSignalID)
	if err != nil {
		return v.missing(r, LinkRawSignal, ns.SourceSignalID, err)
	}

	// Raw ids are opaque; the content is covered by the checksum and by
	// renormalization below.
	if window := identity.ComputeIdentityWindow(raw.ObservedAt); window != raw.IdentityWindow {
		return r.violation(LinkRawSignal, raw.ID, "identity window %s does not match observed_at, recomputed %s", raw.IdentityWindow, window)
	}
	if sum := identity.Checksum(raw.RawPayload); sum != raw.Checksum {
		return r.violation(LinkRawSignal, raw.ID, "payload checksum %s does not match payload, recomputed %s", raw.Checksum, sum)
	}
	r.pass(LinkRawSignal, raw.ID)

	nsID := normalization.NormalizedSignalID(ns.NormalizationVersion, ns.SourceSignalID, ns.CanonicalType, ns.CanonicalTimestamp)
	if nsID != ns.ID {
		return r.violation(LinkNormalizedSignal, ns.ID, "id does not match content, recomputed %s", nsID)
	}
	if ns.Evidence.SignalID != raw.ID || ns.Evidence.Checksum != raw.Checksum {
		return r.violation(LinkNormalizedSignal, ns.ID, "evidence reference does not match raw signal %s", raw.ID)
	}
	r.pass(LinkNormalizedSignal, ns.ID)

	if err := v.renormalize(r, raw, ns); err != nil {
		return err
	}

	if want := detection.DetectionID(stored.RuleID, stored.RuleVersion, ns.ID); want != stored.ID {
		return r.violation(LinkDetection, stored.ID, "id does not match rule and normalized signal, recomputed %s", want)
	}
	if stored.SignalID != raw.ID {
		return r.violation(LinkDetection, stored.ID, "signal reference %s does not match raw signal %s", stored.SignalID, raw.ID)
	}
	if !detectionEqual(stored, d) {
		return r.violation(LinkDetection, stored.ID, "bundled copy differs from the stored detection")
	}
	r.pass(LinkDetection, stored.ID)

	return v.verifyGraph(ctx, r, stored, ns, raw)
}

// renormalize runs the stored raw signal through normalization again when the
// engine version matches the stored one.
func (v *Verifier) renormalize(r *Report, raw *domain.Signal, ns *domain.NormalizedSignal) error {
	if v.normalizer.Version() != ns.NormalizationVersion {
		r.note(LinkRenormalization, ns.ID, StatusSkipped,
			"stored with normalization %s, engine runs %s", ns.NormalizationVersion, v.normalizer.Version())
		return nil
	}
	result := v.normalizer.Normalize(*raw, ns.NormalizedAt)
	if !result.Success() {
		return r.violation(LinkRenormalization, ns.ID, "stored raw signal no longer normalizes: %v", result.Err)
	}
	if result.Signal.ID != ns.ID {
		return r.violation(LinkRenormalization, ns.ID, "renormalized id %s differs", result.Signal.ID)
	}
	if !sameJSON(result.Signal, ns) {
		return r.violation(LinkRenormalization, ns.ID, "renormalized fields differ from the stored normalized signal")
	}
	r.pass(LinkRenormalization, ns.ID)
	return nil
}

func (v *Verifier) verifyGraph(ctx context.Context, r *Report, d *domain.DetectionResult, ns *domain.NormalizedSignal, raw *domain.Signal) error {
	stored, err := v.catalog.Graphs.Get(ctx, d.ID)
	if err != nil {
		return v.missing(r, LinkEvidenceGraph, d.ID, err)
	}
	if err := evidence.VerifyStructure(stored).Err(); err != nil {
		return r.violation(LinkEvidenceGraph, d.ID, "%v", err)
	}
	rebuilt, err := evidence.BuildGraph(d, ns, raw)
	if err != nil {
		return r.violation(LinkEvidenceGraph, d.ID, "chain no longer builds: %v", err)
	}
	want, err := identity.HashJSON(rebuilt)
	if err != nil {
		return fmt.Errorf("failed to hash rebuilt graph: %w", err)
	}
	got, err := identity.HashJSON(stored)
	if err != nil {
		return fmt.Errorf("failed to hash stored graph: %w", err)
	}
	if want != got {
		return r.violation(LinkEvidenceGraph, d.ID, "stored graph differs from the graph rebuilt from its chain")
	}
	r.pass(LinkEvidenceGraph, d.ID)
	return nil
}

// regenerate assesses and correlates the stored bundle again. It is skipped
// when the engine runs a different candidate version than the stored one.
func (v *Verifier) regenerate(r *Report, bundle *domain.EvidenceBundle, c *domain.IncidentCandidate) error {
	if version := v.engine.Config().CandidateVersion; version != c.CandidateVersion {
		r.note(LinkRegeneration, c.ID, StatusSkipped, "stored as candidate %s, engine runs %s", c.CandidateVersion, version)
		return nil
	}
	assessment, err := v.calculator.Assess(bundle)
	if err != nil {
		return r.violation(LinkRegeneration, c.ID, "bundle no longer assesses: %v", err)
	}
	regenerated, err := v.engine.GenerateCandidate(bundle, assessment)
	if err != nil {
		return r.violation(LinkRegeneration, c.ID, "bundle no longer correlates: %v", err)
	}

	switch {
	case regenerated.CorrelationKey != c.CorrelationKey:
		return r.violation(LinkRegeneration, c.ID, "correlation key recomputed as %s", regenerated.CorrelationKey)
	case regenerated.ID != c.ID:
		return r.violation(LinkRegeneration, c.ID, "candidate id recomputed as %s", regenerated.ID)
	case regenerated.Severity != c.Severity:
		return r.violation(LinkRegeneration, c.ID, "severity recomputed as %s", regenerated.Severity)
	case math.Abs(regenerated.Confidence-c.Confidence) > 1e-9 || regenerated.Band != c.Band:
		return r.violation(LinkRegeneration, c.ID, "confidence recomputed as %.3f %s", regenerated.Confidence, regenerated.Band)
	}
	r.pass(LinkRegeneration, c.ID)
	return nil
}

func (v *Verifier) verifyDecisions(ctx context.Context, r *Report, c *domain.IncidentCandidate) error {
	decisions, err := v.catalog.DecisionsForCandidate(ctx, c.ID)
	if err != nil {
		return err
	}
	for _, d := range decisions {
		if err := promotion.VerifyDecision(d); err != nil {
			return r.violation(LinkDecision, d.ID, "%v", err)
		}
		r.pass(LinkDecision, d.ID)

		if d.Decision != domain.DecisionPromote {
			continue
		}
		if err := v.verifyIncident(ctx, r, d, c); err != nil {
			return err
		}
	}
	return nil
}

func (v *Verifier) verifyIncident(ctx context.Context, r *Report, d *domain.PromotionDecision, c *domain.IncidentCandidate) error {
	id := services.IncidentID(d.ID)
	if v.incidents == nil {
		r.note(LinkIncident, id, StatusSkipped, "no incident repository configured")
		return nil
	}
	inc, err := v.incidents.Get(ctx, id)
	if err != nil {
		if errors.Is(err, ports.ErrNotFound) {
			r.note(LinkIncident, id, StatusAbsent, "decision %s has not been materialized", d.ID)
			return nil
		}
		return err
	}
	if inc.DecisionID != d.ID || inc.CandidateID != c.ID || inc.CorrelationKey != c.CorrelationKey {
		return r.violation(LinkIncident, id, "incident does not point back at decision %s and candidate %s", d.ID, c.ID)
	}
	r.pass(LinkIncident, id)
	return nil
}

// missing turns a confirmed absence into a violation and passes other
// errors through.
func (v *Verifier) missing(r *Report, link, id string, err error) error {
	if domain.IsCode(err, domain.CodeNotFound) {
		return r.violation(link, id, "referenced entity is missing")
	}
	return err
}

func detectionEqual(a, b *domain.DetectionResult) bool {
	return a.ID == b.ID &&
		a.RuleID == b.RuleID &&
		a.RuleVersion == b.RuleVersion &&
		a.Service == b.Service &&
		a.Severity == b.Severity &&
		a.NormalizedSignalID == b.NormalizedSignalID &&
		a.SignalID == b.SignalID &&
		a.DetectedAt.Equal(b.DetectedAt)
}

func summaryEqual(a, b domain.SignalSummary) bool {
	return sameJSON(a, b)
}

func sameJSON(a, b any) bool {
	x, errX := identity.HashJSON(a)
	y, errY := identity.HashJSON(b)
	return errX == nil && errY == nil && x == y
}
