package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/Studio-Elephant-and-Rope/steward/internal/core/domain"
	"github.com/Studio-Elephant-and-Rope/steward/internal/core/ports"
	"github.com/Studio-Elephant-and-Rope/steward/internal/core/store"
	"github.com/Studio-Elephant-and-Rope/steward/internal/detection"
	"github.com/Studio-Elephant-and-Rope/steward/internal/identity"
	"github.com/Studio-Elephant-and-Rope/steward/internal/logging"
	"github.com/Studio-Elephant-and-Rope/steward/internal/metrics"
	"github.com/Studio-Elephant-and-Rope/steward/internal/normalization"
)

// SignalService ingests raw signals and runs them through normalization and
// detection. It implements telemetry.SignalHandler.
type SignalService struct {
	catalog    *store.Catalog
	normalizer *normalization.Engine
	rules      *detection.Ruleset
	clock      ports.Clock
	logger     *logging.Logger
}

// IngestResult reports what ingesting one signal produced.
type IngestResult struct {
	Signal    *domain.Signal `json:"signal"`
	Duplicate bool           `json:"duplicate"`

	// Exactly one of Normalized and NormalizationError is set.
	Normalized         *domain.NormalizedSignal       `json:"normalized,omitempty"`
	NormalizationError *normalization.ClassifiedError `json:"normalization_error,omitempty"`

	Detections []*domain.DetectionResult `json:"detections"`
}

// NewSignalService creates a new signal service.
//
// rules may be nil or empty, in which case signals are stored and normalized
// but never detected on. clock may be nil, in which case the system clock is used.
//
// Possible errors:
//   - ErrInvalidInput: catalog, normalizer or logger is nil
func NewSignalService(catalog *store.Catalog, normalizer *normalization.Engine, rules *detection.Ruleset, clock ports.Clock, logger *logging.Logger) (*SignalService, error) {
	if catalog == nil {
		return nil, fmt.Errorf("%w: catalog cannot be nil", ports.ErrInvalidInput)
	}
	if normalizer == nil {
		return nil, fmt.Errorf("%w: normalizer cannot be nil", ports.ErrInvalidInput)
	}
	if logger == nil {
		return nil, fmt.Errorf("%w: logger cannot be nil", ports.ErrInvalidInput)
	}
	if clock == nil {
		clock = ports.SystemClock()
	}

	return &SignalService{
		catalog:    catalog,
		normalizer: normalizer,
		rules:      rules,
		clock:      clock,
		logger:     logger.WithComponent("signal_service"),
	}, nil
}

// PrepareSignal fills the identity fields of a raw signal.
//
// The identity window is always derived from ObservedAt. A caller supplied id
// is opaque and kept as is; a missing one is derived from the content, so two
// observations of the same event within a minute share it. A missing checksum
// is computed from the compacted raw payload; a supplied one is kept so that
// normalization can report a mismatch.
//
// Nothing else is checked here: field level problems are classified by
// normalization once the raw signal is stored.
func PrepareSignal(s *domain.Signal) error {
	if s == nil {
		return domain.Validation("signal is required")
	}
	s.ObservedAt = s.ObservedAt.UTC()
	s.IdentityWindow = identity.ComputeIdentityWindow(s.ObservedAt)

	if strings.TrimSpace(s.ID) == "" {
		s.ID = identity.ComputeSignalID(s.Source, s.Type, s.Service, s.Severity, s.IdentityWindow, s.Metadata)
	}

	// Payloads are stored compacted; fingerprint the stored form.
	if len(s.RawPayload) > 0 {
		var buf bytes.Buffer
		if err := json.Compact(&buf, s.RawPayload); err != nil {
			return domain.WrapError(domain.CodeValidation, err, "signal %s raw_payload is not valid JSON", s.ID)
		}
		s.RawPayload = buf.Bytes()
	}
	if s.Checksum == "" {
		s.Checksum = identity.Checksum(s.RawPayload)
	}
	return nil
}

// Ingest stores a raw signal once, normalizes it and evaluates every enabled
// rule against the normalized form.
//
// A signal already stored is reported as a duplicate and processed again from
// the stored copy; every downstream write is conditional, so reprocessing
// converges on the records written the first time. A normalization failure is
// not an error: it is logged, counted and reported in the result.
//
// Possible errors:
//   - VALIDATION_ERROR: the signal is nil or its raw payload is not JSON
//   - storage failures
func (s *SignalService) Ingest(ctx context.Context, signal domain.Signal) (*IngestResult, error) {
	if err := PrepareSignal(&signal); err != nil {
		return nil, err
	}

	logger := s.logger.WithFields(
		"operation", "ingest_signal",
		"signal_id", signal.ID,
		"source", signal.Source,
		"service", signal.Service,
	)

	stored, created, err := s.catalog.PutSignal(ctx, &signal)
	if err != nil {
		logger.WithError(err).Error("Failed to store signal")
		return nil, err
	}
	metrics.ObserveSignalIngested(!created)

	result := &IngestResult{Signal: stored, Duplicate: !created}
	if !created {
		logger.Debug("Duplicate signal, reprocessing stored copy")
	}

	normalized := s.normalizer.Normalize(*stored, s.clock.Now())
	if !normalized.Success() {
		result.NormalizationError = normalized.Err
		metrics.ObserveNormalizationFailure(string(normalized.Err.Code))
		logger.Warn("Signal normalization failed",
			"code", string(normalized.Err.Code),
			"reason", normalized.Err.Message)
		return result, nil
	}

	ns, _, err := s.catalog.PutNormalizedSignal(ctx, normalized.Signal)
	if err != nil {
		logger.WithError(err).Error("Failed to store normalized signal")
		return nil, err
	}
	result.Normalized = ns

	detections, err := s.detect(ctx, ns, logger)
	if err != nil {
		return nil, err
	}
	result.Detections = detections

	logger.Info("Signal ingested",
		"duplicate", result.Duplicate,
		"normalized_signal_id", ns.ID,
		"detections", len(detections))
	return result, nil
}

// HandleSignal ingests a signal received over telemetry.
func (s *SignalService) HandleSignal(ctx context.Context, signal domain.Signal) error {
	_, err := s.Ingest(ctx, signal)
	return err
}

// Rules returns the ruleset the service evaluates.
func (s *SignalService) Rules() *detection.Ruleset {
	return s.rules
}

func (s *SignalService) detect(ctx context.Context, ns *domain.NormalizedSignal, logger *logging.Logger) ([]*domain.DetectionResult, error) {
	var detections []*domain.DetectionResult
	for _, rule := range s.rules.Rules() {
		d, matched := detection.Evaluate(rule, ns)
		if !matched {
			continue
		}
		stored, created, err := s.catalog.PutDetection(ctx, d)
		if err != nil {
			logger.WithError(err).Error("Failed to store detection", "rule", rule.Key())
			return nil, err
		}
		if created {
			metrics.ObserveDetection(rule.ID())
		}
		logger.Debug("Rule matched", "rule", rule.Key(), "detection_id", stored.ID, "new", created)
		detections = append(detections, stored)
	}
	return detections, nil
}
