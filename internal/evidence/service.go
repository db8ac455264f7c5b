package evidence

import (
	"context"
	"errors"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/Studio-Elephant-and-Rope/steward/internal/core/domain"
	"github.com/Studio-Elephant-and-Rope/steward/internal/core/ports"
	"github.com/Studio-Elephant-and-Rope/steward/internal/core/store"
	"github.com/Studio-Elephant-and-Rope/steward/internal/logging"
	"github.com/Studio-Elephant-and-Rope/steward/internal/metrics"
)

// DefaultCacheSize is the number of graphs kept in the read cache.
const DefaultCacheSize = 1024

// GraphService persists and verifies evidence graphs.
//
// Graphs are write-once, so a cached graph never goes stale. The cache only
// saves store round trips on repeated reads and verifications.
type GraphService struct {
	catalog *store.Catalog
	cache   *lru.Cache[string, *domain.EvidenceGraph]
	logger  *logging.Logger
}

// NewGraphService creates a graph service over the catalog.
//
// Possible errors:
//   - ErrInvalidInput: catalog or logger is nil, or cacheSize is negative
func NewGraphService(catalog *store.Catalog, cacheSize int, logger *logging.Logger) (*GraphService, error) {
	if catalog == nil {
		return nil, fmt.Errorf("%w: catalog cannot be nil", ports.ErrInvalidInput)
	}
	if logger == nil {
		return nil, fmt.Errorf("%w: logger cannot be nil", ports.ErrInvalidInput)
	}
	if cacheSize < 0 {
		return nil, fmt.Errorf("%w: graph cache size must not be negative, got %d", ports.ErrInvalidInput, cacheSize)
	}
	if cacheSize == 0 {
		cacheSize = DefaultCacheSize
	}

	cache, err := lru.New[string, *domain.EvidenceGraph](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create graph cache: %w", err)
	}

	return &GraphService{
		catalog: catalog,
		cache:   cache,
		logger:  logger.WithComponent("evidence_graph"),
	}, nil
}

// CreateGraph builds and stores the graph of a detection.
//
// The detection, its normalized signal and its raw signal are fetched in that
// order and the first miss fails with NOT_FOUND, so no partial graph is ever
// written. A graph that already exists is read back and returned.
func (s *GraphService) CreateGraph(ctx context.Context, detectionID string) (*domain.EvidenceGraph, error) {
	logger := s.logger.WithFields("operation", "create_graph", "detection_id", detectionID)

	if detectionID == "" {
		return nil, domain.Validation("detection id is required")
	}
	if g, ok := s.cache.Get(detectionID); ok {
		return g, nil
	}

	detection, err := s.catalog.Detections.Get(ctx, detectionID)
	if err != nil {
		return nil, err
	}
	normalized, err := s.catalog.NormalizedSignals.Get(ctx, detection.NormalizedSignalID)
	if err != nil {
		return nil, err
	}
	raw, err := s.catalog.Signals.Get(ctx, normalized.SourceSignalID)
	if err != nil {
		return nil, err
	}

	graph, err := BuildGraph(detection, normalized, raw)
	if err != nil {
		return nil, err
	}

	stored, created, err := s.catalog.PutGraph(ctx, graph)
	if err != nil {
		logger.WithError(err).Error("Failed to store evidence graph")
		return nil, err
	}
	if created {
		logger.Debug("Evidence graph stored", "nodes", len(stored.Nodes), "edges", len(stored.Edges))
	}

	s.cache.Add(detectionID, stored)
	return stored, nil
}

// GetGraph returns the stored graph of a detection.
func (s *GraphService) GetGraph(ctx context.Context, detectionID string) (*domain.EvidenceGraph, error) {
	if g, ok := s.cache.Get(detectionID); ok {
		return g, nil
	}
	g, err := s.catalog.Graphs.Get(ctx, detectionID)
	if err != nil {
		return nil, err
	}
	s.cache.Add(detectionID, g)
	return g, nil
}

// VerifyGraph checks a graph in the requested mode.
//
// Referential verification looks every node's entity up in the store. A lookup
// that fails for any reason other than a confirmed absence is logged and the
// entity is assumed present.
func (s *GraphService) VerifyGraph(ctx context.Context, graph *domain.EvidenceGraph, mode Mode) VerificationResult {
	result := VerifyStructure(graph)
	if mode == ModeReferential && graph != nil {
		result.Mode = ModeReferential
		for _, node := range graph.Nodes {
			s.checkReferent(ctx, &result, node)
		}
	}

	metrics.ObserveGraphVerification(string(result.Mode), result.Valid)
	if !result.Valid {
		s.logger.Warn("Evidence graph failed verification",
			"detection_id", detectionIDOf(graph),
			"mode", string(result.Mode),
			"issues", len(result.Issues))
	}
	return result
}

func (s *GraphService) checkReferent(ctx context.Context, result *VerificationResult, node domain.GraphNode) {
	var (
		exists bool
		err    error
	)
	switch node.Type {
	case domain.NodeDetectionResult:
		exists, err = s.catalog.Detections.Exists(ctx, node.EntityID)
	case domain.NodeNormalizedSignal:
		exists, err = s.catalog.NormalizedSignals.Exists(ctx, node.EntityID)
	case domain.NodeRawSignal:
		exists, err = s.catalog.Signals.Exists(ctx, node.EntityID)
	default:
		return
	}

	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		s.logger.WithError(err).Warn("Referential lookup failed, assuming entity exists",
			"node_id", node.ID, "node_type", string(node.Type))
		return
	}
	if !exists {
		result.add(domain.CodeNotFound, node.ID, "%s %s referenced by node %s is not stored", node.Type, node.EntityID, node.ID)
	}
}

func detectionIDOf(g *domain.EvidenceGraph) string {
	if g == nil {
		return ""
	}
	return g.DetectionID
}
