// Package evidence builds and verifies the provenance of detections.
//
// An evidence graph links a detection to the normalized signal it was derived
// from and to the raw signal that was normalized. Graphs are immutable DAGs
// keyed by detection id. Bundles aggregate detections of one service over a
// time window and anchor every timestamp downstream of them.
package evidence

import (
	"fmt"
	"sort"

	"github.com/Studio-Elephant-and-Rope/steward/internal/core/domain"
)

// GraphVersionV1 is the only graph shape produced today.
const GraphVersionV1 = "v1"

// Edge relations of a v1 graph.
const (
	RelationDerivedFrom    = "DERIVED_FROM"
	RelationNormalizedFrom = "NORMALIZED_FROM"
)

const (
	v1NodeCount = 3
	v1EdgeCount = 2
)

// Mode selects how deeply a graph is verified.
type Mode string

// Verification modes.
const (
	// ModeStructural checks the graph on its own.
	ModeStructural Mode = "structural"
	// ModeReferential also checks that every node's entity is still stored.
	ModeReferential Mode = "referential"
)

// ParseMode parses a verification mode. The empty string is structural.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "", ModeStructural:
		return ModeStructural, nil
	case ModeReferential:
		return ModeReferential, nil
	default:
		return "", domain.Validation("unknown verification mode %q", s)
	}
}

// NodeID renders the id of the node that refers to entityID.
func NodeID(t domain.NodeType, entityID string) string {
	return string(t) + ":" + entityID
}

// BuildGraph assembles the v1 graph for a detection from its resolved inputs.
// It is pure: CreatedAt is the detection time.
func BuildGraph(d *domain.DetectionResult, ns *domain.NormalizedSignal, raw *domain.Signal) (*domain.EvidenceGraph, error) {
	if d == nil || ns == nil || raw == nil {
		return nil, domain.Validation("evidence graph needs a detection, a normalized signal and a raw signal")
	}
	if d.NormalizedSignalID != ns.ID {
		return nil, domain.Validation("detection %s references normalized signal %s, got %s", d.ID, d.NormalizedSignalID, ns.ID)
	}
	if ns.SourceSignalID != raw.ID {
		return nil, domain.Validation("normalized signal %s references raw signal %s, got %s", ns.ID, ns.SourceSignalID, raw.ID)
	}
	if d.SignalID != raw.ID {
		return nil, domain.Validation("detection %s references raw signal %s, got %s", d.ID, d.SignalID, raw.ID)
	}

	detectionNode := domain.GraphNode{ID: NodeID(domain.NodeDetectionResult, d.ID), Type: domain.NodeDetectionResult, EntityID: d.ID}
	normalizedNode := domain.GraphNode{ID: NodeID(domain.NodeNormalizedSignal, ns.ID), Type: domain.NodeNormalizedSignal, EntityID: ns.ID}
	rawNode := domain.GraphNode{ID: NodeID(domain.NodeRawSignal, raw.ID), Type: domain.NodeRawSignal, EntityID: raw.ID}

	return &domain.EvidenceGraph{
		DetectionID:  d.ID,
		GraphVersion: GraphVersionV1,
		Nodes:        []domain.GraphNode{detectionNode, normalizedNode, rawNode},
		Edges: []domain.GraphEdge{
			{From: detectionNode.ID, To: normalizedNode.ID, Relation: RelationDerivedFrom},
			{From: normalizedNode.ID, To: rawNode.ID, Relation: RelationNormalizedFrom},
		},
		CreatedAt: d.DetectedAt.UTC(),
	}, nil
}

// Issue is one problem found while verifying a graph.
type Issue struct {
	Code    domain.ErrorCode `json:"code"`
	NodeID  string           `json:"node_id,omitempty"`
	Message string           `json:"message"`
}

// VerificationResult reports every issue found in a graph.
type VerificationResult struct {
	Valid  bool    `json:"valid"`
	Mode   Mode    `json:"mode"`
	Issues []Issue `json:"issues"`
}

// Err returns the first issue as a coded error, or nil for a valid graph.
func (r VerificationResult) Err() error {
	if r.Valid || len(r.Issues) == 0 {
		return nil
	}
	first := r.Issues[0]
	return domain.NewError(first.Code, "%s", first.Message)
}

func (r *VerificationResult) add(code domain.ErrorCode, nodeID, format string, args ...any) {
	r.Issues = append(r.Issues, Issue{Code: code, NodeID: nodeID, Message: fmt.Sprintf(format, args...)})
	r.Valid = false
}

// VerifyStructure checks a graph without touching storage.
func VerifyStructure(g *domain.EvidenceGraph) VerificationResult {
	result := VerificationResult{Valid: true, Mode: ModeStructural, Issues: []Issue{}}
	if g == nil {
		result.add(domain.CodeValidation, "", "evidence graph is nil")
		return result
	}
	if g.DetectionID == "" {
		result.add(domain.CodeValidation, "", "evidence graph detection_id is required")
	}

	nodes := make(map[string]domain.GraphNode, len(g.Nodes))
	roots := 0
	for _, n := range g.Nodes {
		switch {
		case n.ID == "" || n.EntityID == "":
			result.add(domain.CodeValidation, n.ID, "node %q must carry an id and an entity id", n.ID)
			continue
		case !n.Type.IsValid():
			result.add(domain.CodeValidation, n.ID, "node %s has unknown type %q", n.ID, n.Type)
			continue
		case n.ID != NodeID(n.Type, n.EntityID):
			result.add(domain.CodeValidation, n.ID, "node %s does not match its type and entity %s", n.ID, NodeID(n.Type, n.EntityID))
		}
		if _, dup := nodes[n.ID]; dup {
			result.add(domain.CodeValidation, n.ID, "node %s appears more than once", n.ID)
			continue
		}
		nodes[n.ID] = n
		if n.Type == domain.NodeDetectionResult {
			roots++
			if n.EntityID != g.DetectionID {
				result.add(domain.CodeValidation, n.ID, "root node %s does not refer to detection %s", n.ID, g.DetectionID)
			}
		}
	}
	if roots != 1 {
		result.add(domain.CodeValidation, "", "evidence graph must have exactly one %s root, found %d", domain.NodeDetectionResult, roots)
	}

	adjacency := make(map[string][]string, len(nodes))
	for _, e := range g.Edges {
		_, fromOK := nodes[e.From]
		_, toOK := nodes[e.To]
		if !fromOK || !toOK {
			result.add(domain.CodeValidation, e.From, "edge %s -> %s references a node outside the graph", e.From, e.To)
			continue
		}
		if e.Relation == "" {
			result.add(domain.CodeValidation, e.From, "edge %s -> %s has no relation", e.From, e.To)
		}
		if nodes[e.To].Type == domain.NodeDetectionResult {
			result.add(domain.CodeValidation, e.To, "root node %s has an incoming edge from %s", e.To, e.From)
		}
		adjacency[e.From] = append(adjacency[e.From], e.To)
	}

	if cycle, found := FindCycle(adjacency); found {
		result.add(domain.CodeGraphCycle, cycle[0], "evidence graph contains a cycle: %v", cycle)
	}

	switch g.GraphVersion {
	case GraphVersionV1:
		if len(g.Nodes) != v1NodeCount || len(g.Edges) != v1EdgeCount {
			result.add(domain.CodeValidation, "", "a %s graph has %d nodes and %d edges, found %d and %d",
				GraphVersionV1, v1NodeCount, v1EdgeCount, len(g.Nodes), len(g.Edges))
		}
	default:
		result.add(domain.CodeValidation, "", "unknown graph version %q", g.GraphVersion)
	}

	return result
}

// FindCycle runs a depth-first search over adjacency and returns the first
// cycle found as the path that closes it. Nodes are visited in sorted order so
// the reported cycle is stable.
func FindCycle(adjacency map[string][]string) ([]string, bool) {
	const (
		unvisited = iota
		onStack
		done
	)

	state := make(map[string]int, len(adjacency))
	var stack []string

	var visit func(node string) []string
	visit = func(node string) []string {
		state[node] = onStack
		stack = append(stack, node)

		next := append([]string(nil), adjacency[node]...)
		sort.Strings(next)
		for _, child := range next {
			switch state[child] {
			case onStack:
				for i, n := range stack {
					if n == child {
						return append(append([]string(nil), stack[i:]...), child)
					}
				}
			case unvisited:
				if cycle := visit(child); cycle != nil {
					return cycle
				}
			}
		}

		stack = stack[:len(stack)-1]
		state[node] = done
		return nil
	}

	starts := make([]string, 0, len(adjacency))
	for node := range adjacency {
		starts = append(starts, node)
	}
	sort.Strings(starts)

	for _, node := range starts {
		if state[node] != unvisited {
			continue
		}
		if cycle := visit(node); cycle != nil {
			return cycle, true
		}
	}
	return nil, false
}
