package domain

import (
	"errors"
	"fmt"
	"time"
)

// DetectionResult is the output of applying one rule to one normalized signal.
type DetectionResult struct {
	ID                 string        `json:"id"`
	RuleID             string        `json:"rule_id"`
	RuleVersion        string        `json:"rule_version"`
	Service            string        `json:"service"`
	Source             string        `json:"source"`
	SignalType         string        `json:"signal_type"`
	Severity           Severity      `json:"severity"`
	Confidence         float64       `json:"confidence"`
	NormalizedSignalID string        `json:"normalized_signal_id"`
	SignalID           string        `json:"signal_id"`
	Resources          []ResourceRef `json:"resources,omitempty"`
	DetectedAt         time.Time     `json:"detected_at"`
}

// Validate checks if the detection has all required references.
func (d *DetectionResult) Validate() error {
	if d.ID == "" {
		return errors.New("detection ID is required")
	}
	if d.RuleID == "" || d.RuleVersion == "" {
		return errors.New("detection rule_id and rule_version are required")
	}
	if d.NormalizedSignalID == "" || d.SignalID == "" {
		return errors.New("detection must reference its normalized and raw signal")
	}
	if !d.Severity.IsValid() {
		return fmt.Errorf("invalid severity: %s", d.Severity)
	}
	if d.DetectedAt.IsZero() {
		return errors.New("detection detected_at timestamp is required")
	}
	return nil
}

// NodeType identifies the kind of entity an evidence graph node refers to.
type NodeType string

// Node types, in provenance order.
const (
	NodeDetectionResult  NodeType = "DETECTION_RESULT"
	NodeNormalizedSignal NodeType = "NORMALIZED_SIGNAL"
	NodeRawSignal        NodeType = "RAW_SIGNAL"
)

// IsValid checks if the node type is known.
func (t NodeType) IsValid() bool {
	switch t {
	case NodeDetectionResult, NodeNormalizedSignal, NodeRawSignal:
		return true
	default:
		return false
	}
}

// GraphNode is a typed reference to one entity in an evidence graph.
type GraphNode struct {
	ID       string   `json:"id"`
	Type     NodeType `json:"type"`
	EntityID string   `json:"entity_id"`
}

// GraphEdge is a directed provenance link between two nodes.
type GraphEdge struct {
	From     string `json:"from"`
	To       string `json:"to"`
	Relation string `json:"relation"`
}

// EvidenceGraph is the immutable provenance DAG rooted at a detection.
type EvidenceGraph struct {
	DetectionID  string      `json:"detection_id"`
	GraphVersion string      `json:"graph_version"`
	Nodes        []GraphNode `json:"nodes"`
	Edges        []GraphEdge `json:"edges"`
	CreatedAt    time.Time   `json:"created_at"`
}

// Node returns the node with the given id.
func (g *EvidenceGraph) Node(id string) (GraphNode, bool) {
	for _, n := range g.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return GraphNode{}, false
}

// SignalSummary is derived from the detections in an evidence bundle.
type SignalSummary struct {
	DetectionCount       int              `json:"detection_count"`
	UniqueRuleCount      int              `json:"unique_rule_count"`
	UniqueSignalCount    int              `json:"unique_signal_count"`
	SeverityDistribution map[Severity]int `json:"severity_distribution"`
	HighestSeverity      Severity         `json:"highest_severity"`
	FirstDetectedAt      time.Time        `json:"first_detected_at"`
	LastDetectedAt       time.Time        `json:"last_detected_at"`
}

// EvidenceBundle is a windowed aggregate of detections for one service.
//
// BundledAt anchors every downstream timestamp so the pipeline can be replayed
// from the stored bundle.
type EvidenceBundle struct {
	ID          string            `json:"id"`
	Service     string            `json:"service"`
	WindowStart time.Time         `json:"window_start"`
	WindowEnd   time.Time         `json:"window_end"`
	Detections  []DetectionResult `json:"detections"`
	Summary     SignalSummary     `json:"summary"`
	BundledAt   time.Time         `json:"bundled_at"`
}

// DetectionIDs returns the ids of the bundled detections in bundle order.
func (b *EvidenceBundle) DetectionIDs() []string {
	ids := make([]string, len(b.Detections))
	for i, d := range b.Detections {
		ids[i] = d.ID
	}
	return ids
}
