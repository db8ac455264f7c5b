package dto

import (
	"github.com/Studio-Elephant-and-Rope/steward/internal/core/domain"
	"github.com/Studio-Elephant-and-Rope/steward/internal/evidence"
	"github.com/Studio-Elephant-and-Rope/steward/internal/replay"
)

// GraphResponse is returned by GET /api/v1/detections/{id}/graph.
type GraphResponse struct {
	Graph        *domain.EvidenceGraph       `json:"graph"`
	Verification evidence.VerificationResult `json:"verification"`
}

// ReplayResponse is returned by GET /api/v1/candidates/{id}/replay. A broken
// chain is reported with status 422 and the same body.
type ReplayResponse struct {
	*replay.Report
	Error string `json:"error,omitempty"`
}
