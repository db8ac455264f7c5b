package dto

import (
	"encoding/json"
	"time"

	"github.com/Studio-Elephant-and-Rope/steward/internal/core/domain"
	"github.com/Studio-Elephant-and-Rope/steward/internal/core/services"
	"github.com/Studio-Elephant-and-Rope/steward/internal/normalization"
)

// IngestSignalRequest is the body of POST /api/v1/signals.
//
// Field values are not rejected here. The signal is stored as received and
// normalization reports malformed fields in the response.
//
// @Description Raw operational signal
type IngestSignalRequest struct {
	// ID is an opaque source id; when omitted it is derived from the content
	// @Example "cw-alarm-123"
	ID string `json:"id,omitempty"`

	// Source names the emitting system
	// @Example "cloudwatch"
	Source string `json:"source"`

	// Type is the source specific signal type
	// @Example "ErrorRateHigh"
	Type string `json:"type"`

	// Service is the affected service
	Service string `json:"service"`

	// Severity of the observation
	// @Enum critical,high,medium,low,info
	Severity string `json:"severity"`

	// Confidence in [0,1]
	Confidence float64 `json:"confidence"`

	// ObservedAt is when the source observed the condition
	ObservedAt time.Time `json:"observed_at"`

	Metadata   map[string]string `json:"metadata,omitempty"`
	Tags       map[string]string `json:"tags,omitempty"`
	RawPayload json.RawMessage   `json:"raw_payload,omitempty"`

	// Checksum is optional; when set normalization verifies it
	Checksum string `json:"checksum,omitempty"`
}

// ToSignal converts the request into a raw domain signal. Values are copied
// verbatim.
func (r *IngestSignalRequest) ToSignal() domain.Signal {
	return domain.Signal{
		ID:         r.ID,
		Source:     r.Source,
		Type:       r.Type,
		Service:    r.Service,
		Severity:   domain.Severity(r.Severity),
		Confidence: r.Confidence,
		ObservedAt: r.ObservedAt,
		Metadata:   r.Metadata,
		Tags:       r.Tags,
		RawPayload: r.RawPayload,
		Checksum:   r.Checksum,
	}
}

// DetectionResponse summarizes one detection produced by ingestion.
type DetectionResponse struct {
	ID                 string    `json:"id"`
	RuleID             string    `json:"rule_id"`
	RuleVersion        string    `json:"rule_version"`
	Severity           string    `json:"severity"`
	Confidence         float64   `json:"confidence"`
	NormalizedSignalID string    `json:"normalized_signal_id"`
	DetectedAt         time.Time `json:"detected_at"`
}

// IngestSignalResponse is the body returned by POST /api/v1/signals.
//
// A normalization failure is reported in NormalizationError with a 202
// status; the raw signal is still stored.
type IngestSignalResponse struct {
	SignalID           string                         `json:"signal_id"`
	IdentityWindow     string                         `json:"identity_window"`
	Checksum           string                         `json:"checksum"`
	Duplicate          bool                           `json:"duplicate"`
	NormalizedSignalID string                         `json:"normalized_signal_id,omitempty"`
	NormalizationError *normalization.ClassifiedError `json:"normalization_error,omitempty"`
	Detections         []DetectionResponse            `json:"detections"`
}

// FromIngestResult converts a service result into its response body.
func FromIngestResult(res *services.IngestResult) *IngestSignalResponse {
	out := &IngestSignalResponse{
		Duplicate:          res.Duplicate,
		NormalizationError: res.NormalizationError,
		Detections:         make([]DetectionResponse, 0, len(res.Detections)),
	}
	if res.Signal != nil {
		out.SignalID = res.Signal.ID
		out.IdentityWindow = res.Signal.IdentityWindow
		out.Checksum = res.Signal.Checksum
	}
	if res.Normalized != nil {
		out.NormalizedSignalID = res.Normalized.ID
	}
	for _, d := range res.Detections {
		out.Detections = append(out.Detections, DetectionResponse{
			ID:                 d.ID,
			RuleID:             d.RuleID,
			RuleVersion:        d.RuleVersion,
			Severity:           string(d.Severity),
			Confidence:         d.Confidence,
			NormalizedSignalID: d.NormalizedSignalID,
			DetectedAt:         d.DetectedAt,
		})
	}
	return out
}
