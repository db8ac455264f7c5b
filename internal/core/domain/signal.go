// Package domain contains the core domain models for the steward incident control plane.
//
// This package defines signals, detections, evidence, candidates, promotion
// decisions and incidents, together with the incident state machine and the
// closed error taxonomy. It has no dependencies outside the standard library.
package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// TimestampLayout is the canonical ISO-8601 UTC layout with millisecond precision.
const TimestampLayout = "2006-01-02T15:04:05.000Z"

// FormatTimestamp renders t in the canonical layout.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// Severity represents the criticality level of a signal, detection or incident.
type Severity string

// Severity constants define the valid severity levels, most severe first.
const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
	SeverityInfo     Severity = "info"
)

// String returns the string representation of the severity.
func (s Severity) String() string {
	return string(s)
}

// IsValid checks if the severity is one of the defined valid severities.
func (s Severity) IsValid() bool {
	switch s {
	case SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow, SeverityInfo:
		return true
	default:
		return false
	}
}

// Level returns the SEV number for the severity: 1 is the most severe.
// Unknown severities rank below SeverityInfo.
func (s Severity) Level() int {
	switch s {
	case SeverityCritical:
		return 1
	case SeverityHigh:
		return 2
	case SeverityMedium:
		return 3
	case SeverityLow:
		return 4
	case SeverityInfo:
		return 5
	default:
		return 6
	}
}

// SEV returns the SEVn label for the severity.
func (s Severity) SEV() string {
	return fmt.Sprintf("SEV%d", s.Level())
}

// MoreSevereThan reports whether s outranks other.
func (s Severity) MoreSevereThan(other Severity) bool {
	return s.Level() < other.Level()
}

// ParseSeverity accepts either a severity name or its SEVn label.
func ParseSeverity(value string) (Severity, error) {
	switch value {
	case "critical", "SEV1":
		return SeverityCritical, nil
	case "high", "SEV2":
		return SeverityHigh, nil
	case "medium", "SEV3":
		return SeverityMedium, nil
	case "low", "SEV4":
		return SeverityLow, nil
	case "info", "SEV5":
		return SeverityInfo, nil
	default:
		return "", fmt.Errorf("invalid severity: %s", value)
	}
}

// Signal is a single raw observed event from a monitoring source.
//
// Signals are created once by ingestion and never mutated. ID is opaque and
// caller supplied; ingestion derives it from the content when omitted.
// Field values are not checked on the way in; normalization classifies them.
// Metadata takes part in the content identity. Tags carry explicit resource
// and environment references, and Checksum fingerprints RawPayload.
type Signal struct {
	ID             string            `json:"id"`
	Source         string            `json:"source"`
	Type           string            `json:"type"`
	Service        string            `json:"service"`
	Severity       Severity          `json:"severity"`
	Confidence     float64           `json:"confidence"`
	ObservedAt     time.Time         `json:"observed_at"`
	IdentityWindow string            `json:"identity_window,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	Tags           map[string]string `json:"tags,omitempty"`
	RawPayload     json.RawMessage   `json:"raw_payload,omitempty"`
	Checksum       string            `json:"checksum,omitempty"`
}

// ResourceRef points at a resource named explicitly in a signal's tags.
type ResourceRef struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// EnvironmentRef identifies where a signal was observed.
type EnvironmentRef struct {
	Account string `json:"account,omitempty"`
	Region  string `json:"region,omitempty"`
	Stage   string `json:"stage,omitempty"`
}

// EvidenceRef points back at the raw signal without duplicating its payload.
type EvidenceRef struct {
	SignalID string `json:"signal_id"`
	Checksum string `json:"checksum"`
}

// NormalizedSignal is the canonical, source-derived view of a Signal.
type NormalizedSignal struct {
	ID                   string            `json:"id"`
	NormalizationVersion string            `json:"normalization_version"`
	SourceSignalID       string            `json:"source_signal_id"`
	Source               string            `json:"source"`
	CanonicalType        string            `json:"canonical_type"`
	CanonicalTimestamp   string            `json:"canonical_timestamp"`
	Service              string            `json:"service"`
	Severity             Severity          `json:"severity"`
	Confidence           float64           `json:"confidence"`
	Attributes           map[string]string `json:"attributes,omitempty"`
	Resources            []ResourceRef     `json:"resources"`
	Environment          EnvironmentRef    `json:"environment"`
	Evidence             EvidenceRef       `json:"evidence"`
	NormalizedAt         time.Time         `json:"normalized_at"`
}

// ObservedAt parses the canonical timestamp back into a time.
func (n *NormalizedSignal) ObservedAt() (time.Time, error) {
	return time.Parse(TimestampLayout, n.CanonicalTimestamp)
}

// Validate checks if the normalized signal is well formed.
func (n *NormalizedSignal) Validate() error {
	if n.ID == "" {
		return errors.New("normalized signal ID is required")
	}
	if n.SourceSignalID == "" {
		return errors.New("normalized signal source_signal_id is required")
	}
	if n.CanonicalType == "" {
		return errors.New("normalized signal canonical_type is required")
	}
	if _, err := n.ObservedAt(); err != nil {
		return fmt.Errorf("invalid canonical_timestamp: %w", err)
	}
	if n.Evidence.SignalID != n.SourceSignalID {
		return errors.New("evidence reference must point at the source signal")
	}
	if n.Evidence.Checksum == "" {
		return errors.New("evidence reference checksum is required")
	}
	return nil
}
