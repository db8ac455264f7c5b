// Package dto provides Data Transfer Objects for the Steward HTTP API.
//
// This package defines request and response structures for HTTP endpoints,
// keeping the wire representation separate from the domain model. Requests
// carry a Validate method that reports problems as VALIDATION_ERROR so the
// handlers can map every failure through the same error path.
package dto

import (
	"encoding/json"
	"errors"
	"io"

	"github.com/Studio-Elephant-and-Rope/steward/internal/core/domain"
)

// MaxBodyBytes bounds every JSON request body.
const MaxBodyBytes = 1 << 20

// ErrorResponse is the body of every non-2xx response.
//
// @Description Standard error response
type ErrorResponse struct {
	// Error is a human readable description of the failure
	Error string `json:"error"`

	// Code is the machine readable error code
	// @Enum VALIDATION_ERROR,NOT_FOUND,ILLEGAL_TRANSITION,TERMINAL_STATE,MISSING_JUSTIFICATION,INVALID_JUSTIFICATION,PERMISSION_DENIED,CONFLICT,REPLAY_INTEGRITY_VIOLATION,GRAPH_CYCLE,INTERNAL_ERROR
	Code string `json:"code"`

	// RequestID correlates the response with server logs
	RequestID string `json:"request_id,omitempty"`

	// Details carries error specific context
	Details map[string]any `json:"details,omitempty"`
}

// Decode reads a single JSON document from r into dst, rejecting unknown
// fields and trailing data.
func Decode(r io.Reader, dst any) error {
	decoder := json.NewDecoder(io.LimitReader(r, MaxBodyBytes))
	decoder.DisallowUnknownFields()

	if err := decoder.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return domain.Validation("request body is required")
		}
		return domain.WrapError(domain.CodeValidation, err, "invalid JSON")
	}
	if decoder.More() {
		return domain.Validation("request body must contain a single JSON document")
	}
	return nil
}

func required(field, value string) error {
	if value == "" {
		return domain.Validation("%s is required", field)
	}
	return nil
}

func joinValidation(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

func parseSeverity(field, value string) (domain.Severity, error) {
	s := domain.Severity(value)
	if !s.IsValid() {
		return "", domain.Validation("%s %q is not one of critical, high, medium, low, info", field, value)
	}
	return s, nil
}

func parseStatus(field, value string) (domain.Status, error) {
	s := domain.Status(value)
	if !s.IsValid() {
		return "", domain.Validation("%s %q is not one of PENDING, OPEN, MITIGATING, RESOLVED, CLOSED", field, value)
	}
	return s, nil
}
