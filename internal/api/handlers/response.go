// Package handlers provides the HTTP handlers of the Steward API.
//
// Handlers are a thin layer between HTTP and the core services: they decode
// and validate requests, call one service operation and map its result or
// coded error onto a response. Routes are registered on a chi router.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"mime"
	"net/http"

	"github.com/Studio-Elephant-and-Rope/steward/internal/api/dto"
	"github.com/Studio-Elephant-and-Rope/steward/internal/core/domain"
	"github.com/Studio-Elephant-and-Rope/steward/internal/core/ports"
	"github.com/Studio-Elephant-and-Rope/steward/internal/logging"
	"github.com/Studio-Elephant-and-Rope/steward/internal/middleware"
)

// codeInternal is reported for errors outside the domain taxonomy.
const codeInternal = "INTERNAL_ERROR"

// StatusFor maps a domain error code to its HTTP status.
func StatusFor(code domain.ErrorCode) int {
	switch code {
	case domain.CodeValidation, domain.CodeMissingJustification, domain.CodeInvalidJustification:
		return http.StatusBadRequest
	case domain.CodePermissionDenied:
		return http.StatusForbidden
	case domain.CodeNotFound:
		return http.StatusNotFound
	case domain.CodeConflict, domain.CodeIllegalTransition, domain.CodeTerminalState:
		return http.StatusConflict
	case domain.CodeReplayIntegrityViolation, domain.CodeGraphCycle:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// requestLogger scopes the handler logger to the current request.
func requestLogger(base *logging.Logger, r *http.Request) *logging.Logger {
	return base.WithRequestID(middleware.RequestIDFromContext(r.Context()))
}

// decodeJSON parses a JSON request body into dst.
func decodeJSON(r *http.Request, dst any) error {
	if ct := r.Header.Get("Content-Type"); ct != "" {
		mediaType, _, err := mime.ParseMediaType(ct)
		if err != nil || mediaType != "application/json" {
			return domain.Validation("Content-Type must be application/json")
		}
	}
	return dto.Decode(r.Body, dst)
}

// writeJSON writes a JSON response with the specified status code.
func writeJSON(w http.ResponseWriter, logger *logging.Logger, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.WithError(err).Error("Failed to encode JSON response")
	}
}

// writeError maps err onto a status and an ErrorResponse body.
//
// Coded domain errors keep their code and reason. Storage and context
// failures get a generic message so internals do not leak.
func writeError(w http.ResponseWriter, r *http.Request, logger *logging.Logger, err error) {
	resp := dto.ErrorResponse{RequestID: middleware.RequestIDFromContext(r.Context())}
	status := http.StatusInternalServerError

	var derr *domain.Error
	switch {
	case errors.As(err, &derr):
		status = StatusFor(derr.Code)
		resp.Code = string(derr.Code)
		resp.Error = derr.Reason
		if derr.Entity != "" {
			resp.Details = map[string]any{"entity": derr.Entity, "entity_id": derr.EntityID}
		}
	case errors.Is(err, ports.ErrInvalidInput):
		status = http.StatusBadRequest
		resp.Code = string(domain.CodeValidation)
		resp.Error = err.Error()
	case errors.Is(err, ports.ErrConnectionFailed):
		status = http.StatusServiceUnavailable
		resp.Code = "SERVICE_UNAVAILABLE"
		resp.Error = "Storage temporarily unavailable"
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, ports.ErrTimeout):
		status = http.StatusGatewayTimeout
		resp.Code = "TIMEOUT"
		resp.Error = "Request timed out"
	case errors.Is(err, context.Canceled):
		status = http.StatusRequestTimeout
		resp.Code = "CANCELED"
		resp.Error = "Request was canceled"
	default:
		resp.Code = codeInternal
		resp.Error = "An internal error occurred"
	}

	if status >= http.StatusInternalServerError {
		logger.WithError(err).Error("Request failed")
	} else {
		logger.WithError(err).Debug("Request rejected", "code", resp.Code)
	}
	writeJSON(w, logger, status, &resp)
}
