package normalization

import (
	"fmt"

	"github.com/Studio-Elephant-and-Rope/steward/internal/core/domain"
)

// ErrorCode classifies a normalization failure. The set is fixed so that the
// failure metric stays bounded in cardinality.
type ErrorCode string

// Normalization failure codes.
const (
	CodeValidation ErrorCode = "VALIDATION_ERROR"
	CodeTimestamp  ErrorCode = "TIMESTAMP_ERROR"
	CodeSignalType ErrorCode = "SIGNAL_TYPE_ERROR"
	CodeUnknown    ErrorCode = "UNKNOWN_ERROR"
)

// Codes lists every normalization failure code.
var Codes = []ErrorCode{CodeValidation, CodeTimestamp, CodeSignalType, CodeUnknown}

// ClassifiedError is a normalization failure returned as data.
type ClassifiedError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

// Error implements the error interface so callers may log it directly.
func (e *ClassifiedError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Result is the fail-open outcome of normalizing one signal: exactly one of
// Signal and Err is set.
type Result struct {
	Signal *domain.NormalizedSignal `json:"signal,omitempty"`
	Err    *ClassifiedError         `json:"error,omitempty"`
}

// Success reports whether normalization produced a signal.
func (r Result) Success() bool {
	return r.Err == nil && r.Signal != nil
}

func ok(signal *domain.NormalizedSignal) Result {
	return Result{Signal: signal}
}

func fail(code ErrorCode, format string, args ...any) Result {
	return Result{Err: &ClassifiedError{Code: code, Message: fmt.Sprintf(format, args...)}}
}
