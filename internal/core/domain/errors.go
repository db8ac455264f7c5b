package domain

import (
	"errors"
	"fmt"
)

// ErrorCode classifies a fail-closed failure. The set is closed: user-visible
// failures always carry one of these codes plus a reason naming the violated rule.
type ErrorCode string

// Error codes surfaced by the pipeline, the promotion gate and the state machine.
const (
	CodeValidation               ErrorCode = "VALIDATION_ERROR"
	CodeNotFound                 ErrorCode = "NOT_FOUND"
	CodeIllegalTransition        ErrorCode = "ILLEGAL_TRANSITION"
	CodeTerminalState            ErrorCode = "TERMINAL_STATE"
	CodeMissingJustification     ErrorCode = "MISSING_JUSTIFICATION"
	CodeInvalidJustification     ErrorCode = "INVALID_JUSTIFICATION"
	CodePermissionDenied         ErrorCode = "PERMISSION_DENIED"
	CodeConflict                 ErrorCode = "CONFLICT"
	CodeReplayIntegrityViolation ErrorCode = "REPLAY_INTEGRITY_VIOLATION"
	CodeGraphCycle               ErrorCode = "GRAPH_CYCLE"
)

// String returns the string representation of the error code.
func (c ErrorCode) String() string {
	return string(c)
}

// IsValid checks if the code is one of the defined error codes.
func (c ErrorCode) IsValid() bool {
	switch c {
	case CodeValidation, CodeNotFound, CodeIllegalTransition, CodeTerminalState,
		CodeMissingJustification, CodeInvalidJustification, CodePermissionDenied,
		CodeConflict, CodeReplayIntegrityViolation, CodeGraphCycle:
		return true
	default:
		return false
	}
}

// Error is the single error type raised by fail-closed components.
//
// Entity and EntityID are set for NOT_FOUND and CONFLICT so handlers can name
// the missing or contended record without parsing the reason.
type Error struct {
	Code     ErrorCode
	Reason   string
	Entity   string
	EntityID string
	Err      error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Reason)
}

// Unwrap returns the underlying cause, if any.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is a *Error carrying the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code && (t.Reason == "" || t.Reason == e.Reason)
}

// NewError creates a coded error with a formatted reason.
func NewError(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Reason: fmt.Sprintf(format, args...)}
}

// WrapError creates a coded error that keeps cause in its chain.
func WrapError(code ErrorCode, cause error, format string, args ...any) *Error {
	return &Error{Code: code, Reason: fmt.Sprintf(format, args...), Err: cause}
}

// NotFound creates a NOT_FOUND error for the named entity.
func NotFound(entity, id string) *Error {
	return &Error{
		Code:     CodeNotFound,
		Reason:   fmt.Sprintf("%s %s not found", entity, id),
		Entity:   entity,
		EntityID: id,
	}
}

// Conflict creates a CONFLICT error for a version mismatch on the named entity.
func Conflict(entity, id string, expected, actual int) *Error {
	return &Error{
		Code:     CodeConflict,
		Reason:   fmt.Sprintf("%s %s was modified: expected version %d, found %d", entity, id, expected, actual),
		Entity:   entity,
		EntityID: id,
	}
}

// Validation creates a VALIDATION_ERROR with a formatted reason.
func Validation(format string, args ...any) *Error {
	return NewError(CodeValidation, format, args...)
}

// CodeOf returns the code of the first *Error in err's chain, or "" if none.
func CodeOf(err error) ErrorCode {
	var derr *Error
	if errors.As(err, &derr) {
		return derr.Code
	}
	return ""
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code ErrorCode) bool {
	return CodeOf(err) == code
}
