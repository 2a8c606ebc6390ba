package model

import (
	"errors"
	"fmt"
)

// Standard error codes.
const (
	ErrBadRequest      = "BAD_REQUEST"
	ErrUnauthorized    = "UNAUTHORIZED"
	ErrNotFound        = "NOT_FOUND"
	ErrConflict        = "CONFLICT"
	ErrValidationError = "VALIDATION_ERROR"
	ErrInternalError   = "INTERNAL_ERROR"
	ErrTimeout         = "TIMEOUT"
)

// Workflow-specific error codes.
const (
	ErrTemplateInactive = "TEMPLATE_INACTIVE"
	ErrStageBlocked     = "STAGE_BLOCKED"
	ErrNoCurrentStage   = "NO_CURRENT_STAGE"
	ErrNoNextStage      = "NO_NEXT_STAGE"
)

// ErrorEnvelope is the standard domain error. It carries a machine-readable
// code so callers can map it to a transport status without string matching.
// It implements the error interface.
type ErrorEnvelope struct {
	Code    string       `json:"code"`
	Message string       `json:"message"`
	Details []FieldError `json:"details,omitempty"`
	TraceID string       `json:"trace_id,omitempty"`
}

// Error implements the error interface.
func (e *ErrorEnvelope) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// FieldError describes a field-level validation error.
type FieldError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewBadRequestError returns a BAD_REQUEST error.
func NewBadRequestError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrBadRequest, Message: msg}
}

// NewUnauthorizedError returns an UNAUTHORIZED error.
func NewUnauthorizedError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrUnauthorized, Message: msg}
}

// NewNotFoundError returns a NOT_FOUND error.
func NewNotFoundError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrNotFound, Message: msg}
}

// NewConflictError returns a CONFLICT error.
func NewConflictError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrConflict, Message: msg}
}

// NewValidationError returns a VALIDATION_ERROR with field-level details.
func NewValidationError(details []FieldError) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrValidationError,
		Message: "One or more fields are invalid",
		Details: details,
	}
}

// NewInternalError returns an INTERNAL_ERROR.
func NewInternalError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrInternalError,
		Message: "An unexpected error occurred",
	}
}

// NewTimeoutError returns a TIMEOUT error.
func NewTimeoutError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrTimeout,
		Message: "The request did not complete in time",
	}
}

// NewTemplateInactiveError returns a TEMPLATE_INACTIVE error.
func NewTemplateInactiveError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrTemplateInactive, Message: msg}
}

// NewStageBlockedError returns a STAGE_BLOCKED error.
func NewStageBlockedError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrStageBlocked, Message: msg}
}

// NewNoCurrentStageError returns a NO_CURRENT_STAGE error.
func NewNoCurrentStageError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrNoCurrentStage, Message: msg}
}

// NewNoNextStageError returns a NO_NEXT_STAGE error.
func NewNoNextStageError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrNoNextStage, Message: msg}
}

// ErrorCode returns the code of the first ErrorEnvelope in err's chain, or an
// empty string if there is none.
func ErrorCode(err error) string {
	var ee *ErrorEnvelope
	if errors.As(err, &ee) {
		return ee.Code
	}
	return ""
}

// IsNotFound reports whether err carries a NOT_FOUND code.
func IsNotFound(err error) bool {
	return ErrorCode(err) == ErrNotFound
}
