package domain

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorType categorizes platform errors per the handling policy each one
// carries: recoverable errors are absorbed into run/case state, the rest
// terminate the run.
type ErrorType string

const (
	// ErrorTypeValidation is a malformed event or tenant config. Aborts
	// before run creation, or aborts the run when hit mid-pipeline.
	ErrorTypeValidation ErrorType = "validation"

	// ErrorTypeBudgetExceeded covers quota denials and an open circuit
	// breaker. Recoverable; recorded and typically escalated.
	ErrorTypeBudgetExceeded ErrorType = "budget_exceeded"

	// ErrorTypeModelTransient is a model timeout or 5xx. One bounded retry,
	// then the step policy decides.
	ErrorTypeModelTransient ErrorType = "model_transient"

	// ErrorTypeModelPermanent is bad credentials or a malformed prompt.
	// Aborts the run.
	ErrorTypeModelPermanent ErrorType = "model_permanent"

	// ErrorTypeAdapter is a notification/CRM/email failure. Always
	// recorded, never aborts the run.
	ErrorTypeAdapter ErrorType = "adapter"

	// ErrorTypeConcurrency means another worker owns the run. Rejected
	// immediately, no retry by this worker.
	ErrorTypeConcurrency ErrorType = "concurrency_conflict"

	// ErrorTypeNotFound is a missing entity on the read path.
	ErrorTypeNotFound ErrorType = "not_found"

	// ErrorTypeInternal is an unexpected failure, including an unavailable
	// audit store. Aborts the run.
	ErrorTypeInternal ErrorType = "internal"
)

// PlatformError is the canonical error carried across component boundaries.
// The Reason field surfaces in audit entries so that, for example, a tripped
// breaker is queryable as a distinct state rather than a generic failure.
type PlatformError struct {
	Type    ErrorType
	Reason  ReasonCode
	Message string

	// Err is the wrapped cause, if any.
	Err error
}

func (e *PlatformError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s (%s): %s", e.Type, e.Reason, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

func (e *PlatformError) Unwrap() error { return e.Err }

// Recoverable reports whether the step policy machinery may absorb this
// error instead of failing the run.
func (e *PlatformError) Recoverable() bool {
	switch e.Type {
	case ErrorTypeBudgetExceeded, ErrorTypeModelTransient, ErrorTypeAdapter:
		return true
	default:
		return false
	}
}

// HTTPStatusCode maps the error type to a status code for the HTTP shell.
func (e *PlatformError) HTTPStatusCode() int {
	switch e.Type {
	case ErrorTypeValidation:
		return http.StatusBadRequest
	case ErrorTypeBudgetExceeded:
		return http.StatusTooManyRequests
	case ErrorTypeNotFound:
		return http.StatusNotFound
	case ErrorTypeConcurrency:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// NewError creates a PlatformError with the given type and message.
func NewError(t ErrorType, format string, args ...any) *PlatformError {
	return &PlatformError{Type: t, Message: fmt.Sprintf(format, args...)}
}

// WrapError wraps a cause in a PlatformError.
func WrapError(t ErrorType, err error, message string) *PlatformError {
	return &PlatformError{Type: t, Message: message, Err: err}
}

// WithReason attaches a reason code and returns the error for chaining.
func (e *PlatformError) WithReason(r ReasonCode) *PlatformError {
	e.Reason = r
	return e
}

// IsType reports whether err is a PlatformError of the given type.
func IsType(err error, t ErrorType) bool {
	var pe *PlatformError
	if errors.As(err, &pe) {
		return pe.Type == t
	}
	return false
}

// ReasonOf extracts the reason code from err, if it carries one.
func ReasonOf(err error) ReasonCode {
	var pe *PlatformError
	if errors.As(err, &pe) {
		return pe.Reason
	}
	return ""
}

// IsRecoverable reports whether err may be absorbed by a step policy.
// Non-platform errors are treated as unrecoverable.
func IsRecoverable(err error) bool {
	var pe *PlatformError
	if errors.As(err, &pe) {
		return pe.Recoverable()
	}
	return false
}
