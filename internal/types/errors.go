package types

import (
	"errors"
	"fmt"
)

// ErrorCode is a typed string categorizing pipeline errors. Components return
// these codes instead of ad hoc error strings so that callers can decide
// between aborting, skipping a sample, or widening a tolerance.
type ErrorCode string

const (
	// ErrCodeOrdering means a requested timestamp was not strictly after
	// the query's "now". Always a caller bug; never retried.
	ErrCodeOrdering ErrorCode = "ordering_violation"

	// ErrCodeDataUnavailable means no forecast or history data exists within
	// the configured tolerance. Recoverable: the caller may skip the query
	// point or widen the tolerance.
	ErrCodeDataUnavailable ErrorCode = "data_unavailable"

	// ErrCodeFeatureMismatch means the predict-time feature set diverges from
	// the set recorded at train time. Fatal; never silently reconciled.
	ErrCodeFeatureMismatch ErrorCode = "feature_mismatch"

	// ErrCodeHorizonConfig means a horizon set was malformed (duration not
	// dividing a day, non-positive sizes). Raised at construction time.
	ErrCodeHorizonConfig ErrorCode = "horizon_config_invalid"

	// ErrCodeStore means the backing archive store failed (object missing,
	// corrupt chunk, open circuit breaker).
	ErrCodeStore ErrorCode = "store_unavailable"

	// ErrCodeModelCorrupt means a persisted model blob was incomplete or
	// unreadable (for example a model without its feature-name list).
	ErrCodeModelCorrupt ErrorCode = "model_corrupt"

	// ErrCodeConfig means configuration loading or validation failed.
	ErrCodeConfig ErrorCode = "config_invalid"
)

// Recoverable reports whether an error with this code may be handled by
// skipping the current query point rather than aborting the run. The sample
// generator uses this to filter bad samples instead of failing a batch.
func (c ErrorCode) Recoverable() bool {
	switch c {
	case ErrCodeDataUnavailable, ErrCodeStore:
		return true
	default:
		return false
	}
}

// Error is the standard error type used throughout the pipeline. Domain
// errors are expressed as *Error so callers can switch on the code and
// errors.Is/As keep working through wrapped chains.
type Error struct {
	Code    ErrorCode
	Message string
	Err     error
	Details map[string]any
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for errors.Is/errors.As support.
func (e *Error) Unwrap() error {
	return e.Err
}

// NewError creates an *Error with the given code, message and optional
// underlying error.
func NewError(code ErrorCode, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// NewErrorWithDetails creates an *Error carrying structured details, such as
// the symmetric difference of a feature-set mismatch.
func NewErrorWithDetails(code ErrorCode, message string, err error, details map[string]any) *Error {
	return &Error{Code: code, Message: message, Err: err, Details: details}
}

// IsCode reports whether err (or anything it wraps) is an *Error with the
// given code.
func IsCode(err error, code ErrorCode) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}
