package utils

import (
	"errors"
	"fmt"
)

// Error kinds shared across the watcher, memory store, pipeline and feedback tracker.
// Match them with errors.Is.
var (
	ErrTransient             = errors.New("transient connectivity")
	ErrMalformedInput        = errors.New("malformed input")
	ErrStoreWrite            = errors.New("store write failure")
	ErrGenerationUnavailable = errors.New("generation unavailable")
	ErrInvariantViolation    = errors.New("invariant violation")
	ErrNotFound              = errors.New("not found")
	ErrAnalysisInFlight      = errors.New("analysis already in flight")
	ErrRateLimited           = errors.New("rate limited")
)

// AppError wraps an operation, human-facing message, error kind and underlying error.
type AppError struct {
	Op   string
	Msg  string
	Kind error
	Err  error
}

func (e *AppError) Error() string {
	msg := e.Msg
	if msg == "" && e.Kind != nil {
		msg = e.Kind.Error()
	}
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, msg)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, msg, e.Err)
}

// Unwrap exposes both the kind and the cause to errors.Is / errors.As.
func (e *AppError) Unwrap() []error {
	out := make([]error, 0, 2)
	if e.Kind != nil {
		out = append(out, e.Kind)
	}
	if e.Err != nil {
		out = append(out, e.Err)
	}
	return out
}

// NewAppError constructs an AppError without a kind.
func NewAppError(op, msg string, err error) error {
	return &AppError{Op: op, Msg: msg, Err: err}
}

// NewKindError constructs an AppError tagged with one of the package error kinds.
func NewKindError(op string, kind error, msg string, err error) error {
	return &AppError{Op: op, Msg: msg, Kind: kind, Err: err}
}

// KindOf returns the first known kind found in err's chain, or nil.
func KindOf(err error) error {
	for _, kind := range []error{
		ErrInvariantViolation,
		ErrMalformedInput,
		ErrNotFound,
		ErrRateLimited,
		ErrAnalysisInFlight,
		ErrGenerationUnavailable,
		ErrStoreWrite,
		ErrTransient,
	} {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return nil
}
