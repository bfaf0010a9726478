// Package failure defines the error taxonomy shared by the capability
// dispatcher, the focus store and the turn pipeline.
//
// Every failure that the pipeline recovers from locally is represented as an
// *Error carrying a Kind, so that callers can log it, render it into the
// conversation history, and keep going without losing the error type.
package failure

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies a recoverable failure.
type Kind string

const (
	NotFound       Kind = "not_found"
	InvalidArgs    Kind = "invalid_args"
	ExecutionError Kind = "execution_error"
	ModelCallError Kind = "model_call_error"
	Persistence    Kind = "persistence_error"
	Timeout        Kind = "timeout"
)

// Error is a typed, recoverable failure.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// New creates an Error without a cause.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an Error around cause. A nil cause yields nil.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	if cause == nil {
		return nil
	}
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// KindOf reports the Kind of err. Errors that are not *Error are classified
// as Timeout when they wrap context.DeadlineExceeded and as fallback
// otherwise.
func KindOf(err error, fallback Kind) Kind {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Timeout
	}
	return fallback
}

// From converts err into an *Error, keeping an existing Kind when err already
// is one and classifying it with KindOf otherwise.
func From(err error, fallback Kind, format string, args ...any) *Error {
	if err == nil {
		return nil
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe
	}
	return Wrap(KindOf(err, fallback), err, format, args...)
}

// Is reports whether err is an *Error of the given kind.
func Is(err error, kind Kind) bool {
	var fe *Error
	return errors.As(err, &fe) && fe.Kind == kind
}
