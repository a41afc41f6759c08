// Package modules defines the shared domain types, wire-frame envelope, and
// error taxonomy used across Grid-X's coordinator and worker processes: a
// dependency-free home for the types every other package imports.
package modules

import (
	stderrors "errors"

	"gitlab.com/NebulousLabs/errors"
)

// ErrorKind enumerates the error taxonomy surfaced uniformly across the
// HTTP API, the session protocol, and the scheduler.
type ErrorKind string

// The recognized error kinds.
const (
	ErrKindInvalidInput        ErrorKind = "invalid_input"
	ErrKindUnauthenticated     ErrorKind = "unauthenticated"
	ErrKindInsufficientCredits ErrorKind = "insufficient_credits"
	ErrKindNotFound            ErrorKind = "not_found"
	ErrKindConflict            ErrorKind = "conflict"
	ErrKindWorkerLost          ErrorKind = "worker_lost"
	ErrKindTimeout             ErrorKind = "timeout"
	ErrKindExecutionFailed     ErrorKind = "execution_failed"
	ErrKindInternal            ErrorKind = "internal"
)

// KindedError pairs an ErrorKind with an underlying error so that callers
// across package boundaries (session, api, scheduler) can map it to the
// right HTTP status or protocol response without string-matching messages.
type KindedError struct {
	Kind ErrorKind
	Err  error
}

// Error implements the error interface.
func (e *KindedError) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return string(e.Kind) + ": " + e.Err.Error()
}

// Unwrap allows errors.Is/As-style inspection of the wrapped error.
func (e *KindedError) Unwrap() error {
	return e.Err
}

// NewKindedError builds a KindedError, wrapping err with extra context.
func NewKindedError(kind ErrorKind, err error, context string) *KindedError {
	if context != "" {
		err = errors.AddContext(err, context)
	}
	return &KindedError{Kind: kind, Err: err}
}

// KindOf extracts the ErrorKind from err, defaulting to ErrKindInternal for
// any error that wasn't explicitly kinded. This is the single place the
// internal/unexpected-error default lives: the only unkinded errors should
// be truly unexpected storage failures.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var ke *KindedError
	if stderrors.As(err, &ke) {
		return ke.Kind
	}
	return ErrKindInternal
}
