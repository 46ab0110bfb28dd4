package call

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when no call record exists for the given ID.
var ErrNotFound = errors.New("call not found")

// ErrUserNotFound is returned by the token directory when the receiver has
// no user document. It is distinct from the directory being unreachable.
var ErrUserNotFound = errors.New("user not found")

// ValidationError reports missing or malformed input. It is never retried.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

// NewValidationError builds a ValidationError with a formatted message.
func NewValidationError(format string, args ...any) *ValidationError {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// ConflictError reports an illegal state transition attempt. It carries the
// call's actual current status so callers can reconcile their local view.
type ConflictError struct {
	CallID  string
	Current Status
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("call %s is %s, transition not allowed", e.CallID, e.Current)
}

// PersistenceError reports a store operation that could not be confirmed.
// The orchestrator never retries these; the caller decides.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }
