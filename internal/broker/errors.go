package broker

import (
	"errors"
	"fmt"
)

// ErrUnauthorized is returned when a connection presents a missing, invalid,
// or expired credential. It is the only error that terminates a connection.
var ErrUnauthorized = errors.New("unauthorized")

// ErrNotFound is returned when an operation references an unknown session,
// user, or queue entry. The operation is a no-op.
var ErrNotFound = errors.New("not found")

// ValidationError reports a malformed event payload. The event is dropped
// and the error is surfaced only to the originating connection.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation: %s", e.Reason)
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

// PersistenceError wraps a durable-store failure. The failed operation emits
// no broadcast; the caller is expected to retry.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence: %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// errorCode maps an error to the wire code carried on an error event.
func errorCode(err error) string {
	var vErr *ValidationError
	var pErr *PersistenceError
	switch {
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.As(err, &vErr):
		return "validation"
	case errors.As(err, &pErr):
		return "persistence"
	default:
		return "internal"
	}
}
