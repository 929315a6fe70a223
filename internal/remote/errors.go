package remote

import (
	"context"
	"errors"
	"fmt"

	"github.com/roach88/invsync/internal/mutation"
)

// Class categorizes dispatch failures.
type Class string

const (
	// ClassConnectivity means the request never reached the remote.
	ClassConnectivity Class = "CONNECTIVITY"

	// ClassTimeout means the attempt exceeded its deadline.
	ClassTimeout Class = "TIMEOUT"

	// ClassTransient means the remote failed in a way worth retrying (5xx).
	ClassTransient Class = "TRANSIENT"

	// ClassConflict means the entity changed server-side (409).
	ClassConflict Class = "CONFLICT"

	// ClassRejected means the remote refused the mutation (other 4xx).
	ClassRejected Class = "REJECTED"
)

// DispatchError describes one failed dispatch attempt.
type DispatchError struct {
	// Class identifies the error category.
	Class Class

	// StatusCode is the HTTP status, 0 if no response was received.
	StatusCode int

	// Message is a human-readable description.
	Message string

	// Server carries the server's copy for ClassConflict.
	Server *mutation.Snapshot

	// Err is the underlying transport error, if any.
	Err error
}

// Error implements the error interface.
func (e *DispatchError) Error() string {
	switch {
	case e.StatusCode != 0 && e.Err != nil:
		return fmt.Sprintf("%s: %s (status=%d): %v", e.Class, e.Message, e.StatusCode, e.Err)
	case e.StatusCode != 0:
		return fmt.Sprintf("%s: %s (status=%d)", e.Class, e.Message, e.StatusCode)
	case e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Class, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Class, e.Message)
}

// Unwrap returns the underlying transport error.
func (e *DispatchError) Unwrap() error {
	return e.Err
}

// Retryable reports whether another attempt may succeed.
func (e *DispatchError) Retryable() bool {
	switch e.Class {
	case ClassConnectivity, ClassTimeout, ClassTransient:
		return true
	}
	return false
}

// ClassOf returns the dispatch class of err. Context deadline errors are
// timeouts; any other non-dispatch error counts as a connectivity failure.
func ClassOf(err error) Class {
	if err == nil {
		return ""
	}
	var de *DispatchError
	if errors.As(err, &de) {
		return de.Class
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTimeout
	}
	return ClassConnectivity
}

// IsConflict returns the server snapshot if err is a version conflict.
// Uses errors.As to handle wrapped errors.
func IsConflict(err error) (*mutation.Snapshot, bool) {
	var de *DispatchError
	if errors.As(err, &de) && de.Class == ClassConflict {
		return de.Server, true
	}
	return nil, false
}

// IsRejected returns true if the remote refused the mutation outright.
func IsRejected(err error) bool {
	var de *DispatchError
	return errors.As(err, &de) && de.Class == ClassRejected
}

// NewConflictError creates a DispatchError for a 409 response.
func NewConflictError(server mutation.Snapshot) *DispatchError {
	s := server.Clone()
	return &DispatchError{
		Class:      ClassConflict,
		StatusCode: 409,
		Message:    "entity changed on server",
		Server:     &s,
	}
}

// NewTransientError creates a retryable DispatchError.
func NewTransientError(statusCode int, msg string) *DispatchError {
	return &DispatchError{Class: ClassTransient, StatusCode: statusCode, Message: msg}
}

// NewRejectedError creates a non-retryable DispatchError.
func NewRejectedError(statusCode int, msg string) *DispatchError {
	return &DispatchError{Class: ClassRejected, StatusCode: statusCode, Message: msg}
}

// NewConnectivityError wraps a transport failure.
func NewConnectivityError(err error) *DispatchError {
	return &DispatchError{Class: ClassConnectivity, Message: "remote unreachable", Err: err}
}

// NewTimeoutError wraps a deadline failure.
func NewTimeoutError(err error) *DispatchError {
	return &DispatchError{Class: ClassTimeout, Message: "attempt timed out", Err: err}
}
