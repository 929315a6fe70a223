package syncer

import (
	"errors"
	"fmt"

	"github.com/roach88/invsync/internal/queue"
)

// ErrOffline is wrapped by every OFFLINE SyncError.
var ErrOffline = errors.New("remote is offline")

// ErrorCode categorizes sync errors.
type ErrorCode string

const (
	// ErrCodeOffline means the monitor reported Offline before or during a
	// run. Undispatched mutations stay pending.
	ErrCodeOffline ErrorCode = "OFFLINE"

	// ErrCodeStoreFailure means a queue write failed and the run cannot
	// continue safely.
	ErrCodeStoreFailure ErrorCode = "STORE_FAILURE"

	// ErrCodeCorruptQueue means the persisted queue failed validation.
	ErrCodeCorruptQueue ErrorCode = "CORRUPT_QUEUE"

	// ErrCodeCancelled means the caller's context ended the run.
	ErrCodeCancelled ErrorCode = "CANCELLED"
)

// SyncError is returned by Sync when a run cannot continue.
type SyncError struct {
	Code       ErrorCode
	Message    string
	RunID      string
	MutationID string
	Err        error
}

// Error implements the error interface.
func (e *SyncError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.RunID != "" {
		msg += fmt.Sprintf(" (run=%s", e.RunID)
		if e.MutationID != "" {
			msg += fmt.Sprintf(", mutation=%s", e.MutationID)
		}
		msg += ")"
	}
	if e.Err != nil && e.Err != ErrOffline {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *SyncError) Unwrap() error {
	return e.Err
}

func isCode(err error, code ErrorCode) bool {
	var se *SyncError
	if errors.As(err, &se) {
		return se.Code == code
	}
	return false
}

// IsOfflineError returns true if err stopped a run for lack of connectivity.
func IsOfflineError(err error) bool {
	return isCode(err, ErrCodeOffline)
}

// IsStoreError returns true if err is a queue persistence failure,
// including a corrupt queue.
func IsStoreError(err error) bool {
	return isCode(err, ErrCodeStoreFailure) || isCode(err, ErrCodeCorruptQueue)
}

// IsCancelled returns true if the caller's context ended the run.
func IsCancelled(err error) bool {
	return isCode(err, ErrCodeCancelled)
}

// NewOfflineError creates the error for a run stopped by connectivity loss.
func NewOfflineError(runID string) *SyncError {
	return &SyncError{
		Code:    ErrCodeOffline,
		Message: "remote unreachable, pending mutations kept",
		RunID:   runID,
		Err:     ErrOffline,
	}
}

// NewStoreError wraps a queue failure. A corrupt queue gets its own code.
func NewStoreError(runID, mutationID string, err error) *SyncError {
	code := ErrCodeStoreFailure
	msg := "queue write failed"
	if errors.Is(err, queue.ErrCorrupt) {
		code = ErrCodeCorruptQueue
		msg = "persisted queue is corrupt"
	}
	return &SyncError{Code: code, Message: msg, RunID: runID, MutationID: mutationID, Err: err}
}

func newCancelledError(runID string, err error) *SyncError {
	return &SyncError{Code: ErrCodeCancelled, Message: "sync cancelled", RunID: runID, Err: err}
}
