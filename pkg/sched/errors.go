// Package sched implements the intention scheduling engine: dependency
// resolution, job admission and reuse, the claim path workers race on,
// and archival of finished intentions.
package sched

import (
	"errors"
	"fmt"
)

// ErrorClass classifies a scheduling error for retry and recovery logic.
type ErrorClass string

const (
	// ErrorClassTransient indicates a temporary failure that may succeed on
	// retry, such as a busy database.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassThrottled indicates token exhaustion. The work is retried
	// automatically once the token's reset time passes.
	ErrorClassThrottled ErrorClass = "throttled"

	// ErrorClassConflict indicates two workers collided on the same row.
	// The loser simply gets no job this pass.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassPermanent indicates an unrecoverable failure. The intention
	// is archived with error status.
	ErrorClassPermanent ErrorClass = "permanent"
)

// SchedError is a classified scheduling error.
type SchedError struct {
	// Class is the error classification for retry logic.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Job is the job involved, if any.
	Job string `json:"job,omitempty"`

	// Err is the underlying error.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *SchedError) Error() string {
	if e.Job != "" {
		return fmt.Sprintf("[%s] %s (job=%s): %s", e.Class, e.Message, e.Job, e.unwrapMessage())
	}
	return fmt.Sprintf("[%s] %s: %s", e.Class, e.Message, e.unwrapMessage())
}

// Unwrap returns the underlying error for error chain inspection.
func (e *SchedError) Unwrap() error {
	return e.Err
}

func (e *SchedError) unwrapMessage() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return ""
}

// Is implements error equality checking for errors.Is.
func (e *SchedError) Is(target error) bool {
	t, ok := target.(*SchedError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Message == t.Message
}

// NewTransientError creates a new transient error.
func NewTransientError(message string, err error) *SchedError {
	return &SchedError{Class: ErrorClassTransient, Message: message, Err: err}
}

// NewThrottledError creates a new throttled error.
func NewThrottledError(message string, err error) *SchedError {
	return &SchedError{Class: ErrorClassThrottled, Message: message, Err: err}
}

// NewConflictError creates a new conflict error.
func NewConflictError(message string, err error) *SchedError {
	return &SchedError{Class: ErrorClassConflict, Message: message, Err: err}
}

// NewPermanentError creates a new permanent error.
func NewPermanentError(message string, err error) *SchedError {
	return &SchedError{Class: ErrorClassPermanent, Message: message, Err: err}
}

// WithJob adds job context to an error.
func (e *SchedError) WithJob(jobID string) *SchedError {
	e.Job = jobID
	return e
}

// IsPermanent returns true if the error is classified as permanent.
func IsPermanent(err error) bool {
	var e *SchedError
	if errors.As(err, &e) {
		return e.Class == ErrorClassPermanent
	}
	return false
}

// IsThrottled returns true if the error is classified as throttled.
func IsThrottled(err error) bool {
	var e *SchedError
	if errors.As(err, &e) {
		return e.Class == ErrorClassThrottled
	}
	return false
}

// IsRetryable returns true if the error does not require archival: the
// scheduler absorbs it and the work is retried on a later pass.
func IsRetryable(err error) bool {
	var e *SchedError
	if errors.As(err, &e) {
		return e.Class != ErrorClassPermanent
	}
	return false
}
