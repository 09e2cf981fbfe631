package domain

import (
	"errors"
	"fmt"
	"time"
)

// Common domain errors
var (
	ErrNotFound     = errors.New("session not found")
	ErrInvalidInput = errors.New("invalid input")
	ErrShuttingDown = errors.New("registry is shutting down")

	ErrInsufficientSpace = errors.New("insufficient space")

	// Store invariant errors
	ErrDuplicateDestination = errors.New("destination is owned by another active session")
	ErrRegression           = errors.New("confirmed bytes cannot decrease")
	ErrProgressExceedsTotal = errors.New("confirmed bytes exceed total size")

	// State machine errors
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrAlreadyRunning    = errors.New("session is already running")
)

// TransitionError describes a rejected state change.
// It matches ErrInvalidTransition with errors.Is.
type TransitionError struct {
	From Status
	To   Status
}

// NewTransitionError creates a new TransitionError
func NewTransitionError(from, to Status) *TransitionError {
	return &TransitionError{From: from, To: to}
}

// Error returns the error message
func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s: %s -> %s", ErrInvalidTransition.Error(), e.From, e.To)
}

// Unwrap returns ErrInvalidTransition
func (e *TransitionError) Unwrap() error {
	return ErrInvalidTransition
}

// TransientError is a transport failure worth retrying with backoff,
// such as a connection reset, a timeout or a 5xx response.
type TransientError struct {
	Err        error
	RetryAfter time.Duration
}

// Error returns the error message
func (e *TransientError) Error() string {
	if e.Err != nil {
		return "transient: " + e.Err.Error()
	}
	return "transient network error"
}

// Unwrap returns the underlying error
func (e *TransientError) Unwrap() error {
	return e.Err
}

// NewTransientError creates a new transient error
func NewTransientError(err error, retryAfter time.Duration) *TransientError {
	return &TransientError{Err: err, RetryAfter: retryAfter}
}

// IsTransient returns true if the error should be retried
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// GetRetryAfter returns the server-requested delay if the error is transient
func GetRetryAfter(err error) (time.Duration, bool) {
	var te *TransientError
	if errors.As(err, &te) {
		return te.RetryAfter, true
	}
	return 0, false
}

// PermanentError is a failure that retrying cannot fix, such as a 4xx
// response or a server that ignores range requests.
type PermanentError struct {
	Err        error
	StatusCode int
}

// Error returns the error message
func (e *PermanentError) Error() string {
	msg := "permanent error"
	if e.Err != nil {
		msg = "permanent: " + e.Err.Error()
	}
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.StatusCode)
	}
	return msg
}

// Unwrap returns the underlying error
func (e *PermanentError) Unwrap() error {
	return e.Err
}

// NewPermanentError creates a new permanent error
func NewPermanentError(err error, statusCode int) *PermanentError {
	return &PermanentError{Err: err, StatusCode: statusCode}
}

// IsPermanent returns true if the error must not be retried
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}
