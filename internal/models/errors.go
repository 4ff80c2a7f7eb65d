package models

import (
	"errors"
	"fmt"
)

var (
	ErrValidation    = errors.New("validation failed")
	ErrQuotaExceeded = errors.New("daily quota exceeded")
	ErrInvalidState  = errors.New("job not in expected state")
	ErrNotFound      = errors.New("job not found")
	ErrStorage       = errors.New("storage unavailable")
)

// ValidationError rejects a job type or payload at enqueue time.
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

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// Invalid builds a ValidationError.
func Invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// InvalidStateError names the state the job was found in.
type InvalidStateError struct {
	JobID int64
	Want  JobStatus
	Got   JobStatus
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("job %d: want status %s, got %s", e.JobID, e.Want, e.Got)
}

func (e *InvalidStateError) Is(target error) bool { return target == ErrInvalidState }

// StorageError wraps failures of the underlying persistence.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

func (e *StorageError) Is(target error) bool { return target == ErrStorage }

// Storage wraps err as a StorageError. Nil stays nil.
func Storage(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StorageError{Op: op, Err: err}
}

// TransientTaskError marks an execution failure that may be retried.
type TransientTaskError struct {
	Err error
}

func (e *TransientTaskError) Error() string {
	return fmt.Sprintf("transient: %v", e.Err)
}

func (e *TransientTaskError) Unwrap() error { return e.Err }

// Transient wraps err as retryable.
func Transient(err error) error {
	return &TransientTaskError{Err: err}
}

// TerminalTaskError marks an execution failure that must not be retried.
type TerminalTaskError struct {
	Err error
}

func (e *TerminalTaskError) Error() string {
	return fmt.Sprintf("terminal: %v", e.Err)
}

func (e *TerminalTaskError) Unwrap() error { return e.Err }

// Terminal wraps err as non-retryable.
func Terminal(err error) error {
	return &TerminalTaskError{Err: err}
}

// IsTerminal reports whether err should fail the job without retry.
// Validation errors found at execution time count as terminal.
func IsTerminal(err error) bool {
	var term *TerminalTaskError
	if errors.As(err, &term) {
		return true
	}
	var transient *TransientTaskError
	if errors.As(err, &transient) {
		return false
	}
	return errors.Is(err, ErrValidation)
}
