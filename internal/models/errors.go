package models

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrAlreadyExists is returned when inserting a record whose key is taken.
	ErrAlreadyExists = errors.New("record already exists")

	// ErrVersionConflict is returned when the stored version differs from the expected one.
	ErrVersionConflict = errors.New("version conflict: record was modified concurrently")

	// ErrMaxRetriesExceeded is returned once every retry attempt failed transiently.
	ErrMaxRetriesExceeded = errors.New("max retries exceeded")

	// ErrNotPaused is returned when resuming a strategy that is running.
	ErrNotPaused = errors.New("strategy is not paused")
)

// ValidationError reports malformed orders, states or configuration.
// It is never retried and never mutates persisted state.
type ValidationError struct {
	Op         string
	Violations []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: validation failed: %s", e.Op, strings.Join(e.Violations, "; "))
}

// NewValidationError builds a ValidationError from one or more violations.
func NewValidationError(op string, violations ...string) *ValidationError {
	return &ValidationError{Op: op, Violations: violations}
}

// IsValidation reports whether err is, or wraps, a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// TransientError marks failures that may succeed when retried (deadlock, timeout, txn conflict).
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: transient failure: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err is classified as retryable.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// FatalError marks permanent persistence failures such as a closed store.
type FatalError struct {
	Op  string
	Err error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("%s: fatal persistence failure: %v", e.Op, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

// IsFatal reports whether err is a FatalError.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}

// ExchangeError wraps failures returned by the exchange adapter.
type ExchangeError struct {
	Op  string
	Err error
}

func (e *ExchangeError) Error() string {
	return fmt.Sprintf("exchange %s: %v", e.Op, e.Err)
}

func (e *ExchangeError) Unwrap() error { return e.Err }
