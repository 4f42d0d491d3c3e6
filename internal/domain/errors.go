package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors matched with errors.Is across layers.
var (
	ErrValidation       = errors.New("validation failed")
	ErrNotFound         = errors.New("not found")
	ErrVersionConflict  = errors.New("version conflict")
	ErrDuplicateEvent   = errors.New("event already published")
	ErrActiveSagaExists = errors.New("active saga instance already exists")
	ErrNotEligible      = errors.New("approver is not eligible for this gate")
	ErrGateClosed       = errors.New("approval gate already decided")
	ErrCircuitOpen      = errors.New("circuit_open")
)

// ValidationError reports a malformed event, definition or request.
type ValidationError struct {
	Field   string
	Message string
}

func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// NotFoundError reports a missing saga instance, gate, event or definition.
type NotFoundError struct {
	Resource string
	ID       string
}

func NewNotFoundError(resource, id string) *NotFoundError {
	return &NotFoundError{Resource: resource, ID: id}
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Resource, e.ID)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// ConcurrencyError is returned when an optimistic write finds a newer version.
type ConcurrencyError struct {
	Resource        string
	ID              string
	ExpectedVersion int64
}

func (e *ConcurrencyError) Error() string {
	return fmt.Sprintf("%s %q: expected version %d was superseded", e.Resource, e.ID, e.ExpectedVersion)
}

func (e *ConcurrencyError) Is(target error) bool { return target == ErrVersionConflict }

// StepExecutionError wraps the error returned by a step's execute function.
type StepExecutionError struct {
	Saga string
	Step string
	Err  error
}

func (e *StepExecutionError) Error() string {
	return fmt.Sprintf("saga %s step %s failed: %v", e.Saga, e.Step, e.Err)
}

func (e *StepExecutionError) Unwrap() error { return e.Err }

// CompensationError wraps the error returned by a step's compensate function.
// It is recorded and logged, never escalated.
type CompensationError struct {
	Saga string
	Step string
	Err  error
}

func (e *CompensationError) Error() string {
	return fmt.Sprintf("saga %s compensation of %s failed: %v", e.Saga, e.Step, e.Err)
}

func (e *CompensationError) Unwrap() error { return e.Err }

// DeliveryError describes one failed webhook attempt.
type DeliveryError struct {
	URL        string
	Attempt    int
	StatusCode int
	Err        error
}

func (e *DeliveryError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("webhook delivery to %s (attempt %d): %v", e.URL, e.Attempt, e.Err)
	}
	return fmt.Sprintf("webhook delivery to %s (attempt %d): unexpected status %d", e.URL, e.Attempt, e.StatusCode)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// CircuitOpenError is returned when a breaker rejects a call before any network attempt.
type CircuitOpenError struct {
	Destination string
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit open for %s", e.Destination)
}

func (e *CircuitOpenError) Is(target error) bool { return target == ErrCircuitOpen }
