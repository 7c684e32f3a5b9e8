package types

import (
	"errors"
	"fmt"
)

// Error kinds. Callers match them with errors.Is.
var (
	ErrValidation       = errors.New("validation error")
	ErrNotFound         = errors.New("not found")
	ErrAlreadyResumed   = errors.New("checkpoint already resumed")
	ErrAlreadyExpired   = errors.New("checkpoint already expired")
	ErrCancelled        = errors.New("checkpoint cancelled")
	ErrCapacityExceeded = errors.New("paused execution capacity exceeded")
	ErrActionExecution  = errors.New("action execution failed")
	ErrTimeoutExceeded  = errors.New("wait timeout exceeded")
	ErrVersionConflict  = errors.New("version conflict")
	ErrRecordLocked     = errors.New("record is locked")
)

// ValidationError describes bad definition or input data.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation error on field '%s': %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation error: %s", e.Message)
}

// Is makes errors.Is(err, ErrValidation) true.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// NewValidationError creates a new ValidationError.
func NewValidationError(field, format string, args ...interface{}) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// ActionError records which action of a batch failed.
type ActionError struct {
	Action string
	Type   ActionType
	Index  int
	Err    error
}

func (e *ActionError) Error() string {
	return fmt.Sprintf("action %q (%s, #%d) failed: %v", e.Action, e.Type, e.Index, e.Err)
}

func (e *ActionError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrActionExecution) true.
func (e *ActionError) Is(target error) bool {
	return target == ErrActionExecution
}

// NotFoundf wraps ErrNotFound with a description.
func NotFoundf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, args...))
}
