package shared

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// ErrNotFound indicates resource not found.
	ErrNotFound = errors.New("not found")
	// ErrConflict indicates the request collides with the current state of a resource.
	ErrConflict = errors.New("conflict")
	// ErrValidation indicates malformed or out-of-range input.
	ErrValidation = errors.New("validation failed")
	// ErrTransient marks failures worth retrying (network, timeout, 5xx).
	ErrTransient = errors.New("transient failure")
	// ErrExternalSystem marks business-level rejections from the accounting system.
	ErrExternalSystem = errors.New("external system rejected request")
)

// ValidationError collects field level problems.
type ValidationError struct {
	Fields map[string]string
}

// NewValidationError builds a ValidationError for a single field.
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Fields: map[string]string{field: message}}
}

// Add records another field problem.
func (e *ValidationError) Add(field, message string) {
	if e.Fields == nil {
		e.Fields = make(map[string]string)
	}
	e.Fields[field] = message
}

// Empty reports whether no problems were recorded.
func (e *ValidationError) Empty() bool {
	return e == nil || len(e.Fields) == 0
}

// OrNil returns nil when no problems were recorded.
func (e *ValidationError) OrNil() error {
	if e.Empty() {
		return nil
	}
	return e
}

func (e *ValidationError) Error() string {
	if e.Empty() {
		return ErrValidation.Error()
	}
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + ": " + e.Fields[k]
	}
	return ErrValidation.Error() + ": " + strings.Join(parts, "; ")
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// TransientError wraps a retryable failure.
type TransientError struct {
	Err error
}

// Transient wraps err as retryable. A nil err stays nil.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	var te *TransientError
	if errors.As(err, &te) {
		return err
	}
	return &TransientError{Err: err}
}

func (e *TransientError) Error() string {
	if e.Err == nil {
		return ErrTransient.Error()
	}
	return ErrTransient.Error() + ": " + e.Err.Error()
}

func (e *TransientError) Unwrap() error { return e.Err }

func (e *TransientError) Is(target error) bool {
	return target == ErrTransient
}

// ExternalSystemError carries a business rejection returned by the accounting system verbatim.
type ExternalSystemError struct {
	Status  int
	Code    string
	Message string
}

func (e *ExternalSystemError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s (status %d, code %s): %s", ErrExternalSystem.Error(), e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("%s (status %d): %s", ErrExternalSystem.Error(), e.Status, e.Message)
}

func (e *ExternalSystemError) Is(target error) bool {
	return target == ErrExternalSystem
}

// Conflictf returns an error classified as ErrConflict.
func Conflictf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConflict, fmt.Sprintf(format, args...))
}

// NotFoundf returns an error classified as ErrNotFound.
func NotFoundf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, args...))
}

// OpError attaches the failing operation and entity id.
type OpError struct {
	Op  string
	ID  string
	Err error
}

// WrapOp wraps err with operation context. A nil err stays nil.
func WrapOp(op, id string, err error) error {
	if err == nil {
		return nil
	}
	return &OpError{Op: op, ID: id, Err: err}
}

func (e *OpError) Error() string {
	if e.ID == "" {
		return e.Op + ": " + e.Err.Error()
	}
	return e.Op + " " + e.ID + ": " + e.Err.Error()
}

func (e *OpError) Unwrap() error { return e.Err }

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

// IsTimeout reports whether err came from an expired deadline.
func IsTimeout(err error) bool {
	return errors.Is(err, context.DeadlineExceeded)
}
