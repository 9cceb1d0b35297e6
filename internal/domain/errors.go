package domain

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// ErrUnauthorized means the caller presented no usable credentials.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrForbidden means the caller is known but may not perform the action.
	ErrForbidden = errors.New("forbidden")
)

// AuthorizationError is returned by an AccessGuard when it refuses a request.
// It unwraps to ErrUnauthorized or ErrForbidden.
type AuthorizationError struct {
	Feed     FeedKey
	Resource string
	Action   string
	Err      error
}

func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("%s %s on %s: %v", e.Action, e.Resource, e.Feed, e.Err)
}

func (e *AuthorizationError) Unwrap() error {
	return e.Err
}

// ValidationFailedError carries every failing field of a request together
// with its messages.
type ValidationFailedError struct {
	Fields map[string][]string
}

// NewValidationFailedError returns an empty error ready for Add.
func NewValidationFailedError() *ValidationFailedError {
	return &ValidationFailedError{Fields: make(map[string][]string)}
}

// Add records a message against field.
func (e *ValidationFailedError) Add(field, message string) {
	if e.Fields == nil {
		e.Fields = make(map[string][]string)
	}
	e.Fields[field] = append(e.Fields[field], message)
}

// Empty reports whether no field failed.
func (e *ValidationFailedError) Empty() bool {
	return e == nil || len(e.Fields) == 0
}

// OrNil returns nil when no field failed so callers can return the result
// directly.
func (e *ValidationFailedError) OrNil() *ValidationFailedError {
	if e.Empty() {
		return nil
	}
	return e
}

func (e *ValidationFailedError) Error() string {
	if e.Empty() {
		return "validation failed"
	}

	fields := make([]string, 0, len(e.Fields))
	for f := range e.Fields {
		fields = append(fields, f)
	}
	sort.Strings(fields)

	parts := make([]string, 0, len(fields))
	for _, f := range fields {
		parts = append(parts, f+": "+strings.Join(e.Fields[f], ", "))
	}
	return "validation failed: " + strings.Join(parts, "; ")
}
