package model

import (
	"errors"
	"fmt"
)

var (
	ErrValidation      = errors.New("validation failed")
	ErrDuplicateID     = errors.New("duplicate event identifier")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrStorage         = errors.New("storage failure")
)

// ValidationError describes a malformed event field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

func Invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// StorageError wraps a driver failure so callers can match ErrStorage.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() []error {
	return []error{ErrStorage, e.Err}
}
