package models

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound          = errors.New("transaction not found")
	ErrDuplicateKey      = errors.New("duplicate transaction key")
	ErrImmutable         = errors.New("immutable field changed")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrUnresolvable      = errors.New("transaction has no correlation id")
)

// ValidationError is bad caller input. Never retried.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func NewValidationError(field, message string) error {
	return &ValidationError{Field: field, Message: message}
}
