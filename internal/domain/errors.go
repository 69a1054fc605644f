package domain

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidInput        = errors.New("invalid input")
	ErrInvalidTransition   = errors.New("invalid transition")
	ErrPreconditionFailed  = errors.New("precondition failed")
	ErrInvalidAmount       = errors.New("invalid amount")
	ErrMissingRecipient    = errors.New("recipient required")
	ErrInsufficientCredits = errors.New("insufficient credits")
	ErrNotFound            = errors.New("not found")
	ErrInvalidCredentials  = errors.New("invalid credentials")
	ErrConfirmationTimeout = errors.New("confirmation timeout")
	ErrConflict            = errors.New("concurrent modification")
)

// ForbiddenError indicates the actor lacks a permission or step authority.
type ForbiddenError struct {
	Permission string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("permission %s required", e.Permission)
}

// Invalidf wraps ErrInvalidInput with a message.
func Invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}

// Transitionf wraps ErrInvalidTransition with a message.
func Transitionf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidTransition, fmt.Sprintf(format, args...))
}

// Preconditionf wraps ErrPreconditionFailed with a message.
func Preconditionf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrPreconditionFailed, fmt.Sprintf(format, args...))
}
