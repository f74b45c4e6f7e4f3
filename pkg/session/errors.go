package session

import (
	"errors"
	"fmt"
)

var (
	ErrSessionNotReady        = errors.New("session is not ready")
	ErrRecipientNotRegistered = errors.New("phone number is not registered")
	ErrNoSession              = errors.New("no session")
)

// ValidationError reports missing or malformed command input.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("%s is required", e.Field)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// ProviderError wraps a failure returned by the session provider.
type ProviderError struct {
	Op  string
	Err error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider %s: %v", e.Op, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

func IsProvider(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe)
}
