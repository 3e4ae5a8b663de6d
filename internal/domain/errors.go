package domain

import (
	"errors"
	"fmt"
)

// Domain errors
var (
	ErrLapNotFound      = errors.New("lap time not found")
	ErrLapExists        = errors.New("lap already recorded for this track and car")
	ErrUserNotFound     = errors.New("user not found")
	ErrEmailTaken       = errors.New("email already registered")
	ErrUsernameTaken    = errors.New("username already taken")
	ErrPermissionDenied = errors.New("permission denied")
	ErrQuotaExceeded    = errors.New("storage quota exceeded")
	ErrBackendOffline   = errors.New("storage backend unavailable")
	ErrUnauthorized     = errors.New("not logged in")
	ErrSessionExpired   = errors.New("session expired")
	ErrFlowNotFound     = errors.New("auth flow not found or expired")
	ErrWrongStep        = errors.New("auth step out of order")
	ErrInvalidRequest   = errors.New("invalid request")
	ErrInternalError    = errors.New("internal server error")
)

// ValidationError is returned for input rejected before any backend call.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// NewValidationError creates a validation error for a field
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

// IsValidationError reports whether err wraps a *ValidationError
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsNotFoundError checks if an error is a not-found type error
func IsNotFoundError(err error) bool {
	return errors.Is(err, ErrLapNotFound) || errors.Is(err, ErrUserNotFound) || errors.Is(err, ErrFlowNotFound)
}

// IsConflictError checks if an error is a uniqueness conflict
func IsConflictError(err error) bool {
	return errors.Is(err, ErrEmailTaken) || errors.Is(err, ErrUsernameTaken) || errors.Is(err, ErrLapExists)
}
