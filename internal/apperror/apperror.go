package apperror

import (
	"errors"
	"fmt"
)

var (
	ErrSessionNotFound  = errors.New("session not found")
	ErrSessionBusy      = errors.New("session busy")
	ErrCapacityExceeded = errors.New("capacity exceeded")
	ErrValidation       = errors.New("Validation Error")
)

type AppError struct {
	Err     error  // actual error
	Message string // Human-readable error message
	Field   string // Optional: field causing the error
}

func (e *AppError) Error() string {
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// SessionNotFound is returned when a session id is unknown, expired, or
// already destroyed. The caller must create a new session.
func SessionNotFound(id string) *AppError {
	return &AppError{
		Err:     ErrSessionNotFound,
		Message: fmt.Sprintf("session not found with id %s", id),
	}
}

// SessionBusy is returned when another execute call holds the session's
// exclusion lock. Callers should retry after backoff.
func SessionBusy(id string) *AppError {
	return &AppError{
		Err:     ErrSessionBusy,
		Message: fmt.Sprintf("session %s has an execution in flight", id),
	}
}

// CapacityExceeded is returned when the configured maximum concurrent
// session count is reached.
func CapacityExceeded(limit int) *AppError {
	return &AppError{
		Err:     ErrCapacityExceeded,
		Message: fmt.Sprintf("session capacity exceeded (max %d)", limit),
	}
}

func ValidationFailed(field, message string) *AppError {
	return &AppError{
		Err:     ErrValidation,
		Message: message,
		Field:   field,
	}
}
