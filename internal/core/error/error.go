package errx

import (
	"errors"
	"fmt"
)

const (
	// SystemErrorMessage is a user-facing fallback when internal errors occur.
	SystemErrorMessage = "internal server error"
	// RedisErrorMessage describes Redis related failures.
	RedisErrorMessage = "redis operation failed"
	// RedisNotFoundMessage describes a missing Redis key.
	RedisNotFoundMessage = "redis key not found"
)

// Failure kinds the orchestrator branches on. Provider clients classify their
// errors into one of these before anything crosses the component boundary.
var (
	// ErrTransientProvider marks rate-limit, timeout, and transport failures
	// that are safe to retry.
	ErrTransientProvider = errors.New("transient provider failure")
	// ErrPermanentProvider marks content rejections and non-conforming
	// structured output. Never retried.
	ErrPermanentProvider = errors.New("permanent provider failure")
	// ErrMalformedPayload marks a webhook payload rejected at the gateway
	// boundary before any event is constructed.
	ErrMalformedPayload = errors.New("malformed inbound payload")
	// ErrPersistence marks session store or ledger unavailability.
	ErrPersistence = errors.New("persistence failure")
	// ErrNotFound marks an absent record or key.
	ErrNotFound = errors.New("not found")
)

// AppError wraps an underlying error with an HTTP status and safe message.
type AppError struct {
	Err     error
	Status  int
	Message string
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err == nil {
		return e.Message
	}
	return fmt.Sprintf("%s: %v", e.Message, e.Err)
}

// Unwrap exposes the underlying error for errors.Is / errors.As support.
func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new AppError with the provided information.
func New(err error, status int, message string) *AppError {
	return &AppError{
		Err:     err,
		Status:  status,
		Message: message,
	}
}

// Is reports whether the target matches the underlying error or the AppError itself.
func (e *AppError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// As allows casting to AppError or the wrapped error in a chain.
func (e *AppError) As(target any) bool {
	if errors.As(e.Err, target) {
		return true
	}
	if t, ok := target.(**AppError); ok {
		*t = e
		return true
	}
	return false
}

// Transient tags err as a retryable provider failure.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrTransientProvider, err)
}

// Permanent tags err as a non-retryable provider failure.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrPermanentProvider, err)
}

// Persistence tags err as a store or ledger failure.
func Persistence(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrPersistence, err)
}

// Malformed tags err as a payload rejected at the gateway boundary.
func Malformed(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrMalformedPayload, err)
}

// IsTransient reports whether err carries the transient provider kind.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransientProvider)
}

// IsPermanent reports whether err carries the permanent provider kind.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrPermanentProvider)
}

// IsNotFound reports whether err carries the not-found kind.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
