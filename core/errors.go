package core

import (
	"errors"
	"fmt"
	"time"
)

// Standard sentinel errors for comparison using errors.Is()
// These are generic errors that can be wrapped with additional context
var (
	// Resilience boundary errors
	ErrRateLimitExceeded  = errors.New("rate limit exceeded")
	ErrCircuitBreakerOpen = errors.New("circuit breaker is open")
	ErrRetryExhausted     = errors.New("maximum retries exceeded")
	ErrFallbackFailed     = errors.New("all fallback strategies failed")

	// Operation errors
	ErrTimeout          = errors.New("operation timeout")
	ErrCancelled        = errors.New("operation cancelled")
	ErrNotConnected     = errors.New("not connected")
	ErrConnectionFailed = errors.New("connection failed")

	// Request errors
	ErrValidation = errors.New("validation failed")
	ErrNotFound   = errors.New("not found")
	ErrConflict   = errors.New("conflict")

	// Configuration errors
	ErrInvalidConfiguration = errors.New("invalid configuration")
	ErrMissingConfiguration = errors.New("missing required configuration")

	// State errors
	ErrAlreadyStarted = errors.New("already started")
	ErrNotInitialized = errors.New("not initialized")
)

// DomainError provides structured error information with context.
// It implements the error interface and supports error wrapping.
type DomainError struct {
	Op      string // Operation that failed (e.g., "workflow.Execute")
	Kind    string // Error kind (e.g., "workflow", "ratelimit", "storage")
	ID      string // Optional ID of the entity involved
	Message string // Human-readable message
	Err     error  // Underlying error for wrapping
}

func (e *DomainError) Error() string {
	if e.Op != "" && e.Err != nil {
		if e.ID != "" {
			return fmt.Sprintf("%s [%s]: %v", e.Op, e.ID, e.Err)
		}
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s error", e.Kind)
}

// Unwrap returns the underlying error for use with errors.Is/As
func (e *DomainError) Unwrap() error {
	return e.Err
}

// NewDomainError creates a new DomainError
func NewDomainError(op, kind string, err error) *DomainError {
	return &DomainError{Op: op, Kind: kind, Err: err}
}

// RateLimitError carries the retry hint the limiter computed for a denial.
type RateLimitError struct {
	Service    string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s, retry after %s", e.Service, e.RetryAfter)
}

func (e *RateLimitError) Unwrap() error { return ErrRateLimitExceeded }

// IsRetryable checks if an error is retryable.
// Retryable errors are typically transient network, availability or
// throttling issues; rate-limit denials are retryable by policy.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrConnectionFailed) ||
		errors.Is(err, ErrRateLimitExceeded) ||
		errors.Is(err, ErrNotConnected)
}

// IsNotFound checks if an error represents a "not found" condition
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsConfigurationError checks if an error is configuration-related
func IsConfigurationError(err error) bool {
	return errors.Is(err, ErrInvalidConfiguration) ||
		errors.Is(err, ErrMissingConfiguration)
}

// IsValidationError checks if an error is a request validation failure.
// Validation errors are never retried and never count against breakers.
func IsValidationError(err error) bool {
	return errors.Is(err, ErrValidation)
}
