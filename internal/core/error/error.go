package errx

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

const (
	// SystemErrorMessage is a user-facing fallback when internal errors occur.
	SystemErrorMessage = "internal server error"
	// RedisErrorMessage describes Redis related failures.
	RedisErrorMessage = "redis operation failed"
	// RedisNotFoundMessage describes a missing Redis key.
	RedisNotFoundMessage = "redis key not found"
	// UpstreamErrorMessage is returned when a model or database call fails.
	UpstreamErrorMessage = "Failed to process your question"
	// ConfigErrorMessage is returned when required credentials are missing.
	ConfigErrorMessage = "server misconfiguration"
	// RateLimitedMessage is returned when the caller exhausted its quota.
	RateLimitedMessage = "Rate limit exceeded. Please try again later."
)

// Kind classifies an AppError for transport mapping.
type Kind string

const (
	KindUnknown     Kind = "unknown"
	KindInput       Kind = "input"
	KindConfig      Kind = "config"
	KindUpstream    Kind = "upstream"
	KindRateLimited Kind = "rate_limited"
	KindRedis       Kind = "redis"
)

// AppError wraps an underlying error with an HTTP status and safe message.
type AppError struct {
	Err     error
	Status  int
	Message string
	Kind    Kind

	// Set only for KindRateLimited.
	Remaining int
	ResetAt   time.Time
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
		Kind:    KindUnknown,
	}
}

// Input reports a request validation failure. No external call has been made.
func Input(message string) *AppError {
	return &AppError{
		Err:     errors.New(message),
		Status:  http.StatusBadRequest,
		Message: message,
		Kind:    KindInput,
	}
}

// Config reports missing or invalid server configuration.
func Config(err error) *AppError {
	return &AppError{
		Err:     err,
		Status:  http.StatusInternalServerError,
		Message: ConfigErrorMessage,
		Kind:    KindConfig,
	}
}

// Upstream wraps a failed model or SQL execution call.
func Upstream(err error) *AppError {
	return &AppError{
		Err:     err,
		Status:  http.StatusInternalServerError,
		Message: UpstreamErrorMessage,
		Kind:    KindUpstream,
	}
}

// RateLimited reports an exhausted quota for the caller.
func RateLimited(remaining int, resetAt time.Time) *AppError {
	return &AppError{
		Err:       errors.New("rate limit exceeded"),
		Status:    http.StatusTooManyRequests,
		Message:   RateLimitedMessage,
		Kind:      KindRateLimited,
		Remaining: remaining,
		ResetAt:   resetAt,
	}
}

// KindOf returns the Kind of the first AppError in err's chain.
func KindOf(err error) Kind {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return KindUnknown
}

// StatusOf returns the HTTP status of the first AppError in err's chain,
// or 500 when err is not an AppError.
func StatusOf(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) && appErr.Status != 0 {
		return appErr.Status
	}
	return http.StatusInternalServerError
}

// Is reports whether the target matches the underlying error or the AppError itself.
func (e *AppError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// As allows casting to AppError or the wrapped error in a chain.
func (e *AppError) As(target any) bool {
	if t, ok := target.(**AppError); ok {
		*t = e
		return true
	}
	return errors.As(e.Err, target)
}
