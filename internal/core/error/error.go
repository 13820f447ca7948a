package errx

import (
	"errors"
	"fmt"
	"net/http"
)

const (
	// SystemErrorMessage is a user-facing fallback when internal errors occur.
	SystemErrorMessage = "internal server error"
	// RedisErrorMessage describes Redis related failures.
	RedisErrorMessage = "redis operation failed"
	// RedisNotFoundMessage describes a missing Redis key.
	RedisNotFoundMessage = "redis key not found"
	// SQLiteErrorMessage describes SQLite related failures.
	SQLiteErrorMessage = "sqlite operation failed"
)

// Sentinels for the relay's failure taxonomy. Match them with errors.Is.
var (
	ErrNotFound      = errors.New("session not found")
	ErrBusy          = errors.New("session busy")
	ErrPoolExhausted = errors.New("connection pool exhausted")
	ErrEngine        = errors.New("engine error")
	ErrClosed        = errors.New("relay closed")
	ErrInvalid       = errors.New("invalid request")
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

// NotFound reports an unknown session key or real id.
func NotFound(key string) error {
	return New(ErrNotFound, http.StatusNotFound, fmt.Sprintf("session %q not found", key))
}

// Busy reports that another turn holds the session lock.
func Busy(key string) error {
	return New(ErrBusy, http.StatusConflict, fmt.Sprintf("session %q is processing another message", key))
}

// PoolExhausted reports that no engine connection became free before the deadline.
// Callers may retry later.
func PoolExhausted(cause error) error {
	return New(errors.Join(ErrPoolExhausted, cause), http.StatusServiceUnavailable, "no engine connection available")
}

// Engine wraps a failure raised by the engine itself.
func Engine(cause error) error {
	if cause == nil {
		return nil
	}
	return New(errors.Join(ErrEngine, cause), http.StatusBadGateway, "engine failure")
}

// Closed reports use of a component after shutdown.
func Closed(component string) error {
	return New(ErrClosed, http.StatusServiceUnavailable, component+" is closed")
}

// Invalid reports a malformed caller request.
func Invalid(message string) error {
	return New(ErrInvalid, http.StatusBadRequest, message)
}

// StatusOf extracts the HTTP status of err, defaulting to 500.
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
	if errors.As(e.Err, target) {
		return true
	}
	if t, ok := target.(**AppError); ok {
		*t = e
		return true
	}
	return false
}
