package errors

import (
	"errors"
	"fmt"
)

// ErrorCode represents a unique error code
type ErrorCode int

// AppError represents an application error
type AppError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Err     error     `json:"-"`
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// Common error codes
const (
	ErrNotFound ErrorCode = iota + 1000
	ErrBadRequest
	ErrUnauthorized
	ErrConflict
	ErrInternal
)

func NotFound(resource string, err error) *AppError {
	return &AppError{
		Code:    ErrNotFound,
		Message: fmt.Sprintf("%s not found", resource),
		Err:     err,
	}
}

func BadRequest(message string, err error) *AppError {
	return &AppError{
		Code:    ErrBadRequest,
		Message: message,
		Err:     err,
	}
}

func Conflict(message string, err error) *AppError {
	return &AppError{
		Code:    ErrConflict,
		Message: message,
		Err:     err,
	}
}

func Internal(err error) *AppError {
	return &AppError{
		Code:    ErrInternal,
		Message: "internal server error",
		Err:     err,
	}
}

func Unauthorized(err error) *AppError {
	return &AppError{
		Code:    ErrUnauthorized,
		Message: "unauthorized",
		Err:     err,
	}
}

// Kind classifies a delivery failure. Transient failures are retried on the
// backoff schedule; terminal failures are not retried at all.
type Kind int

const (
	KindTransient Kind = iota
	KindTerminal
)

// DeliveryError carries a failure classification alongside the cause, so
// callers branch on Kind instead of sniffing error message strings.
type DeliveryError struct {
	Kind Kind
	Err  error
}

func (e *DeliveryError) Error() string {
	if e.Kind == KindTerminal {
		return fmt.Sprintf("terminal delivery failure: %v", e.Err)
	}
	return fmt.Sprintf("transient delivery failure: %v", e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// Transient wraps err as a retryable delivery failure.
func Transient(err error) *DeliveryError {
	return &DeliveryError{Kind: KindTransient, Err: err}
}

// Terminal wraps err as a non-retryable delivery failure.
func Terminal(err error) *DeliveryError {
	return &DeliveryError{Kind: KindTerminal, Err: err}
}

// IsRetryable reports whether err should be retried. Unclassified errors are
// treated as transient so that a provider hiccup is never dead-lettered on
// the first attempt.
func IsRetryable(err error) bool {
	var de *DeliveryError
	if errors.As(err, &de) {
		return de.Kind == KindTransient
	}
	return true
}
