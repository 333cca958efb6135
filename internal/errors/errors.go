// Package errors provides error codes for the sync engine and its collaborators.
package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode represents a unique error code surfaced to callers and clients.
type ErrorCode string

const (
	// General errors
	ErrInternal   ErrorCode = "INTERNAL_ERROR"
	ErrInvalid    ErrorCode = "INVALID_INPUT"
	ErrNotFound   ErrorCode = "NOT_FOUND"
	ErrValidation ErrorCode = "VALIDATION_ERROR"

	// Remote pipeline errors
	ErrUpload      ErrorCode = "UPLOAD_FAILED"
	ErrExtraction  ErrorCode = "EXTRACTION_FAILED"
	ErrPersistence ErrorCode = "PERSISTENCE_FAILED"
	ErrFetch       ErrorCode = "FETCH_FAILED"
	ErrOffline     ErrorCode = "OFFLINE"

	// Durable queue errors
	ErrQueueStorage ErrorCode = "QUEUE_STORAGE_FAILED"
	ErrQueueFull    ErrorCode = "QUEUE_QUOTA_EXCEEDED"

	// Sync errors
	ErrSyncFailed ErrorCode = "SYNC_FAILED"

	// AI errors
	ErrAINotConfigured ErrorCode = "AI_NOT_CONFIGURED"
	ErrAIFailed        ErrorCode = "AI_FAILED"
)

// AppError represents an application error with code and message.
// Permanent marks failures that will not succeed on an unchanged retry.
type AppError struct {
	Code      ErrorCode
	Message   string
	Err       error
	Permanent bool
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new AppError.
func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Wrap wraps an existing error with an error code.
func Wrap(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// AsPermanent marks the error as not retryable and returns it.
func (e *AppError) AsPermanent() *AppError {
	e.Permanent = true
	return e
}

// Is checks if any error in the chain carries the given code.
func Is(err error, code ErrorCode) bool {
	for err != nil {
		var appErr *AppError
		if !stderrors.As(err, &appErr) {
			return false
		}
		if appErr.Code == code {
			return true
		}
		err = appErr.Err
	}
	return false
}

// CodeOf returns the outermost error code in the chain, or ErrInternal.
func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrInternal
}

// IsRetryable reports whether err may succeed when attempted again unchanged.
// Validation failures and errors marked permanent anywhere in the chain are not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	for e := err; e != nil; {
		var appErr *AppError
		if !stderrors.As(e, &appErr) {
			break
		}
		if appErr.Permanent || appErr.Code == ErrValidation {
			return false
		}
		e = appErr.Err
	}
	return true
}
