// Package errors provides the error taxonomy shared by the sync core.
package errors

import (
	"context"
	stderrors "errors"
	"fmt"
)

// ErrorCode represents a unique error code surfaced to callers and UI layers.
type ErrorCode string

const (
	// General errors
	ErrInternal   ErrorCode = "INTERNAL_ERROR"
	ErrInvalid    ErrorCode = "INVALID_INPUT"
	ErrNotFound   ErrorCode = "NOT_FOUND"
	ErrValidation ErrorCode = "VALIDATION_ERROR"

	// Storage errors
	ErrLocalStore      ErrorCode = "LOCAL_STORE_ERROR"
	ErrSchemaMigration ErrorCode = "SCHEMA_MIGRATION_FAILED"
	ErrQueuePersist    ErrorCode = "QUEUE_PERSIST_FAILED"

	// Sync errors
	ErrNetworkUnavailable ErrorCode = "NETWORK_UNAVAILABLE"
	ErrRemote             ErrorCode = "REMOTE_ERROR"
	ErrTimeout            ErrorCode = "TIMEOUT"
	ErrMaxRetriesExceeded ErrorCode = "MAX_RETRIES_EXCEEDED"
	// ErrQueued marks a mutation whose local half committed and whose
	// remote half failed and is waiting in the operation queue.
	ErrQueued ErrorCode = "OPERATION_QUEUED"

	// Migration errors
	ErrMigrationFailed    ErrorCode = "MIGRATION_FAILED"
	ErrMigrationExhausted ErrorCode = "MIGRATION_EXHAUSTED"
)

// AppError represents an application error with code and message.
type AppError struct {
	Code    ErrorCode
	Message string
	Err     error
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

// Newf creates a new AppError with a formatted message.
func Newf(code ErrorCode, format string, args ...interface{}) *AppError {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap wraps an existing error with an error code.
func Wrap(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// MaxRetriesError is returned once a retried operation has used up its budget.
type MaxRetriesError struct {
	OperationID string
	Attempts    int
	Err         error
}

// Error implements the error interface.
func (e *MaxRetriesError) Error() string {
	return fmt.Sprintf("[%s] operation %s gave up after %d attempts: %v",
		ErrMaxRetriesExceeded, e.OperationID, e.Attempts, e.Err)
}

// Unwrap returns the last error seen by the retried operation.
func (e *MaxRetriesError) Unwrap() error {
	return e.Err
}

// MaxRetries builds a MaxRetriesError.
func MaxRetries(operationID string, attempts int, last error) *MaxRetriesError {
	return &MaxRetriesError{OperationID: operationID, Attempts: attempts, Err: last}
}

// Is reports whether any error in err's chain carries the given code.
func Is(err error, code ErrorCode) bool {
	for e := err; e != nil; e = stderrors.Unwrap(e) {
		switch v := e.(type) {
		case *AppError:
			if v.Code == code {
				return true
			}
		case *MaxRetriesError:
			if code == ErrMaxRetriesExceeded {
				return true
			}
		}
	}
	return false
}

// CodeOf returns the outermost code in err's chain, or ErrInternal.
func CodeOf(err error) ErrorCode {
	for e := err; e != nil; e = stderrors.Unwrap(e) {
		switch v := e.(type) {
		case *AppError:
			return v.Code
		case *MaxRetriesError:
			return ErrMaxRetriesExceeded
		}
	}
	return ErrInternal
}

// IsRetryable classifies err for the retry controller. Validation, local
// store and exhausted-retry errors are terminal; network, remote and timeout
// failures are retryable. Errors without a code are treated as remote noise.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if stderrors.Is(err, context.Canceled) {
		return false
	}
	if stderrors.Is(err, context.DeadlineExceeded) {
		return true
	}

	for e := err; e != nil; e = stderrors.Unwrap(e) {
		switch v := e.(type) {
		case *MaxRetriesError:
			return false
		case *AppError:
			switch v.Code {
			case ErrNetworkUnavailable, ErrRemote, ErrTimeout:
				return true
			case ErrValidation, ErrInvalid, ErrLocalStore, ErrNotFound,
				ErrMigrationFailed, ErrMigrationExhausted, ErrSchemaMigration:
				return false
			}
		}
	}
	return true
}
