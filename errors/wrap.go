package errors

import (
	"context"
	"errors"
)

// Wrap wraps an error with additional context while preserving the error chain.
// If err is nil, Wrap returns nil.
// If err is already an *Error, its code, bucket and route are kept.
// Context errors map to TIMEOUT and CANCELED; everything else becomes INTERNAL.
func Wrap(err error, message string, opts ...Option) *Error {
	if err == nil {
		return nil
	}

	var de *Error
	if errors.As(err, &de) {
		wrapped := &Error{
			code:      de.code,
			category:  de.category,
			message:   message,
			cause:     err,
			metadata:  de.Metadata(),
			retryable: de.retryable,
			timestamp: de.timestamp,
			bucket:    de.bucket,
			route:     de.route,
		}
		for _, opt := range opts {
			opt(wrapped)
		}
		return wrapped
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return New(ErrCodeTimeout, message, append(opts, WithCause(err))...)
	}
	if errors.Is(err, context.Canceled) {
		return New(ErrCodeCanceled, message, append(opts, WithCause(err))...)
	}

	return New(ErrCodeInternal, message, append(opts, WithCause(err))...)
}

// WrapWithCode wraps an error with a specific error code.
func WrapWithCode(err error, code ErrorCode, message string, opts ...Option) *Error {
	if err == nil {
		return nil
	}
	opts = append(opts, WithCause(err))
	return New(code, message, opts...)
}

// AsDispatchError extracts a DispatchError from an error chain.
// Returns nil if none is found.
func AsDispatchError(err error) DispatchError {
	var de *Error
	if errors.As(err, &de) {
		return de
	}
	return nil
}

// Is checks if any error in the chain has the given error code.
func Is(err error, code ErrorCode) bool {
	var de *Error
	if errors.As(err, &de) {
		return de.code == code
	}
	return false
}

// IsCategory checks if any error in the chain has the given category.
func IsCategory(err error, category ErrorCategory) bool {
	var de *Error
	if errors.As(err, &de) {
		return de.category == category
	}
	return false
}

// IsRetryable checks if the error is retryable.
// Errors outside the taxonomy are treated as not retryable.
func IsRetryable(err error) bool {
	var de *Error
	if errors.As(err, &de) {
		return de.Retryable()
	}
	return false
}

// IsCanceled reports whether err is a CANCELED error.
func IsCanceled(err error) bool {
	return Is(err, ErrCodeCanceled)
}

// IsClosed reports whether err is a DISPATCHER_CLOSED error.
func IsClosed(err error) bool {
	return Is(err, ErrCodeClosed)
}

// IsRateLimited reports whether err is a RATE_LIMITED error.
func IsRateLimited(err error) bool {
	return Is(err, ErrCodeRateLimit)
}

// Code extracts the error code from an error, if available.
func Code(err error) ErrorCode {
	var de *Error
	if errors.As(err, &de) {
		return de.code
	}
	return ""
}
