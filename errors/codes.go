package errors

// ErrorCategory classifies errors by how a caller should react to them.
type ErrorCategory string

// Error categories.
const (
	// CategoryTransient indicates a failure where a later attempt may succeed.
	// Examples: transport timeouts, connection resets.
	CategoryTransient ErrorCategory = "transient"

	// CategoryPermanent indicates a failure a retry will not fix.
	// Examples: malformed requests, cancelled work, a closed dispatcher.
	CategoryPermanent ErrorCategory = "permanent"

	// CategoryResource indicates quota exhaustion.
	// Examples: rate limits that could not be absorbed locally.
	CategoryResource ErrorCategory = "resource"

	// CategoryInternal indicates a bug or corrupted state.
	CategoryInternal ErrorCategory = "internal"
)

// String returns the string representation of the category.
func (c ErrorCategory) String() string {
	return string(c)
}

// IsRetryable returns true if errors in this category may succeed on retry.
func (c ErrorCategory) IsRetryable() bool {
	switch c {
	case CategoryTransient, CategoryResource:
		return true
	default:
		return false
	}
}

// ErrorCode identifies a specific failure within a category.
type ErrorCode string

// Error codes surfaced by the dispatcher and its transports.
const (
	ErrCodeTimeout   ErrorCode = "TIMEOUT"   // Deadline passed while queued or in flight
	ErrCodeTransport ErrorCode = "TRANSPORT" // Network error or non-2xx response

	ErrCodeCanceled     ErrorCode = "CANCELED"          // Caller, parent or clear-epoch cancellation
	ErrCodeClosed       ErrorCode = "DISPATCHER_CLOSED" // Submitted after shutdown
	ErrCodeInvalidInput ErrorCode = "INVALID_INPUT"     // Request could not be routed

	ErrCodeRateLimit ErrorCode = "RATE_LIMITED" // Rate limit not absorbed locally

	ErrCodeInternal ErrorCode = "INTERNAL" // Unexpected internal error
)

// String returns the string representation of the error code.
func (c ErrorCode) String() string {
	return string(c)
}

// DefaultCategory returns the default category for an error code.
func (c ErrorCode) DefaultCategory() ErrorCategory {
	switch c {
	case ErrCodeTimeout, ErrCodeTransport:
		return CategoryTransient
	case ErrCodeCanceled, ErrCodeClosed, ErrCodeInvalidInput:
		return CategoryPermanent
	case ErrCodeRateLimit:
		return CategoryResource
	default:
		return CategoryInternal
	}
}

var codeDescriptions = map[ErrorCode]string{
	ErrCodeTimeout:      "operation timed out",
	ErrCodeTransport:    "transport failure",
	ErrCodeCanceled:     "operation canceled",
	ErrCodeClosed:       "dispatcher closed",
	ErrCodeInvalidInput: "invalid request",
	ErrCodeRateLimit:    "rate limit exceeded",
	ErrCodeInternal:     "internal error",
}

// Description returns a human-readable description for the error code.
func (c ErrorCode) Description() string {
	if desc, ok := codeDescriptions[c]; ok {
		return desc
	}
	return "unknown error"
}
