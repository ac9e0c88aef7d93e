// Package errors provides the structured error taxonomy surfaced by the
// dispatcher and its transports.
//
// # Error Categories
//
//   - Transient: the transport failed; a later attempt may succeed
//   - Permanent: cancelled work, a closed dispatcher, unroutable requests
//   - Resource: a rate limit that could not be absorbed locally
//   - Internal: bugs or corrupted state
//
// Rate limits are normally absorbed inside the dispatcher and never reach a
// caller. RATE_LIMITED only appears when a request opted out of waiting or
// exhausted its retry budget.
//
// # Usage
//
//	err := errors.New(errors.ErrCodeCanceled, "request canceled",
//	    errors.WithBucket(key.String()),
//	    errors.WithCause(context.Cause(ctx)))
//
//	if errors.Is(err, errors.ErrCodeClosed) {
//	    // dispatcher was shut down
//	}
//
// Errors keep the standard library chain intact, so errors.Is(err,
// context.Canceled) from the standard library still works on wrapped causes.
package errors
