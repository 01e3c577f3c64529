package types

import "errors"

// Error kinds surfaced to callers. Workers match these with errors.Is to
// decide between retry, relogin and plain failure.
var (
	// ErrAuthRequired means there is no valid token and no usable refresh
	// token. The group must log in again.
	ErrAuthRequired = errors.New("auth required")

	// ErrAuthTransient means a token refresh failed with a network error or
	// was rejected for a reason other than invalid_grant. The caller may retry.
	ErrAuthTransient = errors.New("auth transient failure")

	// ErrRateLimited maps HTTP 429 from the provider.
	ErrRateLimited = errors.New("provider rate limited")

	// ErrProvider covers any other non-2xx provider response.
	ErrProvider = errors.New("provider error")

	// ErrStoreUnavailable means the pool was exhausted and the ephemeral
	// connection also failed.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrQueueUnavailable means the broker is unreachable. Nothing was
	// popped, so no data is lost.
	ErrQueueUnavailable = errors.New("queue unavailable")

	// ErrCancelled is returned when a task observes its cancellation.
	ErrCancelled = errors.New("cancelled")
)
