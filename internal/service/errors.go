package service

import "errors"

// Error kinds surfaced by the key manager. Expected denials (unknown,
// revoked or expired keys, missing permissions) are returned as values,
// not errors; only the kinds below travel through the error path.
var (
	// ErrStoreUnavailable wraps every key store failure other than not-found.
	ErrStoreUnavailable = errors.New("key store unavailable")

	// ErrGenerationFailure is returned when a new key could not be created.
	ErrGenerationFailure = errors.New("api key generation failed")

	// ErrKeyNotFound is returned by administrative operations that address
	// a key which does not exist.
	ErrKeyNotFound = errors.New("api key not found")

	// ErrInvalidArgument rejects malformed administrative input.
	ErrInvalidArgument = errors.New("invalid argument")
)

// Request-level denials used by the access control layer.
var (
	ErrUnauthenticated = errors.New("invalid API key")
	ErrForbidden       = errors.New("insufficient permissions")
	ErrRateLimited     = errors.New("rate limit exceeded")
)
