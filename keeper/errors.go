package keeper

import "errors"

var (
	// ErrMalformedToken indicates that no expiry claim could be read from a token.
	ErrMalformedToken = errors.New("malformed token")

	// ErrAuthFailure indicates that the backend rejected the refresh token.
	// Transport implementations wrap their errors with it for 401/403 responses.
	ErrAuthFailure = errors.New("refresh token rejected")

	// ErrMissingAccessToken indicates a successful refresh response without an access token.
	ErrMissingAccessToken = errors.New("refresh response has no access token")

	// ErrRetriesExhausted indicates that transient failures exceeded the retry ceiling.
	ErrRetriesExhausted = errors.New("refresh retries exhausted")

	// ErrTerminated is returned when starting a controller that has already been stopped.
	ErrTerminated = errors.New("controller terminated")

	// ErrNoSession indicates that no session is stored under the requested key.
	ErrNoSession = errors.New("no session found")
)

// IsAuthFailure reports whether err means the refresh token is no longer usable.
func IsAuthFailure(err error) bool {
	return errors.Is(err, ErrAuthFailure)
}
