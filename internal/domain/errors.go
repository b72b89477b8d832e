package domain

import "errors"

var (
	// ErrAuthExpired means token refresh failed; that user's sync is skipped
	// without failing the batch.
	ErrAuthExpired = errors.New("vendor authorization expired")
	// ErrVendorUnavailable means an HTTP failure on a single vendor stream;
	// the stream yields an empty result and sibling streams still attempt.
	ErrVendorUnavailable = errors.New("vendor api unavailable")
	// ErrUserNotFound is returned when a sync targets an unknown user.
	ErrUserNotFound = errors.New("user not found")
	// ErrNoCredentials is returned when a user has no stored grant for a source.
	ErrNoCredentials = errors.New("no credentials for source")
)
