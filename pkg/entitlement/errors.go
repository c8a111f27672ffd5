package entitlement

import "errors"

var (
	// ErrConfiguration is returned when trust anchors are unavailable or the catalog is inconsistent
	ErrConfiguration = errors.New("entitlement configuration error")

	// ErrVerificationFailed is returned when a signed transaction cannot be trusted.
	// Re-submitting the same token will not help.
	ErrVerificationFailed = errors.New("transaction verification failed")

	// ErrPersistenceFailed is returned when the entitlement record could not be read or written.
	// The signed token is still valid and may be re-submitted.
	ErrPersistenceFailed = errors.New("entitlement persistence failed")

	// ErrBadRequest is returned for malformed identifiers or missing fields
	ErrBadRequest = errors.New("bad request")

	// ErrRecordNotFound is returned by storage backends when no row exists for a user
	ErrRecordNotFound = errors.New("entitlement record not found")

	// ErrUnknownProduct is returned when a verified product is not in the catalog
	ErrUnknownProduct = errors.New("product not in catalog")

	// ErrInvalidRecord is returned when a backend is asked to store an incomplete record
	ErrInvalidRecord = errors.New("invalid entitlement record")
)
