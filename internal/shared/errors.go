package shared

import "errors"

var (
	// ErrNotFound indicates resource not found.
	ErrNotFound = errors.New("not found")
	// ErrInvalidCredentials indicates login failure.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrDuplicateAccount indicates a unique-email conflict on insert.
	ErrDuplicateAccount = errors.New("account already exists")
	// ErrDeliveryFailed indicates the mail collaborator rejected a message.
	// State changes preceding delivery are kept.
	ErrDeliveryFailed = errors.New("delivery failed")
	// ErrInvalidOrExpiredToken indicates a reset token that is unknown,
	// already redeemed, or past its expiry.
	ErrInvalidOrExpiredToken = errors.New("invalid or expired token")
	// ErrStoreUnavailable indicates the backing store could not serve the operation.
	ErrStoreUnavailable = errors.New("store unavailable")
	// ErrCSRFTokenMissing occurs when CSRF token missing.
	ErrCSRFTokenMissing = errors.New("csrf token missing")
	// ErrCSRFTokenMismatch occurs when CSRF tokens do not match.
	ErrCSRFTokenMismatch = errors.New("csrf token mismatch")
)
