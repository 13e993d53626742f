package bastion

import "errors"

var (
	// ErrInvalidConfig is returned when configuration is invalid
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrNoSecret is returned when a signing operation is attempted
	// without a configured fingerprint secret
	ErrNoSecret = errors.New("fingerprint secret not configured")

	// ErrStaleSignature is returned when a fingerprint signature's
	// timestamp falls outside the replay window
	ErrStaleSignature = errors.New("stale fingerprint signature")

	// ErrBadSignature is returned when a fingerprint signature does not
	// match the expected HMAC
	ErrBadSignature = errors.New("invalid fingerprint signature")
)
