package scrypto

import "errors"

var (
	// ErrAuthentication means the recomputed tag did not match: wrong
	// password or tampered ciphertext. Nothing was decrypted.
	ErrAuthentication = errors.New("authentication failed")

	// ErrPadding means the tag matched but the decrypted block padding was
	// malformed.
	ErrPadding = errors.New("invalid padding")

	// ErrRandomnessUnavailable is fatal. There is no fallback source.
	ErrRandomnessUnavailable = errors.New("secure randomness unavailable")

	// ErrMaterial rejects salt or iv values of the wrong size before any
	// key derivation happens.
	ErrMaterial = errors.New("malformed cipher material")
)
