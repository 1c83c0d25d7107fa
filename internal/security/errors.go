package security

import "errors"

// Sentinel errors for authentication and encryption operations.
var (
	// ErrDecryptFailed indicates the security block did not verify: bad GCM
	// tag, unknown key, or mismatched associated data. The payload must not
	// be processed.
	ErrDecryptFailed = errors.New("decrypt failed")

	// ErrNotEncrypted indicates DecryptEnvelope was called on an envelope
	// without a security block.
	ErrNotEncrypted = errors.New("envelope is not encrypted")

	// ErrUnknownKey indicates the key id is not in the keystore or its
	// grace period has lapsed.
	ErrUnknownKey = errors.New("unknown encryption key")

	// ErrTokenInvalid indicates a token failed signature, expiry, or claim
	// validation.
	ErrTokenInvalid = errors.New("token invalid")

	// ErrCertInvalid indicates a certificate failed PEM parsing or CA chain
	// verification.
	ErrCertInvalid = errors.New("certificate invalid")

	// ErrCertDenied indicates the certificate fingerprint is on the denylist.
	ErrCertDenied = errors.New("certificate denied")
)
