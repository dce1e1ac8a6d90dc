package vault

import "errors"

var (
	// ErrInvalidKeyFormat is returned when an imported key is neither
	// 32-byte hex nor a valid bech32 (nsec/npub) string.
	ErrInvalidKeyFormat = errors.New("vault: invalid key format")

	// ErrPolicyViolation is returned when an operation conflicts with the
	// chosen security level, or a guarded operation runs unconfirmed.
	ErrPolicyViolation = errors.New("vault: operation violates security policy")

	// ErrNoRecordFound is returned by Load when storage holds no vault
	// record. This is a normal, recoverable condition.
	ErrNoRecordFound = errors.New("vault: no record found in storage")

	// ErrWrongPassword is returned by Unlock when decryption fails
	// authentication. The vault stays locked and Unlock can be retried.
	ErrWrongPassword = errors.New("vault: wrong password")

	// ErrSigningUnavailable is returned when signing or shared-secret
	// derivation is requested without an unlocked secret key.
	ErrSigningUnavailable = errors.New("vault: signing unavailable")

	// ErrUnsupportedVaultVersion is returned when a stored record carries
	// a format version this implementation does not know.
	ErrUnsupportedVaultVersion = errors.New("vault: unsupported vault record version")

	// ErrKeyNotSet is returned when an operation needs an identity and
	// none is present.
	ErrKeyNotSet = errors.New("vault: no key set")
)
