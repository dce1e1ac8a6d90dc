// Package cryptobox seals 32-byte secrets under a password.
//
// The record layout is fixed so that files stay loadable across
// implementations: version(1) | log2 scrypt rounds(1) | salt(16) |
// nonce(24) | security tag(1, authenticated as associated data) |
// ciphertext+tag(48), 91 bytes total. Key derivation is scrypt with
// r=8, p=1 over the NFKC-normalized password; the cipher is
// XChaCha20-Poly1305.
package cryptobox

import (
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/scrypt"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

const (
	version byte = 0x01

	// DefaultLogN is the default scrypt work factor (N = 2^13).
	DefaultLogN uint8 = 13

	// maxLogN bounds the work factor accepted from a stored record so a
	// corrupted or hostile header cannot demand absurd amounts of memory.
	maxLogN uint8 = 22

	recordSize = 1 + 1 + 16 + 24 + 1 + 32 + 16
)

var (
	ErrUnsupportedVersion   = errors.New("cryptobox: unsupported record version")
	ErrMalformedRecord      = errors.New("cryptobox: malformed record")
	ErrAuthenticationFailed = errors.New("cryptobox: authentication failed")
)

// Seal encrypts a 32-byte secret under the password, with a random salt
// and nonce. The securityTag byte is stored in the clear but bound to
// the ciphertext as associated data.
func Seal(secret []byte, password string, logn uint8, securityTag byte) ([]byte, error) {
	if len(secret) != 32 {
		return nil, fmt.Errorf("%w: secret must be 32 bytes", ErrMalformedRecord)
	}
	if logn < 1 || logn > maxLogN {
		return nil, fmt.Errorf("%w: bad work factor %d", ErrMalformedRecord, logn)
	}

	record := make([]byte, recordSize)
	record[0] = version
	record[1] = byte(logn)
	salt := record[2 : 2+16]
	nonce := record[2+16 : 2+16+24]
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to read salt: %w", err)
	}
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to read nonce: %w", err)
	}
	ad := record[2+16+24 : 2+16+24+1]
	ad[0] = securityTag

	key, err := deriveKey(password, salt, logn)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key)
	zero(key)
	if err != nil {
		return nil, fmt.Errorf("failed to start xchacha20poly1305: %w", err)
	}

	aead.Seal(record[:2+16+24+1], nonce, secret, ad)
	return record, nil
}

// Open decrypts a record produced by Seal, returning the secret and the
// security tag. Any bit flip in the record makes it fail with
// ErrAuthenticationFailed; a wrong password does the same.
func Open(record []byte, password string) (secret []byte, securityTag byte, err error) {
	if len(record) < recordSize {
		return nil, 0, ErrMalformedRecord
	}
	if record[0] != version {
		return nil, 0, fmt.Errorf("%w: 0x%02x", ErrUnsupportedVersion, record[0])
	}

	logn := record[1]
	if logn < 1 || logn > maxLogN {
		return nil, 0, fmt.Errorf("%w: bad work factor %d", ErrMalformedRecord, logn)
	}
	salt := record[2 : 2+16]
	nonce := record[2+16 : 2+16+24]
	ad := record[2+16+24 : 2+16+24+1]
	ciphertext := record[2+16+24+1:]

	key, err := deriveKey(password, salt, logn)
	if err != nil {
		return nil, 0, err
	}
	aead, err := chacha20poly1305.NewX(key)
	zero(key)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to start xchacha20poly1305: %w", err)
	}

	secret, err = aead.Open(nil, nonce, ciphertext, ad)
	if err != nil {
		return nil, 0, ErrAuthenticationFailed
	}
	return secret, ad[0], nil
}

// deriveKey stretches the password into a 32-byte key. The password is
// NFKC-normalized first so that visually identical passwords typed on
// different systems derive the same key. Callers must zero the result.
func deriveKey(password string, salt []byte, logn uint8) ([]byte, error) {
	normalized, _, err := transform.Bytes(norm.NFKC, []byte(password))
	if err != nil {
		return nil, fmt.Errorf("failed to normalize password: %w", err)
	}

	key, err := scrypt.Key(normalized, salt, 1<<int(logn), 8, 1, 32)
	zero(normalized)
	if err != nil {
		return nil, fmt.Errorf("failed to compute key with scrypt: %w", err)
	}
	return key, nil
}

// Zero overwrites b. Used for secrets and derived keys, on success and
// error paths alike.
func Zero(b []byte) { zero(b) }

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
