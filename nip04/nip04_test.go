package nip04

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keywarden/keywarden"
)

func TestSharedSecretIsSymmetric(t *testing.T) {
	sk1 := keywarden.GenerateSecretKey()
	sk2 := keywarden.GenerateSecretKey()
	pk1, err := keywarden.GetPublicKey(sk1)
	require.NoError(t, err)
	pk2, err := keywarden.GetPublicKey(sk2)
	require.NoError(t, err)

	shared1, err := ComputeSharedSecret(pk2, sk1)
	require.NoError(t, err)
	shared2, err := ComputeSharedSecret(pk1, sk2)
	require.NoError(t, err)

	assert.Equal(t, shared1, shared2)
	assert.Len(t, shared1, 32)
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	sk1 := keywarden.GenerateSecretKey()
	sk2 := keywarden.GenerateSecretKey()
	pk2, _ := keywarden.GetPublicKey(sk2)
	shared, err := ComputeSharedSecret(pk2, sk1)
	require.NoError(t, err)

	for _, message := range []string{
		"hello",
		"",
		"exactly sixteen!",
		strings.Repeat("lorem ipsum ", 100),
		"emojis 🤙 and ünïcödé",
	} {
		ciphertext, err := Encrypt(message, shared)
		require.NoError(t, err)
		assert.Contains(t, ciphertext, "?iv=")

		plaintext, err := Decrypt(ciphertext, shared)
		require.NoError(t, err)
		assert.Equal(t, message, plaintext)
	}
}

func TestDecryptWithWrongKeyFails(t *testing.T) {
	sk1 := keywarden.GenerateSecretKey()
	sk2 := keywarden.GenerateSecretKey()
	pk2, _ := keywarden.GetPublicKey(sk2)
	shared, _ := ComputeSharedSecret(pk2, sk1)

	ciphertext, err := Encrypt("very private", shared)
	require.NoError(t, err)

	other := make([]byte, 32)
	copy(other, shared)
	other[0] ^= 0xff
	plaintext, err := Decrypt(ciphertext, other)
	if err == nil {
		// CBC has no authentication: a wrong key may still yield valid
		// padding, but never the original plaintext
		assert.NotEqual(t, "very private", plaintext)
	}
}

func TestDecryptMalformed(t *testing.T) {
	shared := make([]byte, 32)
	for _, content := range []string{
		"",
		"noiv",
		"notbase64!!?iv=notbase64!!",
		"AAAA?iv=AAAA", // iv too short
	} {
		_, err := Decrypt(content, shared)
		assert.ErrorIs(t, err, ErrDecryptionFailed, "content %q", content)
	}
}
