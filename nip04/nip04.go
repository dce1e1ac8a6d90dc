package nip04

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// ErrDecryptionFailed covers any failure to recover the plaintext of a
// NIP-04 payload: wrong key, malformed payload or bad padding.
var ErrDecryptionFailed = errors.New("nip04: decryption failed")

// ComputeSharedSecret returns the ECDH shared secret between a hex
// secret key and an x-only hex public key: the x coordinate of the
// shared point, 32 bytes.
func ComputeSharedSecret(pub string, sk string) ([]byte, error) {
	privKeyBytes, err := hex.DecodeString(sk)
	if err != nil {
		return nil, fmt.Errorf("invalid secret key: %w", err)
	}
	privKey := secp256k1.PrivKeyFromBytes(privKeyBytes)
	defer privKey.Zero()

	// the "02" prefix restores the compressed form of the x-only key
	pubKeyBytes, err := hex.DecodeString("02" + pub)
	if err != nil {
		return nil, fmt.Errorf("invalid public key '%s': %w", pub, err)
	}
	pubKey, err := secp256k1.ParsePubKey(pubKeyBytes)
	if err != nil {
		return nil, fmt.Errorf("invalid public key '%s': %w", pub, err)
	}

	return secp256k1.GenerateSharedSecret(privKey, pubKey), nil
}

// Encrypt encrypts a message with a shared secret from
// ComputeSharedSecret, producing the NIP-04 "<ciphertext>?iv=<iv>"
// payload with both parts base64-encoded.
func Encrypt(message string, key []byte) (string, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("failed to create block cipher: %w", err)
	}
	iv := make([]byte, 16)
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("failed to read random iv: %w", err)
	}

	// PKCS#7 padding up to the block size
	plaintext := []byte(message)
	padding := aes.BlockSize - len(plaintext)%aes.BlockSize
	padded := make([]byte, len(plaintext)+padding)
	copy(padded, plaintext)
	for i := len(plaintext); i < len(padded); i++ {
		padded[i] = byte(padding)
	}

	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)

	return base64.StdEncoding.EncodeToString(ciphertext) +
		"?iv=" + base64.StdEncoding.EncodeToString(iv), nil
}

// Decrypt reverses Encrypt. It fails with ErrDecryptionFailed on any
// malformed payload or padding, never returning corrupted plaintext of
// a detectably wrong decryption.
func Decrypt(content string, key []byte) (string, error) {
	parts := strings.Split(content, "?iv=")
	if len(parts) < 2 {
		return "", fmt.Errorf("%w: missing iv", ErrDecryptionFailed)
	}

	ciphertext, err := base64.StdEncoding.DecodeString(parts[0])
	if err != nil {
		return "", fmt.Errorf("%w: invalid base64 ciphertext", ErrDecryptionFailed)
	}
	iv, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil {
		return "", fmt.Errorf("%w: invalid base64 iv", ErrDecryptionFailed)
	}
	if len(iv) != 16 || len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return "", fmt.Errorf("%w: bad payload size", ErrDecryptionFailed)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("failed to create block cipher: %w", err)
	}
	plaintext := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plaintext, ciphertext)

	padding := int(plaintext[len(plaintext)-1])
	if padding == 0 || padding > aes.BlockSize || padding > len(plaintext) {
		return "", fmt.Errorf("%w: invalid padding", ErrDecryptionFailed)
	}
	for _, b := range plaintext[len(plaintext)-padding:] {
		if int(b) != padding {
			return "", fmt.Errorf("%w: invalid padding", ErrDecryptionFailed)
		}
	}

	return string(plaintext[:len(plaintext)-padding]), nil
}
