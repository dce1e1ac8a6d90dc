package keywarden

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
)

// GenerateSecretKey produces a fresh random secret key as 64 lowercase
// hex characters.
func GenerateSecretKey() string {
	sk, err := btcec.NewPrivateKey()
	if err != nil {
		panic(fmt.Errorf("failed to generate secret key: %w", err))
	}
	defer sk.Zero()
	return hex.EncodeToString(sk.Serialize())
}

// GetPublicKey derives the x-only public key for a hex secret key.
func GetPublicKey(sk string) (string, error) {
	b, err := hex.DecodeString(sk)
	if err != nil || len(b) != 32 {
		return "", fmt.Errorf("invalid secret key")
	}

	privKey, pubKey := btcec.PrivKeyFromBytes(b)
	defer privKey.Zero()
	serialized := pubKey.SerializeCompressed()
	return hex.EncodeToString(serialized[1:]), nil
}

func IsValid32ByteHex(thing string) bool {
	if strings.ToLower(thing) != thing {
		return false
	}
	if len(thing) != 64 {
		return false
	}
	_, err := hex.DecodeString(thing)
	return err == nil
}

func IsValidPublicKeyHex(pk string) bool { return IsValid32ByteHex(pk) }
