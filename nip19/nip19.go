package nip19

import (
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcutil/bech32"
)

// EncodePrivateKey encodes a hex secret key as an "nsec" bech32 string.
func EncodePrivateKey(privateKeyHex string) (string, error) {
	b, err := hex.DecodeString(privateKeyHex)
	if err != nil {
		return "", fmt.Errorf("failed to decode private key hex: %w", err)
	}
	return encode("nsec", b)
}

// EncodePublicKey encodes a hex public key as an "npub" bech32 string.
func EncodePublicKey(publicKeyHex string) (string, error) {
	b, err := hex.DecodeString(publicKeyHex)
	if err != nil {
		return "", fmt.Errorf("failed to decode public key hex: %w", err)
	}
	return encode("npub", b)
}

// Decode decodes an "npub" or "nsec" bech32 string, returning the prefix
// and the 32-byte value as hex.
func Decode(bech32string string) (prefix string, value string, err error) {
	prefix, bits5, err := bech32.DecodeNoLimit(bech32string)
	if err != nil {
		return "", "", err
	}

	data, err := bech32.ConvertBits(bits5, 5, 8, false)
	if err != nil {
		return prefix, "", fmt.Errorf("failed translating data into 8 bits: %w", err)
	}

	if len(data) < 32 {
		return prefix, "", fmt.Errorf("data is less than 32 bytes (%d)", len(data))
	}

	switch prefix {
	case "npub", "nsec":
		return prefix, hex.EncodeToString(data[0:32]), nil
	default:
		return prefix, "", fmt.Errorf("unknown prefix '%s'", prefix)
	}
}

func encode(prefix string, data []byte) (string, error) {
	bits5, err := bech32.ConvertBits(data, 8, 5, true)
	if err != nil {
		return "", err
	}
	return bech32.Encode(prefix, bits5)
}
