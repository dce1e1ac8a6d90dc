// Package vault owns the identity's key material: generation, import,
// encrypted persistence, the lock/unlock lifecycle and signing.
//
// The secret key never leaves the vault in plaintext except through the
// explicitly confirmed RevealSecretKey path; everything else crossing
// the boundary is derived material (public key, signatures, shared
// secrets).
package vault

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"

	"github.com/keywarden/keywarden"
	"github.com/keywarden/keywarden/cryptobox"
	"github.com/keywarden/keywarden/nip04"
	"github.com/keywarden/keywarden/nip19"
)

// State of the vault's key material.
type State int

const (
	// Empty: no identity present.
	Empty State = iota
	// Locked: an encrypted record is loaded but not yet decrypted.
	Locked
	// Unlocked: the secret key is available in memory.
	Unlocked
	// PublicOnly: only a public key is present; signing is unavailable.
	PublicOnly
)

func (s State) String() string {
	switch s {
	case Empty:
		return "empty"
	case Locked:
		return "locked"
	case Unlocked:
		return "unlocked"
	case PublicOnly:
		return "public-only"
	default:
		return "unknown"
	}
}

// SecurityLevel governs whether the secret key may ever be persisted
// and whether an empty encryption password is acceptable. The byte
// value is stored in the vault record as its security tag.
type SecurityLevel byte

const (
	NeverPersist            SecurityLevel = 0x00
	PersistPasswordRequired SecurityLevel = 0x01
	PersistOptionalPassword SecurityLevel = 0x02
)

type KeyVault struct {
	mu sync.Mutex

	state     State
	secretKey []byte // 32 bytes while unlocked, nil otherwise
	publicKey string // hex, while any identity is present
	record    []byte // raw encrypted record while locked
	level     SecurityLevel

	store Storage
	logn  uint8
}

type Option func(*KeyVault)

// WithLogN overrides the scrypt work factor used when saving.
func WithLogN(logn uint8) Option {
	return func(v *KeyVault) { v.logn = logn }
}

func New(store Storage, opts ...Option) *KeyVault {
	v := &KeyVault{
		state: Empty,
		store: store,
		logn:  cryptobox.DefaultLogN,
	}
	for _, apply := range opts {
		apply(v)
	}
	return v
}

func (v *KeyVault) State() State {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.state
}

// PublicKey returns the identity's hex public key, or "" when none is
// known yet.
func (v *KeyVault) PublicKey() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.publicKey
}

// Npub returns the identity's public key in bech32 form, or "".
func (v *KeyVault) Npub() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.publicKey == "" {
		return ""
	}
	npub, err := nip19.EncodePublicKey(v.publicKey)
	if err != nil {
		return ""
	}
	return npub
}

// Generate replaces whatever is present with a fresh random identity
// and leaves the vault unlocked.
func (v *KeyVault) Generate() {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.clearLocked()
	sk, err := btcec.NewPrivateKey()
	if err != nil {
		panic(err)
	}
	v.adoptSecretLocked(sk.Serialize())
	sk.Zero()
}

// ImportSecretKey imports a secret key given as 64 hex characters or an
// "nsec" bech32 string. The public key is always derived from it.
func (v *KeyVault) ImportSecretKey(input string) error {
	input = strings.TrimSpace(input)

	var skHex string
	if strings.HasPrefix(input, "nsec1") {
		prefix, value, err := nip19.Decode(input)
		if err != nil || prefix != "nsec" {
			return ErrInvalidKeyFormat
		}
		skHex = value
	} else {
		skHex = input
	}

	skBytes, err := hex.DecodeString(skHex)
	if err != nil || len(skBytes) != 32 {
		return ErrInvalidKeyFormat
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	v.clearLocked()
	v.adoptSecretLocked(skBytes)
	cryptobox.Zero(skBytes)
	return nil
}

// ImportPublicKey imports a public key given as 64 hex characters or an
// "npub" bech32 string. Signing operations will fail with
// ErrSigningUnavailable afterwards.
func (v *KeyVault) ImportPublicKey(input string) error {
	input = strings.TrimSpace(input)

	var pkHex string
	if strings.HasPrefix(input, "npub1") {
		prefix, value, err := nip19.Decode(input)
		if err != nil || prefix != "npub" {
			return ErrInvalidKeyFormat
		}
		pkHex = value
	} else {
		pkHex = strings.ToLower(input)
	}

	pkBytes, err := hex.DecodeString(pkHex)
	if err != nil || len(pkBytes) != 32 {
		return ErrInvalidKeyFormat
	}
	if _, err := schnorr.ParsePubKey(pkBytes); err != nil {
		return ErrInvalidKeyFormat
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	v.clearLocked()
	v.publicKey = pkHex
	v.state = PublicOnly
	return nil
}

// Save encrypts the secret key under the password and writes the vault
// record, plus the public-key sidecar. With NeverPersist it is a no-op.
// With PersistPasswordRequired an empty password is a policy violation.
func (v *KeyVault) Save(password string, level SecurityLevel) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if level == NeverPersist {
		return nil
	}
	if level == PersistPasswordRequired && password == "" {
		return ErrPolicyViolation
	}

	if v.publicKey == "" {
		return ErrKeyNotSet
	}
	npub, err := nip19.EncodePublicKey(v.publicKey)
	if err != nil {
		return err
	}
	if err := v.store.WritePublicKey(npub); err != nil {
		return err
	}

	if v.secretKey == nil {
		// public-only identity: the sidecar is all there is to save
		return nil
	}

	record, err := cryptobox.Seal(v.secretKey, password, v.logn, byte(level))
	if err != nil {
		return err
	}
	encoded := make([]byte, hex.EncodedLen(len(record)))
	hex.Encode(encoded, record)
	return v.store.WriteRecord(encoded)
}

// Load reads the vault record from storage. On success the vault is
// Locked; Unlock must follow. A missing record yields ErrNoRecordFound.
func (v *KeyVault) Load() error {
	v.mu.Lock()
	defer v.mu.Unlock()

	encoded, err := v.store.ReadRecord()
	if err != nil {
		return err
	}

	record, err := hex.DecodeString(strings.TrimSpace(string(encoded)))
	if err != nil || len(record) < 2 {
		return ErrInvalidKeyFormat
	}
	if record[0] != 0x01 {
		return ErrUnsupportedVaultVersion
	}

	v.clearLocked()
	v.record = record
	v.state = Locked

	// the sidecar lets the UI show who this vault belongs to before it
	// is unlocked
	if npub, err := v.store.ReadPublicKey(); err == nil {
		if prefix, value, err := nip19.Decode(strings.TrimSpace(npub)); err == nil && prefix == "npub" {
			v.publicKey = value
		}
	}
	return nil
}

// Unlock decrypts the loaded record. A failed authentication yields
// ErrWrongPassword and the vault stays Locked, ready for a retry.
func (v *KeyVault) Unlock(password string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.state != Locked {
		return ErrNoRecordFound
	}

	secret, tag, err := cryptobox.Open(v.record, password)
	switch {
	case errors.Is(err, cryptobox.ErrAuthenticationFailed):
		return ErrWrongPassword
	case errors.Is(err, cryptobox.ErrUnsupportedVersion):
		return ErrUnsupportedVaultVersion
	case err != nil:
		return err
	}
	if len(secret) != 32 {
		cryptobox.Zero(secret)
		return ErrInvalidKeyFormat
	}

	v.record = nil
	v.level = SecurityLevel(tag)
	v.adoptSecretLocked(secret)
	cryptobox.Zero(secret)
	return nil
}

// Clear zeroizes the secret-key memory and resets the vault to Empty.
// Safe to call from any state.
func (v *KeyVault) Clear() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.clearLocked()
}

// RevealSecretKey returns the secret key as an "nsec" string. The
// confirmed flag must reflect an explicit user confirmation; the vault
// state does not change.
func (v *KeyVault) RevealSecretKey(confirmed bool) (string, error) {
	if !confirmed {
		return "", ErrPolicyViolation
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if v.secretKey == nil {
		return "", ErrKeyNotSet
	}
	return nip19.EncodePrivateKey(hex.EncodeToString(v.secretKey))
}

// Sign produces a BIP-340 signature over a 32-byte digest. Signing is
// serialized on the vault so concurrent requests cannot interleave.
func (v *KeyVault) Sign(digest []byte) ([]byte, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.state != Unlocked {
		return nil, ErrSigningUnavailable
	}
	if len(digest) != 32 {
		return nil, errors.New("vault: digest must be 32 bytes")
	}

	sk, _ := btcec.PrivKeyFromBytes(v.secretKey)
	defer sk.Zero()
	sig, err := schnorr.Sign(sk, digest)
	if err != nil {
		return nil, err
	}
	return sig.Serialize(), nil
}

// SignEvent fills in the event's PubKey, ID and Sig.
func (v *KeyVault) SignEvent(evt *keywarden.Event) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.state != Unlocked {
		return ErrSigningUnavailable
	}

	if evt.Tags == nil {
		evt.Tags = make(keywarden.Tags, 0)
	}
	evt.PubKey = v.publicKey

	h := sha256.Sum256(evt.Serialize())
	sk, _ := btcec.PrivKeyFromBytes(v.secretKey)
	defer sk.Zero()
	sig, err := schnorr.Sign(sk, h[:])
	if err != nil {
		return err
	}

	evt.ID = hex.EncodeToString(h[:])
	evt.Sig = hex.EncodeToString(sig.Serialize())
	return nil
}

// SharedSecret derives the ECDH shared secret between this identity and
// a remote public key. Only this derived material crosses the vault
// boundary, never the secret key itself.
func (v *KeyVault) SharedSecret(peerPubKey string) ([]byte, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.state != Unlocked {
		return nil, ErrSigningUnavailable
	}
	return nip04.ComputeSharedSecret(peerPubKey, hex.EncodeToString(v.secretKey))
}

// Nip04Encrypt encrypts plaintext for a third-party public key.
func (v *KeyVault) Nip04Encrypt(peerPubKey string, plaintext string) (string, error) {
	shared, err := v.SharedSecret(peerPubKey)
	if err != nil {
		return "", err
	}
	defer cryptobox.Zero(shared)
	return nip04.Encrypt(plaintext, shared)
}

// Nip04Decrypt decrypts a payload sent by a third-party public key.
func (v *KeyVault) Nip04Decrypt(peerPubKey string, ciphertext string) (string, error) {
	shared, err := v.SharedSecret(peerPubKey)
	if err != nil {
		return "", err
	}
	defer cryptobox.Zero(shared)
	return nip04.Decrypt(ciphertext, shared)
}

// callers hold v.mu
func (v *KeyVault) clearLocked() {
	cryptobox.Zero(v.secretKey)
	cryptobox.Zero(v.record)
	v.secretKey = nil
	v.record = nil
	v.publicKey = ""
	v.level = NeverPersist
	v.state = Empty
}

// adoptSecretLocked copies skBytes in, derives the public key and moves
// to Unlocked. Callers hold v.mu and must zeroize their own copy.
func (v *KeyVault) adoptSecretLocked(skBytes []byte) {
	sk, pk := btcec.PrivKeyFromBytes(skBytes)
	defer sk.Zero()
	serialized := pk.SerializeCompressed()

	v.secretKey = make([]byte, 32)
	copy(v.secretKey, skBytes)
	v.publicKey = hex.EncodeToString(serialized[1:])
	v.state = Unlocked
}
