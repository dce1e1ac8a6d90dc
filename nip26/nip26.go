// Package nip26 builds and validates delegation tags: a delegator
// authorizes a delegatee to publish events on its behalf within a
// conditions window. Pure transforms over key material, no state.
package nip26

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcec/v2/schnorr"

	"github.com/keywarden/keywarden"
)

// ErrVerificationFailed is returned when a delegation token signature
// does not check out.
var ErrVerificationFailed = errors.New("nip26: delegation signature verification failed")

// Conditions restricts what a delegation authorizes.
type Conditions struct {
	Kinds []int
	Since *time.Time
	Until *time.Time
}

// String renders the conditions query string, e.g.
// "kind=1&created_at>1676067553&created_at<1678659553".
func (c Conditions) String() string {
	var parts []string
	for _, k := range c.Kinds {
		parts = append(parts, fmt.Sprintf("kind=%d", k))
	}
	if c.Since != nil {
		parts = append(parts, fmt.Sprintf("created_at>%d", c.Since.Unix()))
	}
	if c.Until != nil {
		parts = append(parts, fmt.Sprintf("created_at<%d", c.Until.Unix()))
	}
	return strings.Join(parts, "&")
}

// ValidFor is a convenience for building a window starting now and
// lasting the given number of days.
func (c Conditions) ValidFor(days int) Conditions {
	now := time.Now()
	until := now.Add(time.Duration(days) * 24 * time.Hour)
	c.Since = &now
	c.Until = &until
	return c
}

// ParseConditions parses a conditions query string. Clause order does
// not matter.
func ParseConditions(s string) (Conditions, error) {
	var c Conditions
	if s == "" {
		return c, nil
	}
	for _, clause := range strings.Split(s, "&") {
		switch {
		case strings.HasPrefix(clause, "kind="):
			k, err := strconv.Atoi(clause[len("kind="):])
			if err != nil {
				return c, fmt.Errorf("invalid kind clause '%s'", clause)
			}
			c.Kinds = append(c.Kinds, k)
		case strings.HasPrefix(clause, "created_at>"):
			n, err := strconv.ParseInt(clause[len("created_at>"):], 10, 64)
			if err != nil {
				return c, fmt.Errorf("invalid created_at clause '%s'", clause)
			}
			at := time.Unix(n, 0)
			c.Since = &at
		case strings.HasPrefix(clause, "created_at<"):
			n, err := strconv.ParseInt(clause[len("created_at<"):], 10, 64)
			if err != nil {
				return c, fmt.Errorf("invalid created_at clause '%s'", clause)
			}
			at := time.Unix(n, 0)
			c.Until = &at
		default:
			return c, fmt.Errorf("unknown condition clause '%s'", clause)
		}
	}
	return c, nil
}

// DelegationToken is a parsed, verified-or-buildable delegation tag.
type DelegationToken struct {
	delegator  [32]byte
	sig        [64]byte
	conditions Conditions
	tag        [4]string
}

// Tag returns the wire-format tag:
// ["delegation", delegator-pubkey, conditions, signature].
func (d *DelegationToken) Tag() keywarden.Tag {
	return keywarden.Tag(d.tag[:])
}

func (d *DelegationToken) DelegatorPubKey() string { return d.tag[1] }
func (d *DelegationToken) Conditions() Conditions  { return d.conditions }
func (d *DelegationToken) Signature() string       { return d.tag[3] }

// DelegationString is the exact byte string whose sha256 digest the
// delegator signs.
func DelegationString(delegateePubkey string, conditions string) string {
	return fmt.Sprintf("nostr:delegation:%s:%s", delegateePubkey, conditions)
}

// CreateToken builds a delegation tag for the delegatee. The sign
// callback receives the 32-byte digest and returns a BIP-340 signature;
// the vault's Sign method has exactly that shape, so the delegator's
// secret key never has to leave it.
func CreateToken(
	delegatorPubkey string,
	delegateePubkey string,
	conditions Conditions,
	sign func(digest []byte) ([]byte, error),
) (*DelegationToken, error) {
	if !keywarden.IsValidPublicKeyHex(delegatorPubkey) {
		return nil, fmt.Errorf("invalid delegator pubkey '%s'", delegatorPubkey)
	}
	if !keywarden.IsValidPublicKeyHex(delegateePubkey) {
		return nil, fmt.Errorf("invalid delegatee pubkey '%s'", delegateePubkey)
	}

	condString := conditions.String()
	h := sha256.Sum256([]byte(DelegationString(delegateePubkey, condString)))
	sig, err := sign(h[:])
	if err != nil {
		return nil, fmt.Errorf("failed to sign delegation string: %w", err)
	}
	if len(sig) != 64 {
		return nil, fmt.Errorf("signature must be 64 bytes, got %d", len(sig))
	}

	d := &DelegationToken{conditions: conditions}
	copy(d.sig[:], sig)
	if _, err := hex.Decode(d.delegator[:], []byte(delegatorPubkey)); err != nil {
		return nil, fmt.Errorf("invalid delegator pubkey '%s'", delegatorPubkey)
	}
	d.tag = [4]string{"delegation", delegatorPubkey, condString, hex.EncodeToString(sig)}

	return d, nil
}

// Import verifies that t is a delegation tag for the given delegatee.
// If the token signature verification fails, ErrVerificationFailed is
// returned.
func Import(t keywarden.Tag, delegateePubkey string) (*DelegationToken, error) {
	d := new(DelegationToken)
	if len(t) == 4 && t[0] == "delegation" {
		copy(d.tag[:], t)
	} else {
		return nil, fmt.Errorf("not a delegation tag")
	}
	if n, err := hex.Decode(d.delegator[:], []byte(d.tag[1])); n != 32 || err != nil {
		return nil, fmt.Errorf("invalid delegation tag")
	}
	if n, err := hex.Decode(d.sig[:], []byte(d.tag[3])); n != 64 || err != nil {
		return nil, fmt.Errorf("invalid delegation tag")
	}
	var err error
	if d.conditions, err = ParseConditions(d.tag[2]); err != nil {
		return nil, fmt.Errorf("invalid conditions string: %w", err)
	}

	h := sha256.Sum256([]byte(DelegationString(delegateePubkey, d.tag[2])))

	sig, err := schnorr.ParseSignature(d.sig[:])
	if err != nil {
		return nil, fmt.Errorf("failed to parse signature: %w", err)
	}
	pubkey, err := schnorr.ParsePubKey(d.delegator[:])
	if err != nil {
		return nil, fmt.Errorf("failed to parse delegator pubkey: %w", err)
	}
	if !sig.Verify(h[:], pubkey) {
		return nil, ErrVerificationFailed
	}
	return d, nil
}

// CheckEvent reports whether an event falls inside the token's
// conditions window.
func (d *DelegationToken) CheckEvent(evt *keywarden.Event) error {
	if len(d.conditions.Kinds) > 0 {
		allowed := false
		for _, k := range d.conditions.Kinds {
			if evt.Kind == k {
				allowed = true
				break
			}
		}
		if !allowed {
			return fmt.Errorf("event kind %d is not allowed by the delegation conditions", evt.Kind)
		}
	}
	if d.conditions.Since != nil && evt.CreatedAt.Time().Before(*d.conditions.Since) {
		return fmt.Errorf("event is created before the delegation conditions allow")
	}
	if d.conditions.Until != nil && evt.CreatedAt.Time().After(*d.conditions.Until) {
		return fmt.Errorf("event is created after the delegation conditions allow")
	}
	return nil
}
