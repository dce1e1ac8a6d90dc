package signer

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/keywarden/keywarden"
)

var bunkerRegex = regexp.MustCompile(`^bunker://([0-9a-f]{64})\??([?/\w:.=&%-]*)$`)

// ConnectionURI is a parsed "nostrconnect://" (client-initiated) or
// "bunker://" (signer-advertised) connection string.
type ConnectionURI struct {
	// PublicKey is the counterparty key the URI points at: the client's
	// for nostrconnect, the signer's for bunker.
	PublicKey string
	Relays    []string
	Secret    string
	// ClientName comes from the nostrconnect metadata blob, when present.
	ClientName string
}

func IsValidBunkerURL(input string) bool {
	return bunkerRegex.MatchString(input)
}

// ParseConnectionURI parses both connection string flavors.
func ParseConnectionURI(input string) (ConnectionURI, error) {
	var out ConnectionURI

	input = strings.TrimSpace(input)
	switch {
	case strings.HasPrefix(input, "bunker://"):
		if !IsValidBunkerURL(input) {
			return out, fmt.Errorf("invalid bunker url '%s'", input)
		}
	case strings.HasPrefix(input, "nostrconnect://"):
	default:
		return out, fmt.Errorf("unsupported connection uri scheme in '%s'", input)
	}

	parsed, err := url.Parse(input)
	if err != nil {
		return out, fmt.Errorf("failed to parse connection uri: %w", err)
	}

	out.PublicKey = parsed.Host
	if !keywarden.IsValidPublicKeyHex(out.PublicKey) {
		return out, fmt.Errorf("connection uri host '%s' is not a public key", parsed.Host)
	}

	query := parsed.Query()
	out.Relays = query["relay"]
	out.Secret = query.Get("secret")
	if metadata := query.Get("metadata"); metadata != "" {
		out.ClientName = gjson.Get(metadata, "name").String()
	}

	return out, nil
}
