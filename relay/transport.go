package relay

import (
	"context"
	"fmt"
	"time"

	"github.com/keywarden/keywarden"
)

const defaultPublishTimeout = 10 * time.Second

// Publisher is the slice of a relay the signer transport needs. *Relay
// satisfies it.
type Publisher interface {
	Publish(ctx context.Context, evt keywarden.Event) error
}

// SignerTransport wraps encrypted signer payloads in kind-24133 events
// addressed to the target, signs them with the local identity and
// publishes them. It satisfies the signer engine's Transport interface.
type SignerTransport struct {
	Publisher Publisher

	// SignEvent sets the event's pubkey, id and signature. The vault's
	// SignEvent method has exactly this shape.
	SignEvent func(evt *keywarden.Event) error

	// Timeout bounds each publish; zero means defaultPublishTimeout.
	Timeout time.Duration
}

func (t *SignerTransport) Send(target string, ciphertext string) error {
	evt := keywarden.Event{
		CreatedAt: keywarden.Now(),
		Kind:      keywarden.KindNostrConnect,
		Tags:      keywarden.Tags{{"p", target}},
		Content:   ciphertext,
	}
	if err := t.SignEvent(&evt); err != nil {
		return fmt.Errorf("failed to sign response event: %w", err)
	}

	timeout := t.Timeout
	if timeout == 0 {
		timeout = defaultPublishTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	return t.Publisher.Publish(ctx, evt)
}

// SignerFilter selects kind-24133 events addressed to the given
// signer pubkey, starting now.
func SignerFilter(signerPubkey string) Filter {
	since := keywarden.Now()
	return Filter{
		Kinds: []int{keywarden.KindNostrConnect},
		PTags: []string{signerPubkey},
		Since: &since,
	}
}

// Pump forwards subscription events into the signer's inbound callback
// until the context ends or the subscription channel closes. Events
// authored by ourselves are skipped so published responses do not echo
// back in as requests.
func Pump(ctx context.Context, sub *Subscription, selfPubkey string, onMessage func(sender, ciphertext string)) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-sub.Events:
			if !ok {
				return
			}
			if evt.PubKey == selfPubkey {
				continue
			}
			onMessage(evt.PubKey, evt.Content)
		}
	}
}
