// Package relay implements a minimal nostr relay client: enough to
// publish events and hold a subscription open for messages addressed
// to the local identity.
package relay

import (
	"bytes"
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"

	jsoniter "github.com/json-iterator/go"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/tidwall/gjson"

	"github.com/keywarden/keywarden"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Filter selects which events a subscription receives.
type Filter struct {
	Kinds   []int                `json:"kinds,omitempty"`
	Authors []string             `json:"authors,omitempty"`
	PTags   []string             `json:"#p,omitempty"`
	Since   *keywarden.Timestamp `json:"since,omitempty"`
	Limit   int                  `json:"limit,omitempty"`
}

// Relay is a single connected relay.
type Relay struct {
	URL string

	conn    *connection
	ctx     context.Context
	cancel  context.CancelFunc
	writeMu sync.Mutex

	okCallbacks   *xsync.MapOf[string, chan okResult]
	subscriptions *xsync.MapOf[string, *Subscription]
	subCounter    atomic.Int64

	connErr error
	done    chan struct{}
}

type okResult struct {
	ok     bool
	reason string
}

// Subscription is a live REQ on a relay. Events arrive on Events until
// the subscription is closed or the connection drops, at which point
// Events is closed.
type Subscription struct {
	id     string
	relay  *Relay
	Events chan keywarden.Event
	closed atomic.Bool
}

// Connect dials a relay and starts its read loop. The given context
// bounds the dial; the connection itself lives until Close is called
// or the socket drops.
func Connect(ctx context.Context, url string) (*Relay, error) {
	conn, err := newConnection(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("error opening websocket to '%s': %w", url, err)
	}

	connCtx, cancel := context.WithCancel(context.Background())
	r := &Relay{
		URL:           url,
		conn:          conn,
		ctx:           connCtx,
		cancel:        cancel,
		okCallbacks:   xsync.NewMapOf[string, chan okResult](),
		subscriptions: xsync.NewMapOf[string, *Subscription](),
		done:          make(chan struct{}),
	}

	go r.readLoop()

	return r, nil
}

// Close tears down the connection and every open subscription.
func (r *Relay) Close() error {
	r.cancel()
	return r.conn.Close()
}

// ConnectionError returns the error that terminated the read loop, if
// the connection has dropped.
func (r *Relay) ConnectionError() error {
	select {
	case <-r.done:
		return r.connErr
	default:
		return nil
	}
}

func (r *Relay) write(ctx context.Context, msg []byte) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	return r.conn.WriteMessage(ctx, msg)
}

// Publish sends ["EVENT", evt] and waits for the relay's OK before
// returning. A rejected event ("OK", id, false, reason) is an error.
func (r *Relay) Publish(ctx context.Context, evt keywarden.Event) error {
	eventJSON, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	msg := []byte(`["EVENT",` + string(eventJSON) + `]`)

	okChan := make(chan okResult, 1)
	r.okCallbacks.Store(evt.ID, okChan)
	defer r.okCallbacks.Delete(evt.ID)

	keywarden.DebugLogger.Printf("{%s} sending %s\n", r.URL, msg)
	if err := r.write(ctx, msg); err != nil {
		return fmt.Errorf("failed to send event to '%s': %w", r.URL, err)
	}

	select {
	case res := <-okChan:
		if !res.ok {
			return fmt.Errorf("event rejected by '%s': %s", r.URL, res.reason)
		}
		return nil
	case <-r.done:
		return fmt.Errorf("connection to '%s' closed while waiting for OK: %w", r.URL, r.connErr)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe opens a REQ with the given filter. Closing the returned
// subscription sends CLOSE to the relay.
func (r *Relay) Subscribe(ctx context.Context, filter Filter) (*Subscription, error) {
	id := "kw:" + strconv.FormatInt(r.subCounter.Add(1), 10)

	filterJSON, err := json.Marshal(filter)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal filter: %w", err)
	}

	sub := &Subscription{
		id:     id,
		relay:  r,
		Events: make(chan keywarden.Event, 32),
	}
	r.subscriptions.Store(id, sub)

	msg := []byte(`["REQ","` + id + `",` + string(filterJSON) + `]`)
	keywarden.DebugLogger.Printf("{%s} sending %s\n", r.URL, msg)
	if err := r.write(ctx, msg); err != nil {
		r.subscriptions.Delete(id)
		return nil, fmt.Errorf("failed to open subscription on '%s': %w", r.URL, err)
	}

	return sub, nil
}

// Close ends the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	s.relay.subscriptions.Delete(s.id)
	close(s.Events)

	select {
	case <-s.relay.done:
		return
	default:
	}
	msg := []byte(`["CLOSE","` + s.id + `"]`)
	if err := s.relay.write(context.Background(), msg); err != nil {
		keywarden.DebugLogger.Printf("{%s} failed to send CLOSE: %s\n", s.relay.URL, err)
	}
}

func (s *Subscription) dispatch(evt keywarden.Event) {
	if s.closed.Load() {
		return
	}
	select {
	case s.Events <- evt:
	default:
		keywarden.InfoLogger.Printf("{%s} subscription %s is not keeping up, dropping event %s\n",
			s.relay.URL, s.id, evt.ID)
	}
}

func (r *Relay) readLoop() {
	defer func() {
		close(r.done)
		r.subscriptions.Range(func(_ string, sub *Subscription) bool {
			if sub.closed.CompareAndSwap(false, true) {
				r.subscriptions.Delete(sub.id)
				close(sub.Events)
			}
			return true
		})
	}()

	buf := new(bytes.Buffer)
	for {
		buf.Reset()
		if err := r.conn.ReadMessage(r.ctx, buf); err != nil {
			r.connErr = err
			return
		}
		r.handleMessage(buf.Bytes())
	}
}

func (r *Relay) handleMessage(message []byte) {
	keywarden.DebugLogger.Printf("{%s} received %s\n", r.URL, message)

	envelope := gjson.ParseBytes(message)
	if !envelope.IsArray() {
		keywarden.InfoLogger.Printf("{%s} received unparseable message: %s\n", r.URL, message)
		return
	}
	arr := envelope.Array()
	if len(arr) == 0 {
		return
	}

	switch arr[0].Str {
	case "EVENT":
		if len(arr) < 3 {
			return
		}
		sub, ok := r.subscriptions.Load(arr[1].Str)
		if !ok {
			keywarden.DebugLogger.Printf("{%s} event for unknown subscription '%s'\n", r.URL, arr[1].Str)
			return
		}
		var evt keywarden.Event
		if err := json.Unmarshal([]byte(arr[2].Raw), &evt); err != nil {
			keywarden.InfoLogger.Printf("{%s} failed to parse event: %s\n", r.URL, err)
			return
		}
		if ok, _ := evt.CheckSignature(); !ok {
			keywarden.InfoLogger.Printf("{%s} event %s has an invalid signature, dropping\n", r.URL, evt.ID)
			return
		}
		sub.dispatch(evt)
	case "OK":
		if len(arr) < 3 {
			return
		}
		okChan, ok := r.okCallbacks.Load(arr[1].Str)
		if !ok {
			return
		}
		reason := ""
		if len(arr) >= 4 {
			reason = arr[3].Str
		}
		okChan <- okResult{ok: arr[2].Bool(), reason: reason}
	case "EOSE":
		// stored events done, live events follow; nothing to do
	case "NOTICE":
		if len(arr) >= 2 {
			keywarden.InfoLogger.Printf("{%s} NOTICE: %s\n", r.URL, arr[1].Str)
		}
	case "CLOSED":
		if len(arr) >= 2 {
			if sub, ok := r.subscriptions.Load(arr[1].Str); ok {
				keywarden.InfoLogger.Printf("{%s} subscription %s closed by relay\n", r.URL, sub.id)
				if sub.closed.CompareAndSwap(false, true) {
					r.subscriptions.Delete(sub.id)
					close(sub.Events)
				}
			}
		}
	default:
		keywarden.DebugLogger.Printf("{%s} unknown message label '%s'\n", r.URL, arr[0].Str)
	}
}
