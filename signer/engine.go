package signer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/keywarden/keywarden"
	"github.com/keywarden/keywarden/vault"
)

const (
	// DefaultApprovalTimeout bounds how long a request may sit in the
	// gate before the peer gets a timeout response.
	DefaultApprovalTimeout = 60 * time.Second

	defaultWorkers       = 4
	defaultSweepInterval = time.Second
)

// Transport publishes an encrypted response payload to a remote public
// key. The relay package provides one; tests provide fakes.
type Transport interface {
	Send(target string, ciphertext string) error
}

type Option func(*Engine)

// WithApprovalTimeout overrides DefaultApprovalTimeout.
func WithApprovalTimeout(d time.Duration) Option {
	return func(e *Engine) { e.approvalTimeout = d }
}

// WithWorkers bounds the pool running key derivation and signing, so a
// slow cryptographic pass never stalls message routing.
func WithWorkers(n int) Option {
	return func(e *Engine) { e.workers = make(chan struct{}, n) }
}

// Engine is the top-level orchestrator: it demultiplexes inbound relay
// messages to sessions, runs the request dispatch of each session and
// publishes responses back through the Transport.
type Engine struct {
	vault     *vault.KeyVault
	transport Transport

	sessions *xsync.MapOf[string, *Session]

	gateMu sync.Mutex
	gate   *gate

	workers         chan struct{}
	approvalTimeout time.Duration
}

func New(v *vault.KeyVault, transport Transport, opts ...Option) *Engine {
	e := &Engine{
		vault:           v,
		transport:       transport,
		sessions:        xsync.NewMapOf[string, *Session](),
		gate:            newGate(),
		workers:         make(chan struct{}, defaultWorkers),
		approvalTimeout: DefaultApprovalTimeout,
	}
	for _, apply := range opts {
		apply(e)
	}
	return e
}

// Run drives the expiry sweeper until the context is canceled.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(defaultSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			e.sweepExpired(now)
		}
	}
}

// OnMessage is the inbound callback handed to the transport
// collaborator. Malformed or undecryptable envelopes are dropped; they
// never affect engine state.
func (e *Engine) OnMessage(sender string, ciphertext string) {
	if !keywarden.IsValidPublicKeyHex(sender) {
		keywarden.DebugLogger.Printf("dropping message from invalid pubkey %s", sender)
		return
	}

	session, err := e.ensureSession(sender)
	if err != nil {
		keywarden.DebugLogger.Printf("no session for %s: %v", sender, err)
		return
	}

	req, err := session.ParseRequest(ciphertext)
	if err != nil {
		keywarden.DebugLogger.Printf("%v", err)
		return
	}
	if req.ID == "" {
		keywarden.DebugLogger.Printf("dropping request without id from %s", sender)
		return
	}

	e.dispatch(session, req)
}

// Session returns the live session for a client public key, if any.
func (e *Engine) Session(clientPubkey string) (*Session, bool) {
	return e.sessions.Load(clientPubkey)
}

// Pending lists gated requests in arrival order, for display.
func (e *Engine) Pending() []PendingRequest {
	e.gateMu.Lock()
	defer e.gateMu.Unlock()
	return e.gate.pending()
}

// Decide resolves one pending request. Approval runs the requested
// operation on the worker pool; rejection sends an explicit rejection
// response, never silence. Fails with ErrUnknownRequest if the id is
// not pending.
func (e *Engine) Decide(id string, decision Decision) error {
	if decision != Approved && decision != Rejected {
		return fmt.Errorf("signer: cannot decide %s for request %s", decision, id)
	}

	e.gateMu.Lock()
	pr, err := e.gate.take(id)
	e.gateMu.Unlock()
	if err != nil {
		return err
	}

	session, ok := e.sessions.Load(pr.Client)
	if !ok {
		// session disconnected between enqueue and decision
		return nil
	}

	if decision == Rejected {
		e.respond(session, Response{ID: pr.ID, Error: "request rejected"})
		return nil
	}

	go e.fulfill(session, pr)
	return nil
}

// Disconnect tears a session down and cancels its still-pending
// requests with explicit responses instead of leaving them unresolved.
func (e *Engine) Disconnect(clientPubkey string) {
	session, ok := e.sessions.LoadAndDelete(clientPubkey)

	e.gateMu.Lock()
	canceled := e.gate.takeSession(clientPubkey)
	e.gateMu.Unlock()

	if !ok {
		return
	}
	for _, pr := range canceled {
		e.respond(session, Response{ID: pr.ID, Error: "session closed before approval"})
	}
}

func (e *Engine) ensureSession(clientPubkey string) (*Session, error) {
	if session, ok := e.sessions.Load(clientPubkey); ok {
		return session, nil
	}

	shared, err := e.vault.SharedSecret(clientPubkey)
	if err != nil {
		return nil, err
	}

	session, _ := e.sessions.LoadOrStore(clientPubkey, newSession(clientPubkey, shared))
	return session, nil
}

func (e *Engine) dispatch(session *Session, req Request) {
	switch req.Method {
	case MethodConnect:
		// the handshake re-confirms an existing session as well
		e.respond(session, Response{ID: req.ID, Result: "ack"})

	case MethodDescribe:
		capabilities, _ := json.MarshalToString(describedMethods)
		e.respond(session, Response{ID: req.ID, Result: capabilities})

	case MethodGetPublicKey:
		e.respond(session, Response{ID: req.ID, Result: e.vault.PublicKey()})

	case MethodPing:
		e.respond(session, Response{ID: req.ID, Result: "pong"})

	default:
		if !methodNeedsApproval(req.Method) {
			e.respond(session, Response{
				ID:    req.ID,
				Error: fmt.Sprintf("unsupported method '%s'", req.Method),
			})
			return
		}

		if session.allowed(req.Method) {
			pr := &PendingRequest{
				ID:         req.ID,
				Client:     session.PublicKey,
				Method:     req.Method,
				Params:     req.Params,
				ReceivedAt: time.Now(),
			}
			go e.fulfill(session, pr)
			return
		}

		e.gateMu.Lock()
		e.gate.enqueue(&PendingRequest{
			ID:         req.ID,
			Client:     session.PublicKey,
			Method:     req.Method,
			Params:     req.Params,
			ReceivedAt: time.Now(),
		})
		e.gateMu.Unlock()
		// no response yet: the peer hears back after the human decides
		// or the request expires
	}
}

// fulfill runs an approved request on the bounded worker pool and sends
// exactly one response.
func (e *Engine) fulfill(session *Session, pr *PendingRequest) {
	e.workers <- struct{}{}
	defer func() { <-e.workers }()

	resp := Response{ID: pr.ID}

	switch pr.Method {
	case MethodSignEvent:
		if len(pr.Params) != 1 {
			resp.Error = "wrong number of arguments to 'sign_event'"
			break
		}
		var evt keywarden.Event
		if err := json.UnmarshalFromString(pr.Params[0], &evt); err != nil {
			resp.Error = fmt.Sprintf("failed to decode event: %v", err)
			break
		}
		if err := e.vault.SignEvent(&evt); err != nil {
			resp.Error = fmt.Sprintf("failed to sign event: %v", err)
			break
		}
		resp.Result, _ = json.MarshalToString(evt)

	case MethodNip04Encrypt:
		thirdParty, plaintext, err := encryptionParams(pr.Params)
		if err != nil {
			resp.Error = err.Error()
			break
		}
		ciphertext, err := e.vault.Nip04Encrypt(thirdParty, plaintext)
		if err != nil {
			resp.Error = fmt.Sprintf("failed to encrypt: %v", err)
			break
		}
		resp.Result = ciphertext

	case MethodNip04Decrypt:
		thirdParty, ciphertext, err := encryptionParams(pr.Params)
		if err != nil {
			resp.Error = err.Error()
			break
		}
		plaintext, err := e.vault.Nip04Decrypt(thirdParty, ciphertext)
		if err != nil {
			resp.Error = fmt.Sprintf("failed to decrypt: %v", err)
			break
		}
		resp.Result = plaintext

	default:
		resp.Error = fmt.Sprintf("unsupported method '%s'", pr.Method)
	}

	e.respond(session, resp)
}

func encryptionParams(params []string) (thirdPartyPubkey string, payload string, err error) {
	if len(params) != 2 {
		return "", "", fmt.Errorf("wrong number of arguments")
	}
	if !keywarden.IsValidPublicKeyHex(params[0]) {
		return "", "", fmt.Errorf("first argument is not a pubkey string")
	}
	return params[0], params[1], nil
}

func (e *Engine) respond(session *Session, resp Response) {
	ciphertext, err := session.EncodeResponse(resp)
	if err != nil {
		keywarden.InfoLogger.Printf("failed to encode response %s: %v", resp.ID, err)
		return
	}
	if err := e.transport.Send(session.PublicKey, ciphertext); err != nil {
		keywarden.InfoLogger.Printf("failed to publish response %s: %v", resp.ID, err)
	}
}

// sweepExpired times out requests older than the approval window,
// sending exactly one timeout response each so an unattended signer
// never hangs a remote client indefinitely.
func (e *Engine) sweepExpired(now time.Time) {
	e.gateMu.Lock()
	expired := e.gate.takeExpired(now.Add(-e.approvalTimeout))
	e.gateMu.Unlock()

	for _, pr := range expired {
		if session, ok := e.sessions.Load(pr.Client); ok {
			e.respond(session, Response{ID: pr.ID, Error: "request expired"})
		}
	}
}
