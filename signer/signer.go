// Package signer implements the remote-signing protocol engine: it
// negotiates sessions with remote clients over an encrypted relay
// channel, answers read-only requests immediately and holds
// security-sensitive requests in an approval gate until a human
// decides.
package signer

import (
	"fmt"
	"sync"

	jsoniter "github.com/json-iterator/go"

	"github.com/keywarden/keywarden/nip04"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Request is the decrypted JSON-RPC-like message sent by a remote
// client.
type Request struct {
	ID     string   `json:"id"`
	Method string   `json:"method"`
	Params []string `json:"params"`
}

func (r Request) String() string {
	j, _ := json.Marshal(r)
	return string(j)
}

// Response correlates to a Request by ID and carries either a result or
// an error, never both.
type Response struct {
	ID     string `json:"id"`
	Error  string `json:"error,omitempty"`
	Result string `json:"result,omitempty"`
}

func (r Response) String() string {
	j, _ := json.Marshal(r)
	return string(j)
}

const (
	MethodConnect      = "connect"
	MethodDescribe     = "describe"
	MethodGetPublicKey = "get_public_key"
	MethodPing         = "ping"
	MethodSignEvent    = "sign_event"
	MethodNip04Encrypt = "nip04_encrypt"
	MethodNip04Decrypt = "nip04_decrypt"
)

// methodNeedsApproval reports whether a method may touch the secret key
// or produce material on its behalf, and therefore requires an explicit
// human decision unless the session pre-approved it.
func methodNeedsApproval(method string) bool {
	switch method {
	case MethodSignEvent, MethodNip04Encrypt, MethodNip04Decrypt:
		return true
	}
	return false
}

// describedMethods is the capability listing returned for "describe".
var describedMethods = []string{
	MethodConnect,
	MethodDescribe,
	MethodGetPublicKey,
	MethodPing,
	MethodSignEvent,
	MethodNip04Encrypt,
	MethodNip04Decrypt,
}

// Session represents one negotiated connection to a remote client: its
// public key, the shared secret used for the envelope cipher, and the
// set of methods the user pre-approved for it.
type Session struct {
	PublicKey string
	sharedKey []byte

	mu    sync.Mutex
	perms map[string]bool
}

func newSession(clientPubkey string, sharedKey []byte) *Session {
	return &Session{
		PublicKey: clientPubkey,
		sharedKey: sharedKey,
		perms:     make(map[string]bool),
	}
}

// ParseRequest decrypts and decodes one inbound envelope.
func (s *Session) ParseRequest(ciphertext string) (Request, error) {
	var req Request

	plain, err := nip04.Decrypt(ciphertext, s.sharedKey)
	if err != nil {
		return req, fmt.Errorf("failed to decrypt request from %s: %w", s.PublicKey, err)
	}

	if err := json.UnmarshalFromString(plain, &req); err != nil {
		return req, fmt.Errorf("failed to decode request from %s: %w", s.PublicKey, err)
	}
	return req, nil
}

// EncodeResponse encodes and encrypts one outbound response.
func (s *Session) EncodeResponse(resp Response) (string, error) {
	jresp, err := json.Marshal(resp)
	if err != nil {
		return "", fmt.Errorf("failed to encode response: %w", err)
	}
	ciphertext, err := nip04.Encrypt(string(jresp), s.sharedKey)
	if err != nil {
		return "", fmt.Errorf("failed to encrypt response: %w", err)
	}
	return ciphertext, nil
}

// AllowMethod marks a method as pre-approved for this session; requests
// for it bypass the approval gate.
func (s *Session) AllowMethod(method string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.perms[method] = true
}

// RevokeMethod removes a pre-approval.
func (s *Session) RevokeMethod(method string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.perms, method)
}

func (s *Session) allowed(method string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.perms[method]
}
