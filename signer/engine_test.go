package signer

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keywarden/keywarden"
	"github.com/keywarden/keywarden/nip04"
	"github.com/keywarden/keywarden/vault"
)

type fakeTransport struct {
	mu   sync.Mutex
	sent []sentMessage
}

type sentMessage struct {
	Target     string
	Ciphertext string
}

func (t *fakeTransport) Send(target string, ciphertext string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sent = append(t.sent, sentMessage{target, ciphertext})
	return nil
}

func (t *fakeTransport) count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sent)
}

func (t *fakeTransport) last() sentMessage {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sent[len(t.sent)-1]
}

// remoteClient plays the part of the application connecting to the
// signer over the relay.
type remoteClient struct {
	t      *testing.T
	sk     string
	pubkey string
	shared []byte
}

func newRemoteClient(t *testing.T, signerPubkey string) *remoteClient {
	t.Helper()
	sk := keywarden.GenerateSecretKey()
	pubkey, err := keywarden.GetPublicKey(sk)
	require.NoError(t, err)
	shared, err := nip04.ComputeSharedSecret(signerPubkey, sk)
	require.NoError(t, err)
	return &remoteClient{t: t, sk: sk, pubkey: pubkey, shared: shared}
}

func (c *remoteClient) encrypt(req Request) string {
	c.t.Helper()
	ciphertext, err := nip04.Encrypt(req.String(), c.shared)
	require.NoError(c.t, err)
	return ciphertext
}

func (c *remoteClient) decrypt(ciphertext string) Response {
	c.t.Helper()
	plain, err := nip04.Decrypt(ciphertext, c.shared)
	require.NoError(c.t, err)
	var resp Response
	require.NoError(c.t, json.UnmarshalFromString(plain, &resp))
	return resp
}

func newTestEngine(t *testing.T, opts ...Option) (*Engine, *vault.KeyVault, *fakeTransport) {
	t.Helper()
	v := vault.New(vault.NewFileStorage(t.TempDir()), vault.WithLogN(4))
	v.Generate()
	transport := &fakeTransport{}
	return New(v, transport, opts...), v, transport
}

func waitForResponses(t *testing.T, transport *fakeTransport, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return transport.count() >= n },
		2*time.Second, 5*time.Millisecond)
}

func TestConnectHandshake(t *testing.T) {
	e, v, transport := newTestEngine(t)
	client := newRemoteClient(t, v.PublicKey())

	e.OnMessage(client.pubkey, client.encrypt(Request{ID: "1", Method: MethodConnect, Params: []string{v.PublicKey()}}))

	require.Equal(t, 1, transport.count())
	assert.Equal(t, client.pubkey, transport.last().Target)
	resp := client.decrypt(transport.last().Ciphertext)
	assert.Equal(t, "1", resp.ID)
	assert.Equal(t, "ack", resp.Result)

	_, ok := e.Session(client.pubkey)
	assert.True(t, ok)
}

func TestGetPublicKeyAnsweredImmediately(t *testing.T) {
	e, v, transport := newTestEngine(t)
	client := newRemoteClient(t, v.PublicKey())

	e.OnMessage(client.pubkey, client.encrypt(Request{ID: "req-7", Method: MethodGetPublicKey}))

	require.Equal(t, 1, transport.count())
	resp := client.decrypt(transport.last().Ciphertext)
	assert.Equal(t, "req-7", resp.ID)
	assert.Equal(t, v.PublicKey(), resp.Result)
	assert.Empty(t, e.Pending())
}

func TestDescribeListsCapabilities(t *testing.T) {
	e, v, transport := newTestEngine(t)
	client := newRemoteClient(t, v.PublicKey())

	e.OnMessage(client.pubkey, client.encrypt(Request{ID: "d", Method: MethodDescribe}))

	require.Equal(t, 1, transport.count())
	resp := client.decrypt(transport.last().Ciphertext)
	assert.Contains(t, resp.Result, MethodSignEvent)
	assert.Contains(t, resp.Result, MethodGetPublicKey)
}

// an unsupported method gets exactly one correlated error
// response and creates no approval entry.
func TestUnsupportedMethod(t *testing.T) {
	e, v, transport := newTestEngine(t)
	client := newRemoteClient(t, v.PublicKey())

	e.OnMessage(client.pubkey, client.encrypt(Request{ID: "x", Method: "foo"}))

	require.Equal(t, 1, transport.count())
	resp := client.decrypt(transport.last().Ciphertext)
	assert.Equal(t, "x", resp.ID)
	assert.Contains(t, resp.Error, "unsupported method")
	assert.Empty(t, resp.Result)
	assert.Empty(t, e.Pending())
	assert.Equal(t, vault.Unlocked, v.State())
}

// sign_event is gated; rejection produces exactly one
// explicit response.
func TestSignEventRejected(t *testing.T) {
	e, v, transport := newTestEngine(t)
	client := newRemoteClient(t, v.PublicKey())

	evt, _ := json.MarshalToString(keywarden.Event{Kind: keywarden.KindTextNote, Content: "please sign"})
	e.OnMessage(client.pubkey, client.encrypt(Request{ID: "s1", Method: MethodSignEvent, Params: []string{evt}}))

	// no response until the human decides
	assert.Equal(t, 0, transport.count())
	pending := e.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, "s1", pending[0].ID)
	assert.Equal(t, MethodSignEvent, pending[0].Method)

	require.NoError(t, e.Decide("s1", Rejected))
	require.Equal(t, 1, transport.count())
	resp := client.decrypt(transport.last().Ciphertext)
	assert.Equal(t, "s1", resp.ID)
	assert.Equal(t, "request rejected", resp.Error)

	// deciding again is an error, and no second response is sent
	assert.ErrorIs(t, e.Decide("s1", Rejected), ErrUnknownRequest)
	assert.Equal(t, 1, transport.count())
}

func TestSignEventApproved(t *testing.T) {
	e, v, transport := newTestEngine(t)
	client := newRemoteClient(t, v.PublicKey())

	evt, _ := json.MarshalToString(keywarden.Event{
		Kind:      keywarden.KindTextNote,
		CreatedAt: keywarden.Now(),
		Content:   "approved note",
	})
	e.OnMessage(client.pubkey, client.encrypt(Request{ID: "s2", Method: MethodSignEvent, Params: []string{evt}}))
	require.NoError(t, e.Decide("s2", Approved))

	waitForResponses(t, transport, 1)
	resp := client.decrypt(transport.last().Ciphertext)
	require.Equal(t, "s2", resp.ID)
	require.Empty(t, resp.Error)

	var signed keywarden.Event
	require.NoError(t, json.UnmarshalFromString(resp.Result, &signed))
	assert.Equal(t, v.PublicKey(), signed.PubKey)
	ok, err := signed.CheckSignature()
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestDecidePendingOnly(t *testing.T) {
	e, _, _ := newTestEngine(t)
	assert.ErrorIs(t, e.Decide("ghost", Approved), ErrUnknownRequest)
	assert.Error(t, e.Decide("ghost", Pending))
	assert.Error(t, e.Decide("ghost", Expired))
}

func TestNip04EncryptDecryptViaApproval(t *testing.T) {
	e, v, transport := newTestEngine(t)
	client := newRemoteClient(t, v.PublicKey())

	thirdSk := keywarden.GenerateSecretKey()
	thirdPk, _ := keywarden.GetPublicKey(thirdSk)

	e.OnMessage(client.pubkey, client.encrypt(Request{
		ID: "e1", Method: MethodNip04Encrypt, Params: []string{thirdPk, "for your eyes only"},
	}))
	require.NoError(t, e.Decide("e1", Approved))
	waitForResponses(t, transport, 1)
	encResp := client.decrypt(transport.last().Ciphertext)
	require.Empty(t, encResp.Error)

	// the third party can read it
	shared, err := nip04.ComputeSharedSecret(v.PublicKey(), thirdSk)
	require.NoError(t, err)
	plain, err := nip04.Decrypt(encResp.Result, shared)
	require.NoError(t, err)
	assert.Equal(t, "for your eyes only", plain)

	// and the signer can decrypt what the third party sends
	fromThird, err := nip04.Encrypt("a reply", shared)
	require.NoError(t, err)
	e.OnMessage(client.pubkey, client.encrypt(Request{
		ID: "e2", Method: MethodNip04Decrypt, Params: []string{thirdPk, fromThird},
	}))
	require.NoError(t, e.Decide("e2", Approved))
	waitForResponses(t, transport, 2)
	decResp := client.decrypt(transport.last().Ciphertext)
	require.Empty(t, decResp.Error)
	assert.Equal(t, "a reply", decResp.Result)
}

func TestPreApprovedMethodSkipsGate(t *testing.T) {
	e, v, transport := newTestEngine(t)
	client := newRemoteClient(t, v.PublicKey())

	// establish the session, then pre-approve signing for it
	e.OnMessage(client.pubkey, client.encrypt(Request{ID: "c", Method: MethodConnect}))
	session, ok := e.Session(client.pubkey)
	require.True(t, ok)
	session.AllowMethod(MethodSignEvent)

	evt, _ := json.MarshalToString(keywarden.Event{Kind: keywarden.KindTextNote, Content: "auto"})
	e.OnMessage(client.pubkey, client.encrypt(Request{ID: "s3", Method: MethodSignEvent, Params: []string{evt}}))

	waitForResponses(t, transport, 2)
	assert.Empty(t, e.Pending())
	resp := client.decrypt(transport.last().Ciphertext)
	assert.Equal(t, "s3", resp.ID)
	assert.Empty(t, resp.Error)

	session.RevokeMethod(MethodSignEvent)
	e.OnMessage(client.pubkey, client.encrypt(Request{ID: "s4", Method: MethodSignEvent, Params: []string{evt}}))
	assert.Len(t, e.Pending(), 1)
}

// requests past the approval window expire with exactly one
// timeout response.
func TestPendingRequestExpires(t *testing.T) {
	e, v, transport := newTestEngine(t, WithApprovalTimeout(10*time.Millisecond))
	client := newRemoteClient(t, v.PublicKey())

	evt, _ := json.MarshalToString(keywarden.Event{Kind: keywarden.KindTextNote})
	e.OnMessage(client.pubkey, client.encrypt(Request{ID: "slow", Method: MethodSignEvent, Params: []string{evt}}))
	require.Len(t, e.Pending(), 1)

	e.sweepExpired(time.Now().Add(50 * time.Millisecond))

	require.Equal(t, 1, transport.count())
	resp := client.decrypt(transport.last().Ciphertext)
	assert.Equal(t, "slow", resp.ID)
	assert.Equal(t, "request expired", resp.Error)
	assert.Empty(t, e.Pending())

	// sweeping again sends nothing more
	e.sweepExpired(time.Now().Add(time.Minute))
	assert.Equal(t, 1, transport.count())
	assert.ErrorIs(t, e.Decide("slow", Approved), ErrUnknownRequest)
}

func TestDisconnectCancelsPending(t *testing.T) {
	e, v, transport := newTestEngine(t)
	client := newRemoteClient(t, v.PublicKey())

	evt, _ := json.MarshalToString(keywarden.Event{Kind: keywarden.KindTextNote})
	e.OnMessage(client.pubkey, client.encrypt(Request{ID: "p1", Method: MethodSignEvent, Params: []string{evt}}))
	e.OnMessage(client.pubkey, client.encrypt(Request{ID: "p2", Method: MethodSignEvent, Params: []string{evt}}))
	require.Len(t, e.Pending(), 2)

	e.Disconnect(client.pubkey)

	assert.Empty(t, e.Pending())
	assert.Equal(t, 2, transport.count())
	_, ok := e.Session(client.pubkey)
	assert.False(t, ok)
}

func TestDuplicateRequestIDReplacesPending(t *testing.T) {
	e, v, _ := newTestEngine(t)
	client := newRemoteClient(t, v.PublicKey())

	evt1, _ := json.MarshalToString(keywarden.Event{Kind: keywarden.KindTextNote, Content: "first"})
	evt2, _ := json.MarshalToString(keywarden.Event{Kind: keywarden.KindTextNote, Content: "retry"})
	e.OnMessage(client.pubkey, client.encrypt(Request{ID: "r", Method: MethodSignEvent, Params: []string{evt1}}))
	e.OnMessage(client.pubkey, client.encrypt(Request{ID: "r", Method: MethodSignEvent, Params: []string{evt2}}))

	pending := e.Pending()
	require.Len(t, pending, 1)
	assert.Contains(t, pending[0].Params[0], "retry")
}

func TestGarbageEnvelopeIsDropped(t *testing.T) {
	e, v, transport := newTestEngine(t)
	client := newRemoteClient(t, v.PublicKey())

	e.OnMessage("not-a-pubkey", "whatever")
	e.OnMessage(client.pubkey, "not?iv=encrypted")
	e.OnMessage(client.pubkey, client.encrypt(Request{Method: MethodPing})) // no id

	assert.Equal(t, 0, transport.count())
	assert.Empty(t, e.Pending())
	assert.Equal(t, vault.Unlocked, v.State())
}

func TestLockedVaultCannotServeSessions(t *testing.T) {
	v := vault.New(vault.NewFileStorage(t.TempDir()), vault.WithLogN(4))
	transport := &fakeTransport{}
	e := New(v, transport)

	somePubkey, err := keywarden.GetPublicKey(keywarden.GenerateSecretKey())
	require.NoError(t, err)
	client := newRemoteClient(t, somePubkey)
	e.OnMessage(client.pubkey, "irrelevant")
	assert.Equal(t, 0, transport.count())
	_, ok := e.Session(client.pubkey)
	assert.False(t, ok)
}
