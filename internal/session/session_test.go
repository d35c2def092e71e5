package session

import (
	"bytes"
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/kvmgate/kvmgate/internal/hid"
	"github.com/kvmgate/kvmgate/internal/identity"
	"github.com/kvmgate/kvmgate/internal/logging"
	"github.com/kvmgate/kvmgate/internal/metrics"
	"github.com/kvmgate/kvmgate/internal/protocol"
	"github.com/kvmgate/kvmgate/internal/secure"
)

const testPassword = "correct horse battery staple"

func testPolicy() Policy {
	return Policy{
		Password:         testPassword,
		MaxAuthAttempts:  3,
		ChallengeTimeout: 5 * time.Second,
		IdleTimeout:      5 * time.Second,
		MaxFramePayload:  1 << 20,
		SendQueueDepth:   16,
	}
}

// recordingSink captures forwarded HID events for assertions.
type recordingSink struct {
	mu       sync.Mutex
	keys     []hid.KeyboardEvent
	pointers []hid.PointerEvent
}

func (s *recordingSink) SendKeyboard(ev hid.KeyboardEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys = append(s.keys, ev)
	return nil
}

func (s *recordingSink) SendPointer(ev hid.PointerEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pointers = append(s.pointers, ev)
	return nil
}

func (s *recordingSink) keyEvents() []hid.KeyboardEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]hid.KeyboardEvent, len(s.keys))
	copy(out, s.keys)
	return out
}

func (s *recordingSink) pointerEvents() []hid.PointerEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]hid.PointerEvent, len(s.pointers))
	copy(out, s.pointers)
	return out
}

// recordingClipboard captures clipboard pushes.
type recordingClipboard struct {
	mu    sync.Mutex
	texts []string
}

func (c *recordingClipboard) SetClipboard(text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.texts = append(c.texts, text)
	return nil
}

func (c *recordingClipboard) all() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.texts))
	copy(out, c.texts)
	return out
}

// testClient drives the peer side of the protocol over a net.Pipe end.
type testClient struct {
	t     *testing.T
	conn  net.Conn
	sess  *secure.Session
	codec *protocol.Codec
	ident *identity.DeviceIdentity
}

func newTestClient(t *testing.T, conn net.Conn) *testClient {
	t.Helper()
	ident, err := identity.Generate()
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	sess := secure.NewSession()
	return &testClient{
		t:     t,
		conn:  conn,
		sess:  sess,
		codec: protocol.NewCodec(conn, sess, 1<<20),
		ident: ident,
	}
}

func (c *testClient) write(msg protocol.Message) {
	c.t.Helper()
	if err := c.codec.WriteMessage(msg); err != nil {
		c.t.Fatalf("WriteMessage(%s) error = %v", protocol.MessageTypeName(msg.Type()), err)
	}
}

func (c *testClient) read() protocol.Message {
	c.t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	msg, err := c.codec.ReadMessage()
	if err != nil {
		c.t.Fatalf("ReadMessage() error = %v", err)
	}
	return msg
}

// sendIdentity asserts the client's own identity with a valid signature.
func (c *testClient) sendIdentity() {
	c.t.Helper()
	c.write(&protocol.SignedIdentity{
		PeerID:     c.ident.ID(),
		SigningKey: c.ident.SigningPublicKey(),
		Signed:     c.ident.SignBlock([]byte(c.ident.ID())),
	})
}

// exchangeKeys runs the key exchange and enables encryption on the client
// session.
func (c *testClient) exchangeKeys() {
	c.t.Helper()
	priv, pub, err := secure.GenerateKeypair()
	if err != nil {
		c.t.Fatalf("GenerateKeypair() error = %v", err)
	}
	c.write(&protocol.PublicKeyExchange{PublicKey: pub})

	reply, ok := c.read().(*protocol.PublicKeyExchange)
	if !ok {
		c.t.Fatal("expected PublicKeyExchange reply")
	}
	if err := c.sess.DeriveKey(priv, reply.PublicKey); err != nil {
		c.t.Fatalf("DeriveKey() error = %v", err)
	}
	c.sess.Enable()
}

// answerChallenge reads the pending challenge and answers it with the given
// password. Returns the challenge bytes for uniqueness checks.
func (c *testClient) answerChallenge(password string) []byte {
	c.t.Helper()
	ch, ok := c.read().(*protocol.PasswordChallenge)
	if !ok {
		c.t.Fatal("expected PasswordChallenge")
	}
	digest := secure.HashPassword(password, ch.Salt)
	c.write(&protocol.PasswordResponse{
		Answer: secure.ChallengeAnswer(digest, ch.Challenge),
	})
	return ch.Challenge
}

// login completes the full handshake as a well-behaved peer.
func (c *testClient) login(sessionType uint8) {
	c.t.Helper()
	c.sendIdentity()
	c.exchangeKeys()
	c.answerChallenge(testPassword)
	c.write(&protocol.LoginRequest{SessionType: sessionType, Name: "operator"})

	resp, ok := c.read().(*protocol.LoginResponse)
	if !ok {
		c.t.Fatal("expected LoginResponse")
	}
	if !resp.Success {
		c.t.Fatalf("login rejected: %q", resp.Message)
	}
}

// startHandler runs a handler on the server end of a fresh pipe and returns
// the client end plus the handler's done channel.
func startHandler(t *testing.T, policy Policy, collab Collaborators) (*testClient, *Handler, chan struct{}) {
	t.Helper()
	server, client := net.Pipe()

	ident, err := identity.Generate()
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	m := metrics.NewMetricsWithRegistry(prometheus.NewRegistry())
	h := New(server, ident, policy, collab, logging.NopLogger(), m)

	done := make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		defer close(done)
		h.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		client.Close()
		<-done
	})

	return newTestClient(t, client), h, done
}

func waitClosed(t *testing.T, done chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("handler did not shut down")
	}
}

func TestFullLoginAndStreaming(t *testing.T) {
	sink := &recordingSink{}
	clip := &recordingClipboard{}
	client, h, done := startHandler(t, testPolicy(), Collaborators{Input: sink, Clipboard: clip})

	client.login(protocol.SessionTypeDesktop)

	// Latency probe is a pure echo.
	client.write(&protocol.LatencyProbe{Timestamp: 424242})
	echo, ok := client.read().(*protocol.LatencyProbe)
	if !ok {
		t.Fatal("expected LatencyProbe echo")
	}
	if echo.Timestamp != 424242 {
		t.Errorf("probe timestamp = %d, want 424242", echo.Timestamp)
	}

	client.write(&protocol.KeyEvent{Mode: protocol.KeyModeControl, Key: hid.CtrlKeyEnter, Down: true})
	client.write(&protocol.KeyEvent{Mode: protocol.KeyModeControl, Key: hid.CtrlKeyEnter, Down: false})
	client.write(&protocol.MouseEvent{Flags: protocol.MouseFlagAbsolute, X: 100, Y: 200, Buttons: 1})
	client.write(&protocol.ClipboardText{Text: "pasted"})

	// A second probe flushes everything ahead of it.
	client.write(&protocol.LatencyProbe{Timestamp: 1})
	client.read()

	keys := sink.keyEvents()
	if len(keys) != 2 {
		t.Fatalf("got %d keyboard events, want 2", len(keys))
	}
	if keys[0].Usage != 0x28 || !keys[0].Down {
		t.Errorf("first key event = %+v, want Enter down", keys[0])
	}
	if keys[1].Down {
		t.Error("second key event should be a release")
	}

	pointers := sink.pointerEvents()
	if len(pointers) != 1 {
		t.Fatalf("got %d pointer events, want 1", len(pointers))
	}
	if !pointers[0].Absolute || pointers[0].X != 100 || pointers[0].Y != 200 {
		t.Errorf("pointer event = %+v", pointers[0])
	}

	if texts := clip.all(); len(texts) != 1 || texts[0] != "pasted" {
		t.Errorf("clipboard = %v, want [pasted]", texts)
	}

	client.write(&protocol.CloseReason{Reason: "done"})
	waitClosed(t, done)

	if h.Phase() != PhaseClosed {
		t.Errorf("phase = %s, want closed", h.Phase())
	}
}

func TestWrongPasswordClosesAfterMaxAttempts(t *testing.T) {
	policy := testPolicy()
	client, _, done := startHandler(t, policy, Collaborators{})

	client.sendIdentity()
	client.exchangeKeys()

	var previous []byte
	for i := 0; i < policy.MaxAuthAttempts; i++ {
		challenge := client.answerChallenge("not the password")
		if previous != nil && bytes.Equal(challenge, previous) {
			t.Error("challenge repeated across attempts")
		}
		previous = challenge
	}

	reason, ok := client.read().(*protocol.CloseReason)
	if !ok {
		t.Fatal("expected CloseReason after exhausting attempts")
	}
	if reason.Reason != "auth_failed" {
		t.Errorf("close reason = %q, want auth_failed", reason.Reason)
	}
	waitClosed(t, done)
}

func TestRecoveryAfterOneWrongAnswer(t *testing.T) {
	client, _, _ := startHandler(t, testPolicy(), Collaborators{})

	client.sendIdentity()
	client.exchangeKeys()
	client.answerChallenge("wrong")
	client.answerChallenge(testPassword)

	client.write(&protocol.LoginRequest{SessionType: protocol.SessionTypeDesktop, Name: "operator"})
	resp, ok := client.read().(*protocol.LoginResponse)
	if !ok || !resp.Success {
		t.Fatalf("login after recovered challenge failed: %+v", resp)
	}
}

func TestForgedIdentityRejected(t *testing.T) {
	client, _, done := startHandler(t, testPolicy(), Collaborators{})

	forger, err := identity.Generate()
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	// Signature from a key that does not match the presented public key.
	client.write(&protocol.SignedIdentity{
		PeerID:     client.ident.ID(),
		SigningKey: client.ident.SigningPublicKey(),
		Signed:     forger.SignBlock([]byte(client.ident.ID())),
	})

	reason, ok := client.read().(*protocol.CloseReason)
	if !ok {
		t.Fatal("expected CloseReason")
	}
	if reason.Reason != "identity_rejected" {
		t.Errorf("close reason = %q, want identity_rejected", reason.Reason)
	}
	waitClosed(t, done)
}

func TestOutOfOrderMessageClosesConnection(t *testing.T) {
	client, _, done := startHandler(t, testPolicy(), Collaborators{})

	client.write(&protocol.LoginRequest{SessionType: protocol.SessionTypeDesktop})

	reason, ok := client.read().(*protocol.CloseReason)
	if !ok {
		t.Fatal("expected CloseReason")
	}
	if reason.Reason != "protocol_error" {
		t.Errorf("close reason = %q, want protocol_error", reason.Reason)
	}
	waitClosed(t, done)
}

func TestViewOnlySessionDropsInput(t *testing.T) {
	sink := &recordingSink{}
	client, _, _ := startHandler(t, testPolicy(), Collaborators{Input: sink})

	client.login(protocol.SessionTypeViewOnly)

	client.write(&protocol.KeyEvent{Mode: protocol.KeyModeControl, Key: hid.CtrlKeyEnter, Down: true})
	client.write(&protocol.MouseEvent{X: 5, Y: 5})

	client.write(&protocol.LatencyProbe{Timestamp: 7})
	client.read()

	if n := len(sink.keyEvents()); n != 0 {
		t.Errorf("view-only session forwarded %d keyboard events", n)
	}
	if n := len(sink.pointerEvents()); n != 0 {
		t.Errorf("view-only session forwarded %d pointer events", n)
	}
}

func TestStuckModifierReleasedOnClose(t *testing.T) {
	sink := &recordingSink{}
	client, _, done := startHandler(t, testPolicy(), Collaborators{Input: sink})

	client.login(protocol.SessionTypeDesktop)

	client.write(&protocol.KeyEvent{Mode: protocol.KeyModeControl, Key: hid.CtrlKeyLeftShift, Down: true})
	client.write(&protocol.LatencyProbe{Timestamp: 1})
	client.read()

	client.write(&protocol.CloseReason{Reason: "done"})
	waitClosed(t, done)

	keys := sink.keyEvents()
	if len(keys) != 2 {
		t.Fatalf("got %d keyboard events, want press plus synthesized release", len(keys))
	}
	last := keys[len(keys)-1]
	if last.Down || last.Usage != 0xE1 {
		t.Errorf("final event = %+v, want left shift release", last)
	}
}
