// Package session implements the per-connection state machine for accepted
// relay sockets: the authenticated handshake, then the bidirectional
// streaming loop that moves media out and input events in.
package session

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/kvmgate/kvmgate/internal/hid"
	"github.com/kvmgate/kvmgate/internal/identity"
	"github.com/kvmgate/kvmgate/internal/logging"
	"github.com/kvmgate/kvmgate/internal/media"
	"github.com/kvmgate/kvmgate/internal/metrics"
	"github.com/kvmgate/kvmgate/internal/protocol"
	"github.com/kvmgate/kvmgate/internal/secure"
)

// Phase is the connection handler's state. Every inbound message is matched
// against the current phase; variants not valid for the phase close the
// connection.
type Phase int

// Handler phases in handshake order.
const (
	PhaseAwaitingIdentity Phase = iota
	PhaseAwaitingPublicKey
	PhaseAwaitingPasswordChallenge
	PhaseAwaitingLogin
	PhaseAuthenticated
	PhaseStreaming
	PhaseClosed
)

// String returns the phase name for logs.
func (p Phase) String() string {
	switch p {
	case PhaseAwaitingIdentity:
		return "awaiting_identity"
	case PhaseAwaitingPublicKey:
		return "awaiting_public_key"
	case PhaseAwaitingPasswordChallenge:
		return "awaiting_password_challenge"
	case PhaseAwaitingLogin:
		return "awaiting_login"
	case PhaseAuthenticated:
		return "authenticated"
	case PhaseStreaming:
		return "streaming"
	case PhaseClosed:
		return "closed"
	default:
		return "unknown"
	}
}

var (
	// ErrUnexpectedMessage is returned when a message variant is not valid
	// for the current phase.
	ErrUnexpectedMessage = errors.New("unexpected message for phase")

	// ErrAuthExhausted is returned after too many wrong password answers.
	ErrAuthExhausted = errors.New("too many failed authentication attempts")

	// ErrIdentityRejected is returned when the peer's identity assertion
	// does not verify.
	ErrIdentityRejected = errors.New("peer identity rejected")
)

const (
	saltSize      = 16
	challengeSize = 16
)

// Policy carries the per-session security and resource parameters.
type Policy struct {
	Password         string
	MaxAuthAttempts  int
	ChallengeTimeout time.Duration
	IdleTimeout      time.Duration
	MaxFramePayload  int
	SendQueueDepth   int
}

// Collaborators are the device subsystems a session streams against. Video
// and Audio may be nil (no media pumped); Input and Clipboard may be nil
// (events dropped).
type Collaborators struct {
	Video     media.VideoSource
	Audio     media.AudioSource
	Input     hid.Sink
	Clipboard media.ClipboardSink
}

// Handler drives one accepted relay connection. It owns all per-session
// state; the only shared inputs are the read-only device identity and the
// internally-synchronized collaborators.
type Handler struct {
	id      string
	conn    *countingConn
	ident   *identity.DeviceIdentity
	policy  Policy
	collab  Collaborators
	logger  *slog.Logger
	metrics *metrics.Metrics

	sess    *secure.Session
	codec   *protocol.Codec
	adapter *hid.Adapter

	phase       Phase
	peerID      string
	sessionType uint8
	attempts    int

	salt      []byte
	challenge []byte

	sendCh  chan protocol.Message
	started time.Time
}

// New creates a handler for an accepted relay connection.
func New(conn net.Conn, ident *identity.DeviceIdentity, policy Policy, collab Collaborators, logger *slog.Logger, m *metrics.Metrics) *Handler {
	var raw [4]byte
	secure.RandomBytes(raw[:]) // best effort; a zero ID only affects logs

	cc := &countingConn{Conn: conn}
	sess := secure.NewSession()

	h := &Handler{
		id:      hex.EncodeToString(raw[:]),
		conn:    cc,
		ident:   ident,
		policy:  policy,
		collab:  collab,
		metrics: m,
		sess:    sess,
		codec:   protocol.NewCodec(cc, sess, policy.MaxFramePayload),
		adapter: hid.NewAdapter(),
		phase:   PhaseAwaitingIdentity,
		sendCh:  make(chan protocol.Message, policy.SendQueueDepth),
	}
	h.logger = logger.With(
		logging.KeyComponent, "session",
		logging.KeySessionID, h.id,
		logging.KeyRemoteAddr, conn.RemoteAddr().String(),
	)
	return h
}

// ID returns the session's log identifier.
func (h *Handler) ID() string { return h.id }

// Phase returns the current phase. Intended for tests and status output;
// the handler itself runs single-threaded through the phases.
func (h *Handler) Phase() Phase { return h.phase }

// Run drives the session to completion. It returns when the connection is
// closed, for whatever reason; errors are logged, not returned, because a
// failed session must never propagate beyond its own goroutine.
func (h *Handler) Run(ctx context.Context) {
	h.started = time.Now()
	h.metrics.SessionsTotal.Inc()
	h.metrics.SessionsActive.Inc()
	defer h.metrics.SessionsActive.Dec()

	h.logger.Info("session accepted")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Closing the socket is what unblocks every pending read.
	go func() {
		<-ctx.Done()
		h.conn.Close()
	}()

	reason := h.run(ctx, cancel)

	h.conn.Close()
	h.sess.Zero()
	h.phase = PhaseClosed
	h.metrics.SessionCloses.WithLabelValues(reason).Inc()
	h.metrics.BytesSent.Add(float64(h.conn.BytesWritten()))
	h.metrics.BytesReceived.Add(float64(h.conn.BytesRead()))

	h.releaseStuckModifiers()

	h.logger.Info("session closed",
		logging.KeyReason, reason,
		logging.KeyDuration, time.Since(h.started).Round(time.Millisecond).String(),
		"sent", humanize.Bytes(uint64(h.conn.BytesWritten())),
		"received", humanize.Bytes(uint64(h.conn.BytesRead())),
	)
}

// run performs the handshake and streaming loop, returning a close reason
// label.
func (h *Handler) run(ctx context.Context, cancel context.CancelFunc) string {
	if err := h.handshake(); err != nil {
		h.logger.Warn("handshake failed",
			logging.KeyPhase, h.phase.String(),
			logging.KeyError, err.Error(),
		)
		h.sendCloseReason(closeLabel(err))
		return closeLabel(err)
	}

	h.metrics.HandshakeLatency.Observe(time.Since(h.started).Seconds())
	h.logger.Info("session authenticated",
		logging.KeyPeerID, h.peerID,
		logging.KeyDuration, time.Since(h.started).Round(time.Millisecond).String(),
	)

	return h.stream(ctx, cancel)
}

// closeLabel maps an error to a coarse close reason for metrics and the
// CloseReason message.
func closeLabel(err error) string {
	switch {
	case err == nil:
		return "peer_closed"
	case errors.Is(err, ErrAuthExhausted):
		return "auth_failed"
	case errors.Is(err, ErrIdentityRejected):
		return "identity_rejected"
	case errors.Is(err, ErrUnexpectedMessage), errors.Is(err, protocol.ErrInvalidMessage),
		errors.Is(err, protocol.ErrUnknownMessageType), errors.Is(err, protocol.ErrInvalidFrame):
		return "protocol_error"
	case errors.Is(err, protocol.ErrFrameTooLarge):
		return "frame_too_large"
	case errors.Is(err, secure.ErrAuthFailure), errors.Is(err, secure.ErrCounterMismatch),
		errors.Is(err, secure.ErrCiphertextTooShort):
		return "crypto_failure"
	case errors.Is(err, os.ErrDeadlineExceeded):
		return "timeout"
	default:
		return "network_error"
	}
}

// ============================================================================
// Handshake
// ============================================================================

// handshake reads messages until the session is authenticated or an error
// ends it. Each step gets its own read deadline; the whole sequence is
// single-threaded, so handshake replies are written inline.
func (h *Handler) handshake() error {
	for h.phase != PhaseAuthenticated {
		if err := h.conn.SetReadDeadline(time.Now().Add(h.policy.ChallengeTimeout)); err != nil {
			return err
		}

		msg, err := h.codec.ReadMessage()
		if err != nil {
			return err
		}

		switch h.phase {
		case PhaseAwaitingIdentity:
			err = h.handleIdentity(msg)
		case PhaseAwaitingPublicKey:
			err = h.handlePublicKey(msg)
		case PhaseAwaitingPasswordChallenge:
			err = h.handlePasswordResponse(msg)
		case PhaseAwaitingLogin:
			err = h.handleLogin(msg)
		default:
			err = fmt.Errorf("%w: %s in phase %s", ErrUnexpectedMessage, protocol.MessageTypeName(msg.Type()), h.phase)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// handleIdentity verifies the peer's signed identity assertion.
func (h *Handler) handleIdentity(msg protocol.Message) error {
	ident, ok := msg.(*protocol.SignedIdentity)
	if !ok {
		return fmt.Errorf("%w: %s in phase %s", ErrUnexpectedMessage, protocol.MessageTypeName(msg.Type()), h.phase)
	}

	if ident.PeerID == "" {
		return fmt.Errorf("%w: empty peer ID", ErrIdentityRejected)
	}

	opened, err := secure.OpenSigned(ident.Signed, ident.SigningKey)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIdentityRejected, err)
	}
	if !bytes.Equal(opened, []byte(ident.PeerID)) {
		return fmt.Errorf("%w: signed block does not match asserted ID", ErrIdentityRejected)
	}

	h.peerID = ident.PeerID
	h.phase = PhaseAwaitingPublicKey
	return nil
}

// handlePublicKey performs the mutual key exchange: derive the shared
// session key from the peer's public key, reply with the device's own
// public key in the clear, then flip encryption on. Everything after the
// reply is encrypted, starting with the password challenge.
func (h *Handler) handlePublicKey(msg protocol.Message) error {
	pk, ok := msg.(*protocol.PublicKeyExchange)
	if !ok {
		return fmt.Errorf("%w: %s in phase %s", ErrUnexpectedMessage, protocol.MessageTypeName(msg.Type()), h.phase)
	}

	if err := h.sess.DeriveKey(h.ident.EncryptionPrivateKey(), pk.PublicKey); err != nil {
		return err
	}

	if err := h.codec.WriteMessage(&protocol.PublicKeyExchange{
		PublicKey: h.ident.EncryptionPublicKey(),
	}); err != nil {
		return err
	}

	h.sess.Enable()

	h.phase = PhaseAwaitingPasswordChallenge
	return h.issueChallenge()
}

// issueChallenge sends a fresh salt and challenge.
func (h *Handler) issueChallenge() error {
	h.salt = make([]byte, saltSize)
	h.challenge = make([]byte, challengeSize)
	if err := secure.RandomBytes(h.salt); err != nil {
		return err
	}
	if err := secure.RandomBytes(h.challenge); err != nil {
		return err
	}

	return h.codec.WriteMessage(&protocol.PasswordChallenge{
		Salt:      h.salt,
		Challenge: h.challenge,
	})
}

// handlePasswordResponse checks the challenge answer. Wrong answers get a
// fresh challenge until the attempt budget is spent; the attempt counter is
// per-session and never persisted.
func (h *Handler) handlePasswordResponse(msg protocol.Message) error {
	resp, ok := msg.(*protocol.PasswordResponse)
	if !ok {
		return fmt.Errorf("%w: %s in phase %s", ErrUnexpectedMessage, protocol.MessageTypeName(msg.Type()), h.phase)
	}

	digest := secure.HashPassword(h.policy.Password, h.salt)
	if secure.VerifyChallenge(digest, h.challenge, resp.Answer[:]) {
		h.phase = PhaseAwaitingLogin
		return nil
	}

	h.attempts++
	h.metrics.AuthFailures.Inc()
	h.logger.Warn("password challenge failed",
		logging.KeyPeerID, h.peerID,
		logging.KeyCount, h.attempts,
	)

	if h.attempts >= h.policy.MaxAuthAttempts {
		return ErrAuthExhausted
	}
	return h.issueChallenge()
}

// handleLogin validates the structured login request. The response does
// not distinguish failure causes.
func (h *Handler) handleLogin(msg protocol.Message) error {
	req, ok := msg.(*protocol.LoginRequest)
	if !ok {
		return fmt.Errorf("%w: %s in phase %s", ErrUnexpectedMessage, protocol.MessageTypeName(msg.Type()), h.phase)
	}

	switch req.SessionType {
	case protocol.SessionTypeDesktop, protocol.SessionTypeViewOnly:
	default:
		if err := h.codec.WriteMessage(&protocol.LoginResponse{Success: false, Message: "login failed"}); err != nil {
			return err
		}
		return fmt.Errorf("%w: session type %d", ErrUnexpectedMessage, req.SessionType)
	}

	h.sessionType = req.SessionType
	if err := h.codec.WriteMessage(&protocol.LoginResponse{Success: true}); err != nil {
		return err
	}

	h.phase = PhaseAuthenticated
	return nil
}

// ============================================================================
// Streaming
// ============================================================================

// stream runs the bidirectional loop: a single writer goroutine drains the
// send queue (keeping the send nonce strictly ordered), pump goroutines
// pull from the media collaborators, and this goroutine processes inbound
// messages in arrival order.
func (h *Handler) stream(ctx context.Context, cancel context.CancelFunc) string {
	h.phase = PhaseStreaming

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		h.writeLoop(ctx, cancel)
	}()

	if h.collab.Video != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.videoLoop(ctx)
		}()
	}
	if h.collab.Audio != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.audioLoop(ctx)
		}()
	}

	err := h.readLoop(ctx)
	reason := closeLabel(err)
	if err != nil {
		h.logger.Debug("streaming loop ended",
			logging.KeyError, err.Error(),
			logging.KeyReason, reason,
		)
		h.enqueue(ctx, &protocol.CloseReason{Reason: reason})
	}

	cancel()
	wg.Wait()
	return reason
}

// writeLoop is the only goroutine that writes to the codec during
// streaming. Encrypt is therefore called in exact queue order.
func (h *Handler) writeLoop(ctx context.Context, cancel context.CancelFunc) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-h.sendCh:
			if err := h.codec.WriteMessage(msg); err != nil {
				h.logger.Debug("write failed", logging.KeyError, err.Error())
				cancel()
				return
			}
			switch msg.Type() {
			case protocol.MsgVideoFrame:
				h.metrics.VideoFramesSent.Inc()
			case protocol.MsgAudioFrame:
				h.metrics.AudioFramesSent.Inc()
			}
		}
	}
}

// enqueue places a message on the send queue, giving up when the session
// is shutting down.
func (h *Handler) enqueue(ctx context.Context, msg protocol.Message) bool {
	select {
	case h.sendCh <- msg:
		return true
	case <-ctx.Done():
		return false
	}
}

// videoLoop pulls encoded frames from the capture collaborator.
func (h *Handler) videoLoop(ctx context.Context) {
	for {
		frame, err := h.collab.Video.Next(ctx)
		if err != nil {
			if ctx.Err() == nil {
				h.logger.Warn("video source failed", logging.KeyError, err.Error())
			}
			return
		}
		msg, err := media.WrapVideo(frame)
		if err != nil {
			h.logger.Warn("video frame dropped", logging.KeyError, err.Error())
			continue
		}
		if !h.enqueue(ctx, msg) {
			return
		}
	}
}

// audioLoop pulls Opus buffers from the audio collaborator.
func (h *Handler) audioLoop(ctx context.Context) {
	for {
		buf, err := h.collab.Audio.Next(ctx)
		if err != nil {
			if ctx.Err() == nil {
				h.logger.Warn("audio source failed", logging.KeyError, err.Error())
			}
			return
		}
		if !h.enqueue(ctx, media.WrapAudio(buf)) {
			return
		}
	}
}

// readLoop processes inbound messages in arrival order. The idle deadline
// is refreshed on every message; latency probes count as traffic.
func (h *Handler) readLoop(ctx context.Context) error {
	for {
		if err := h.conn.SetReadDeadline(time.Now().Add(h.policy.IdleTimeout)); err != nil {
			return err
		}

		msg, err := h.codec.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		switch m := msg.(type) {
		case *protocol.LatencyProbe:
			h.metrics.LatencyProbes.Inc()
			if !h.enqueue(ctx, m) {
				return nil
			}
		case *protocol.MouseEvent:
			h.metrics.InputEventsReceived.WithLabelValues("mouse").Inc()
			h.handleMouse(m)
		case *protocol.KeyEvent:
			h.metrics.InputEventsReceived.WithLabelValues("key").Inc()
			h.handleKey(m)
		case *protocol.ClipboardText:
			h.metrics.InputEventsReceived.WithLabelValues("clipboard").Inc()
			if h.collab.Clipboard != nil {
				if err := h.collab.Clipboard.SetClipboard(m.Text); err != nil {
					h.logger.Warn("clipboard update failed", logging.KeyError, err.Error())
				}
			}
		case *protocol.CloseReason:
			h.logger.Info("peer closed session", logging.KeyReason, m.Reason)
			return nil
		default:
			return fmt.Errorf("%w: %s in phase %s", ErrUnexpectedMessage, protocol.MessageTypeName(msg.Type()), h.phase)
		}
	}
}

// handleMouse translates and forwards a pointer event. View-only sessions
// drop input silently.
func (h *Handler) handleMouse(m *protocol.MouseEvent) {
	if h.sessionType == protocol.SessionTypeViewOnly || h.collab.Input == nil {
		return
	}
	if err := h.collab.Input.SendPointer(h.adapter.TranslateMouse(m)); err != nil {
		h.logger.Warn("pointer event failed", logging.KeyError, err.Error())
	}
}

// handleKey translates and forwards a keyboard event.
func (h *Handler) handleKey(m *protocol.KeyEvent) {
	if h.sessionType == protocol.SessionTypeViewOnly || h.collab.Input == nil {
		return
	}
	ev, err := h.adapter.TranslateKey(m)
	if err != nil {
		h.logger.Warn("key event dropped", logging.KeyError, err.Error())
		return
	}
	if err := h.collab.Input.SendKeyboard(ev); err != nil {
		h.logger.Warn("keyboard event failed", logging.KeyError, err.Error())
	}
}

// releaseStuckModifiers emits release events for any modifier the adapter
// still believes is held when the session ends.
func (h *Handler) releaseStuckModifiers() {
	if h.collab.Input == nil {
		return
	}
	for _, ev := range h.adapter.Reset() {
		if err := h.collab.Input.SendKeyboard(ev); err != nil {
			h.logger.Warn("modifier release failed", logging.KeyError, err.Error())
		}
	}
}

// sendCloseReason makes a best-effort attempt to tell the peer why the
// connection is closing. Only used during the handshake, where this
// goroutine is the sole writer.
func (h *Handler) sendCloseReason(reason string) {
	h.conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	if err := h.codec.WriteMessage(&protocol.CloseReason{Reason: reason}); err != nil {
		h.logger.Debug("close reason not delivered", logging.KeyError, err.Error())
	}
}

// ============================================================================
// Byte accounting
// ============================================================================

// countingConn wraps a net.Conn with byte counters.
type countingConn struct {
	net.Conn
	read    atomic.Int64
	written atomic.Int64
}

func (c *countingConn) Read(p []byte) (int, error) {
	n, err := c.Conn.Read(p)
	c.read.Add(int64(n))
	return n, err
}

func (c *countingConn) Write(p []byte) (int, error) {
	n, err := c.Conn.Write(p)
	c.written.Add(int64(n))
	return n, err
}

func (c *countingConn) BytesRead() int64    { return c.read.Load() }
func (c *countingConn) BytesWritten() int64 { return c.written.Load() }
