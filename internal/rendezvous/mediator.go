// Package rendezvous maintains the device's registration with the
// rendezvous server over UDP and turns inbound relay pairing requests into
// tickets for the relay dialer. Pairings always go through a relay; the
// mediator never attempts a direct path to the peer.
package rendezvous

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/kvmgate/kvmgate/internal/config"
	"github.com/kvmgate/kvmgate/internal/identity"
	"github.com/kvmgate/kvmgate/internal/logging"
	"github.com/kvmgate/kvmgate/internal/metrics"
	"github.com/kvmgate/kvmgate/internal/protocol"
	"github.com/kvmgate/kvmgate/internal/relay"
)

// State is the mediator's registration state.
type State int

// Mediator states.
const (
	StateIdle State = iota
	StateRegistering
	StateRegistered
	StateAwaitingRelayPairing
)

// String returns the state name for logs.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRegistering:
		return "registering"
	case StateRegistered:
		return "registered"
	case StateAwaitingRelayPairing:
		return "awaiting_relay_pairing"
	default:
		return "unknown"
	}
}

var (
	// ErrRegistrationRejected is returned when the server refuses the
	// device outright. Retried like any other failure; the operator may
	// fix the server side at any time.
	ErrRegistrationRejected = errors.New("registration rejected")

	// ErrIDTaken is returned when the device ID is registered to a
	// different signing key.
	ErrIDTaken = errors.New("device ID registered to another key")

	// ErrAckTimeout is returned when a registration step gets no answer.
	ErrAckTimeout = errors.New("no acknowledgement from rendezvous server")
)

// defaultTicketWindow is how long a pairing ticket stays claimable. A
// duplicate request inside the window is an idempotent retransmit; the
// same ticket ID after the window is a new pairing.
const defaultTicketWindow = 30 * time.Second

// maxDatagram bounds inbound rendezvous datagrams. Control messages are
// tiny; anything near this size is garbage.
const maxDatagram = 2048

// PairingFunc handles a claimable relay ticket. Called on its own
// goroutine; blocking here does not stall the mediator.
type PairingFunc func(ctx context.Context, ticket relay.Ticket)

// ack is a serial-tagged registration answer from the server.
type ack struct {
	msgType uint8
	serial  uint32
	result  uint8
}

// Mediator runs the registration state machine against one rendezvous
// server at a time. ConfigUpdate messages can move it to a new server.
type Mediator struct {
	cfg      config.RendezvousConfig
	ident    *identity.DeviceIdentity
	onTicket PairingFunc
	logger   *slog.Logger
	metrics  *metrics.Metrics

	limiter      *rate.Limiter
	backoff      *BackoffCalculator
	ticketWindow time.Duration

	mu           sync.Mutex
	conn         net.Conn
	state        State
	pairings     int
	serial       uint32
	configSerial uint32
	server       string
	seen         map[uuid.UUID]time.Time

	acks chan ack
}

// New creates a mediator. Run must be called to start it.
func New(cfg config.RendezvousConfig, ident *identity.DeviceIdentity, onTicket PairingFunc, logger *slog.Logger, m *metrics.Metrics) *Mediator {
	burst := cfg.RegisterRateBurst
	if burst <= 0 {
		burst = 4
	}
	perSec := cfg.RegisterRatePerSec
	if perSec <= 0 {
		perSec = 2
	}

	return &Mediator{
		cfg:      cfg,
		ident:    ident,
		onTicket: onTicket,
		logger:   logger.With(logging.KeyComponent, "rendezvous"),
		metrics:  m,
		limiter:  rate.NewLimiter(rate.Limit(perSec), burst),
		backoff: NewBackoffCalculator(BackoffConfig{
			InitialDelay: cfg.ReconnectInitial,
			MaxDelay:     cfg.ReconnectMax,
			Multiplier:   cfg.ReconnectMultiplier,
			Jitter:       0.2,
		}),
		ticketWindow: defaultTicketWindow,
		state:        StateIdle,
		server:       cfg.Server,
		seen:         make(map[uuid.UUID]time.Time),
		acks:         make(chan ack, 8),
	}
}

// State returns the current registration state. Concurrent pairings show
// as StateAwaitingRelayPairing.
func (m *Mediator) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateRegistered && m.pairings > 0 {
		return StateAwaitingRelayPairing
	}
	return m.state
}

// Server returns the rendezvous server currently in use. ConfigUpdate can
// change it at runtime.
func (m *Mediator) Server() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.server
}

// Run registers with the rendezvous server and keeps the registration
// alive until ctx is cancelled. Failures back off exponentially and retry
// forever.
func (m *Mediator) Run(ctx context.Context) error {
	attempt := 0
	for {
		registered, err := m.runOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		m.metrics.Registered.Set(0)
		m.setState(StateIdle)

		if registered {
			attempt = 0
		}
		delay := m.backoff.Delay(attempt)
		attempt++

		m.logger.Warn("rendezvous connection lost",
			logging.KeyServer, m.Server(),
			logging.KeyError, errString(err),
			logging.KeyDuration, delay.Round(time.Millisecond).String(),
		)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func errString(err error) string {
	if err == nil {
		return "connection closed"
	}
	return err.Error()
}

// runOnce dials the current server, registers, and services the
// connection until it fails. Returns whether registration succeeded at
// least once this round.
func (m *Mediator) runOnce(ctx context.Context) (bool, error) {
	server := m.Server()

	conn, err := net.Dial("udp", server)
	if err != nil {
		return false, fmt.Errorf("dial rendezvous %s: %w", server, err)
	}
	defer conn.Close()

	m.mu.Lock()
	m.conn = conn
	m.mu.Unlock()

	// Unblock the read loop on shutdown.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	readErr := make(chan error, 1)
	go m.readLoop(ctx, conn, readErr)

	m.setState(StateRegistering)
	if err := m.register(ctx); err != nil {
		return false, err
	}

	m.setState(StateRegistered)
	m.metrics.Registered.Set(1)
	m.logger.Info("registered with rendezvous server",
		logging.KeyServer, server,
		logging.KeyDeviceID, m.ident.ShortID(),
	)

	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return true, ctx.Err()
		case err := <-readErr:
			return true, err
		case <-ticker.C:
			if err := m.register(ctx); err != nil {
				return true, fmt.Errorf("registration refresh: %w", err)
			}
			if m.Server() != server {
				// ConfigUpdate moved us; redial immediately.
				return true, nil
			}
		}
	}
}

// register runs the registration exchange, including the signed public
// key step on a fresh server.
func (m *Mediator) register(ctx context.Context) error {
	for attempt := 0; attempt < 2; attempt++ {
		serial := m.nextSerial()
		m.metrics.RegistrationAttempts.Inc()

		if err := m.send(ctx, &protocol.RegisterDevice{
			Serial:   serial,
			DeviceID: m.ident.ID(),
		}); err != nil {
			return err
		}

		a, err := m.awaitAck(ctx, protocol.MsgRegisterDeviceAck, serial)
		if err != nil {
			m.metrics.RegistrationFailures.Inc()
			return err
		}

		switch a.result {
		case protocol.RegisterOK:
			return nil
		case protocol.RegisterNeedPubKey:
			if err := m.registerPublicKey(ctx); err != nil {
				m.metrics.RegistrationFailures.Inc()
				return err
			}
			// Loop: re-announce now that the key is on file.
		case protocol.RegisterIDTaken:
			m.metrics.RegistrationFailures.Inc()
			return ErrIDTaken
		default:
			m.metrics.RegistrationFailures.Inc()
			return fmt.Errorf("%w: result %d", ErrRegistrationRejected, a.result)
		}
	}
	return fmt.Errorf("%w: server still wants the public key after upload", ErrRegistrationRejected)
}

// registerPublicKey uploads the signed identity block proving possession
// of the signing key behind the device ID.
func (m *Mediator) registerPublicKey(ctx context.Context) error {
	serial := m.nextSerial()

	if err := m.send(ctx, &protocol.RegisterPublicKey{
		Serial:      serial,
		DeviceID:    m.ident.ID(),
		SigningKey:  m.ident.SigningPublicKey(),
		SignedBlock: m.ident.SignBlock([]byte(m.ident.ID())),
	}); err != nil {
		return err
	}

	a, err := m.awaitAck(ctx, protocol.MsgRegisterPublicKeyAck, 0)
	if err != nil {
		return err
	}
	if a.result != protocol.RegisterOK {
		return fmt.Errorf("%w: public key result %d", ErrRegistrationRejected, a.result)
	}
	return nil
}

// awaitAck waits for a matching acknowledgement. Serial 0 matches any;
// stale answers from earlier rounds are discarded.
func (m *Mediator) awaitAck(ctx context.Context, msgType uint8, serial uint32) (ack, error) {
	timer := time.NewTimer(m.cfg.ResponseTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ack{}, ctx.Err()
		case <-timer.C:
			return ack{}, ErrAckTimeout
		case a := <-m.acks:
			if a.msgType != msgType {
				continue
			}
			if serial != 0 && a.serial != serial {
				continue
			}
			return a, nil
		}
	}
}

// send encodes one message as a single datagram, respecting the outbound
// rate cap.
func (m *Mediator) send(ctx context.Context, msg protocol.Message) error {
	if err := m.limiter.Wait(ctx); err != nil {
		return err
	}

	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		return errors.New("rendezvous connection not established")
	}

	_, err := conn.Write(protocol.Encode(msg))
	return err
}

// readLoop decodes inbound datagrams until the connection fails. One
// datagram carries exactly one message; framing is not used over UDP.
func (m *Mediator) readLoop(ctx context.Context, conn net.Conn, readErr chan<- error) {
	buf := make([]byte, maxDatagram)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			readErr <- err
			return
		}

		msg, err := protocol.Decode(buf[:n])
		if err != nil {
			m.logger.Debug("discarding malformed datagram", logging.KeyError, err.Error())
			continue
		}

		switch v := msg.(type) {
		case *protocol.RegisterDeviceAck:
			m.deliverAck(ack{msgType: protocol.MsgRegisterDeviceAck, serial: v.Serial, result: v.Result})
		case *protocol.RegisterPublicKeyAck:
			m.deliverAck(ack{msgType: protocol.MsgRegisterPublicKeyAck, result: v.Result})
		case *protocol.RelayPairingRequest:
			m.handlePairing(ctx, v)
		case *protocol.ConfigUpdate:
			m.handleConfigUpdate(v)
		default:
			m.logger.Debug("ignoring unexpected rendezvous message",
				"type", protocol.MessageTypeName(msg.Type()),
			)
		}
	}
}

func (m *Mediator) deliverAck(a ack) {
	select {
	case m.acks <- a:
	default:
		// Nobody waiting; a stale ack is worthless.
	}
}

// handlePairing answers a relay pairing request and hands the ticket to
// the pairing handler. Retransmits inside the ticket window are answered
// but not re-dispatched; the same ticket ID after the window counts as a
// brand new pairing.
func (m *Mediator) handlePairing(ctx context.Context, req *protocol.RelayPairingRequest) {
	ticket := relay.TicketFromRequest(req)

	m.mu.Lock()
	m.pruneSeenLocked()
	issued, duplicate := m.seen[ticket.ID]
	if duplicate && time.Since(issued) <= m.ticketWindow {
		m.mu.Unlock()
		m.logger.Debug("retransmitted pairing request",
			logging.KeyTicketID, ticket.ID.String(),
		)
		m.respondPairing(ctx, req.TicketID, protocol.PairingOK)
		return
	}
	m.seen[ticket.ID] = ticket.IssuedAt
	m.pairings++
	m.mu.Unlock()

	m.metrics.RelayTicketsIssued.Inc()
	m.logger.Info("relay pairing requested",
		logging.KeyTicketID, ticket.ID.String(),
		logging.KeyRelayAddr, ticket.Server,
		logging.KeyPeerID, ticket.PeerID,
	)

	m.respondPairing(ctx, req.TicketID, protocol.PairingOK)

	go func() {
		defer func() {
			m.mu.Lock()
			m.pairings--
			m.mu.Unlock()
		}()
		m.onTicket(ctx, ticket)
	}()
}

func (m *Mediator) respondPairing(ctx context.Context, ticketID [protocol.TicketIDSize]byte, result uint8) {
	if err := m.send(ctx, &protocol.RelayPairingResponse{TicketID: ticketID, Result: result}); err != nil {
		m.logger.Warn("pairing response not sent", logging.KeyError, err.Error())
	}
}

// pruneSeenLocked drops ticket records past the window. Caller holds mu.
func (m *Mediator) pruneSeenLocked() {
	for id, issued := range m.seen {
		if time.Since(issued) > m.ticketWindow {
			delete(m.seen, id)
		}
	}
}

// handleConfigUpdate applies a server-pushed configuration change. Serial
// numbers make redelivery harmless.
func (m *Mediator) handleConfigUpdate(cu *protocol.ConfigUpdate) {
	m.mu.Lock()
	if cu.Serial <= m.configSerial {
		m.mu.Unlock()
		m.logger.Debug("ignoring replayed config update", "serial", cu.Serial)
		return
	}
	m.configSerial = cu.Serial

	changed := cu.RendezvousServer != "" && cu.RendezvousServer != m.server
	if changed {
		m.server = cu.RendezvousServer
	}
	m.mu.Unlock()

	m.metrics.ConfigUpdates.Inc()
	if changed {
		m.logger.Info("rendezvous server reassigned",
			logging.KeyServer, cu.RendezvousServer,
			"serial", cu.Serial,
		)
	}
}

func (m *Mediator) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

func (m *Mediator) nextSerial() uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.serial++
	return m.serial
}
