// Package relay dials relay servers and claims pairing tickets. The relay
// is a dumb byte splicer: after the claim exchange the connection carries
// the encrypted session protocol end to end.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"

	"github.com/kvmgate/kvmgate/internal/config"
	"github.com/kvmgate/kvmgate/internal/logging"
	"github.com/kvmgate/kvmgate/internal/metrics"
	"github.com/kvmgate/kvmgate/internal/protocol"
	"github.com/kvmgate/kvmgate/internal/secure"
)

// wsReadLimit caps a single WebSocket message. Matches the hard frame cap;
// anything bigger is a protocol violation regardless of transport.
const wsReadLimit = 16 * 1024 * 1024

var (
	// ErrPairingRejected is returned when the relay refuses the ticket.
	ErrPairingRejected = errors.New("relay pairing rejected")

	// ErrPairingTimeout is returned when no peer claims the ticket within
	// the pairing window.
	ErrPairingTimeout = errors.New("relay pairing timed out")

	// ErrTicketExpired is returned for tickets past their claim window.
	ErrTicketExpired = errors.New("relay ticket expired")
)

// Ticket is one relay pairing instruction received from the rendezvous
// server. Tickets are single-use and short-lived.
type Ticket struct {
	ID       uuid.UUID
	Server   string // host:port for TCP, or a ws:// / wss:// URL
	PeerID   string
	IssuedAt time.Time
}

// TicketFromRequest builds a ticket from an inbound pairing request,
// stamped with the local receive time.
func TicketFromRequest(req *protocol.RelayPairingRequest) Ticket {
	return Ticket{
		ID:       uuid.UUID(req.TicketID),
		Server:   req.RelayServer,
		PeerID:   req.DeviceID,
		IssuedAt: time.Now(),
	}
}

// Expired reports whether the ticket's claim window has passed.
func (t Ticket) Expired(window time.Duration) bool {
	return time.Since(t.IssuedAt) > window
}

// Dialer connects to relay servers and performs the ticket claim exchange.
type Dialer struct {
	deviceID   string
	cfg        config.RelayConfig
	maxPayload int
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// NewDialer creates a relay dialer for the given device.
func NewDialer(deviceID string, cfg config.RelayConfig, maxPayload int, logger *slog.Logger, m *metrics.Metrics) *Dialer {
	return &Dialer{
		deviceID:   deviceID,
		cfg:        cfg,
		maxPayload: maxPayload,
		logger:     logger.With(logging.KeyComponent, "relay"),
		metrics:    m,
	}
}

// Dial connects to the ticket's relay server, claims the ticket, and
// returns the paired connection ready for the session handshake. The
// returned conn must be closed by the caller.
func (d *Dialer) Dial(ctx context.Context, t Ticket) (net.Conn, error) {
	start := time.Now()

	d.logger.Debug("dialing relay",
		logging.KeyTicketID, t.ID.String(),
		logging.KeyRelayAddr, t.Server,
	)

	conn, err := d.connect(ctx, t.Server)
	if err != nil {
		return nil, fmt.Errorf("relay dial %s: %w", t.Server, err)
	}

	if err := d.claim(conn, t); err != nil {
		conn.Close()
		return nil, err
	}

	d.metrics.RelayPairings.Inc()
	d.metrics.RelayPairingLatency.Observe(time.Since(start).Seconds())

	d.logger.Info("relay pairing complete",
		logging.KeyTicketID, t.ID.String(),
		logging.KeyRelayAddr, t.Server,
		logging.KeyDuration, time.Since(start).Round(time.Millisecond).String(),
	)
	return conn, nil
}

// connect opens the raw transport. WebSocket URLs get a binary-message
// net.Conn wrapper; everything else is plain TCP.
func (d *Dialer) connect(ctx context.Context, server string) (net.Conn, error) {
	if strings.HasPrefix(server, "ws://") || strings.HasPrefix(server, "wss://") {
		dialCtx, cancel := context.WithTimeout(ctx, d.cfg.DialTimeout)
		defer cancel()

		c, _, err := websocket.Dial(dialCtx, server, nil)
		if err != nil {
			return nil, err
		}
		c.SetReadLimit(wsReadLimit)
		return websocket.NetConn(ctx, c, websocket.MessageBinary), nil
	}

	nd := net.Dialer{Timeout: d.cfg.DialTimeout}
	return nd.DialContext(ctx, "tcp", server)
}

// claim performs the pairing exchange. It runs in the clear; the relay
// only sees the ticket ID, never session contents.
func (d *Dialer) claim(conn net.Conn, t Ticket) error {
	codec := protocol.NewCodec(conn, secure.NewSession(), d.maxPayload)

	conn.SetDeadline(time.Now().Add(d.cfg.PairingWait))
	defer conn.SetDeadline(time.Time{})

	req := &protocol.RelayPairingRequest{
		RelayServer: t.Server,
		DeviceID:    d.deviceID,
	}
	copy(req.TicketID[:], t.ID[:])

	if err := codec.WriteMessage(req); err != nil {
		return fmt.Errorf("send pairing request: %w", err)
	}

	msg, err := codec.ReadMessage()
	if err != nil {
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return ErrPairingTimeout
		}
		return fmt.Errorf("read pairing response: %w", err)
	}

	resp, ok := msg.(*protocol.RelayPairingResponse)
	if !ok {
		return fmt.Errorf("%w: unexpected %s", ErrPairingRejected, protocol.MessageTypeName(msg.Type()))
	}
	if resp.TicketID != req.TicketID {
		return fmt.Errorf("%w: ticket ID mismatch", ErrPairingRejected)
	}

	switch resp.Result {
	case protocol.PairingOK:
		return nil
	case protocol.PairingTimeout:
		return ErrPairingTimeout
	default:
		return fmt.Errorf("%w: result %d", ErrPairingRejected, resp.Result)
	}
}
