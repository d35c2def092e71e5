package relay

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/kvmgate/kvmgate/internal/config"
	"github.com/kvmgate/kvmgate/internal/logging"
	"github.com/kvmgate/kvmgate/internal/metrics"
	"github.com/kvmgate/kvmgate/internal/protocol"
	"github.com/kvmgate/kvmgate/internal/secure"
)

func testDialer(t *testing.T, pairingWait time.Duration) *Dialer {
	t.Helper()
	return NewDialer("dev-1234", config.RelayConfig{
		DialTimeout: 2 * time.Second,
		PairingWait: pairingWait,
	}, 1<<20, logging.NopLogger(), metrics.NewMetricsWithRegistry(prometheus.NewRegistry()))
}

// fakeRelay accepts one connection and runs respond against its codec.
func fakeRelay(t *testing.T, respond func(codec *protocol.Codec, req *protocol.RelayPairingRequest)) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		codec := protocol.NewCodec(conn, secure.NewSession(), 1<<20)
		msg, err := codec.ReadMessage()
		if err != nil {
			return
		}
		req, ok := msg.(*protocol.RelayPairingRequest)
		if !ok {
			return
		}
		respond(codec, req)

		// Hold the connection open so the claim result, not EOF, decides
		// the outcome.
		time.Sleep(time.Second)
	}()

	return ln.Addr().String()
}

func TestDialClaimsTicket(t *testing.T) {
	var gotDevice string
	addr := fakeRelay(t, func(codec *protocol.Codec, req *protocol.RelayPairingRequest) {
		gotDevice = req.DeviceID
		codec.WriteMessage(&protocol.RelayPairingResponse{
			TicketID: req.TicketID,
			Result:   protocol.PairingOK,
		})
	})

	ticket := Ticket{ID: uuid.New(), Server: addr, IssuedAt: time.Now()}
	conn, err := testDialer(t, 2*time.Second).Dial(context.Background(), ticket)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()

	if gotDevice != "dev-1234" {
		t.Errorf("relay saw device %q, want dev-1234", gotDevice)
	}
}

func TestDialPairingRejected(t *testing.T) {
	addr := fakeRelay(t, func(codec *protocol.Codec, req *protocol.RelayPairingRequest) {
		codec.WriteMessage(&protocol.RelayPairingResponse{
			TicketID: req.TicketID,
			Result:   protocol.PairingRejected,
		})
	})

	ticket := Ticket{ID: uuid.New(), Server: addr, IssuedAt: time.Now()}
	if _, err := testDialer(t, 2*time.Second).Dial(context.Background(), ticket); !errors.Is(err, ErrPairingRejected) {
		t.Errorf("Dial() error = %v, want ErrPairingRejected", err)
	}
}

func TestDialPairingTimeout(t *testing.T) {
	addr := fakeRelay(t, func(codec *protocol.Codec, req *protocol.RelayPairingRequest) {
		// Never respond.
	})

	ticket := Ticket{ID: uuid.New(), Server: addr, IssuedAt: time.Now()}
	if _, err := testDialer(t, 200*time.Millisecond).Dial(context.Background(), ticket); !errors.Is(err, ErrPairingTimeout) {
		t.Errorf("Dial() error = %v, want ErrPairingTimeout", err)
	}
}

func TestDialTicketIDMismatch(t *testing.T) {
	addr := fakeRelay(t, func(codec *protocol.Codec, req *protocol.RelayPairingRequest) {
		resp := &protocol.RelayPairingResponse{Result: protocol.PairingOK}
		wrong := uuid.New()
		copy(resp.TicketID[:], wrong[:])
		codec.WriteMessage(resp)
	})

	ticket := Ticket{ID: uuid.New(), Server: addr, IssuedAt: time.Now()}
	if _, err := testDialer(t, 2*time.Second).Dial(context.Background(), ticket); !errors.Is(err, ErrPairingRejected) {
		t.Errorf("Dial() error = %v, want ErrPairingRejected", err)
	}
}

func TestTicketExpiry(t *testing.T) {
	fresh := Ticket{IssuedAt: time.Now()}
	if fresh.Expired(30 * time.Second) {
		t.Error("fresh ticket reported expired")
	}

	stale := Ticket{IssuedAt: time.Now().Add(-31 * time.Second)}
	if !stale.Expired(30 * time.Second) {
		t.Error("stale ticket reported fresh")
	}
}

func TestTicketFromRequest(t *testing.T) {
	id := uuid.New()
	req := &protocol.RelayPairingRequest{
		RelayServer: "relay.example.com:7443",
		DeviceID:    "peer-1",
	}
	copy(req.TicketID[:], id[:])

	ticket := TicketFromRequest(req)
	if ticket.ID != id {
		t.Errorf("ID = %s, want %s", ticket.ID, id)
	}
	if ticket.Server != "relay.example.com:7443" || ticket.PeerID != "peer-1" {
		t.Errorf("ticket = %+v", ticket)
	}
	if time.Since(ticket.IssuedAt) > time.Second {
		t.Error("IssuedAt not stamped with receive time")
	}
}
