package device

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/kvmgate/kvmgate/internal/config"
	"github.com/kvmgate/kvmgate/internal/identity"
	"github.com/kvmgate/kvmgate/internal/logging"
	"github.com/kvmgate/kvmgate/internal/metrics"
	"github.com/kvmgate/kvmgate/internal/protocol"
	"github.com/kvmgate/kvmgate/internal/relay"
	"github.com/kvmgate/kvmgate/internal/secure"
	"github.com/kvmgate/kvmgate/internal/session"
)

func testDevice(t *testing.T, mutate func(*config.Config)) (*Device, *metrics.Metrics) {
	t.Helper()

	cfg := &config.Config{}
	cfg.ApplyDefaults()
	cfg.Device.Name = "bench-node"
	cfg.Rendezvous.Server = "127.0.0.1:4500"
	cfg.Security.Password = "pw"
	cfg.Relay.DialTimeout = time.Second
	cfg.Relay.PairingWait = time.Second
	if mutate != nil {
		mutate(cfg)
	}

	ident, err := identity.Generate()
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	m := metrics.NewMetricsWithRegistry(prometheus.NewRegistry())
	d := New(Options{
		Config:        cfg,
		Identity:      ident,
		Collaborators: session.Collaborators{},
		Logger:        logging.NopLogger(),
		Metrics:       m,
	})
	return d, m
}

func TestExpiredTicketDropped(t *testing.T) {
	d, m := testDevice(t, nil)

	d.handleTicket(context.Background(), relay.Ticket{
		ID:       uuid.New(),
		Server:   "127.0.0.1:1",
		IssuedAt: time.Now().Add(-time.Minute),
	})

	if got := testutil.ToFloat64(m.RelayTicketsExpired); got != 1 {
		t.Errorf("RelayTicketsExpired = %v, want 1", got)
	}
	if d.SessionCount() != 0 {
		t.Error("expired ticket produced a session")
	}
}

func TestSessionLimitRefusesPairing(t *testing.T) {
	d, m := testDevice(t, func(cfg *config.Config) {
		cfg.Limits.MaxSessions = 0
	})

	d.handleTicket(context.Background(), relay.Ticket{
		ID:       uuid.New(),
		Server:   "127.0.0.1:1",
		IssuedAt: time.Now(),
	})

	if got := testutil.ToFloat64(m.SessionsRejected.WithLabelValues("max_sessions")); got != 1 {
		t.Errorf("SessionsRejected[max_sessions] = %v, want 1", got)
	}
}

func TestRelayDialFailureReleasesSlot(t *testing.T) {
	d, m := testDevice(t, func(cfg *config.Config) {
		cfg.Limits.MaxSessions = 1
		cfg.Relay.DialTimeout = 100 * time.Millisecond
	})

	// Unroutable port; the dial fails fast.
	d.handleTicket(context.Background(), relay.Ticket{
		ID:       uuid.New(),
		Server:   "127.0.0.1:1",
		IssuedAt: time.Now(),
	})

	if got := testutil.ToFloat64(m.SessionsRejected.WithLabelValues("relay_dial")); got != 1 {
		t.Errorf("SessionsRejected[relay_dial] = %v, want 1", got)
	}

	// The slot must be free again for the next ticket.
	d.mu.Lock()
	free := len(d.sessions)+d.reserved == 0
	d.mu.Unlock()
	if !free {
		t.Error("failed dial left a session slot reserved")
	}
}

func TestPairedTicketSpawnsSession(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	defer ln.Close()

	started := make(chan struct{})
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
		req := msg.(*protocol.RelayPairingRequest)
		codec.WriteMessage(&protocol.RelayPairingResponse{
			TicketID: req.TicketID,
			Result:   protocol.PairingOK,
		})
		close(started)

		// Keep the paired connection open while the session handshake
		// waits on the peer.
		time.Sleep(500 * time.Millisecond)
	}()

	d, m := testDevice(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go d.handleTicket(ctx, relay.Ticket{
		ID:       uuid.New(),
		Server:   ln.Addr().String(),
		IssuedAt: time.Now(),
	})

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("ticket never claimed at the relay")
	}

	deadline := time.Now().Add(5 * time.Second)
	for d.SessionCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("paired connection did not become a session")
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	deadline = time.Now().Add(5 * time.Second)
	for d.SessionCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("session not torn down on shutdown")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if got := testutil.ToFloat64(m.SessionsTotal); got != 1 {
		t.Errorf("SessionsTotal = %v, want 1", got)
	}
}
