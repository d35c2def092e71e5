package rendezvous

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/kvmgate/kvmgate/internal/config"
	"github.com/kvmgate/kvmgate/internal/identity"
	"github.com/kvmgate/kvmgate/internal/logging"
	"github.com/kvmgate/kvmgate/internal/metrics"
	"github.com/kvmgate/kvmgate/internal/protocol"
	"github.com/kvmgate/kvmgate/internal/relay"
	"github.com/kvmgate/kvmgate/internal/secure"
)

func testConfig(server string) config.RendezvousConfig {
	return config.RendezvousConfig{
		Enabled:             true,
		Server:              server,
		HeartbeatInterval:   time.Hour, // keep heartbeats out of the way
		ResponseTimeout:     2 * time.Second,
		RegisterRateBurst:   32,
		RegisterRatePerSec:  1000,
		ReconnectInitial:    20 * time.Millisecond,
		ReconnectMax:        100 * time.Millisecond,
		ReconnectMultiplier: 2,
	}
}

// fakeServer is a scripted rendezvous server on loopback UDP.
type fakeServer struct {
	t    *testing.T
	conn *net.UDPConn
	peer *net.UDPAddr
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("ListenUDP() error = %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return &fakeServer{t: t, conn: conn}
}

func (s *fakeServer) addr() string { return s.conn.LocalAddr().String() }

func (s *fakeServer) read() protocol.Message {
	s.t.Helper()
	buf := make([]byte, 2048)
	s.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	n, peer, err := s.conn.ReadFromUDP(buf)
	if err != nil {
		s.t.Fatalf("ReadFromUDP() error = %v", err)
	}
	s.peer = peer
	msg, err := protocol.Decode(buf[:n])
	if err != nil {
		s.t.Fatalf("Decode() error = %v", err)
	}
	return msg
}

func (s *fakeServer) write(msg protocol.Message) {
	s.t.Helper()
	if _, err := s.conn.WriteToUDP(protocol.Encode(msg), s.peer); err != nil {
		s.t.Fatalf("WriteToUDP() error = %v", err)
	}
}

// acceptRegistration plays the plain OK path for one RegisterDevice.
func (s *fakeServer) acceptRegistration() {
	s.t.Helper()
	msg := s.read()
	reg, ok := msg.(*protocol.RegisterDevice)
	if !ok {
		s.t.Fatalf("expected RegisterDevice, got %s", protocol.MessageTypeName(msg.Type()))
	}
	s.write(&protocol.RegisterDeviceAck{Serial: reg.Serial, Result: protocol.RegisterOK})
}

func startMediator(t *testing.T, cfg config.RendezvousConfig) (*Mediator, *metrics.Metrics, chan relay.Ticket) {
	t.Helper()
	ident, err := identity.Generate()
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	tickets := make(chan relay.Ticket, 8)
	m := metrics.NewMetricsWithRegistry(prometheus.NewRegistry())
	med := New(cfg, ident, func(ctx context.Context, ticket relay.Ticket) {
		tickets <- ticket
	}, logging.NopLogger(), m)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		med.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	return med, m, tickets
}

func waitForState(t *testing.T, med *Mediator, want State) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if med.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("state = %s, want %s", med.State(), want)
}

func TestRegistrationWithPublicKeyUpload(t *testing.T) {
	srv := newFakeServer(t)
	med, _, _ := startMediator(t, testConfig(srv.addr()))

	// Fresh server: demand the public key first.
	msg := srv.read()
	reg, ok := msg.(*protocol.RegisterDevice)
	if !ok {
		t.Fatalf("expected RegisterDevice, got %s", protocol.MessageTypeName(msg.Type()))
	}
	srv.write(&protocol.RegisterDeviceAck{Serial: reg.Serial, Result: protocol.RegisterNeedPubKey})

	msg = srv.read()
	pk, ok := msg.(*protocol.RegisterPublicKey)
	if !ok {
		t.Fatalf("expected RegisterPublicKey, got %s", protocol.MessageTypeName(msg.Type()))
	}
	if pk.DeviceID != reg.DeviceID {
		t.Errorf("public key for device %q, registered %q", pk.DeviceID, reg.DeviceID)
	}
	opened, err := secure.OpenSigned(pk.SignedBlock, pk.SigningKey)
	if err != nil {
		t.Fatalf("signed block does not verify: %v", err)
	}
	if !bytes.Equal(opened, []byte(pk.DeviceID)) {
		t.Error("signed block does not attest the device ID")
	}
	srv.write(&protocol.RegisterPublicKeyAck{Result: protocol.RegisterOK})

	// Device re-announces once the key is on file.
	srv.acceptRegistration()

	waitForState(t, med, StateRegistered)
}

func TestPairingRequestDispatchedOnce(t *testing.T) {
	srv := newFakeServer(t)
	med, _, tickets := startMediator(t, testConfig(srv.addr()))

	srv.acceptRegistration()
	waitForState(t, med, StateRegistered)

	req := &protocol.RelayPairingRequest{
		RelayServer: "relay.example.com:7443",
		DeviceID:    "peer-9",
	}
	secure.RandomBytes(req.TicketID[:])

	srv.write(req)

	// The request is acknowledged and handed to the pairing handler.
	resp, ok := srv.read().(*protocol.RelayPairingResponse)
	if !ok {
		t.Fatal("expected RelayPairingResponse")
	}
	if resp.TicketID != req.TicketID || resp.Result != protocol.PairingOK {
		t.Errorf("response = %+v", resp)
	}

	select {
	case ticket := <-tickets:
		if ticket.Server != "relay.example.com:7443" || ticket.PeerID != "peer-9" {
			t.Errorf("ticket = %+v", ticket)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pairing handler not invoked")
	}

	// A retransmit inside the window is acknowledged but not re-dispatched.
	srv.write(req)
	if _, ok := srv.read().(*protocol.RelayPairingResponse); !ok {
		t.Fatal("retransmit not acknowledged")
	}
	select {
	case <-tickets:
		t.Fatal("retransmitted ticket dispatched twice")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestExpiredTicketIDTreatedAsNew(t *testing.T) {
	srv := newFakeServer(t)

	ident, err := identity.Generate()
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	tickets := make(chan relay.Ticket, 8)
	med := New(testConfig(srv.addr()), ident, func(ctx context.Context, ticket relay.Ticket) {
		tickets <- ticket
	}, logging.NopLogger(), metrics.NewMetricsWithRegistry(prometheus.NewRegistry()))
	med.ticketWindow = 50 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		med.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	srv.acceptRegistration()
	waitForState(t, med, StateRegistered)

	req := &protocol.RelayPairingRequest{RelayServer: "relay:1", DeviceID: "peer"}
	secure.RandomBytes(req.TicketID[:])

	srv.write(req)
	srv.read()
	<-tickets

	time.Sleep(100 * time.Millisecond) // let the window lapse

	srv.write(req)
	srv.read()
	select {
	case <-tickets:
	case <-time.After(2 * time.Second):
		t.Fatal("ticket ID past its window not treated as a new pairing")
	}
}

func TestConfigUpdateIsIdempotent(t *testing.T) {
	srv := newFakeServer(t)
	med, m, _ := startMediator(t, testConfig(srv.addr()))

	srv.acceptRegistration()
	waitForState(t, med, StateRegistered)

	update := &protocol.ConfigUpdate{Serial: 5, RendezvousServer: "127.0.0.1:19999"}
	srv.write(update)

	deadline := time.Now().Add(2 * time.Second)
	for med.Server() != "127.0.0.1:19999" {
		if time.Now().After(deadline) {
			t.Fatal("config update not applied")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// Redelivery of the same serial changes nothing.
	srv.write(update)
	srv.write(&protocol.ConfigUpdate{Serial: 4, RendezvousServer: "127.0.0.1:11111"})
	time.Sleep(100 * time.Millisecond)

	if got := med.Server(); got != "127.0.0.1:19999" {
		t.Errorf("Server() = %q after replayed updates", got)
	}
	if got := testutil.ToFloat64(m.ConfigUpdates); got != 1 {
		t.Errorf("ConfigUpdates = %v, want 1", got)
	}
}

func TestBackoffGrowsAndCaps(t *testing.T) {
	b := NewBackoffCalculator(BackoffConfig{
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     400 * time.Millisecond,
		Multiplier:   2,
		Jitter:       0,
	})

	want := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		400 * time.Millisecond,
	}
	for attempt, w := range want {
		if got := b.Delay(attempt); got != w {
			t.Errorf("Delay(%d) = %v, want %v", attempt, got, w)
		}
	}
}

func TestRegistrationTimeoutRetries(t *testing.T) {
	srv := newFakeServer(t)

	cfg := testConfig(srv.addr())
	cfg.ResponseTimeout = 50 * time.Millisecond

	med, m, _ := startMediator(t, cfg)

	// Ignore the first announcement; the mediator must back off and retry.
	srv.read()
	srv.acceptRegistration()

	waitForState(t, med, StateRegistered)
	if got := testutil.ToFloat64(m.RegistrationFailures); got < 1 {
		t.Errorf("RegistrationFailures = %v, want at least 1", got)
	}
}
