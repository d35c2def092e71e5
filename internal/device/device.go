// Package device wires the subsystems into a running endpoint: rendezvous
// registration, relay dialing for incoming pairings, session handlers, and
// the metrics listener.
package device

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/common/version"

	"github.com/kvmgate/kvmgate/internal/config"
	"github.com/kvmgate/kvmgate/internal/identity"
	"github.com/kvmgate/kvmgate/internal/logging"
	"github.com/kvmgate/kvmgate/internal/metrics"
	"github.com/kvmgate/kvmgate/internal/relay"
	"github.com/kvmgate/kvmgate/internal/rendezvous"
	"github.com/kvmgate/kvmgate/internal/session"
)

// ticketWindow is how long a pairing ticket is worth dialing for. Stale
// tickets are dropped without touching the relay.
const ticketWindow = 30 * time.Second

// Options configure a Device.
type Options struct {
	Config        *config.Config
	Identity      *identity.DeviceIdentity
	Collaborators session.Collaborators
	Logger        *slog.Logger
	Metrics       *metrics.Metrics
	Gatherer      prometheus.Gatherer // defaults to prometheus.DefaultGatherer
}

// Device is the top-level endpoint. One Device runs one identity against
// one rendezvous server and any number of concurrent relay sessions.
type Device struct {
	cfg     *config.Config
	ident   *identity.DeviceIdentity
	collab  session.Collaborators
	logger  *slog.Logger
	metrics *metrics.Metrics

	dialer   *relay.Dialer
	mediator *rendezvous.Mediator
	gatherer prometheus.Gatherer

	mu       sync.Mutex
	sessions map[string]*session.Handler
	reserved int
	wg       sync.WaitGroup
}

// New assembles a device from its options.
func New(opts Options) *Device {
	logger := opts.Logger.With(logging.KeyComponent, "device")
	gatherer := opts.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	d := &Device{
		cfg:      opts.Config,
		ident:    opts.Identity,
		collab:   opts.Collaborators,
		logger:   logger,
		metrics:  opts.Metrics,
		gatherer: gatherer,
		sessions: make(map[string]*session.Handler),
	}

	d.dialer = relay.NewDialer(
		opts.Identity.ID(),
		opts.Config.Relay,
		opts.Config.Limits.MaxFramePayload,
		opts.Logger,
		opts.Metrics,
	)
	d.mediator = rendezvous.New(
		opts.Config.Rendezvous,
		opts.Identity,
		d.handleTicket,
		opts.Logger,
		opts.Metrics,
	)

	return d
}

// SessionCount returns the number of live relay sessions.
func (d *Device) SessionCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sessions)
}

// Run starts the device and blocks until ctx is cancelled. Active sessions
// are drained before it returns.
func (d *Device) Run(ctx context.Context) error {
	d.logger.Info("device starting",
		logging.KeyDeviceID, d.ident.ShortID(),
		logging.KeyServer, d.cfg.Rendezvous.Server,
	)

	var metricsSrv *http.Server
	if d.cfg.Metrics.Enabled {
		metricsSrv = d.startMetricsServer()
	}

	var err error
	if d.cfg.Rendezvous.Enabled {
		err = d.mediator.Run(ctx)
	} else {
		d.logger.Warn("rendezvous disabled; device is unreachable until it is enabled")
		<-ctx.Done()
		err = ctx.Err()
	}

	d.wg.Wait()

	if metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		metricsSrv.Shutdown(shutdownCtx)
	}

	d.logger.Info("device stopped")
	if err == context.Canceled {
		return nil
	}
	return err
}

// handleTicket dials the relay for one pairing ticket and runs the
// resulting session. Called by the mediator on its own goroutine.
func (d *Device) handleTicket(ctx context.Context, ticket relay.Ticket) {
	if ticket.Expired(ticketWindow) {
		d.metrics.RelayTicketsExpired.Inc()
		d.logger.Warn("dropping expired relay ticket",
			logging.KeyTicketID, ticket.ID.String(),
		)
		return
	}

	if !d.reserveSlot() {
		d.metrics.SessionsRejected.WithLabelValues("max_sessions").Inc()
		d.logger.Warn("session limit reached; pairing refused",
			logging.KeyTicketID, ticket.ID.String(),
			logging.KeyCount, d.cfg.Limits.MaxSessions,
		)
		return
	}

	conn, err := d.dialer.Dial(ctx, ticket)
	if err != nil {
		d.unreserveSlot()
		d.metrics.SessionsRejected.WithLabelValues("relay_dial").Inc()
		d.logger.Warn("relay dial failed",
			logging.KeyTicketID, ticket.ID.String(),
			logging.KeyError, err.Error(),
		)
		return
	}

	h := session.New(conn, d.ident, session.Policy{
		Password:         d.cfg.Security.Password,
		MaxAuthAttempts:  d.cfg.Security.MaxAuthAttempts,
		ChallengeTimeout: d.cfg.Security.ChallengeTimeout,
		IdleTimeout:      d.cfg.Security.IdleTimeout,
		MaxFramePayload:  d.cfg.Limits.MaxFramePayload,
		SendQueueDepth:   d.cfg.Limits.SendQueueDepth,
	}, d.collab, d.logger, d.metrics)

	d.adoptSlot(h)

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer d.releaseSlot(h.ID())
		h.Run(ctx)
	}()
}

// reserveSlot claims a session slot under the configured limit before the
// relay dial starts, so concurrent pairings cannot oversubscribe.
func (d *Device) reserveSlot() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.sessions)+d.reserved >= d.cfg.Limits.MaxSessions {
		return false
	}
	d.reserved++
	return true
}

func (d *Device) unreserveSlot() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.reserved--
}

// adoptSlot converts the reservation into a tracked handler.
func (d *Device) adoptSlot(h *session.Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.reserved--
	d.sessions[h.ID()] = h
}

func (d *Device) releaseSlot(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.sessions, id)
}

// startMetricsServer serves /metrics and /version on the configured
// listener. Errors after startup only get logged; metrics are not worth
// taking the device down for.
func (d *Device) startMetricsServer() *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(d.gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/version", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		fmt.Fprintln(w, version.Print("kvmgate"))
	})

	srv := &http.Server{
		Addr:    d.cfg.Metrics.Address,
		Handler: mux,
	}

	go func() {
		d.logger.Info("metrics listener started", logging.KeyAddress, srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			d.logger.Warn("metrics listener failed", logging.KeyError, err.Error())
		}
	}()

	return srv
}
