// Package metrics provides Prometheus metrics for KVM Gate.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "kvmgate"
)

// Metrics contains all Prometheus metrics for the device endpoint.
type Metrics struct {
	// Session metrics
	SessionsActive   prometheus.Gauge
	SessionsTotal    prometheus.Counter
	SessionsRejected *prometheus.CounterVec
	SessionCloses    *prometheus.CounterVec
	HandshakeLatency prometheus.Histogram
	AuthFailures     prometheus.Counter

	// Streaming metrics
	VideoFramesSent     prometheus.Counter
	AudioFramesSent     prometheus.Counter
	InputEventsReceived *prometheus.CounterVec
	BytesSent           prometheus.Counter
	BytesReceived       prometheus.Counter
	LatencyProbes       prometheus.Counter

	// Rendezvous metrics
	RegistrationAttempts prometheus.Counter
	RegistrationFailures prometheus.Counter
	Registered           prometheus.Gauge
	ConfigUpdates        prometheus.Counter

	// Relay metrics
	RelayTicketsIssued  prometheus.Counter
	RelayTicketsExpired prometheus.Counter
	RelayPairings       prometheus.Counter
	RelayPairingLatency prometheus.Histogram
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the default metrics instance.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewMetrics()
	})
	return defaultMetrics
}

// NewMetrics creates a new Metrics instance with all metrics registered.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates a new Metrics instance with a custom registry.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		SessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of currently active relay sessions",
		}),
		SessionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Total number of relay sessions accepted",
		}),
		SessionsRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_rejected_total",
			Help:      "Sessions rejected before streaming, by reason",
		}, []string{"reason"}),
		SessionCloses: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_closes_total",
			Help:      "Session teardowns by reason",
		}, []string{"reason"}),
		HandshakeLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "handshake_duration_seconds",
			Help:      "Time from accepted relay socket to authenticated session",
			Buckets:   prometheus.DefBuckets,
		}),
		AuthFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_failures_total",
			Help:      "Failed password challenge answers",
		}),

		VideoFramesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "video_frames_sent_total",
			Help:      "Video frames pushed to peers",
		}),
		AudioFramesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_frames_sent_total",
			Help:      "Audio frames pushed to peers",
		}),
		InputEventsReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "input_events_received_total",
			Help:      "Inbound input events by kind",
		}, []string{"kind"}),
		BytesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_sent_total",
			Help:      "Bytes written to relay sockets",
		}),
		BytesReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_received_total",
			Help:      "Bytes read from relay sockets",
		}),
		LatencyProbes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "latency_probes_total",
			Help:      "Latency probes echoed",
		}),

		RegistrationAttempts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "registration_attempts_total",
			Help:      "Registration datagrams sent to the rendezvous server",
		}),
		RegistrationFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "registration_failures_total",
			Help:      "Registration rounds that timed out or were rejected",
		}),
		Registered: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "registered",
			Help:      "1 when the device is registered with the rendezvous server",
		}),
		ConfigUpdates: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "config_updates_total",
			Help:      "ConfigUpdate messages applied",
		}),

		RelayTicketsIssued: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_tickets_issued_total",
			Help:      "Relay pairing tickets synthesized",
		}),
		RelayTicketsExpired: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_tickets_expired_total",
			Help:      "Relay tickets discarded because no peer claimed them",
		}),
		RelayPairings: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_pairings_total",
			Help:      "Relay connections successfully paired with a peer",
		}),
		RelayPairingLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "relay_pairing_duration_seconds",
			Help:      "Time from relay dial to pairing confirmation",
			Buckets:   prometheus.DefBuckets,
		}),
	}
}
