// Package config provides configuration parsing and validation for KVM Gate.
package config

import (
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete device endpoint configuration.
type Config struct {
	Device     DeviceConfig     `yaml:"device"`
	Rendezvous RendezvousConfig `yaml:"rendezvous"`
	Relay      RelayConfig      `yaml:"relay"`
	Security   SecurityConfig   `yaml:"security"`
	Limits     LimitsConfig     `yaml:"limits"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

// DeviceConfig contains device identity settings.
type DeviceConfig struct {
	ID        string `yaml:"id"`         // "auto" or stable device identifier
	Name      string `yaml:"name"`       // Human-readable device name
	DataDir   string `yaml:"data_dir"`   // Directory for persistent state
	LogLevel  string `yaml:"log_level"`  // debug, info, warn, error
	LogFormat string `yaml:"log_format"` // text, json
}

// RendezvousConfig defines the directory server registration settings.
type RendezvousConfig struct {
	Enabled             bool          `yaml:"enabled"`
	Server              string        `yaml:"server"`               // host:port of the rendezvous server
	HeartbeatInterval   time.Duration `yaml:"heartbeat_interval"`   // re-registration period
	ResponseTimeout     time.Duration `yaml:"response_timeout"`     // per registration step
	RegisterRateBurst   int           `yaml:"register_rate_burst"`  // outbound datagram burst cap
	RegisterRatePerSec  float64       `yaml:"register_rate_per_s"`  // outbound datagram rate cap
	ReconnectInitial    time.Duration `yaml:"reconnect_initial"`    // backoff after failure
	ReconnectMax        time.Duration `yaml:"reconnect_max"`
	ReconnectMultiplier float64       `yaml:"reconnect_multiplier"`
}

// RelayConfig defines relay connection settings.
type RelayConfig struct {
	DialTimeout time.Duration `yaml:"dial_timeout"` // TCP/WebSocket dial to the relay
	PairingWait time.Duration `yaml:"pairing_wait"` // wait window for the peer to claim a ticket
}

// SecurityConfig defines session authentication settings.
type SecurityConfig struct {
	Password         string        `yaml:"password"`           // access password
	MaxAuthAttempts  int           `yaml:"max_auth_attempts"`  // wrong answers before closing
	ChallengeTimeout time.Duration `yaml:"challenge_timeout"`  // password round-trip deadline
	IdleTimeout      time.Duration `yaml:"idle_timeout"`       // streaming loop must see traffic
}

// LimitsConfig defines resource limits.
type LimitsConfig struct {
	MaxSessions     int `yaml:"max_sessions"`      // concurrent relay sessions
	MaxFramePayload int `yaml:"max_frame_payload"` // bytes per wire frame
	SendQueueDepth  int `yaml:"send_queue_depth"`  // outbound messages buffered per session
}

// MetricsConfig defines the metrics HTTP listener.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// Default values applied by ApplyDefaults.
const (
	DefaultHeartbeatInterval = 15 * time.Second
	DefaultResponseTimeout   = 6 * time.Second
	DefaultReconnectInitial  = 1 * time.Second
	DefaultReconnectMax      = 60 * time.Second
	DefaultDialTimeout       = 10 * time.Second
	DefaultPairingWait       = 30 * time.Second
	DefaultChallengeTimeout  = 20 * time.Second
	DefaultIdleTimeout       = 45 * time.Second
	DefaultMaxAuthAttempts   = 6
	DefaultMaxSessions       = 8
	DefaultMaxFramePayload   = 1 << 20 // 1 MiB, bounds a hostile peer's allocation
	DefaultSendQueueDepth    = 256
	DefaultMetricsAddress    = "127.0.0.1:9815"
)

// Load reads and parses a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse parses configuration from YAML bytes.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// ApplyDefaults fills in default values for unset fields.
func (c *Config) ApplyDefaults() {
	if c.Device.ID == "" {
		c.Device.ID = "auto"
	}
	if c.Device.DataDir == "" {
		c.Device.DataDir = "./data"
	}
	if c.Device.LogLevel == "" {
		c.Device.LogLevel = "info"
	}
	if c.Device.LogFormat == "" {
		c.Device.LogFormat = "text"
	}

	if c.Rendezvous.HeartbeatInterval <= 0 {
		c.Rendezvous.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.Rendezvous.ResponseTimeout <= 0 {
		c.Rendezvous.ResponseTimeout = DefaultResponseTimeout
	}
	if c.Rendezvous.RegisterRateBurst <= 0 {
		c.Rendezvous.RegisterRateBurst = 10
	}
	if c.Rendezvous.RegisterRatePerSec <= 0 {
		c.Rendezvous.RegisterRatePerSec = 5
	}
	if c.Rendezvous.ReconnectInitial <= 0 {
		c.Rendezvous.ReconnectInitial = DefaultReconnectInitial
	}
	if c.Rendezvous.ReconnectMax <= 0 {
		c.Rendezvous.ReconnectMax = DefaultReconnectMax
	}
	if c.Rendezvous.ReconnectMultiplier <= 1 {
		c.Rendezvous.ReconnectMultiplier = 2.0
	}

	if c.Relay.DialTimeout <= 0 {
		c.Relay.DialTimeout = DefaultDialTimeout
	}
	if c.Relay.PairingWait <= 0 {
		c.Relay.PairingWait = DefaultPairingWait
	}

	if c.Security.MaxAuthAttempts <= 0 {
		c.Security.MaxAuthAttempts = DefaultMaxAuthAttempts
	}
	if c.Security.ChallengeTimeout <= 0 {
		c.Security.ChallengeTimeout = DefaultChallengeTimeout
	}
	if c.Security.IdleTimeout <= 0 {
		c.Security.IdleTimeout = DefaultIdleTimeout
	}

	if c.Limits.MaxSessions <= 0 {
		c.Limits.MaxSessions = DefaultMaxSessions
	}
	if c.Limits.MaxFramePayload <= 0 {
		c.Limits.MaxFramePayload = DefaultMaxFramePayload
	}
	if c.Limits.SendQueueDepth <= 0 {
		c.Limits.SendQueueDepth = DefaultSendQueueDepth
	}

	if c.Metrics.Enabled && c.Metrics.Address == "" {
		c.Metrics.Address = DefaultMetricsAddress
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Rendezvous.Enabled {
		if c.Rendezvous.Server == "" {
			return fmt.Errorf("rendezvous.server is required when rendezvous is enabled")
		}
		if _, _, err := net.SplitHostPort(c.Rendezvous.Server); err != nil {
			return fmt.Errorf("invalid rendezvous.server %q: %w", c.Rendezvous.Server, err)
		}
	}

	switch strings.ToLower(c.Device.LogLevel) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid device.log_level %q", c.Device.LogLevel)
	}

	switch strings.ToLower(c.Device.LogFormat) {
	case "text", "json":
	default:
		return fmt.Errorf("invalid device.log_format %q", c.Device.LogFormat)
	}

	if c.Metrics.Enabled {
		if _, _, err := net.SplitHostPort(c.Metrics.Address); err != nil {
			return fmt.Errorf("invalid metrics.address %q: %w", c.Metrics.Address, err)
		}
	}

	// The frame payload bound protects against memory exhaustion; do not
	// allow it above 16 MiB even by explicit configuration.
	if c.Limits.MaxFramePayload > 16<<20 {
		return fmt.Errorf("limits.max_frame_payload %d exceeds 16 MiB", c.Limits.MaxFramePayload)
	}

	return nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}
