package rendezvous

import (
	"math"
	"time"
)

// BackoffConfig controls the retry cadence after a lost rendezvous
// registration.
type BackoffConfig struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       float64
}

// DefaultBackoffConfig returns the standard retry cadence.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialDelay: 1 * time.Second,
		MaxDelay:     60 * time.Second,
		Multiplier:   2.0,
		Jitter:       0.2, // keeps a fleet from re-registering in lockstep
	}
}

// BackoffCalculator calculates retry delays. Registration retries forever;
// a headless appliance has nothing better to do than keep trying.
type BackoffCalculator struct {
	cfg BackoffConfig
}

// NewBackoffCalculator creates a calculator with the given config. Zero
// fields fall back to defaults.
func NewBackoffCalculator(cfg BackoffConfig) *BackoffCalculator {
	def := DefaultBackoffConfig()
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = def.InitialDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = def.MaxDelay
	}
	if cfg.Multiplier <= 1 {
		cfg.Multiplier = def.Multiplier
	}
	return &BackoffCalculator{cfg: cfg}
}

// Delay returns the delay for the given attempt number (0-indexed), with
// jitter applied.
func (b *BackoffCalculator) Delay(attempt int) time.Duration {
	delay := float64(b.cfg.InitialDelay)
	if attempt > 0 {
		delay *= math.Pow(b.cfg.Multiplier, float64(attempt))
	}
	if delay > float64(b.cfg.MaxDelay) {
		delay = float64(b.cfg.MaxDelay)
	}

	if b.cfg.Jitter > 0 {
		jitterRange := delay * b.cfg.Jitter
		jitter := (float64(time.Now().UnixNano()%1000)/1000.0 - 0.5) * 2 * jitterRange
		if delay+jitter > 0 {
			delay += jitter
		}
	}

	return time.Duration(delay)
}
